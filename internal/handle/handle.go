// TunForge
// Copyright (C) 2026 TunForge Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package handle implements the stable, reference-countable token that is
// threaded through the engine's per-PCB extra-argument slots (see
// internal/extarg). A Handle carries a weak reference to a native Go object
// (a Stack or a Connection) plus a liveness bit that is flipped exactly once,
// on the packets context, when the native object is going away.
package handle

import (
	"sync"

	"go.uber.org/atomic"
)

// Handle is a weak reference to a native object, reference-counted by the
// engine's retain-on-bind / release-in-destroy discipline (internal/extarg).
// The zero value is not usable; construct with New.
type Handle struct {
	alive atomic.Bool
	refs  atomic.Int32

	mu     sync.RWMutex
	target any

	closeOnce sync.Once
	onDead    func()
}

// New wraps target (a *tunforge.Stack or *tunforge.Connection, by convention of the
// caller) in a live Handle with one implicit reference held by the caller.
func New(target any) *Handle {
	h := &Handle{target: target}
	h.alive.Store(true)
	h.refs.Store(1)
	return h
}

// Retain increments the reference count. Called by internal/extarg.Bind*
// when the engine stores the handle in a PCB slot.
func (h *Handle) Retain() {
	h.refs.Inc()
}

// Release decrements the reference count. Called exactly once per retain by
// the engine's destroy callback (internal/extarg). The final release runs
// onDead, if one was set via OnFinalRelease.
func (h *Handle) Release() {
	if h.refs.Dec() == 0 {
		h.closeOnce.Do(func() {
			if f := h.onDead; f != nil {
				f()
			}
		})
	}
}

// OnFinalRelease registers a callback invoked the first time the reference
// count reaches zero. Must be called before the handle is shared.
func (h *Handle) OnFinalRelease(f func()) {
	h.onDead = f
}

// MarkDead flips the liveness bit. MUST be called only on the packets
// context. Once dead, Target always returns nil, even though the Handle
// itself remains valid (and ref-counted) until the engine's destroy
// callback runs.
func (h *Handle) MarkDead() {
	h.alive.Store(false)
	h.mu.Lock()
	h.target = nil
	h.mu.Unlock()
}

// Alive reports the liveness bit. Readers may observe staleness; callers
// that intend to dereference Target must re-check Alive on the packets
// context immediately before using the result, per the data-model invariant
// in spec.md §3.
func (h *Handle) Alive() bool {
	return h.alive.Load()
}

// Target returns the wrapped native object, or nil if the handle has been
// marked dead. Safe to call from any goroutine; the nil-ness is only a
// point-in-time snapshot unless called on the packets context.
func (h *Handle) Target() any {
	if !h.alive.Load() {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.target
}
