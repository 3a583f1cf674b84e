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

// Package extarg is a thin stand-in for the engine's per-PCB extended
// argument facility (lwIP's tcp_ext_arg_*, see
// original_source/Sources/Lwip/custom/tunforge_extarg_registry.c). gVisor's
// tcpip.Endpoint has no equivalent slot table, so TunForge keeps its own
// side table keyed by a stable handle key that is stamped onto the PCB
// identity at bind time and erased exactly once by the destroy path.
package extarg

import "github.com/tunforge/tunforge/internal/handle"

// Slot indices, matching spec.md §4.3. The engine config (in lwIP terms)
// must reserve at least this many ext-arg slots; gVisor needs no equivalent
// reservation since the table lives entirely in this package.
const (
	StackSlot      = 0
	ConnectionSlot = 1
)

const numSlots = 2

// Key identifies one PCB's ext-arg row. In lwIP this would be the PCB
// pointer itself; here it is whatever stable identity the Stack Bridge
// assigns a flow at forwarder-request time (see stack.go), typically the
// gVisor transport endpoint ID tuple or a monotonic counter.
type Key uint64

// Registry binds handles into PCB slots, enforcing bind-once-per-slot and
// release-exactly-once-per-bind. All methods MUST be called on the packets
// context only (spec.md §4.3); the registry itself does no locking, relying
// entirely on context confinement, matching spec.md §5 "Locking: None
// required beyond context confinement".
type Registry struct {
	rows map[Key]*row
}

type row [numSlots]*handle.Handle

// New returns an empty registry.
func New() *Registry {
	return &Registry{rows: make(map[Key]*row)}
}

// Bind retains h and stores it in slot for key. Re-binding an already-bound
// slot is a programmer error (spec.md §4.3 invariant) and panics, matching
// the "ProgrammerError ... in release builds aborts the process" policy of
// spec.md §7.
func (r *Registry) Bind(key Key, slot int, h *handle.Handle) {
	ro := r.rows[key]
	if ro == nil {
		ro = &row{}
		r.rows[key] = ro
	}
	if ro[slot] != nil {
		panic("extarg: slot already bound")
	}
	h.Retain()
	ro[slot] = h
}

// BindStack is a convenience wrapper for Bind(key, StackSlot, h).
func (r *Registry) BindStack(key Key, h *handle.Handle) { r.Bind(key, StackSlot, h) }

// BindConnection is a convenience wrapper for Bind(key, ConnectionSlot, h).
func (r *Registry) BindConnection(key Key, h *handle.Handle) { r.Bind(key, ConnectionSlot, h) }

// Get returns the handle bound to slot for key, or nil if unbound.
func (r *Registry) Get(key Key, slot int) *handle.Handle {
	ro := r.rows[key]
	if ro == nil {
		return nil
	}
	return ro[slot]
}

// GetStack is a convenience wrapper for Get(key, StackSlot).
func (r *Registry) GetStack(key Key) *handle.Handle { return r.Get(key, StackSlot) }

// GetConnection is a convenience wrapper for Get(key, ConnectionSlot).
func (r *Registry) GetConnection(key Key) *handle.Handle { return r.Get(key, ConnectionSlot) }

// Destroy is the sole path that balances every Bind call for key: it
// releases every bound slot exactly once and drops the row. This is the
// registry-side half of the engine's PCB-destroy callback; the caller (the
// Stack Bridge) invokes Destroy from whatever gVisor notifies as PCB
// teardown (waiter.EventHUp / EventErr, or explicit endpoint Close).
func (r *Registry) Destroy(key Key) {
	ro := r.rows[key]
	if ro == nil {
		return
	}
	delete(r.rows, key)
	for _, h := range ro {
		if h != nil {
			h.Release()
		}
	}
}
