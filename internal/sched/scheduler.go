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

// Package sched implements the two serial execution contexts spec.md §4.1
// requires: the packets context (every call into the engine) and the
// connections context (every upper-layer-facing callback). Both are plain
// goroutines draining a work queue; PerformSync/PerformAsync avoid hopping
// (and deadlocking) when the caller is already on the target context.
package sched

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Context identifies one of the two serial execution contexts.
type Context int

const (
	// Packets is the context every engine call must run on.
	Packets Context = iota
	// Connections is the context every upper-layer callback runs on.
	Connections
)

// DefaultTimerInterval is the engine's periodic timeout tick, spec.md §6.
const DefaultTimerInterval = 250 * time.Millisecond

// goroutineID returns the runtime-assigned id of the calling goroutine. It is
// the only reliable way to confine a check to "this exact goroutine" without
// threading a context value through every call site — real goroutine ids are
// unique and stable for a goroutine's lifetime, unlike a shared flag or tag,
// which cannot distinguish "this loop's own goroutine is calling back into
// itself" from "some unrelated goroutine happened to observe the loop busy".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// loop is one serial execution context: a single dedicated goroutine that
// drains fn from a channel in FIFO order, one at a time, for the lifetime of
// the Scheduler that owns it.
type loop struct {
	ctx  Context
	work chan func()
	done chan struct{}

	// runnerID is the goroutine id of this loop's one dedicated goroutine,
	// recorded once before it enters its dispatch loop and never mutated
	// again. Comparing against it is what lets isCurrent tell a nested,
	// same-goroutine call apart from a merely-concurrent one on a
	// different loop or an unrelated caller.
	runnerID atomic.Uint64
}

func newLoop(ctx Context) *loop {
	return &loop{
		ctx:  ctx,
		work: make(chan func(), 1024),
		done: make(chan struct{}),
	}
}

func (l *loop) run() {
	l.runnerID.Store(goroutineID())
	for {
		select {
		case fn := <-l.work:
			fn()
		case <-l.done:
			// Drain whatever is already queued before exiting so in-flight
			// callbacks complete, matching spec.md §5's "in-flight callbacks
			// may still run until the context drains".
			for {
				select {
				case fn := <-l.work:
					fn()
				default:
					return
				}
			}
		}
	}
}

// isCurrent reports whether the calling goroutine IS this loop's own
// dedicated goroutine — true only when the call is nested inside a closure
// this very loop is already executing, never merely because the loop happens
// to be busy at the same moment on some other goroutine.
func (l *loop) isCurrent() bool {
	id := l.runnerID.Load()
	return id != 0 && id == goroutineID()
}

func (l *loop) submit(fn func()) {
	l.work <- fn
}

// Scheduler owns the packets and connections contexts plus the engine's
// periodic timer. One Scheduler is created per Stack (spec.md's "Single
// global instance" is realized as one Scheduler per process-wide Stack
// singleton, see stack.go).
type Scheduler struct {
	packets     *loop
	connections *loop

	mu      sync.Mutex
	running bool
	ticker  *time.Ticker
	tickerC chan struct{}

	// TickInterval overrides DefaultTimerInterval; zero means use the
	// default. Set before calling Start.
	TickInterval time.Duration
	// OnTick is invoked on the packets context every tick.
	OnTick func()
}

// New constructs a Scheduler and starts its two context goroutines. The
// goroutines run for the lifetime of the Scheduler; Stop only disarms the
// timer, per spec.md §4.1 ("start arms the timer; stop disarms it").
func New() *Scheduler {
	s := &Scheduler{
		packets:     newLoop(Packets),
		connections: newLoop(Connections),
	}
	activeMu.Lock()
	activePackets = s.packets
	activeConnections = s.connections
	activeMu.Unlock()
	go s.packets.run()
	go s.connections.run()
	return s
}

// PerformSync runs fn on ctx and blocks until it completes. If the caller is
// already on ctx, fn runs inline (no hop), preventing deadlock and redundant
// scheduling, per spec.md §4.1.
func (s *Scheduler) PerformSync(ctx Context, fn func()) {
	l := s.loopFor(ctx)
	if l.isCurrent() {
		fn()
		return
	}
	done := make(chan struct{})
	l.submit(func() {
		defer close(done)
		fn()
	})
	<-done
}

// PerformAsync schedules fn on ctx without waiting. If the caller is already
// on ctx, fn runs inline and synchronously — spec.md directs that the hop be
// a no-op in that case, and a same-context "async" call has nothing left to
// defer.
func (s *Scheduler) PerformAsync(ctx Context, fn func()) {
	l := s.loopFor(ctx)
	if l.isCurrent() {
		fn()
		return
	}
	l.submit(fn)
}

func (s *Scheduler) loopFor(ctx Context) *loop {
	if ctx == Packets {
		return s.packets
	}
	return s.connections
}

// active tracks the loops of whichever Scheduler was most recently
// constructed, so the package-level OnContext/assertPackets/assertConnections
// call sites (which have no Scheduler reference to hand) can still answer
// "is the caller on this context". This relies on the same one-active-
// Scheduler-per-process invariant the Stack singleton already enforces (see
// stack.go's processActive) — it is live from New, not gated behind Start.
var (
	activeMu          sync.Mutex
	activePackets     *loop
	activeConnections *loop
)

func OnContext(ctx Context) bool {
	activeMu.Lock()
	l := activePackets
	if ctx == Connections {
		l = activeConnections
	}
	activeMu.Unlock()
	return l != nil && l.isCurrent()
}

// Start arms the periodic timer. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	interval := s.TickInterval
	if interval <= 0 {
		interval = DefaultTimerInterval
	}
	s.running = true
	s.ticker = time.NewTicker(interval)
	s.tickerC = make(chan struct{})
	tickerC := s.tickerC
	ticker := s.ticker
	go func() {
		for {
			select {
			case <-ticker.C:
				s.PerformAsync(Packets, func() {
					if s.OnTick != nil {
						s.OnTick()
					}
				})
			case <-tickerC:
				return
			}
		}
	}()
}

// Stop disarms the timer. Idempotent. OnTick does not run again until the
// next Start; packet input is not gated by the Scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.ticker.Stop()
	close(s.tickerC)
}

// Close permanently shuts down both execution contexts. Unlike Stop/Start,
// this is not meant to be reversible — it is used when the owning Stack is
// being destroyed.
func (s *Scheduler) Close() {
	s.Stop()
	close(s.packets.done)
	close(s.connections.done)

	activeMu.Lock()
	if activePackets == s.packets {
		activePackets = nil
	}
	if activeConnections == s.connections {
		activeConnections = nil
	}
	activeMu.Unlock()
}
