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

package tunforge

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/tunforge/tunforge/internal/extarg"
	"github.com/tunforge/tunforge/internal/sched"
)

// State is one of {Idle, Active, Closing, Terminated}, spec.md §3.
type State int

const (
	Idle State = iota
	Active
	Closing
	Terminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Active:
		return "Active"
	case Closing:
		return "Closing"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// FlowID is the immutable 4-tuple captured at accept time, spec.md §3.
type FlowID struct {
	SrcIP   string
	SrcPort uint16
	DstIP   string
	DstPort uint16
}

// Connection is the per-flow lifecycle object of spec.md §4.4: activation,
// zero-copy receive with credit-return, bounded write with backpressure,
// half-close, graceful close, abort, and exactly-once termination.
//
// Every exported method is safe to call from any goroutine; each hops to
// the packets context as needed (spec.md §5, "Suspension points"). Every
// handler field is invoked on the connections context, never concurrently
// with another handler of the same Connection, and OnTerminated is always
// the last callback to fire.
type Connection struct {
	flow FlowID

	br  *Bridge
	key extarg.Key

	ep tcpip.Endpoint
	wq *waiter.Queue

	state      atomic.Int32 // guarded transitions via CAS below
	reason     atomic.Int32
	writable   atomic.Bool
	gateOpen   atomic.Bool
	terminated atomic.Bool // single atomic test-and-set, spec.md §4.4

	activatedFired  atomic.Bool
	decided         atomic.Bool // accept/reject decided exactly once
	readEOFFired    atomic.Bool
	gracefulClosing atomic.Bool // GracefulClose is in flight, awaiting the remote FIN
	pendingBatch    bool        // a batch is awaiting its completion() call
	pendingReadMu   sync.Mutex
	closeOnce       sync.Once
	gracefulTimer   *time.Timer
	waitEntry       waiter.Entry
	notifyCh        <-chan struct{}
	notifyStop      chan struct{}

	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	segmentsSent   atomic.Uint64
	segmentsRecv   atomic.Uint64
	pendingUnacked atomic.Int64

	// Handlers. Set by the upper layer before (or from within) the accept
	// decision callback; all fire on the connections context. spec.md §6.
	OnActivated       func(conn *Connection)
	OnReadable        func(conn *Connection, data []byte)
	OnReadableBytes   func(conn *Connection, slices [][]byte, count int, totalLength int, completion func())
	OnWritableChanged func(conn *Connection, writable bool)
	OnSentBytes       func(conn *Connection, n int)
	OnReadEOF         func(conn *Connection)
	OnTerminated      func(conn *Connection, reason Reason)
}

func newConnection(br *Bridge, flow FlowID) *Connection {
	c := &Connection{flow: flow, br: br}
	c.state.Store(int32(Idle))
	c.reason.Store(int32(ReasonNone))
	c.gateOpen.Store(true)
	return c
}

// Flow returns the connection's immutable 4-tuple.
func (c *Connection) Flow() FlowID { return c.flow }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// TerminationReason returns the reason for termination, or ReasonNone if the
// connection has not terminated.
func (c *Connection) TerminationReason() Reason { return Reason(c.reason.Load()) }

// Writable reports the last writability edge delivered via OnWritableChanged.
func (c *Connection) Writable() bool { return c.writable.Load() }

// Stats returns a snapshot of this connection's transfer counters. RTT is
// left zero: gVisor's public tcpip.Endpoint exposes no verified,
// version-stable accessor for the engine's smoothed RTT estimate at this
// pinned commit, and guessing at one without being able to build and run
// the toolchain risks a silent wrong value rather than an honest zero (see
// DESIGN.md).
func (c *Connection) Stats() ConnStats {
	return ConnStats{
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		SegmentsSent:     c.segmentsSent.Load(),
		SegmentsReceived: c.segmentsRecv.Load(),
	}
}

// bind attaches the live gVisor endpoint once the handshake has completed.
// Called from the Stack Bridge's forwarder handler, on the forwarder's own
// goroutine, before the connection is registered or handed to the Delegate.
func (c *Connection) bind(ep tcpip.Endpoint, wq *waiter.Queue, notifyCh <-chan struct{}) {
	c.ep = ep
	c.wq = wq
	c.notifyCh = notifyCh
	c.notifyStop = make(chan struct{})
	c.writable.Store(true)
	go c.watchEngineEvents()
}

// acceptDecision is invoked exactly once in response to the upper layer's
// accept handler, spec.md §6. accept=true transitions Idle->Active;
// accept=false aborts with reason Reset and no OnActivated fires, per
// spec.md §8 invariant 8.
func (c *Connection) acceptDecision(accept bool) {
	if !c.decided.CompareAndSwap(false, true) {
		wrongContext("accept handler invoked more than once")
	}
	c.br.sched.PerformSync(sched.Packets, func() {
		if accept {
			c.markActive()
		} else {
			c.br.stats.totalRejected.Add(1)
			c.abortLocked()
		}
	})
}

// markActive transitions Idle->Active and fires OnActivated exactly once on
// the connections context. MUST run on the packets context.
func (c *Connection) markActive() {
	assertPackets("markActive")
	if !c.state.CompareAndSwap(int32(Idle), int32(Active)) {
		return
	}
	c.br.stats.totalAccepted.Add(1)
	c.br.sched.PerformAsync(sched.Connections, func() {
		if c.activatedFired.CompareAndSwap(false, true) {
			if f := c.OnActivated; f != nil {
				f(c)
			}
		}
		c.startReceivePump()
	})
}

func assertPackets(op string) {
	if !sched.OnContext(sched.Packets) {
		wrongContext(op)
	}
}

func assertConnections(op string) {
	if !sched.OnContext(sched.Connections) {
		wrongContext(op)
	}
}
