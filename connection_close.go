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
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/tunforge/tunforge/internal/sched"
)

// aborter is satisfied by gVisor's tcp endpoint, which exposes Abort() in
// addition to the generic tcpip.Endpoint interface. Asserted for rather than
// depended on directly so a future engine swap that lacks it degrades to a
// plain Close() instead of failing to build.
type aborter interface {
	Abort()
}

// ShutdownWrite half-closes the connection: send a FIN, keep receiving,
// spec.md §4.4. No-op unless Active.
func (c *Connection) ShutdownWrite() {
	c.br.sched.PerformSync(sched.Packets, func() {
		if c.State() != Active {
			return
		}
		c.ep.Shutdown(tcpip.ShutdownWrite)
		c.state.CompareAndSwap(int32(Active), int32(Closing))
	})
}

// GracefulClose performs a full close: FIN out, then waits for the engine to
// complete the exchange before tearing down — terminating with reason Close
// once both directions have seen a FIN (spec.md §4.4). If the upper layer
// never sees termination, GracefulCloseTimeout (default 5000ms, spec.md
// §4.4) escalates to abort. No-op if Idle or Terminated; a repeated call
// while Closing re-arms nothing (the timer is armed at most once).
func (c *Connection) GracefulClose() {
	c.br.sched.PerformSync(sched.Packets, func() {
		switch c.State() {
		case Idle, Terminated:
			return
		}
		if c.ep != nil {
			c.ep.Shutdown(tcpip.ShutdownWrite)
		}
		c.state.CompareAndSwap(int32(Active), int32(Closing))

		// The remote may have already sent its FIN before we called
		// GracefulClose (fireReadEOF already latched); our own FIN just
		// sent completes the exchange right now.
		if c.readEOFFired.Load() {
			c.terminate(ReasonClose)
			return
		}
		c.gracefulClosing.Store(true)
		c.armGracefulTimer()
	})
}

// armGracefulTimer starts the escalation timer exactly once per connection.
// MUST run on the packets context.
func (c *Connection) armGracefulTimer() {
	if c.gracefulTimer != nil {
		return
	}
	d := c.br.cfg.Engine.GracefulCloseTimeout
	if d <= 0 {
		d = DefaultEngineConfig().GracefulCloseTimeout
	}
	c.gracefulTimer = time.AfterFunc(d, func() {
		c.br.sched.PerformSync(sched.Packets, func() {
			c.abortLocked()
		})
	})
}

// Abort sends an immediate RST and terminates with reason Reset, spec.md
// §4.4. Idempotent.
func (c *Connection) Abort() {
	c.br.sched.PerformSync(sched.Packets, func() {
		c.abortLocked()
	})
}

// abortLocked is the engine-touching half of Abort, also used by the reject
// path of acceptDecision and by the graceful-close timeout. MUST run on the
// packets context.
func (c *Connection) abortLocked() {
	assertPackets("abortLocked")
	if c.terminated.Load() {
		return
	}
	if c.ep != nil {
		if a, ok := c.ep.(aborter); ok {
			a.Abort()
		}
	}
	c.terminate(ReasonReset)
}

// terminate is the single funnel every one of spec.md §4.4's five
// termination races passes through: local close completing, a remote RST,
// an engine error, the PCB/handle going dead, and the graceful-close
// timeout. c.terminated is the test-and-set that makes it exactly-once
// (spec.md §8 invariant: OnTerminated fires at most once per connection).
// MUST run on the packets context.
func (c *Connection) terminate(reason Reason) {
	assertPackets("terminate")
	if !c.terminated.CompareAndSwap(false, true) {
		return
	}
	c.reason.Store(int32(reason))
	c.state.Store(int32(Terminated))

	if c.gracefulTimer != nil {
		c.gracefulTimer.Stop()
		c.gracefulTimer = nil
	}
	c.closeOnce.Do(func() {
		if c.notifyStop != nil {
			close(c.notifyStop)
		}
	})
	if c.wq != nil {
		c.wq.EventUnregister(&c.waitEntry)
	}
	if c.ep != nil {
		c.ep.Close()
	}
	c.br.unregisterLive(c)
	c.br.extargs.Destroy(c.key)

	c.br.sched.PerformAsync(sched.Connections, func() {
		if f := c.OnTerminated; f != nil {
			f(c, reason)
		}
	})
}

// watchEngineEvents funnels gVisor's waiter notifications onto the packets
// context, one handleEngineEvent per wakeup, until the connection
// terminates. Spawned from bind().
func (c *Connection) watchEngineEvents() {
	for {
		select {
		case <-c.notifyCh:
			c.br.sched.PerformAsync(sched.Packets, c.handleEngineEvent)
		case <-c.notifyStop:
			return
		}
	}
}

// handleEngineEvent inspects the endpoint's readiness mask and dispatches to
// the receive pump, the writability poll, or termination. MUST run on the
// packets context.
func (c *Connection) handleEngineEvent() {
	assertPackets("handleEngineEvent")
	if c.terminated.Load() || c.ep == nil {
		return
	}

	mask := c.ep.Readiness(waiter.EventIn | waiter.EventOut | waiter.EventHUp | waiter.EventErr)

	if mask&waiter.EventErr != 0 {
		reason := ReasonAbort
		if _, ok := c.ep.LastError().(*tcpip.ErrConnectionReset); ok {
			reason = ReasonReset
		}
		c.terminate(reason)
		return
	}
	if mask&waiter.EventIn != 0 {
		c.pumpReceive()
	}
	if mask&waiter.EventOut != 0 {
		c.pollWritability(true)
	}
	if mask&waiter.EventHUp != 0 {
		// A FIN with no pending send is not itself a termination (spec.md
		// §4.4); draining here surfaces it as fireReadEOF via pumpReceive's
		// ErrClosedForReceive branch.
		c.pumpReceive()
	}
}
