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
	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/tunforge/tunforge/internal/sched"
)

// sliceCollector is an io.Writer that records the slices gVisor's
// tcpip.Endpoint.Read hands it instead of copying them into a second
// buffer, so the batch delivered to OnReadableBytes is exactly what the
// engine produced — the closest a public tcpip.Endpoint.Read can get to the
// spec's "zero-copy receive" (see DESIGN.md, Open Question 1).
type sliceCollector struct {
	slices [][]byte
	total  int
}

func (c *sliceCollector) Write(p []byte) (int, error) {
	c.slices = append(c.slices, p)
	c.total += len(p)
	return len(p), nil
}

// SetInboundDeliveryEnabled toggles the inbound-delivery gate (spec.md
// §4.4, Glossary). While closed, no OnReadable*/OnReadEOF fires and no
// receive credit is returned — bytes simply accumulate, unread, inside the
// engine's own receive queue, which is how its window stops growing
// (spec.md §8 invariant 7). Idempotent; re-opening retries any pending
// delivery first. Suspends to the packets context if called off of it.
func (c *Connection) SetInboundDeliveryEnabled(enabled bool) {
	c.br.sched.PerformSync(sched.Packets, func() {
		wasOpen := c.gateOpen.Swap(enabled)
		if enabled && !wasOpen {
			c.pumpReceive()
		}
	})
}

// startReceivePump kicks off the first receive attempt once a connection
// becomes Active. Runs on the connections context (called from markActive's
// callback) but only schedules work on the packets context.
func (c *Connection) startReceivePump() {
	c.br.sched.PerformAsync(sched.Packets, c.pumpReceive)
}

// pumpReceive pulls one batch out of the engine's receive queue and hands
// it to the upper layer, if the gate is open and no batch is already
// awaiting its completion(). MUST run on the packets context.
func (c *Connection) pumpReceive() {
	assertPackets("pumpReceive")
	if c.terminated.Load() {
		return
	}
	// onActivated happens-before every onReadable*/onReadEOF (spec.md §5):
	// a SYN's data can arrive, and the engine can report it readable,
	// before the upper layer has even decided to accept the flow.
	if c.State() == Idle {
		return
	}
	if !c.gateOpen.Load() {
		return
	}
	c.pendingReadMu.Lock()
	if c.pendingBatch {
		c.pendingReadMu.Unlock()
		return
	}
	c.pendingReadMu.Unlock()

	var collector sliceCollector
	res, err := c.ep.Read(&collector, tcpip.ReadOptions{})
	if err != nil {
		switch err.(type) {
		case *tcpip.ErrWouldBlock:
			return
		case *tcpip.ErrClosedForReceive:
			c.fireReadEOF()
			// A GracefulClose already sent our FIN and is waiting on the
			// remote's; this is that FIN arriving, so the exchange is now
			// complete (spec.md §4.4, reason Close).
			if c.gracefulClosing.Load() {
				c.terminate(ReasonClose)
			}
			return
		default:
			c.terminate(ReasonAbort)
			return
		}
	}
	if res.Count == 0 {
		return
	}

	c.segmentsRecv.Add(1)
	c.bytesReceived.Add(uint64(res.Count))

	c.pendingReadMu.Lock()
	c.pendingBatch = true
	c.pendingReadMu.Unlock()

	slices, total := collector.slices, collector.total
	completion := c.makeCompletion(total)

	c.br.sched.PerformAsync(sched.Connections, func() {
		switch {
		case c.OnReadableBytes != nil:
			c.OnReadableBytes(c, slices, len(slices), total, completion)
		case c.OnReadable != nil:
			buf := make([]byte, 0, total)
			for _, s := range slices {
				buf = append(buf, s...)
			}
			c.OnReadable(c, buf)
			completion()
		default:
			// No handler installed yet: credit immediately so the engine
			// doesn't stall waiting on an upper layer that will never read.
			completion()
		}
	})
}

// makeCompletion returns the completion closure spec.md §4.4 requires the
// upper layer to call exactly once. It credits the engine's receive window
// via Endpoint.ModerateRecvBuf — the one public gVisor API whose purpose
// (tell the stack how many bytes were actually consumed so it can retune
// the window) matches spec.md's "receive credit" concept, see DESIGN.md.
func (c *Connection) makeCompletion(total int) func() {
	return func() {
		c.br.sched.PerformSync(sched.Packets, func() {
			if c.ep != nil {
				c.ep.ModerateRecvBuf(total)
			}
			c.pendingReadMu.Lock()
			c.pendingBatch = false
			c.pendingReadMu.Unlock()
			// More data (or a queued FIN) may already be waiting.
			c.pumpReceive()
		})
	}
}

// fireReadEOF fires OnReadEOF exactly once. A FIN with no pending send data
// does not by itself terminate the connection (spec.md §4.4) — it leaves
// the connection Active until the local side also closes.
func (c *Connection) fireReadEOF() {
	if !c.readEOFFired.CompareAndSwap(false, true) {
		return
	}
	c.br.sched.PerformAsync(sched.Connections, func() {
		if f := c.OnReadEOF; f != nil {
			f(c)
		}
	})
}
