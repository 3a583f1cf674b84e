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
	"bytes"

	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/tunforge/tunforge/internal/sched"
)

// WriteResult reports the outcome of a write, spec.md §4.4.
type WriteResult struct {
	Written int
	Status  Status
}

// WriteBytes enqueues ptr[:n] into the engine's send buffer, spec.md §4.4.
// 0 < n <= 65535, else Overflow. Idle/Terminated yields Closed;
// Active/Closing accepts. Suspends to the packets context.
func (c *Connection) WriteBytes(p []byte) WriteResult {
	if len(p) == 0 || len(p) > 65535 {
		return WriteResult{Status: Overflow}
	}
	var result WriteResult
	c.br.sched.PerformSync(sched.Packets, func() {
		result = c.writeLocked(p)
	})
	return result
}

// WriteData is an alias of WriteBytes taking a *bytes.Buffer, for callers
// coming from an NSData-like compatibility layer (spec.md §6).
func (c *Connection) WriteData(data *bytes.Buffer) WriteResult {
	return c.WriteBytes(data.Bytes())
}

// writeLocked performs the actual enqueue. MUST run on the packets context.
func (c *Connection) writeLocked(p []byte) WriteResult {
	assertPackets("writeLocked")
	switch c.State() {
	case Idle:
		return WriteResult{Status: Closed}
	case Terminated:
		return WriteResult{Status: Closed}
	}

	n, err := c.ep.Write(bytes.NewReader(p), tcpip.WriteOptions{})
	if err != nil {
		if _, ok := err.(*tcpip.ErrWouldBlock); ok {
			c.setWritable(false)
			return WriteResult{Status: WouldBlock}
		}
		c.terminate(ReasonAbort)
		return WriteResult{Status: Err}
	}

	written := int(n)
	c.bytesSent.Add(uint64(written))
	c.segmentsSent.Add(1)
	c.pendingUnacked.Add(int64(written))
	c.requestOutputFlush()
	return WriteResult{Written: written, Status: OK}
}

// requestOutputFlush asks the engine to flush pending output, coalesced per
// packets-context turn the way spec.md §4.4 describes. gVisor's stack
// flushes opportunistically as part of Write/the NIC dispatch loop, so this
// is a no-op hook kept for symmetry with the spec and as an extension point
// for engines that need an explicit flush call.
func (c *Connection) requestOutputFlush() {}

// setWritable updates the writable bit and fires OnWritableChanged only on
// an edge (monotonicity: no two consecutive identical values, spec.md §8
// invariant 4).
func (c *Connection) setWritable(writable bool) {
	if !c.writable.CompareAndSwap(!writable, writable) {
		return
	}
	c.br.sched.PerformAsync(sched.Connections, func() {
		if f := c.OnWritableChanged; f != nil {
			f(c, writable)
		}
	})
}

// pollWritability fires the writable=true edge whenever it is called with
// readable set, and drains the unacked-byte counter into OnSentBytes. It
// does not inspect how much of the send buffer is free (no MSS check) and
// never sets writable to false; the only writable=false edge comes from a
// WouldBlock in writeLocked.
//
// Called only from the engine-event dispatcher (connection_close.go), each
// time the endpoint reports EventOut.
func (c *Connection) pollWritability(readable bool) {
	if c.ep == nil {
		return
	}
	if readable {
		c.setWritable(true)
		c.drainSentBytes()
	}
}

// drainSentBytes approximates spec.md's onSentBytes(conn, len): an EventOut
// from the engine is taken as evidence that previously-enqueued bytes were
// transmitted and acknowledged. gVisor
// exposes no direct per-write ack callback on the public tcpip.Endpoint, so
// TunForge treats every writable-edge-to-true as "drain whatever is
// currently tracked as unacked", which preserves invariant 5 (total
// OnSentBytes <= total bytes accepted by WriteBytes) without needing an
// unavailable API (see DESIGN.md).
func (c *Connection) drainSentBytes() {
	n := c.pendingUnacked.Swap(0)
	if n <= 0 {
		return
	}
	c.br.sched.PerformAsync(sched.Connections, func() {
		if f := c.OnSentBytes; f != nil {
			f(c, int(n))
		}
	})
}
