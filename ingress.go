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
	"context"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/tunforge/tunforge/internal/batch"
	"github.com/tunforge/tunforge/internal/sched"
)

// SetOutboundHandler registers fn as the recipient of every batch the
// Packet Batcher flushes (spec.md §4.5 and §6: two equal-length ordered
// sequences, packets[i] paired with families[i]). fn runs on the
// connections context; it must not block for long. Replacing it is not
// synchronized with in-flight batches — callers that need that should
// install it before InputPacket is first called.
func (br *Stack) SetOutboundHandler(fn func(packets [][]byte, families []batch.Family)) {
	br.outMu.Lock()
	br.outFunc = fn
	br.outMu.Unlock()
}

// deliverOutboundBatch is the Packet Batcher's flush callback, already
// hopped to the connections context by the wrapper installed in New.
func (br *Stack) deliverOutboundBatch(packets []batch.Packet) {
	br.outMu.Lock()
	fn := br.outFunc
	br.outMu.Unlock()
	if fn == nil {
		return
	}
	bytesOut := make([][]byte, len(packets))
	families := make([]batch.Family, len(packets))
	for i, p := range packets {
		bytesOut[i] = p.Bytes
		families[i] = p.Family
	}
	fn(bytesOut, families)
}

// InputPacket feeds one raw IPv4 datagram into the engine, spec.md §4.2.
// Safe to call from any goroutine; never blocks on the packets context
// longer than it takes gVisor to enqueue the packet on its NIC's inbound
// queue. The enqueue is hopped to the packets context (spec.md §4.2, §5).
// The forwarder handles each new SYN on a goroutine of its own, so
// handleTCP hops its extarg.Registry mutation back to the packets context,
// where it cannot race terminate's extargs.Destroy on the same registry.
func (br *Stack) InputPacket(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if classifyFamily(data) != batch.INET {
		br.stats.packetsDropped.Add(1)
		return trace.Errorf("tunforge: only IPv4 packets are supported")
	}

	owned := append([]byte(nil), data...)
	br.sched.PerformSync(sched.Packets, func() {
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(owned),
		})
		defer pkt.DecRef()
		br.linkEndpoint.InjectInbound(ipv4.ProtocolNumber, pkt)
	})
	return nil
}

// Run drives the outbound packet pump — draining whatever the embedded
// engine writes back out its virtual NIC into the Packet Batcher — until
// ctx is canceled or the Stack is closed. Generalizes vnet.go's
// errgroup-based Run/forwardNetstackToTUN pair to a batched, TUN-agnostic
// handoff (spec.md §4.5: the upper layer, not the Stack, owns the TUN
// device and its write loop).
func (br *Stack) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return br.pumpOutbound(ctx)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-br.destroyed:
		}
		br.linkEndpoint.Close()
		return ctx.Err()
	})

	return g.Wait()
}

// pumpOutbound reads every packet the engine's virtual NIC produces and
// hands it to the batcher on the packets context, spec.md §4.5.
func (br *Stack) pumpOutbound(ctx context.Context) error {
	for {
		pkt := br.linkEndpoint.ReadContext(ctx)
		if pkt == nil {
			return ctx.Err()
		}
		view := pkt.ToBuffer()
		data := view.Flatten()
		pkt.DecRef()

		family := classifyFamily(data)
		br.sched.PerformAsync(sched.Packets, func() {
			br.batcher.Append(batch.Packet{Bytes: data, Family: family})
		})
	}
}

// classifyFamily inspects the IP version nibble, spec.md §6.
func classifyFamily(b []byte) batch.Family {
	if len(b) == 0 {
		return batch.OtherFamily
	}
	switch b[0] >> 4 {
	case 4:
		return batch.INET
	case 6:
		return batch.INET6
	default:
		return batch.OtherFamily
	}
}
