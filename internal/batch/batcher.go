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

// Package batch implements the Packet Batcher (spec.md §4.5): it coalesces
// outbound IP datagrams produced by the engine and flushes them to the
// upper layer as one batch per tick, or sooner if a byte/packet threshold
// is crossed. Generalizes vnet.go's forwardNetstackToTUN, which wrote one
// packet to the TUN device per loop iteration — spec.md requires batching
// rather than per-packet handoff.
package batch

import (
	"sync"
	"time"
)

// Family identifies the address family of a batched packet, spec.md §6.
type Family int

const (
	INET Family = iota
	INET6
	OtherFamily
)

// Packet is one outbound IP datagram, captured as an owned byte slice (the
// gVisor *stack.PacketBuffer it came from has already been released by the
// time it reaches the Batcher — see pumpOutbound in ingress.go).
type Packet struct {
	Bytes  []byte
	Family Family
}

// Config controls flush thresholds, spec.md §4.5. Zero thresholds fall back
// to the documented defaults. Plain struct, no options functions, matching the
// teacher's TCPServer/UDPServer field-by-field configuration style.
type Config struct {
	// BatchBytesThreshold flushes once pending bytes exceed this value.
	BatchBytesThreshold int
	// BatchCountThreshold flushes once pending packets exceed this value.
	BatchCountThreshold int
	// FlushInterval is the scheduled flush period. Zero means immediate
	// (low-latency) mode: every appended packet flushes right away. A
	// negative value selects the default period of 10ms.
	FlushInterval time.Duration
}

const (
	defaultBatchBytesThreshold = 64 * 1024
	defaultBatchCountThreshold = 64
	defaultFlushInterval       = 10 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.BatchBytesThreshold <= 0 {
		c.BatchBytesThreshold = defaultBatchBytesThreshold
	}
	if c.BatchCountThreshold <= 0 {
		c.BatchCountThreshold = defaultBatchCountThreshold
	}
	if c.FlushInterval < 0 {
		c.FlushInterval = defaultFlushInterval
	}
	return c
}

// Batcher accumulates outbound packets and flushes them in FIFO order.
// Append MUST be called only on the packets context (spec.md §5); Flush's
// callback runs on whatever context the owner arranges (the Stack Bridge
// hops it to the connections context, per spec.md §4.2's outboundHandler
// contract).
type Batcher struct {
	cfg Config

	mu      sync.Mutex
	pending []Packet
	bytes   int

	timer *time.Timer

	// Handler receives one flushed batch. Must not block for long; it runs
	// on whichever goroutine triggered the flush (the Append or TriggerFlush
	// caller, or the scheduled-flush timer).
	Handler func(packets []Packet)
}

// New constructs a Batcher with cfg (defaults applied for zero fields).
func New(cfg Config) *Batcher {
	b := &Batcher{cfg: cfg.withDefaults()}
	return b
}

// Append adds one outbound packet to the pending batch, flushing
// immediately if a threshold is crossed or the configured FlushInterval is
// zero (low-latency mode). Safe to call repeatedly from the packets
// context; never drops a packet — "the batcher never drops packets; it
// only delays them" (spec.md §4.5).
func (b *Batcher) Append(p Packet) {
	b.mu.Lock()
	b.pending = append(b.pending, p)
	b.bytes += len(p.Bytes)
	flush := b.cfg.FlushInterval == 0 ||
		b.bytes > b.cfg.BatchBytesThreshold ||
		len(b.pending) > b.cfg.BatchCountThreshold
	if flush {
		batch := b.swapLocked()
		b.mu.Unlock()
		b.emit(batch)
		return
	}
	b.armLocked()
	b.mu.Unlock()
}

// armLocked starts the scheduled-flush timer if one isn't already pending.
// Caller holds b.mu.
func (b *Batcher) armLocked() {
	if b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(b.cfg.FlushInterval, func() {
		b.mu.Lock()
		batch := b.swapLocked()
		b.mu.Unlock()
		b.emit(batch)
	})
}

// swapLocked resets the pending list/counters and returns whatever was
// accumulated. Caller holds b.mu.
func (b *Batcher) swapLocked() []Packet {
	batch := b.pending
	b.pending = nil
	b.bytes = 0
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

func (b *Batcher) emit(batch []Packet) {
	if len(batch) == 0 {
		return
	}
	if h := b.Handler; h != nil {
		h(batch)
	}
}

// TriggerFlush forces an immediate flush of whatever is pending, for
// diagnostics and tests (spec.md §4.5).
func (b *Batcher) TriggerFlush() {
	b.mu.Lock()
	batch := b.swapLocked()
	b.mu.Unlock()
	b.emit(batch)
}

// Pending reports the number of packets and bytes currently held, for
// tests and metrics.
func (b *Batcher) Pending() (packets int, bytes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending), b.bytes
}
