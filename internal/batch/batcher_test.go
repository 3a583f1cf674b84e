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

package batch_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tunforge/tunforge/internal/batch"
)

func TestAppendFlushesOnCountThreshold(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]batch.Packet
	b := batch.New(batch.Config{
		BatchCountThreshold: 2,
		BatchBytesThreshold: 1 << 20,
		FlushInterval:       time.Hour,
	})
	b.Handler = func(packets []batch.Packet) {
		mu.Lock()
		flushes = append(flushes, packets)
		mu.Unlock()
	}

	b.Append(batch.Packet{Bytes: []byte{1}})
	b.Append(batch.Packet{Bytes: []byte{2}})
	b.Append(batch.Packet{Bytes: []byte{3}})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushes, 1)
	require.Len(t, flushes[0], 3)
}

func TestAppendFlushesOnByteThreshold(t *testing.T) {
	var mu sync.Mutex
	flushed := 0
	b := batch.New(batch.Config{
		BatchCountThreshold: 1000,
		BatchBytesThreshold: 4,
		FlushInterval:       time.Hour,
	})
	b.Handler = func(packets []batch.Packet) {
		mu.Lock()
		flushed += len(packets)
		mu.Unlock()
	}

	b.Append(batch.Packet{Bytes: make([]byte, 5)})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, flushed)
}

func TestZeroFlushIntervalIsLowLatencyMode(t *testing.T) {
	var calls int
	b := batch.New(batch.Config{FlushInterval: 0})
	b.Handler = func(packets []batch.Packet) { calls++ }

	b.Append(batch.Packet{Bytes: []byte{1}})
	b.Append(batch.Packet{Bytes: []byte{2}})

	require.Equal(t, 2, calls)
}

func TestScheduledFlushEventuallyFires(t *testing.T) {
	done := make(chan []batch.Packet, 1)
	b := batch.New(batch.Config{
		BatchCountThreshold: 1000,
		BatchBytesThreshold: 1 << 20,
		FlushInterval:       10 * time.Millisecond,
	})
	b.Handler = func(packets []batch.Packet) {
		select {
		case done <- packets:
		default:
		}
	}

	b.Append(batch.Packet{Bytes: []byte{9}})

	select {
	case packets := <-done:
		require.Len(t, packets, 1)
	case <-time.After(time.Second):
		t.Fatal("scheduled flush never fired")
	}
}

func TestTriggerFlushForcesImmediateFlush(t *testing.T) {
	var got []batch.Packet
	b := batch.New(batch.Config{FlushInterval: time.Hour})
	b.Handler = func(packets []batch.Packet) { got = packets }

	b.Append(batch.Packet{Bytes: []byte{1}})
	pending, _ := b.Pending()
	require.Equal(t, 1, pending)

	b.TriggerFlush()
	require.Len(t, got, 1)

	pending, bytes := b.Pending()
	require.Zero(t, pending)
	require.Zero(t, bytes)
}

func TestNeverDropsPackets(t *testing.T) {
	var mu sync.Mutex
	total := 0
	b := batch.New(batch.Config{
		BatchCountThreshold: 3,
		FlushInterval:       time.Millisecond,
	})
	b.Handler = func(packets []batch.Packet) {
		mu.Lock()
		total += len(packets)
		mu.Unlock()
	}

	const n = 500
	for i := 0; i < n; i++ {
		b.Append(batch.Packet{Bytes: []byte{byte(i)}})
	}
	b.TriggerFlush()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, n, total)
}
