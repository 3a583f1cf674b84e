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

package sched_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tunforge/tunforge/internal/sched"
)

func TestPerformSyncRunsOnRequestedContext(t *testing.T) {
	s := sched.New()
	defer s.Close()

	var onPackets, onConnections bool
	s.PerformSync(sched.Packets, func() {
		onPackets = sched.OnContext(sched.Packets)
	})
	s.PerformSync(sched.Connections, func() {
		onConnections = sched.OnContext(sched.Connections)
	})

	require.True(t, onPackets)
	require.True(t, onConnections)
}

func TestPerformSyncFromSameContextDoesNotDeadlock(t *testing.T) {
	s := sched.New()
	defer s.Close()

	done := make(chan struct{})
	s.PerformAsync(sched.Packets, func() {
		s.PerformSync(sched.Packets, func() {
			close(done)
		})
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested PerformSync on the same context deadlocked")
	}
}

func TestPerformAsyncOrdersWorkFIFOPerContext(t *testing.T) {
	s := sched.New()
	defer s.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		s.PerformAsync(sched.Packets, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestStartStopIdempotentAndTicks(t *testing.T) {
	s := sched.New()
	defer s.Close()
	s.TickInterval = 10 * time.Millisecond

	ticked := make(chan struct{}, 1)
	s.OnTick = func() {
		select {
		case ticked <- struct{}{}:
		default:
		}
	}

	s.Start()
	s.Start() // idempotent

	select {
	case <-ticked:
	case <-time.After(time.Second):
		t.Fatal("scheduler never ticked after Start")
	}

	s.Stop()
	s.Stop() // idempotent
}
