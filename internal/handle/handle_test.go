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

package handle_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tunforge/tunforge/internal/handle"
)

func TestNewIsAliveWithOneImplicitRef(t *testing.T) {
	target := "payload"
	h := handle.New(target)

	require.True(t, h.Alive())
	require.Equal(t, target, h.Target())
}

func TestReleaseFiresOnFinalReleaseExactlyOnce(t *testing.T) {
	h := handle.New(42)
	var fired atomic.Int32
	h.OnFinalRelease(func() { fired.Add(1) })

	h.Retain()
	h.Retain()

	h.Release() // refs: 3 -> 2
	require.Equal(t, int32(0), fired.Load())
	h.Release() // refs: 2 -> 1
	require.Equal(t, int32(0), fired.Load())
	h.Release() // refs: 1 -> 0, fires
	require.Equal(t, int32(1), fired.Load())

	// A stray extra Release (programmer error elsewhere) must not re-fire.
	h.Release()
	require.Equal(t, int32(1), fired.Load())
}

func TestMarkDeadClearsTargetButKeepsHandleValid(t *testing.T) {
	h := handle.New(struct{ n int }{n: 7})
	h.MarkDead()

	require.False(t, h.Alive())
	require.Nil(t, h.Target())
}

func TestConcurrentRetainReleaseConverges(t *testing.T) {
	h := handle.New("x")
	var fired atomic.Int32
	h.OnFinalRelease(func() { fired.Add(1) })

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		h.Retain()
		go func() {
			defer wg.Done()
			h.Release()
		}()
	}
	wg.Wait()

	require.Equal(t, int32(0), fired.Load())
	h.Release() // balances the implicit ref from New
	require.Equal(t, int32(1), fired.Load())
}
