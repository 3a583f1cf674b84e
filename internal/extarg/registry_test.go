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

package extarg_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tunforge/tunforge/internal/extarg"
	"github.com/tunforge/tunforge/internal/handle"
)

func TestBindAndGetRoundTrip(t *testing.T) {
	r := extarg.New()
	stackHandle := handle.New("stack")
	connHandle := handle.New("conn")

	r.BindStack(1, stackHandle)
	r.BindConnection(1, connHandle)

	require.Same(t, stackHandle, r.GetStack(1))
	require.Same(t, connHandle, r.GetConnection(1))
	require.Nil(t, r.GetStack(2))
}

func TestRebindingAnOccupiedSlotPanics(t *testing.T) {
	r := extarg.New()
	r.BindConnection(1, handle.New("a"))

	require.Panics(t, func() {
		r.BindConnection(1, handle.New("b"))
	})
}

func TestDestroyReleasesEveryBoundSlotExactlyOnce(t *testing.T) {
	r := extarg.New()
	stackHandle := handle.New("stack")
	connHandle := handle.New("conn")

	stackReleased, connReleased := false, false
	stackHandle.OnFinalRelease(func() { stackReleased = true })
	connHandle.OnFinalRelease(func() { connReleased = true })

	r.BindStack(5, stackHandle)
	r.BindConnection(5, connHandle)

	r.Destroy(5)
	// Destroy balances the Bind retains; dropping the references New gave
	// this test is what brings each count to zero.
	stackHandle.Release()
	connHandle.Release()
	require.True(t, stackReleased)
	require.True(t, connReleased)

	// Idempotent: destroying an already-destroyed (or unknown) key is safe.
	require.NotPanics(t, func() { r.Destroy(5) })
	require.Nil(t, r.GetStack(5))
}

func TestDestroyOnlyReleasesBoundSlots(t *testing.T) {
	r := extarg.New()
	connHandle := handle.New("conn-only")
	released := false
	connHandle.OnFinalRelease(func() { released = true })

	r.BindConnection(9, connHandle)
	r.Destroy(9)
	connHandle.Release() // the reference held since handle.New

	require.True(t, released)
}
