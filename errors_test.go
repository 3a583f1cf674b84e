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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		OK:         "OK",
		WouldBlock: "WouldBlock",
		Closed:     "Closed",
		Overflow:   "Overflow",
		Err:        "Err",
		Status(99): "Status(99)",
	}
	for status, want := range cases {
		require.Equal(t, want, status.String())
	}
}

func TestReasonString(t *testing.T) {
	cases := map[Reason]string{
		ReasonNone:      "None",
		ReasonClose:     "Close",
		ReasonReset:     "Reset",
		ReasonAbort:     "Abort",
		ReasonDestroyed: "Destroyed",
		Reason(99):      "Reason(99)",
	}
	for reason, want := range cases {
		require.Equal(t, want, reason.String())
	}
}

func TestWrongContextPanics(t *testing.T) {
	require.Panics(t, func() { wrongContext("someOp") })
}
