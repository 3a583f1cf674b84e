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
	"fmt"

	"github.com/gravitational/trace"
)

// Status is the result of a Connection write or control operation. Recoverable
// conditions (spec.md §7: ResourceError, LifecycleError) are returned as
// Status values rather than errors, matching the spec's propagation policy;
// unrecoverable protocol outcomes fire OnTerminated instead.
type Status int

const (
	// OK indicates the operation completed as requested.
	OK Status = iota
	// WouldBlock indicates the engine's send buffer is full; the caller
	// should wait for OnWritableChanged(true).
	WouldBlock
	// Closed indicates the connection is Idle or Terminated.
	Closed
	// Overflow indicates a writeBytes length outside (0, 65535].
	Overflow
	// Err indicates an engine-reported error unrelated to backpressure.
	Err
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case WouldBlock:
		return "WouldBlock"
	case Closed:
		return "Closed"
	case Overflow:
		return "Overflow"
	case Err:
		return "Err"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Reason identifies why a Connection reached Terminated, spec.md §3/§4.4.
type Reason int

const (
	// ReasonNone is the zero value; never observed in a real OnTerminated.
	ReasonNone Reason = iota
	// ReasonClose indicates a graceful local close completed.
	ReasonClose
	// ReasonReset indicates a remote RST, a local Abort (including the
	// graceful-close timeout), or a rejected accept decision.
	ReasonReset
	// ReasonAbort indicates an engine error, including a failed read or
	// write on the endpoint.
	ReasonAbort
	// ReasonDestroyed indicates the PCB was torn down by the engine
	// without an observed close/reset/abort (e.g. stack shutdown).
	ReasonDestroyed
)

// String implements fmt.Stringer.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonClose:
		return "Close"
	case ReasonReset:
		return "Reset"
	case ReasonAbort:
		return "Abort"
	case ReasonDestroyed:
		return "Destroyed"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Error kinds, spec.md §7. These are sentinel markers checked with
// errors.Is; callers that need the ConfigError/ResourceError distinction
// wrap one of these with trace.Wrap the way the teacher's vnet.go wraps
// every returned error.
var (
	// ErrConfig marks an invalid IPv4 configuration.
	ErrConfig = trace.Errorf("tunforge: config error")
	// ErrResource marks an engine out-of-memory condition (pbuf/PCB
	// allocation failure).
	ErrResource = trace.Errorf("tunforge: resource exhausted")
	// ErrStackActive is returned by New while another Stack is still active
	// (not yet Closed) in this process (spec.md §9, "Global singleton").
	ErrStackActive = trace.Errorf("tunforge: a Stack is already active")
)

// wrongContext is the ProgrammerError panic raised by assertions at every
// engine-touching entry point (spec.md §7: "Logged as fatal with file/line;
// in release builds aborts the process").
func wrongContext(op string) {
	panic(fmt.Sprintf("tunforge: %s called off the required execution context", op))
}
