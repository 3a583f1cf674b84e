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

// Package tunforge is a user-space tun2socks-style TCP bridge: it accepts
// raw IPv4 packets from a caller-owned TUN device, runs them through an
// embedded gVisor TCP/IP stack, and presents every intercepted TCP flow as
// a Connection to a Delegate.
//
// A typical caller builds a Stack, installs a Delegate and an outbound
// handler, starts it, and pumps bytes in both directions:
//
//	st, err := tunforge.New(tunforge.Config{Delegate: myDelegate})
//	st.SetOutboundHandler(writeToTUN)
//	st.Start()
//	go st.Run(ctx)
//	for {
//		st.InputPacket(readFromTUN())
//	}
package tunforge
