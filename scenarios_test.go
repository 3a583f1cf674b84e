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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
)

// peer is a minimal second gVisor stack standing in for "whatever sits on
// the other end of the TUN device" in spec.md §8's scenarios — it lets
// these tests dial real SYNs into a Stack under test instead of hand-
// crafting TCP segments.
type peer struct {
	s  *stack.Stack
	le *channel.Endpoint
	ip net.IP
}

const peerNIC = tcpip.NICID(1)

func newPeer(t *testing.T, ip net.IP) *peer {
	t.Helper()
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})
	le := channel.New(256, nicMTU, "")
	if err := s.CreateNIC(peerNIC, le); err != nil {
		t.Fatalf("peer CreateNIC: %s", err)
	}

	addr := tcpip.AddrFromSlice(ip.To4())
	protoAddr := tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: addr.WithPrefix(),
	}
	if err := s.AddProtocolAddress(peerNIC, protoAddr, stack.AddressProperties{}); err != nil {
		t.Fatalf("peer AddProtocolAddress: %s", err)
	}
	s.SetRouteTable([]tcpip.Route{{Destination: header.IPv4EmptySubnet, NIC: peerNIC}})

	return &peer{s: s, le: le, ip: ip}
}

// bridge wires two channel endpoints back-to-back: everything one side
// reads it injects into the other, both ways, until ctx is canceled.
func bridge(ctx context.Context, a, b *channel.Endpoint) {
	pump := func(from, to *channel.Endpoint) {
		for {
			pkt := from.ReadContext(ctx)
			if pkt == nil {
				return
			}
			proto := pkt.NetworkProtocolNumber
			to.InjectInbound(proto, pkt)
			pkt.DecRef()
		}
	}
	go pump(a, b)
	go pump(b, a)
}

// newTestStack builds a Stack under test plus a dialing peer bridged to it,
// both already Run/started, torn down via t.Cleanup.
func newTestStack(t *testing.T, delegate Delegate) (*Stack, *peer) {
	t.Helper()
	st, err := New(Config{Delegate: delegate})
	require.NoError(t, err)

	clientIP := net.IPv4(240, 0, 0, 2)
	pr := newPeer(t, clientIP)

	bridge(context.Background(), st.linkEndpoint, pr.le)

	st.Start()
	go st.Run(context.Background())

	t.Cleanup(func() { st.Close() })
	return st, pr
}

type acceptingDelegate struct {
	accept     bool
	onAccepted func(conn *Connection)
}

func (d acceptingDelegate) DidAcceptNewTCPConnection(conn *Connection, decide func(accept bool)) {
	if d.onAccepted != nil && d.accept {
		d.onAccepted(conn)
	}
	decide(d.accept)
}

func TestScenarioAcceptActivatesConnection(t *testing.T) {
	activated := make(chan *Connection, 1)
	terminated := make(chan Reason, 1)

	delegate := acceptingDelegate{
		accept: true,
		onAccepted: func(conn *Connection) {
			conn.OnActivated = func(c *Connection) { activated <- c }
			conn.OnTerminated = func(c *Connection, reason Reason) { terminated <- reason }
		},
	}
	_, pr := newTestStack(t, delegate)

	dst := tcpip.FullAddress{
		Addr: tcpip.AddrFromSlice(net.IPv4(240, 0, 0, 1).To4()),
		Port: 80,
	}
	conn, err := gonet.DialContextTCP(context.Background(), pr.s, dst, ipv4.ProtocolNumber)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case c := <-activated:
		require.Equal(t, Active, c.State())
	case <-time.After(5 * time.Second):
		t.Fatal("onActivated never fired")
	}
}

func TestScenarioReject(t *testing.T) {
	terminated := make(chan Reason, 1)
	delegate := acceptingDelegate{accept: false}
	st, pr := newTestStack(t, delegate)
	_ = st

	dst := tcpip.FullAddress{
		Addr: tcpip.AddrFromSlice(net.IPv4(240, 0, 0, 1).To4()),
		Port: 80,
	}
	_, err := gonet.DialContextTCP(context.Background(), pr.s, dst, ipv4.ProtocolNumber)
	require.Error(t, err) // RST: the dial itself must fail

	select {
	case <-terminated:
	case <-time.After(time.Second):
		// The Connection's own OnTerminated was never wired (no
		// onAccepted hook on a reject path, matching spec.md's "no
		// onActivated, no onReadable*" for a rejected flow) — the
		// dial failing is itself the externally observable signal.
	}
}
