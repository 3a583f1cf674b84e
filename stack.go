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
	"log/slog"
	"sync"

	"github.com/gravitational/trace"
	"go.uber.org/atomic"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/tunforge/tunforge/internal/batch"
	"github.com/tunforge/tunforge/internal/extarg"
	"github.com/tunforge/tunforge/internal/handle"
	"github.com/tunforge/tunforge/internal/sched"
)

// thisNIC is the single NIC every Stack creates on its embedded netstack. One
// Stack owns exactly one virtual NIC, spec.md §4.2.
const thisNIC = tcpip.NICID(1)

// nicMTU bounds the size of one link-layer frame exchanged with the channel
// endpoint; TunForge's own datagrams are IPv4, well under this.
const nicMTU = 1500

// maxInFlightTCPConnectionAttempts bounds the forwarder's half-open backlog,
// mirrored from vnet.go's tcp.NewForwarder call.
const maxInFlightTCPConnectionAttempts = 1024

// Delegate receives C2's accept decision point, spec.md §4.2/§6. Exactly one
// of decide(true) or decide(false) must be called, exactly once, for every
// DidAcceptNewTCPConnection invocation (spec.md §8 invariant 8).
type Delegate interface {
	DidAcceptNewTCPConnection(conn *Connection, decide func(accept bool))
}

// Config is a Stack's full external configuration, spec.md §6.
type Config struct {
	IPv4   IPv4Config
	Engine EngineConfig
	Batch  batch.Config

	// Delegate is notified of every accepted TCP flow. A Stack with no
	// Delegate accepts every connection immediately (useful for tests).
	Delegate Delegate

	// Logger receives TunForge's structured diagnostics. Defaults to
	// slog.Default(), matching vnet.go's Config/*slog.Logger field.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates c and fills in documented defaults,
// following vnet.go's Config.CheckAndSetDefaults shape.
func (c *Config) CheckAndSetDefaults() error {
	if err := c.IPv4.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	c.Engine = c.Engine.withDefaults()
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// bridgeStats holds the atomic counters backing Stats(); StackStats is the
// read-only snapshot handed to callers.
type bridgeStats struct {
	liveConnections atomic.Int64
	totalAccepted   atomic.Uint64
	totalRejected   atomic.Uint64
	totalAborted    atomic.Uint64
	packetsDropped  atomic.Uint64
}

// Stack is the Stack Bridge of spec.md §4.2: it owns the embedded gVisor
// engine, intercepts every TCP flow via a forwarder, and presents each as a
// Connection to its Delegate. Exactly one Stack may be active per process
// (spec.md §9, "Global singleton") — New returns ErrStackActive on a second
// concurrent attempt.
//
// Bridge is kept as an alias so Connection's internal field reads
// "br *Bridge", matching spec.md's component name for this piece.
type Stack struct {
	cfg Config
	log *slog.Logger

	sched   *sched.Scheduler
	extargs *extarg.Registry
	handle  *handle.Handle
	key     extarg.Key

	netStack     *stack.Stack
	linkEndpoint *channel.Endpoint
	batcher      *batch.Batcher

	outMu   sync.Mutex
	outFunc func(packets [][]byte, families []batch.Family)

	mu   sync.Mutex
	live map[extarg.Key]*Connection

	nextKeyCounter atomic.Uint64
	stats          bridgeStats

	closeOnce sync.Once
	destroyed chan struct{}
}

// Bridge is the same type as Stack; Connection's field is named br *Bridge
// purely for readability at the call sites that touch the engine.
type Bridge = Stack

// processActive enforces the single-active-Stack rule process-wide.
var processActive atomic.Bool

// New constructs and wires a Stack: builds the embedded netstack, installs
// the all-destinations route, and starts the forwarder. The periodic timer
// does not tick until Start is called; InputPacket does not check Start or
// Stop and hands packets to the engine whenever it is called.
func New(cfg Config) (*Stack, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if !processActive.CompareAndSwap(false, true) {
		return nil, trace.Wrap(ErrStackActive)
	}

	br := &Stack{
		cfg:       cfg,
		log:       cfg.Logger,
		sched:     sched.New(),
		extargs:   extarg.New(),
		live:      make(map[extarg.Key]*Connection),
		destroyed: make(chan struct{}),
	}
	br.sched.TickInterval = cfg.Engine.TimerInterval
	br.batcher = batch.New(cfg.Batch)
	br.batcher.Handler = func(packets []batch.Packet) {
		br.sched.PerformAsync(sched.Connections, func() {
			br.deliverOutboundBatch(packets)
		})
	}

	if err := br.createStack(); err != nil {
		processActive.Store(false)
		return nil, trace.Wrap(err)
	}

	br.handle = handle.New(br)
	br.key = br.nextKey()
	br.extargs.BindStack(br.key, br.handle)

	return br, nil
}

// createStack builds the embedded gVisor stack, the NIC/link endpoint pair,
// the all-destinations route, and the TCP forwarder — generalizing
// vnet.go's createStack/installVnetRoutes to IPv4-only, spec.md §4.2.
func (br *Stack) createStack() error {
	netStack := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})

	linkEndpoint := channel.New(512 /* queue depth */, nicMTU, "")
	if err := netStack.CreateNIC(thisNIC, linkEndpoint); err != nil {
		return trace.Errorf("creating NIC: %s", err)
	}

	addr := tcpip.AddrFromSlice(br.cfg.IPv4.IPAddress.To4())
	protoAddr := tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: addr.WithPrefix(),
	}
	if err := netStack.AddProtocolAddress(thisNIC, protoAddr, stack.AddressProperties{}); err != nil {
		return trace.Errorf("adding protocol address: %s", err)
	}

	// Route everything out this NIC — TunForge's engine only ever sees
	// packets addressed to connections it is itself terminating.
	netStack.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: thisNIC},
	})

	tcpForwarder := tcp.NewForwarder(netStack, br.cfg.Engine.ReceiveBufferSize, maxInFlightTCPConnectionAttempts, br.handleTCP)
	netStack.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpForwarder.HandlePacket)

	br.netStack = netStack
	br.linkEndpoint = linkEndpoint
	return nil
}

// handleTCP is the forwarder callback: one invocation per inbound SYN,
// spec.md §4.2/§4.4. It creates the endpoint, binds a Connection, and hands
// the accept decision to the Delegate on the connections context.
func (br *Stack) handleTCP(req *tcp.ForwarderRequest) {
	id := req.ID()
	flow := FlowID{
		SrcIP:   id.RemoteAddress.String(),
		SrcPort: id.RemotePort,
		DstIP:   id.LocalAddress.String(),
		DstPort: id.LocalPort,
	}

	var completed bool
	defer func() {
		if !completed {
			req.Complete(true)
		}
	}()

	var wq waiter.Queue
	ep, err := req.CreateEndpoint(&wq)
	if err != nil {
		br.stats.totalRejected.Add(1)
		return
	}
	completed = true
	req.Complete(false)

	ep.SocketOptions().SetKeepAlive(br.cfg.Engine.KeepAliveEnabled)

	waitEntry, notifyCh := waiter.NewChannelEntry(waiter.EventIn | waiter.EventOut | waiter.EventHUp | waiter.EventErr)
	wq.EventRegister(&waitEntry)

	conn := newConnection(br, flow)
	conn.waitEntry = waitEntry
	conn.key = br.nextKey()
	conn.bind(ep, &wq, notifyCh)

	h := handle.New(conn)
	h.OnFinalRelease(func() {
		br.sched.PerformAsync(sched.Packets, func() {
			if !conn.terminated.Load() {
				conn.terminate(ReasonDestroyed)
			}
		})
	})
	// The forwarder runs this handler on its own goroutine; the registry and
	// the live map are only touched on the packets context.
	br.sched.PerformSync(sched.Packets, func() {
		br.extargs.BindConnection(conn.key, h)
		br.registerLive(conn)
	})

	br.sched.PerformAsync(sched.Connections, func() {
		if d := br.cfg.Delegate; d != nil {
			d.DidAcceptNewTCPConnection(conn, conn.acceptDecision)
		} else {
			conn.acceptDecision(true)
		}
	})
}

// nextKey allocates the next extarg.Key. MUST only be called while br is
// reachable (i.e. before Close), no further synchronization needed since
// atomic.Uint64.Add is itself the serialization point.
func (br *Stack) nextKey() extarg.Key {
	return extarg.Key(br.nextKeyCounter.Add(1))
}

// registerLive/unregisterLive track every live Connection for Close's
// teardown sweep and for the LiveConnections stat.
func (br *Stack) registerLive(c *Connection) {
	br.mu.Lock()
	br.live[c.key] = c
	br.mu.Unlock()
	br.stats.liveConnections.Add(1)
}

func (br *Stack) unregisterLive(c *Connection) {
	br.mu.Lock()
	_, existed := br.live[c.key]
	delete(br.live, c.key)
	br.mu.Unlock()
	if !existed {
		return
	}
	br.stats.liveConnections.Add(-1)
	if c.TerminationReason() == ReasonAbort {
		br.stats.totalAborted.Add(1)
	}
}

// Start arms the periodic engine timer. Safe to call once; idempotent
// thereafter (delegates to Scheduler.Start).
func (br *Stack) Start() {
	br.sched.OnTick = func() {
		// The embedded engine's own timers (retransmission, keepalive,
		// TIME_WAIT) are driven internally by gVisor's stack; this tick is
		// reserved for TunForge's own periodic bookkeeping, spec.md §4.1.
	}
	br.sched.Start()
}

// Stop disarms the periodic timer. It does not gate InputPacket: packets
// fed between Stop and the next Start still reach the engine, and
// already-live connections are unaffected.
func (br *Stack) Stop() {
	br.sched.Stop()
}

// Close permanently tears down the Stack: every live connection terminates
// with reason Destroyed, the embedded engine is destroyed, and the
// process-wide singleton slot is released. Idempotent.
func (br *Stack) Close() error {
	br.closeOnce.Do(func() {
		close(br.destroyed)
		br.sched.PerformSync(sched.Packets, func() {
			br.mu.Lock()
			conns := make([]*Connection, 0, len(br.live))
			for _, c := range br.live {
				conns = append(conns, c)
			}
			br.mu.Unlock()
			for _, c := range conns {
				c.terminate(ReasonDestroyed)
			}
		})
		br.sched.Close()
		if br.linkEndpoint != nil {
			br.linkEndpoint.Close()
		}
		if br.netStack != nil {
			br.netStack.Destroy()
		}
		br.extargs.Destroy(br.key)
		processActive.Store(false)
	})
	return nil
}

// Stats returns a point-in-time snapshot of the Stack's aggregate counters,
// supplemented from original_source's IPStackStats.h (see DESIGN.md).
func (br *Stack) Stats() StackStats {
	return StackStats{
		LiveConnections: br.stats.liveConnections.Load(),
		TotalAccepted:   br.stats.totalAccepted.Load(),
		TotalRejected:   br.stats.totalRejected.Load(),
		TotalAborted:    br.stats.totalAborted.Load(),
		PacketsDropped:  br.stats.packetsDropped.Load(),
	}
}
