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
	"net"
	"time"

	"github.com/gravitational/trace"
)

// IPv4Config is the single IPv4 configuration struct spec.md §6 describes:
// {ipAddress, netmask, gateway}, all optional with the documented defaults.
type IPv4Config struct {
	IPAddress net.IP
	Netmask   net.IPMask
	Gateway   net.IP
}

// defaultIPv4Config matches spec.md §4.2: "default 240.0.0.1/255.0.0.0
// gateway 240.0.0.254 — a choice well outside normal public routing".
func defaultIPv4Config() IPv4Config {
	return IPv4Config{
		IPAddress: net.IPv4(240, 0, 0, 1),
		Netmask:   net.IPv4Mask(255, 0, 0, 0),
		Gateway:   net.IPv4(240, 0, 0, 254),
	}
}

// CheckAndSetDefaults validates c and fills in any zero field with the
// documented default, following vnet.go's Config.CheckAndSetDefaults shape.
func (c *IPv4Config) CheckAndSetDefaults() error {
	def := defaultIPv4Config()
	if c.IPAddress == nil {
		c.IPAddress = def.IPAddress
	}
	if c.Netmask == nil {
		c.Netmask = def.Netmask
	}
	if c.Gateway == nil {
		c.Gateway = def.Gateway
	}
	if c.IPAddress.To4() == nil {
		return trace.Wrap(ErrConfig, "IPAddress must be an IPv4 address")
	}
	if len(c.Netmask) != 4 {
		return trace.Wrap(ErrConfig, "Netmask must be an IPv4 mask")
	}
	if c.Gateway.To4() == nil {
		return trace.Wrap(ErrConfig, "Gateway must be an IPv4 address")
	}
	return nil
}

// EngineConfig is the platform-tuned static sizing for the embedded engine,
// spec.md §6. Every field has a recognized default; none of it is persisted
// (spec.md: "Persisted state: None").
//
// Only ReceiveBufferSize (the forwarder's receive window), KeepAliveEnabled,
// GracefulCloseTimeout and TimerInterval are applied by a Stack. The other
// fields are defaulted but not passed to the embedded engine, which keeps
// its own settings for them.
type EngineConfig struct {
	// MSS is the TCP maximum segment size. Default 1460.
	MSS int
	// SendBufferSize bounds the per-connection send buffer. Platform range
	// 24 KiB-8 MiB; default 208 KiB.
	SendBufferSize int
	// ReceiveBufferSize bounds the per-connection receive window (with
	// scaling). Platform range 32 KiB-~1 MiB; default 208 KiB.
	ReceiveBufferSize int
	// OutOfOrderQueueing enables reassembly of out-of-order segments. Off
	// on memory-tight platforms; on in DefaultEngineConfig. withDefaults
	// leaves a false value false.
	OutOfOrderQueueing bool
	// KeepAliveEnabled toggles TCP keepalive. On in DefaultEngineConfig;
	// withDefaults leaves a false value false, so a zero EngineConfig
	// given to New runs with keepalive off.
	KeepAliveEnabled bool
	// KeepAliveIdle is the idle duration before the first probe. Default 2h.
	KeepAliveIdle time.Duration
	// KeepAliveInterval is the probe interval. Default 75s.
	KeepAliveInterval time.Duration
	// KeepAliveCount is the number of unacknowledged probes before the
	// connection is dropped. Default 9.
	KeepAliveCount int
	// MaxRetransmits bounds retransmission attempts. Default 8.
	MaxRetransmits int
	// SYNRetransmits bounds SYN retransmission attempts. Default 4.
	SYNRetransmits int
	// DefaultTTL is the outbound IPv4 TTL. Default 64.
	DefaultTTL int
	// GracefulCloseTimeout bounds how long gracefulClose waits for the
	// engine to complete the FIN exchange before escalating to abort.
	// Default 5000ms, spec.md §4.4.
	GracefulCloseTimeout time.Duration
	// TimerInterval is the scheduler's periodic engine tick. Default 250ms.
	TimerInterval time.Duration
}

// DefaultEngineConfig returns the platform defaults enumerated in spec.md §6.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MSS:                  1460,
		SendBufferSize:       208 * 1024,
		ReceiveBufferSize:    208 * 1024,
		OutOfOrderQueueing:   true,
		KeepAliveEnabled:     true,
		KeepAliveIdle:        2 * time.Hour,
		KeepAliveInterval:    75 * time.Second,
		KeepAliveCount:       9,
		MaxRetransmits:       8,
		SYNRetransmits:       4,
		DefaultTTL:           64,
		GracefulCloseTimeout: 5000 * time.Millisecond,
		TimerInterval:        250 * time.Millisecond,
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	def := DefaultEngineConfig()
	if c.MSS <= 0 {
		c.MSS = def.MSS
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	if c.ReceiveBufferSize <= 0 {
		c.ReceiveBufferSize = def.ReceiveBufferSize
	}
	if c.KeepAliveIdle <= 0 {
		c.KeepAliveIdle = def.KeepAliveIdle
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = def.KeepAliveInterval
	}
	if c.KeepAliveCount <= 0 {
		c.KeepAliveCount = def.KeepAliveCount
	}
	if c.MaxRetransmits <= 0 {
		c.MaxRetransmits = def.MaxRetransmits
	}
	if c.SYNRetransmits <= 0 {
		c.SYNRetransmits = def.SYNRetransmits
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = def.DefaultTTL
	}
	if c.GracefulCloseTimeout <= 0 {
		c.GracefulCloseTimeout = def.GracefulCloseTimeout
	}
	if c.TimerInterval <= 0 {
		c.TimerInterval = def.TimerInterval
	}
	return c
}
