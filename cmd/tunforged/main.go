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

// Command tunforged is a minimal demonstration harness for the tunforge
// package: it opens a Linux TUN device, wires its read/write loop to a
// tunforge.Stack, and accepts every intercepted TCP connection, logging its
// lifecycle. It exists only to give the core module a runnable surface
// (SPEC_FULL.md, "Supplemented: cmd/tunforged") and is not part of the
// library's contract.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tunforge/tunforge"
	"github.com/tunforge/tunforge/internal/batch"
	"github.com/tunforge/tunforge/internal/tundev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type flags struct {
	tunName   string
	ipAddress string
	netmask   string
	gateway   string
	logFile   string
	verbose   bool
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "tunforged",
		Short: "Run TunForge's TCP bridge against a local TUN device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.tunName, "tun-name", "", "TUN interface name (empty: kernel-assigned)")
	cmd.Flags().StringVar(&f.ipAddress, "ipv4-address", "", "bridge IPv4 address (default 240.0.0.1)")
	cmd.Flags().StringVar(&f.netmask, "ipv4-netmask", "", "bridge IPv4 netmask (default 255.0.0.0)")
	cmd.Flags().StringVar(&f.gateway, "ipv4-gateway", "", "bridge IPv4 gateway (default 240.0.0.254)")
	cmd.Flags().StringVar(&f.logFile, "log-file", "", "rotate structured logs to this file instead of stderr")
	cmd.Flags().BoolVar(&f.verbose, "verbose", false, "enable debug-level logging")
	return cmd
}

func run(ctx context.Context, f *flags) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(f)

	dev, err := tundev.Open(f.tunName)
	if err != nil {
		return fmt.Errorf("opening TUN device: %w", err)
	}
	defer dev.Close()
	logger.Info("opened TUN device", slog.String("name", dev.Name()))

	cfg := tunforge.Config{
		Logger:   logger,
		Delegate: acceptAllDelegate{logger: logger},
	}
	if addr := parseIPv4Config(f); addr != nil {
		cfg.IPv4 = *addr
	}

	st, err := tunforge.New(cfg)
	if err != nil {
		return fmt.Errorf("constructing stack: %w", err)
	}
	defer st.Close()

	st.SetOutboundHandler(func(packets [][]byte, families []batch.Family) {
		for _, p := range packets {
			if _, err := dev.Write(p); err != nil {
				logger.Warn("writing to TUN device failed", slog.Any("error", err))
				return
			}
		}
	})
	st.Start()
	defer st.Stop()

	runErr := make(chan error, 1)
	go func() { runErr <- st.Run(ctx) }()

	go pumpInbound(ctx, dev, st, logger)

	select {
	case <-ctx.Done():
		return nil
	case err := <-runErr:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("stack run loop: %w", err)
		}
		return nil
	}
}

func pumpInbound(ctx context.Context, dev *tundev.Device, st *tunforge.Stack, logger *slog.Logger) {
	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := dev.Read(buf)
		if err != nil {
			logger.Warn("reading from TUN device failed", slog.Any("error", err))
			return
		}
		if err := st.InputPacket(buf[:n]); err != nil {
			logger.Debug("dropped inbound packet", slog.Any("error", err))
		}
	}
}

func newLogger(f *flags) *slog.Logger {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if f.logFile == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	rotator := &lumberjack.Logger{
		Filename:   f.logFile,
		MaxSize:    64, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	return slog.New(slog.NewJSONHandler(rotator, opts))
}

func parseIPv4Config(f *flags) *tunforge.IPv4Config {
	if f.ipAddress == "" && f.netmask == "" && f.gateway == "" {
		return nil
	}
	cfg := tunforge.IPv4Config{}
	if f.ipAddress != "" {
		cfg.IPAddress = parseIP(f.ipAddress)
	}
	if f.netmask != "" {
		cfg.Netmask = net.IPMask(parseIP(f.netmask).To4())
	}
	if f.gateway != "" {
		cfg.Gateway = parseIP(f.gateway)
	}
	return &cfg
}

func parseIP(s string) net.IP { return net.ParseIP(s) }

// acceptAllDelegate accepts every intercepted TCP flow immediately and logs
// its lifecycle — the simplest possible tunforge.Delegate implementation.
type acceptAllDelegate struct {
	logger *slog.Logger
}

func (d acceptAllDelegate) DidAcceptNewTCPConnection(conn *tunforge.Connection, decide func(accept bool)) {
	flow := conn.Flow()
	d.logger.Info("accepting TCP flow",
		slog.String("src", fmt.Sprintf("%s:%d", flow.SrcIP, flow.SrcPort)),
		slog.String("dst", fmt.Sprintf("%s:%d", flow.DstIP, flow.DstPort)))

	conn.OnTerminated = func(c *tunforge.Connection, reason tunforge.Reason) {
		d.logger.Info("TCP flow terminated", slog.String("reason", reason.String()))
	}
	decide(true)
}
