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

//go:build linux

// Package tundev opens a Linux TUN device via the /dev/net/tun ioctl
// interface. It is deliberately minimal — no packet-info header, no
// multi-queue — existing only to give cmd/tunforged something real to read
// from and write to; tunforge.Stack itself is TUN-agnostic (SPEC_FULL.md,
// "Supplemented: cmd/tunforged").
package tundev

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func ptr(req *[ifNameSize + 2]byte) unsafe.Pointer { return unsafe.Pointer(req) }

const (
	ifNameSize = 16
	tunSetIff  = 0x400454ca
	iffTun     = 0x0001
	iffNoPI    = 0x1000
)

// Device is an open Linux TUN device. It implements io.ReadWriteCloser.
type Device struct {
	file *os.File
	name string
}

// Open creates or attaches to the named TUN interface (empty name lets the
// kernel assign one, e.g. "tun0").
func Open(name string) (*Device, error) {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	var req [ifNameSize + 2]byte
	copy(req[:ifNameSize], name)
	// IFF_TUN | IFF_NO_PI, little-endian uint16 at offset ifNameSize.
	flags := uint16(iffTun | iffNoPI)
	req[ifNameSize] = byte(flags)
	req[ifNameSize+1] = byte(flags >> 8)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(tunSetIff), uintptr(ptr(&req))); errno != 0 {
		f.Close()
		return nil, errno
	}

	assigned := string(req[:ifNameSize])
	for i, b := range assigned {
		if b == 0 {
			assigned = assigned[:i]
			break
		}
	}

	return &Device{file: f, name: assigned}, nil
}

// Name returns the kernel-assigned interface name.
func (d *Device) Name() string { return d.name }

// Read reads one raw IPv4/IPv6 datagram.
func (d *Device) Read(p []byte) (int, error) { return d.file.Read(p) }

// Write writes one raw IPv4/IPv6 datagram.
func (d *Device) Write(p []byte) (int, error) { return d.file.Write(p) }

// Close closes the underlying file descriptor.
func (d *Device) Close() error { return d.file.Close() }
