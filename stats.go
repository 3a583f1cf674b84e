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

import "time"

// ConnStats is a read-only snapshot of one connection's transfer counters.
// Supplemented from original_source/Sources/Tun2socks/Metrics/
// TCPSocketStats.h and TCPSocketStatsReport.h — a feature the distilled
// spec dropped but that does not conflict with any Non-goal.
type ConnStats struct {
	BytesSent       uint64
	BytesReceived   uint64
	SegmentsSent    uint64
	SegmentsReceived uint64
	// RTT is always zero: Connection.Stats does not read the engine's
	// round-trip-time estimate.
	RTT time.Duration
}

// StackStats is a read-only aggregate snapshot across every connection ever
// seen by a Stack. Supplemented from original_source/Sources/Tun2socks/
// Metrics/IPStackStats.h.
type StackStats struct {
	LiveConnections int64
	TotalAccepted   uint64
	TotalRejected   uint64
	TotalAborted    uint64
	PacketsDropped  uint64
}
