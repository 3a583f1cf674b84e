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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIPv4ConfigDefaults(t *testing.T) {
	var cfg IPv4Config
	require.NoError(t, cfg.CheckAndSetDefaults())

	require.True(t, cfg.IPAddress.Equal(net.IPv4(240, 0, 0, 1)))
	require.Equal(t, net.IPv4Mask(255, 0, 0, 0), cfg.Netmask)
	require.True(t, cfg.Gateway.Equal(net.IPv4(240, 0, 0, 254)))
}

func TestIPv4ConfigRejectsIPv6Address(t *testing.T) {
	cfg := IPv4Config{IPAddress: net.ParseIP("::1")}
	require.Error(t, cfg.CheckAndSetDefaults())
}

func TestEngineConfigDefaults(t *testing.T) {
	var cfg EngineConfig
	cfg = cfg.withDefaults()
	def := DefaultEngineConfig()

	require.Equal(t, def.MSS, cfg.MSS)
	require.Equal(t, def.SendBufferSize, cfg.SendBufferSize)
	require.Equal(t, def.ReceiveBufferSize, cfg.ReceiveBufferSize)
	require.Equal(t, def.GracefulCloseTimeout, cfg.GracefulCloseTimeout)
	require.Equal(t, def.TimerInterval, cfg.TimerInterval)
}

func TestEngineConfigPreservesExplicitNonZeroFields(t *testing.T) {
	cfg := EngineConfig{MSS: 9000}
	cfg = cfg.withDefaults()

	require.Equal(t, 9000, cfg.MSS)
	require.Equal(t, DefaultEngineConfig().SendBufferSize, cfg.SendBufferSize)
}
