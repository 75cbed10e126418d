package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sample = `
listen_addresses: ["192.168.1.1"]
database_path: /tmp/dhcp.db
status_address: 127.0.0.1:8067
dhcp:
  default_lease_time: 3600
  max_lease_time: 12h
  server_identifier: 192.168.1.1
log:
  level: debug
  format: console
subnets:
  - network: 192.168.1.0/24
    gateway: 192.168.1.1
    dns_servers: [8.8.8.8, 1.1.1.1]
    domain_name: example.lan
    ranges:
      - start: 192.168.1.100
        end: 192.168.1.200
      - start: 192.168.1.210
        end: 192.168.1.220
        enabled: false
    reservations:
      - mac: AA:BB:CC:DD:EE:02
        ip: 192.168.1.10
        hostname: printer
  - network: 10.0.0.0/24
    enabled: false
`

func TestParse(t *testing.T) {
	c, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, []string{"192.168.1.1"}, c.ListenAddresses)
	assert.Equal(t, "/tmp/dhcp.db", c.DatabasePath)
	assert.Equal(t, "127.0.0.1:8067", c.StatusAddress)
	assert.Equal(t, time.Hour, c.DHCP.DefaultLeaseTime.Std())
	assert.Equal(t, 12*time.Hour, c.DHCP.MaxLeaseTime.Std())
	assert.Equal(t, 30*time.Second, c.DHCP.OfferTimeout.Std())
	assert.Equal(t, time.Minute, c.DHCP.SweepInterval.Std())
	assert.Equal(t, 10*time.Minute, c.DHCP.DeclineQuarantine.Std())
	require.NotNil(t, c.DHCP.ServerIdentifier)
	assert.Equal(t, "192.168.1.1", c.DHCP.ServerIdentifier.String())
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "console", c.Log.Format)

	require.Len(t, c.Subnets, 2)
	subnet, ranges, reservations := c.Subnets[0].Model(7)
	assert.Equal(t, int64(7), subnet.ID)
	assert.Equal(t, "192.168.1.0/24", subnet.Network.String())
	assert.Equal(t, "8.8.8.8,1.1.1.1", subnet.DNSServers.String())
	assert.True(t, subnet.Enabled)
	require.Len(t, ranges, 2)
	assert.True(t, ranges[0].Enabled)
	assert.False(t, ranges[1].Enabled)
	assert.Equal(t, int64(7), ranges[1].SubnetID)
	require.Len(t, reservations, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:02", reservations[0].MACAddress.String())
	assert.Equal(t, "printer", reservations[0].Hostname)

	disabled, _, _ := c.Subnets[1].Model(8)
	assert.False(t, disabled.Enabled)
}

func TestParse_Defaults(t *testing.T) {
	c, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, []string{"0.0.0.0"}, c.ListenAddresses)
	assert.Equal(t, DefaultDatabasePath, c.DatabasePath)
	assert.Empty(t, c.StatusAddress)
	assert.Equal(t, 24*time.Hour, c.DHCP.DefaultLeaseTime.Std())
	assert.Equal(t, 168*time.Hour, c.DHCP.MaxLeaseTime.Std())
	assert.Nil(t, c.DHCP.ServerIdentifier)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
}

func TestParse_Invalid(t *testing.T) {
	testCases := []struct {
		name  string
		input string
	}{{
		name:  "unknown_key",
		input: "listen_address: 0.0.0.0\n",
	}, {
		name:  "listen_address",
		input: "listen_addresses: [eth0]\n",
	}, {
		name:  "ipv6_listen_address",
		input: "listen_addresses: ['::']\n",
	}, {
		name:  "lease_times",
		input: "dhcp:\n  default_lease_time: 48h\n  max_lease_time: 24h\n",
	}, {
		name:  "bad_duration",
		input: "dhcp:\n  offer_timeout: soon\n",
	}, {
		name:  "log_level",
		input: "log:\n  level: verbose\n",
	}, {
		name:  "log_format",
		input: "log:\n  format: xml\n",
	}, {
		name:  "network",
		input: "subnets:\n  - network: 192.168.1.0\n",
	}, {
		name:  "range_outside_block",
		input: "subnets:\n  - network: 192.168.1.0/24\n    ranges:\n      - start: 192.168.2.1\n        end: 192.168.2.9\n",
	}, {
		name:  "range_reversed",
		input: "subnets:\n  - network: 192.168.1.0/24\n    ranges:\n      - start: 192.168.1.9\n        end: 192.168.1.1\n",
	}, {
		name:  "range_without_end",
		input: "subnets:\n  - network: 192.168.1.0/24\n    ranges:\n      - start: 192.168.1.9\n",
	}, {
		name:  "duplicate_network",
		input: "subnets:\n  - network: 192.168.1.0/24\n  - network: 192.168.1.0/24\n",
	}, {
		name:  "duplicate_reservation",
		input: "subnets:\n  - network: 192.168.1.0/24\n    reservations:\n      - {mac: 'aa:bb:cc:dd:ee:01', ip: 192.168.1.10}\n      - {mac: 'aa:bb:cc:dd:ee:02', ip: 192.168.1.10}\n",
	}, {
		name:  "gateway_outside_block",
		input: "subnets:\n  - network: 192.168.1.0/24\n    gateway: 10.0.0.1\n",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.input))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, c.Subnets, 2)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "/custom.yaml", ResolvePath("/custom.yaml"))
	if _, err := os.Stat(DefaultPath); err != nil {
		assert.Equal(t, FallbackPath, ResolvePath(""))
	}
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	applied := make(chan *Config, 16)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(_ context.Context, c *Config) error {
			select {
			case applied <- c:
			default:
			}
			return nil
		}, zaptest.NewLogger(t))
	}()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	// the watcher may not be registered yet, so keep writing until it reacts
	invalid := []byte("log:\n  level: verbose\n")
	valid := []byte("status_address: 127.0.0.1:9000\n")
	var seen []*Config
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, invalid, 0o644)
		_ = os.WriteFile(path, valid, 0o644)
		deadline := time.After(100 * time.Millisecond)
		for {
			select {
			case c := <-applied:
				seen = append(seen, c)
				if c.StatusAddress == "127.0.0.1:9000" {
					return true
				}
			case <-deadline:
				return false
			}
		}
	}, 5*time.Second, 10*time.Millisecond)

	for _, c := range seen {
		assert.Equal(t, "info", c.Log.Level, "invalid edits are never applied")
	}
}

func TestLoadConfig_Example(t *testing.T) {
	c, err := LoadConfig(filepath.Join("..", "config.example.yaml"))
	require.NoError(t, err)
	require.Len(t, c.Subnets, 1)

	space, err := c.Space()
	require.NoError(t, err)
	assert.Equal(t, uint64(101), space.PoolSize(1))
}
