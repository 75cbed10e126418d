package dhcp4d

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/lovi-cloud/dhcp4d/config"
	"github.com/lovi-cloud/dhcp4d/datastore/sqlite"
	"github.com/lovi-cloud/dhcp4d/dhcpd/addrspace"
	"github.com/lovi-cloud/dhcp4d/dhcpd/dhcpdtest"
)

func newTestDatastore(t *testing.T) *sqlite.SQLite {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	ds, err := sqlite.New(context.Background(), fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", name), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func parseConfig(t *testing.T, input string) *config.Config {
	t.Helper()
	c, err := config.Parse(strings.NewReader(input))
	require.NoError(t, err)
	return c
}

const office = `
subnets:
  - network: 192.168.1.0/24
    gateway: 192.168.1.1
    ranges:
      - start: 192.168.1.100
        end: 192.168.1.200
    reservations:
      - mac: aa:bb:cc:dd:ee:02
        ip: 192.168.1.10
`

func TestSeed(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)
	logger := zaptest.NewLogger(t)

	require.NoError(t, seed(ctx, ds, parseConfig(t, office).Subnets, logger))
	model, err := addrspace.Load(ctx, ds)
	require.NoError(t, err)
	space := model.Space()
	require.Len(t, space.Subnets(), 1)
	id := space.Subnets()[0].ID
	assert.Equal(t, uint64(101), space.PoolSize(id))
	_, ok := space.FindStatic(dhcpdtest.MAC("aa:bb:cc:dd:ee:02"))
	assert.True(t, ok)

	// seeding again updates the subnet in place
	shrunk := strings.Replace(office, "192.168.1.200", "192.168.1.109", 1)
	require.NoError(t, seed(ctx, ds, parseConfig(t, shrunk).Subnets, logger))
	require.NoError(t, model.Reload(ctx, ds))
	space = model.Space()
	require.Len(t, space.Subnets(), 1)
	assert.Equal(t, id, space.Subnets()[0].ID)
	assert.Equal(t, uint64(10), space.PoolSize(id))

	// subnets missing from the config stay in the repository
	lab := "subnets:\n  - network: 10.0.0.0/24\n    ranges:\n      - start: 10.0.0.10\n        end: 10.0.0.19\n"
	require.NoError(t, seed(ctx, ds, parseConfig(t, lab).Subnets, logger))
	require.NoError(t, model.Reload(ctx, ds))
	assert.Len(t, model.Space().Subnets(), 2)
}

func TestSeed_InvalidCandidate(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)
	logger := zaptest.NewLogger(t)
	require.NoError(t, seed(ctx, ds, parseConfig(t, office).Subnets, logger))

	// the reserved MAC is already bound in the stored subnet
	conflicting := "subnets:\n  - network: 10.0.0.0/24\n    reservations:\n      - {mac: 'aa:bb:cc:dd:ee:02', ip: 10.0.0.5}\n"
	err := seed(ctx, ds, parseConfig(t, conflicting).Subnets, logger)
	require.Error(t, err)
	assert.ErrorIs(t, err, addrspace.ErrInvalidConfig)

	subnets, err := ds.ListSubnets(ctx)
	require.NoError(t, err)
	assert.Len(t, subnets, 1)
}

func TestSeed_MoveReservation(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)
	logger := zaptest.NewLogger(t)
	require.NoError(t, seed(ctx, ds, parseConfig(t, office).Subnets, logger))

	moved := `
subnets:
  - network: 10.0.0.0/24
    reservations:
      - mac: aa:bb:cc:dd:ee:02
        ip: 10.0.0.5
  - network: 192.168.1.0/24
    gateway: 192.168.1.1
    ranges:
      - start: 192.168.1.100
        end: 192.168.1.200
`
	require.NoError(t, seed(ctx, ds, parseConfig(t, moved).Subnets, logger))

	model, err := addrspace.Load(ctx, ds)
	require.NoError(t, err)
	space := model.Space()
	require.Len(t, space.Subnets(), 2)
	r, ok := space.FindStatic(dhcpdtest.MAC("aa:bb:cc:dd:ee:02"))
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", r.IPAddress.String())
	subnet, ok := space.Subnet(r.SubnetID)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.0/24", subnet.Network.String())
}

func TestReloader(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)
	logger := zaptest.NewLogger(t)
	require.NoError(t, seed(ctx, ds, parseConfig(t, office).Subnets, logger))
	model, err := addrspace.Load(ctx, ds)
	require.NoError(t, err)

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	r := &reloader{ds: ds, model: model, level: level, logger: logger}

	changed := parseConfig(t, office+"  - network: 10.0.0.0/24\nlog:\n  level: debug\n")
	require.NoError(t, r.apply(ctx, changed))
	assert.Len(t, model.Space().Subnets(), 2)
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	// a level given on the command line survives reloads
	pinned := zap.NewAtomicLevelAt(zapcore.WarnLevel)
	r = &reloader{ds: ds, model: model, level: pinned, levelOverride: "warn", logger: logger}
	require.NoError(t, r.apply(ctx, changed))
	assert.Equal(t, zapcore.WarnLevel, pinned.Level())
}

func TestRun_InvalidStatusAddress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dhcp4d.yaml")
	input := "listen_addresses: [127.0.0.1]\nstatus_address: localhost\n" + office
	require.NoError(t, os.WriteFile(path, []byte(input), 0o600))

	err := Run(context.Background(), Options{ConfigPath: path, DataDir: dir, LogLevel: "error"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid status address")
}

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dhcp4d.log")
	logger, level, err := NewLogger(config.Log{Level: "warn", Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, level.Level())

	logger.Info("dropped")
	logger.Warn("kept", zap.String("subnet", "192.168.1.0/24"))
	require.NoError(t, logger.Sync())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 1)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "192.168.1.0/24", entry["subnet"])

	_, _, err = NewLogger(config.Log{Level: "loud", Format: "json"})
	assert.Error(t, err)
	_, _, err = NewLogger(config.Log{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestDatabaseDSN(t *testing.T) {
	assert.Equal(t, "file:/var/lib/dhcp4d/dhcp.db?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", databaseDSN("/var/lib/dhcp4d/dhcp.db"))
}
