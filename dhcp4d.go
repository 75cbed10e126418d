package dhcp4d

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/lovi-cloud/dhcp4d/config"
	"github.com/lovi-cloud/dhcp4d/datastore"
	"github.com/lovi-cloud/dhcp4d/datastore/sqlite"
	"github.com/lovi-cloud/dhcp4d/dhcpd"
	"github.com/lovi-cloud/dhcp4d/dhcpd/addrspace"
	"github.com/lovi-cloud/dhcp4d/dhcpd/allocator"
	"github.com/lovi-cloud/dhcp4d/dhcpd/godhcpd"
	"github.com/lovi-cloud/dhcp4d/dhcpd/handshake"
	"github.com/lovi-cloud/dhcp4d/dhcpd/leasestore"
	"github.com/lovi-cloud/dhcp4d/dhcpd/udptransport"
	"github.com/lovi-cloud/dhcp4d/httpd/gohttpd"
	"github.com/lovi-cloud/dhcp4d/metrics"
)

// Options are the command line overrides of Run.
type Options struct {
	ConfigPath string
	// DataDir replaces the directory of the configured database path.
	DataDir  string
	LogLevel string
}

// Run the dhcp4d
func Run(ctx context.Context, opts Options) error {
	path := config.ResolvePath(opts.ConfigPath)
	c, err := config.LoadConfig(path)
	watch := true
	if err != nil {
		if opts.ConfigPath != "" || !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		// without any config file the repository alone describes the address space
		c, err = config.Parse(strings.NewReader(""))
		if err != nil {
			return err
		}
		watch = false
	}
	if opts.DataDir != "" {
		c.DatabasePath = filepath.Join(opts.DataDir, filepath.Base(c.DatabasePath))
	}
	if opts.LogLevel != "" {
		c.Log.Level = opts.LogLevel
	}

	logger, level, err := NewLogger(c.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("starting dhcp4d", zap.String("version", version), zap.String("revision", revision), zap.String("config", path))

	if err := os.MkdirAll(filepath.Dir(c.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	ds, err := sqlite.New(ctx, databaseDSN(c.DatabasePath), logger)
	if err != nil {
		return err
	}
	defer ds.Close()

	if err := seed(ctx, ds, c.Subnets, logger); err != nil {
		return err
	}
	model, err := addrspace.Load(ctx, ds)
	if err != nil {
		return err
	}

	clock := dhcpd.SystemClock{}
	leases := leasestore.New(ds, clock, logger)
	if err := leases.Load(ctx); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewLeaseCollector(model, leases),
	)
	m := metrics.New(registry)

	quarantine := allocator.NewQuarantine()
	alloc := allocator.New(model, leases, quarantine, clock)
	engine := handshake.New(handshake.Config{
		DefaultLeaseTime:  c.DHCP.DefaultLeaseTime.Std(),
		MaxLeaseTime:      c.DHCP.MaxLeaseTime.Std(),
		OfferTimeout:      c.DHCP.OfferTimeout.Std(),
		DeclineQuarantine: c.DHCP.DeclineQuarantine.Std(),
	}, alloc, leases, quarantine, clock, m, logger)

	var httpd *gohttpd.GoHTTPd
	if c.StatusAddress != "" {
		httpd, err = gohttpd.New(c.StatusAddress, model, leases, registry, logger)
		if err != nil {
			return err
		}
	}

	transport, err := udptransport.New(ctx, c.ListenAddresses, dhcpd.ServerPort, logger)
	if err != nil {
		return err
	}
	serverConfig := godhcpd.Config{SweepInterval: c.DHCP.SweepInterval.Std()}
	if c.DHCP.ServerIdentifier != nil {
		serverConfig.ServerIdentifier = c.DHCP.ServerIdentifier.IP
	}
	server, err := godhcpd.New(serverConfig, transport, engine, model, leases, m, clock, logger)
	if err != nil {
		transport.Close()
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("starting dhcpd", zap.Strings("addrs", c.ListenAddresses), zap.Int("port", dhcpd.ServerPort))
		return server.Serve(ctx)
	})

	if httpd != nil {
		eg.Go(func() error {
			logger.Info("starting httpd", zap.String("addr", c.StatusAddress))
			return httpd.Serve(ctx)
		})
	}

	if watch {
		r := &reloader{ds: ds, model: model, level: level, levelOverride: opts.LogLevel, logger: logger}
		eg.Go(func() error {
			return config.Watch(ctx, path, r.apply, logger)
		})
	}

	return eg.Wait()
}

func databaseDSN(path string) string {
	return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
}

// reloader installs configs changed while running. Protocol timings and listeners
// are fixed at startup.
type reloader struct {
	ds    datastore.Datastore
	model *addrspace.Model
	level zap.AtomicLevel
	// levelOverride pins the level given on the command line.
	levelOverride string
	logger        *zap.Logger
}

func (r *reloader) apply(ctx context.Context, c *config.Config) error {
	if err := seed(ctx, r.ds, c.Subnets, r.logger); err != nil {
		return err
	}
	if err := r.model.Reload(ctx, r.ds); err != nil {
		return fmt.Errorf("failed to reload address space: %w", err)
	}

	if r.levelOverride != "" {
		return nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	if r.level.Level() != l {
		r.logger.Info("changing log level", zap.Stringer("from", r.level.Level()), zap.Stringer("to", l))
		r.level.SetLevel(l)
	}
	return nil
}
