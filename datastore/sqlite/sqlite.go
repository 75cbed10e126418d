package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/lovi-cloud/dhcp4d/datastore"
	"github.com/lovi-cloud/dhcp4d/dhcpd"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLite is
type SQLite struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New is
func New(ctx context.Context, dsn string, logger *zap.Logger) (*SQLite, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite connection: %w", err)
	}
	// sqlite allows a single writer; one connection keeps in-memory databases alive too.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect sqlite: %w", err)
	}
	if err := migrate(ctx, db.DB, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{
		db:     db,
		logger: logger,
	}, nil
}

func migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(&gooseLogger{logger: logger.Sugar().Named("goose")})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

type gooseLogger struct {
	logger *zap.SugaredLogger
}

func (l *gooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Debugf(format, v...)
}

func (l *gooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Errorf(format, v...)
}

// Close is
func (s *SQLite) Close() error {
	return s.db.Close()
}

func convertError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return datastore.ErrNotFound
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %s", datastore.ErrConflict, sqliteErr.Error())
		}
	}
	return err
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return datastore.ErrNotFound
	}
	return nil
}

const subnetColumns = `id, network, gateway, dns_servers, domain_name, enabled`

// ListSubnets is
func (s *SQLite) ListSubnets(ctx context.Context) ([]dhcpd.Subnet, error) {
	query := `SELECT ` + subnetColumns + ` FROM subnets ORDER BY id`
	var subnets []dhcpd.Subnet
	if err := s.db.SelectContext(ctx, &subnets, query); err != nil {
		return nil, fmt.Errorf("failed to list subnets: %w", err)
	}
	return subnets, nil
}

// GetSubnet is
func (s *SQLite) GetSubnet(ctx context.Context, id int64) (*dhcpd.Subnet, error) {
	query := `SELECT ` + subnetColumns + ` FROM subnets WHERE id = ?`
	stmt, err := s.db.PreparexContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	var subnet dhcpd.Subnet
	if err := stmt.GetContext(ctx, &subnet, id); err != nil {
		return nil, fmt.Errorf("failed to get subnet: %w", convertError(err))
	}
	return &subnet, nil
}

// CreateSubnet is
func (s *SQLite) CreateSubnet(ctx context.Context, subnet dhcpd.Subnet) (*dhcpd.Subnet, error) {
	id, err := insertSubnet(ctx, s.db, subnet)
	if err != nil {
		return nil, err
	}
	subnet.ID = id
	return &subnet, nil
}

func insertSubnet(ctx context.Context, ext sqlx.ExtContext, subnet dhcpd.Subnet) (int64, error) {
	query := `INSERT INTO subnets(network, gateway, dns_servers, domain_name, enabled) VALUES(?, ?, ?, ?, ?)`
	res, err := ext.ExecContext(ctx, query, subnet.Network, subnet.Gateway, subnet.DNSServers, subnet.DomainName, subnet.Enabled)
	if err != nil {
		return 0, fmt.Errorf("failed to create subnet: %w", convertError(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get subnet id: %w", err)
	}
	return id, nil
}

// UpdateSubnet is
func (s *SQLite) UpdateSubnet(ctx context.Context, subnet dhcpd.Subnet) error {
	return updateSubnet(ctx, s.db, subnet)
}

func updateSubnet(ctx context.Context, ext sqlx.ExtContext, subnet dhcpd.Subnet) error {
	query := `UPDATE subnets SET network = ?, gateway = ?, dns_servers = ?, domain_name = ?, enabled = ? WHERE id = ?`
	res, err := ext.ExecContext(ctx, query, subnet.Network, subnet.Gateway, subnet.DNSServers, subnet.DomainName, subnet.Enabled, subnet.ID)
	if err != nil {
		return fmt.Errorf("failed to update subnet: %w", convertError(err))
	}
	if err := expectAffected(res); err != nil {
		return fmt.Errorf("failed to update subnet %d: %w", subnet.ID, err)
	}
	return nil
}

// DeleteSubnet is
func (s *SQLite) DeleteSubnet(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subnets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subnet: %w", convertError(err))
	}
	if err := expectAffected(res); err != nil {
		return fmt.Errorf("failed to delete subnet %d: %w", id, err)
	}
	return nil
}

// ListRanges is
func (s *SQLite) ListRanges(ctx context.Context) ([]dhcpd.DynamicRange, error) {
	query := `SELECT id, subnet_id, range_start, range_end, enabled FROM dynamic_ranges ORDER BY id`
	var ranges []dhcpd.DynamicRange
	if err := s.db.SelectContext(ctx, &ranges, query); err != nil {
		return nil, fmt.Errorf("failed to list dynamic ranges: %w", err)
	}
	return ranges, nil
}

// CreateRange is
func (s *SQLite) CreateRange(ctx context.Context, r dhcpd.DynamicRange) (*dhcpd.DynamicRange, error) {
	id, err := insertRange(ctx, s.db, r)
	if err != nil {
		return nil, err
	}
	r.ID = id
	return &r, nil
}

func insertRange(ctx context.Context, ext sqlx.ExtContext, r dhcpd.DynamicRange) (int64, error) {
	query := `INSERT INTO dynamic_ranges(subnet_id, range_start, range_end, enabled) VALUES(?, ?, ?, ?)`
	res, err := ext.ExecContext(ctx, query, r.SubnetID, r.Start, r.End, r.Enabled)
	if err != nil {
		return 0, fmt.Errorf("failed to create dynamic range: %w", convertError(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get dynamic range id: %w", err)
	}
	return id, nil
}

// DeleteRange is
func (s *SQLite) DeleteRange(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dynamic_ranges WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dynamic range: %w", err)
	}
	if err := expectAffected(res); err != nil {
		return fmt.Errorf("failed to delete dynamic range %d: %w", id, err)
	}
	return nil
}

// ListStaticReservations is
func (s *SQLite) ListStaticReservations(ctx context.Context) ([]dhcpd.StaticReservation, error) {
	query := `SELECT id, subnet_id, mac_address, ip_address, hostname, enabled FROM static_reservations ORDER BY id`
	var reservations []dhcpd.StaticReservation
	if err := s.db.SelectContext(ctx, &reservations, query); err != nil {
		return nil, fmt.Errorf("failed to list static reservations: %w", err)
	}
	return reservations, nil
}

// CreateStaticReservation is
func (s *SQLite) CreateStaticReservation(ctx context.Context, res dhcpd.StaticReservation) (*dhcpd.StaticReservation, error) {
	id, err := insertReservation(ctx, s.db, res)
	if err != nil {
		return nil, err
	}
	res.ID = id
	return &res, nil
}

func insertReservation(ctx context.Context, ext sqlx.ExtContext, r dhcpd.StaticReservation) (int64, error) {
	query := `INSERT INTO static_reservations(subnet_id, mac_address, ip_address, hostname, enabled) VALUES(?, ?, ?, ?, ?)`
	res, err := ext.ExecContext(ctx, query, r.SubnetID, r.MACAddress, r.IPAddress, r.Hostname, r.Enabled)
	if err != nil {
		return 0, fmt.Errorf("failed to create static reservation: %w", convertError(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get static reservation id: %w", err)
	}
	return id, nil
}

// DeleteStaticReservation is
func (s *SQLite) DeleteStaticReservation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM static_reservations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete static reservation: %w", err)
	}
	if err := expectAffected(res); err != nil {
		return fmt.Errorf("failed to delete static reservation %d: %w", id, err)
	}
	return nil
}

// SyncSubnet is
func (s *SQLite) SyncSubnet(ctx context.Context, subnet dhcpd.Subnet, ranges []dhcpd.DynamicRange, reservations []dhcpd.StaticReservation) (*dhcpd.Subnet, error) {
	synced, err := s.SyncSubnets(ctx, []datastore.SubnetConfig{{
		Subnet:       subnet,
		Ranges:       ranges,
		Reservations: reservations,
	}})
	if err != nil {
		return nil, err
	}
	return &synced[0], nil
}

// SyncSubnets is
func (s *SQLite) SyncSubnets(ctx context.Context, configs []datastore.SubnetConfig) ([]dhcpd.Subnet, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	synced := make([]dhcpd.Subnet, 0, len(configs))
	for _, c := range configs {
		subnet, err := upsertSubnet(ctx, tx, c.Subnet)
		if err != nil {
			return nil, err
		}
		synced = append(synced, *subnet)
	}

	// every old row goes first so reservations can move between subnets
	for _, subnet := range synced {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dynamic_ranges WHERE subnet_id = ?`, subnet.ID); err != nil {
			return nil, fmt.Errorf("failed to delete dynamic ranges of subnet %d: %w", subnet.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM static_reservations WHERE subnet_id = ?`, subnet.ID); err != nil {
			return nil, fmt.Errorf("failed to delete static reservations of subnet %d: %w", subnet.ID, err)
		}
	}

	for i, c := range configs {
		id := synced[i].ID
		for _, r := range c.Ranges {
			r.SubnetID = id
			if _, err := insertRange(ctx, tx, r); err != nil {
				return nil, err
			}
		}
		for _, r := range c.Reservations {
			r.SubnetID = id
			if _, err := insertReservation(ctx, tx, r); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return synced, nil
}

func upsertSubnet(ctx context.Context, tx *sqlx.Tx, subnet dhcpd.Subnet) (*dhcpd.Subnet, error) {
	var id int64
	err := tx.GetContext(ctx, &id, `SELECT id FROM subnets WHERE network = ?`, subnet.Network)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id, err = insertSubnet(ctx, tx, subnet)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to get subnet by network: %w", err)
	default:
		subnet.ID = id
		if err := updateSubnet(ctx, tx, subnet); err != nil {
			return nil, err
		}
	}
	subnet.ID = id
	return &subnet, nil
}
