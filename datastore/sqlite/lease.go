package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lovi-cloud/dhcp4d/dhcpd"
	"github.com/lovi-cloud/dhcp4d/types"
)

const leaseColumns = `id, subnet_id, mac_address, ip_address, lease_start, lease_end, hostname, active`

// ListActiveLeases is
func (s *SQLite) ListActiveLeases(ctx context.Context) ([]dhcpd.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM leases WHERE active = 1 ORDER BY id`
	var leases []dhcpd.Lease
	if err := s.db.SelectContext(ctx, &leases, query); err != nil {
		return nil, fmt.Errorf("failed to list active leases: %w", err)
	}
	return leases, nil
}

// ListLeases returns every lease row of the subnet, inactive history included.
func (s *SQLite) ListLeases(ctx context.Context, subnetID int64) ([]dhcpd.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM leases WHERE subnet_id = ? ORDER BY id`
	var leases []dhcpd.Lease
	if err := s.db.SelectContext(ctx, &leases, query, subnetID); err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	return leases, nil
}

// InsertLease is
func (s *SQLite) InsertLease(ctx context.Context, lease dhcpd.Lease, now time.Time) (*dhcpd.Lease, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	created, err := insertLease(ctx, tx, lease, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return created, nil
}

// ReplaceLease is
func (s *SQLite) ReplaceLease(ctx context.Context, oldID int64, lease dhcpd.Lease, now time.Time) (*dhcpd.Lease, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE leases SET active = 0 WHERE id = ? AND active = 1`, oldID)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate lease %d: %w", oldID, err)
	}
	if err := expectAffected(res); err != nil {
		return nil, fmt.Errorf("failed to deactivate lease %d: %w", oldID, err)
	}

	created, err := insertLease(ctx, tx, lease, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return created, nil
}

func insertLease(ctx context.Context, tx *sqlx.Tx, lease dhcpd.Lease, now time.Time) (*dhcpd.Lease, error) {
	query := `UPDATE leases SET active = 0 WHERE subnet_id = ? AND (ip_address = ? OR mac_address = ?) AND active = 1 AND lease_end <= ?`
	if _, err := tx.ExecContext(ctx, query, lease.SubnetID, lease.IPAddress, lease.MACAddress, types.NewTimestamp(now)); err != nil {
		return nil, fmt.Errorf("failed to deactivate expired leases: %w", err)
	}

	query = `INSERT INTO leases(subnet_id, mac_address, ip_address, lease_start, lease_end, hostname, active) VALUES(?, ?, ?, ?, ?, ?, 1)`
	res, err := tx.ExecContext(ctx, query, lease.SubnetID, lease.MACAddress, lease.IPAddress, lease.LeaseStart, lease.LeaseEnd, lease.Hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to create lease: %w", convertError(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get lease id: %w", err)
	}
	lease.ID = id
	lease.Active = true
	return &lease, nil
}

// ExtendLease is
func (s *SQLite) ExtendLease(ctx context.Context, id int64, end time.Time, hostname string) error {
	query := `UPDATE leases SET lease_end = ?, hostname = ? WHERE id = ? AND active = 1`
	res, err := s.db.ExecContext(ctx, query, types.NewTimestamp(end), hostname, id)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if err := expectAffected(res); err != nil {
		return fmt.Errorf("failed to extend lease %d: %w", id, err)
	}
	return nil
}

// DeactivateLeases is
func (s *SQLite) DeactivateLeases(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE leases SET active = 0 WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to deactivate leases: %w", err)
	}
	return nil
}

// DeleteLease is
func (s *SQLite) DeleteLease(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}
	if err := expectAffected(res); err != nil {
		return fmt.Errorf("failed to delete lease %d: %w", id, err)
	}
	return nil
}
