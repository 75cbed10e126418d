package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/lovi-cloud/dhcp4d/dhcpd"
)

var (
	// ErrConflict is returned when a write would break lease or configuration uniqueness.
	ErrConflict = errors.New("conflicting active record")
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")
)

// Datastore is an interface for dhcp4d to perform CRUD operations.
type Datastore interface {
	ListSubnets(ctx context.Context) ([]dhcpd.Subnet, error)
	GetSubnet(ctx context.Context, id int64) (*dhcpd.Subnet, error)
	CreateSubnet(ctx context.Context, subnet dhcpd.Subnet) (*dhcpd.Subnet, error)
	UpdateSubnet(ctx context.Context, subnet dhcpd.Subnet) error
	DeleteSubnet(ctx context.Context, id int64) error

	ListRanges(ctx context.Context) ([]dhcpd.DynamicRange, error)
	CreateRange(ctx context.Context, r dhcpd.DynamicRange) (*dhcpd.DynamicRange, error)
	DeleteRange(ctx context.Context, id int64) error

	ListStaticReservations(ctx context.Context) ([]dhcpd.StaticReservation, error)
	CreateStaticReservation(ctx context.Context, res dhcpd.StaticReservation) (*dhcpd.StaticReservation, error)
	DeleteStaticReservation(ctx context.Context, id int64) error

	// SyncSubnet upserts subnet by network and replaces its ranges and reservations atomically.
	SyncSubnet(ctx context.Context, subnet dhcpd.Subnet, ranges []dhcpd.DynamicRange, reservations []dhcpd.StaticReservation) (*dhcpd.Subnet, error)
	// SyncSubnets syncs every config in one transaction. Old ranges and reservations of all
	// of them are removed before any new row is inserted.
	SyncSubnets(ctx context.Context, configs []SubnetConfig) ([]dhcpd.Subnet, error)

	LeaseRepository

	Close() error
}

// SubnetConfig is a subnet with the ranges and reservations that replace its current ones.
type SubnetConfig struct {
	Subnet       dhcpd.Subnet
	Ranges       []dhcpd.DynamicRange
	Reservations []dhcpd.StaticReservation
}

// LeaseRepository is the durable side of the lease store.
type LeaseRepository interface {
	ListActiveLeases(ctx context.Context) ([]dhcpd.Lease, error)
	ListLeases(ctx context.Context, subnetID int64) ([]dhcpd.Lease, error)
	// InsertLease deactivates rows for the same subnet and IP or MAC whose lease ended at or
	// before now, then inserts lease unless a conflicting active row remains (ErrConflict).
	InsertLease(ctx context.Context, lease dhcpd.Lease, now time.Time) (*dhcpd.Lease, error)
	// ReplaceLease deactivates the lease oldID and inserts lease like InsertLease, in one transaction.
	ReplaceLease(ctx context.Context, oldID int64, lease dhcpd.Lease, now time.Time) (*dhcpd.Lease, error)
	ExtendLease(ctx context.Context, id int64, end time.Time, hostname string) error
	DeactivateLeases(ctx context.Context, ids ...int64) error
	DeleteLease(ctx context.Context, id int64) error
}
