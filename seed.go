package dhcp4d

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lovi-cloud/dhcp4d/config"
	"github.com/lovi-cloud/dhcp4d/datastore"
	"github.com/lovi-cloud/dhcp4d/dhcpd"
	"github.com/lovi-cloud/dhcp4d/dhcpd/addrspace"
)

// seed upserts the configured subnets into the repository in one transaction. Subnets
// that exist only in the repository are kept. Nothing is written unless the merged
// address space is valid.
func seed(ctx context.Context, ds datastore.Datastore, subnets []config.Subnet, logger *zap.Logger) error {
	if err := validateCandidate(ctx, ds, subnets); err != nil {
		return fmt.Errorf("invalid address space: %w", err)
	}

	configs := make([]datastore.SubnetConfig, 0, len(subnets))
	for _, s := range subnets {
		subnet, ranges, reservations := s.Model(0)
		configs = append(configs, datastore.SubnetConfig{Subnet: subnet, Ranges: ranges, Reservations: reservations})
	}
	synced, err := ds.SyncSubnets(ctx, configs)
	if err != nil {
		return fmt.Errorf("failed to seed subnets: %w", err)
	}
	for i, got := range synced {
		logger.Info("seeded subnet",
			zap.Int64("subnet_id", got.ID),
			zap.String("network", got.Network.String()),
			zap.Int("ranges", len(configs[i].Ranges)),
			zap.Int("reservations", len(configs[i].Reservations)),
		)
	}
	return nil
}

// validateCandidate builds the address space the repository would hold after seeding.
func validateCandidate(ctx context.Context, src addrspace.Source, subnets []config.Subnet) error {
	current, err := src.ListSubnets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list subnets: %w", err)
	}
	currentRanges, err := src.ListRanges(ctx)
	if err != nil {
		return fmt.Errorf("failed to list ranges: %w", err)
	}
	currentReservations, err := src.ListStaticReservations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list static reservations: %w", err)
	}

	configured := make(map[string]struct{}, len(subnets))
	for _, s := range subnets {
		configured[s.Network.String()] = struct{}{}
	}

	var (
		nextID       int64
		kept         = make(map[int64]struct{})
		candidates   []dhcpd.Subnet
		ranges       []dhcpd.DynamicRange
		reservations []dhcpd.StaticReservation
	)
	for _, s := range current {
		if s.ID > nextID {
			nextID = s.ID
		}
		if _, ok := configured[s.Network.String()]; ok {
			continue
		}
		kept[s.ID] = struct{}{}
		candidates = append(candidates, s)
	}
	for _, r := range currentRanges {
		if _, ok := kept[r.SubnetID]; ok {
			ranges = append(ranges, r)
		}
	}
	for _, r := range currentReservations {
		if _, ok := kept[r.SubnetID]; ok {
			reservations = append(reservations, r)
		}
	}

	for _, s := range subnets {
		nextID++
		subnet, rs, res := s.Model(nextID)
		candidates = append(candidates, subnet)
		ranges = append(ranges, rs...)
		reservations = append(reservations, res...)
	}

	_, err = addrspace.Build(candidates, ranges, reservations)
	return err
}
