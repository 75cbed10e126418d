package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lovi-cloud/dhcp4d/dhcpd/addrspace"
)

// SpaceSource returns the current address space snapshot.
type SpaceSource interface {
	Space() *addrspace.Space
}

// LeaseCounter reports active leases per subnet id.
type LeaseCounter interface {
	ActiveCounts() map[int64]int
}

// LeaseCollector reports lease occupancy per subnet at scrape time.
type LeaseCollector struct {
	space  SpaceSource
	leases LeaseCounter

	active   *prometheus.Desc
	poolSize *prometheus.Desc
}

// NewLeaseCollector is
func NewLeaseCollector(space SpaceSource, leases LeaseCounter) *LeaseCollector {
	labels := []string{"subnet_id", "network"}
	return &LeaseCollector{
		space:  space,
		leases: leases,
		active: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_leases"),
			"Active leases per subnet.",
			labels, nil,
		),
		poolSize: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pool_size"),
			"Addresses in the dynamic pool per subnet.",
			labels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *LeaseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.poolSize
}

// Collect implements prometheus.Collector.
func (c *LeaseCollector) Collect(ch chan<- prometheus.Metric) {
	space := c.space.Space()
	counts := c.leases.ActiveCounts()
	for _, subnet := range space.Subnets() {
		id := strconv.FormatInt(subnet.ID, 10)
		network := subnet.Network.String()
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(counts[subnet.ID]), id, network)
		ch <- prometheus.MustNewConstMetric(c.poolSize, prometheus.GaugeValue, float64(space.PoolSize(subnet.ID)), id, network)
	}
}

var _ prometheus.Collector = &LeaseCollector{}
