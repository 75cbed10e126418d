package gohttpd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lovi-cloud/dhcp4d/dhcpd"
	"github.com/lovi-cloud/dhcp4d/dhcpd/addrspace"
	"github.com/lovi-cloud/dhcp4d/httpd"
)

// SpaceSource returns the current address space snapshot.
type SpaceSource interface {
	Space() *addrspace.Space
}

// LeaseSource lists the active leases.
type LeaseSource interface {
	Leases() []dhcpd.Lease
	ActiveCounts() map[int64]int
}

// GoHTTPd is
type GoHTTPd struct {
	addr     string
	space    SpaceSource
	leases   LeaseSource
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// New is
func New(addr string, space SpaceSource, leases LeaseSource, gatherer prometheus.Gatherer, logger *zap.Logger) (*GoHTTPd, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("invalid status address %q: %w", addr, err)
	}
	return &GoHTTPd{
		addr:     addr,
		space:    space,
		leases:   leases,
		gatherer: gatherer,
		logger:   logger,
	}, nil
}

// Handler returns the routes of the status server.
func (g *GoHTTPd) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", g.loggingHandler(http.NotFoundHandler()))
	mux.Handle("/healthz", g.loggingHandler(g.healthzHandler()))
	mux.Handle("/leases", g.loggingHandler(g.leasesHandler()))
	mux.Handle("/subnets", g.loggingHandler(g.subnetsHandler()))
	mux.Handle("/metrics", promhttp.HandlerFor(g.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Serve is
func (g *GoHTTPd) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Error("failed to shutdown status server", zap.Error(err))
		}
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (g *GoHTTPd) loggingHandler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.logger.Debug("http request log", zap.String("url", r.URL.String()), zap.String("remote", r.RemoteAddr))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		g.logger.Debug("http response log", zap.Int("code", rec.Code))
		for k, v := range rec.Header() {
			w.Header()[k] = v
		}
		w.WriteHeader(rec.Code)
		rec.Body.WriteTo(w)
	})
}

func (g *GoHTTPd) healthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})
}

func (g *GoHTTPd) leasesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		leases := g.leases.Leases()
		if s := r.URL.Query().Get("subnet_id"); s != "" {
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			filtered := make([]dhcpd.Lease, 0, len(leases))
			for _, l := range leases {
				if l.SubnetID == id {
					filtered = append(filtered, l)
				}
			}
			leases = filtered
		}
		g.writeJSON(w, leases)
	})
}

func (g *GoHTTPd) subnetsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		space := g.space.Space()
		counts := g.leases.ActiveCounts()
		subnets := space.Subnets()
		ret := make([]httpd.SubnetStatus, 0, len(subnets))
		for _, subnet := range subnets {
			ret = append(ret, httpd.NewSubnetStatus(subnet, space.PoolSize(subnet.ID), counts[subnet.ID]))
		}
		g.writeJSON(w, ret)
	})
}

func (g *GoHTTPd) writeJSON(w http.ResponseWriter, v interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		g.logger.Error("failed to encode response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		g.logger.Warn("failed to write response", zap.Error(err))
	}
}

var _ httpd.HTTPd = &GoHTTPd{}
