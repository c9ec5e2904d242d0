// Package server owns the lifecycle of an in-process directory server: the
// backend holding the entries and the internal connection handler that runs
// operations against it.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/isometry/dirsrv/internal/backend"
	"github.com/isometry/dirsrv/internal/config"
	"github.com/isometry/dirsrv/internal/inproc"
	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

var (
	ErrAlreadyRunning = errors.New("directory server is already running")
	ErrNotRunning     = errors.New("directory server is not running")
)

// DirectoryServer builds a fresh backend and connection handler on every
// Start and discards them on Shutdown, so a restarted server never sees the
// previous run's entries. ID sequences and metrics survive restarts.
type DirectoryServer struct {
	cfg      *config.Config
	registry *prometheus.Registry
	seq      *inproc.Sequences
	clock    func() time.Time

	mu      sync.RWMutex
	backend *backend.Backend
	handler *inproc.ConnectionHandler
	started time.Time
}

// Option configures a DirectoryServer.
type Option func(*DirectoryServer)

// WithRegistry records metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *DirectoryServer) {
		s.registry = reg
	}
}

// WithClock sets the time source for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *DirectoryServer) {
		s.clock = now
	}
}

// New creates a stopped server. A nil cfg uses config.DefaultConfig.
func New(cfg *config.Config, opts ...Option) *DirectoryServer {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := &DirectoryServer{
		cfg:   cfg,
		seq:   inproc.NewSequences(),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	return s
}

// Start builds the backend and handler and loads the configured seed file.
// A seed failure leaves the server stopped.
func (s *DirectoryServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handler != nil {
		return ErrAlreadyRunning
	}

	tflog.SubsystemInfo(ctx, dirldap.SubsystemServer, "Starting directory server", map[string]any{
		"suffixes":  s.cfg.Suffixes,
		"seed_file": s.cfg.SeedFile,
	})
	start := time.Now()

	b, err := backend.NewFromStrings(s.cfg.Suffixes,
		backend.WithSchemaDN(s.cfg.SchemaDN),
		backend.WithClock(s.clock))
	if err != nil {
		return fmt.Errorf("failed to create backend: %w", err)
	}

	metrics, err := inproc.NewMetrics(s.registry, s.cfg.Metrics.Namespace)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	handler := inproc.NewConnectionHandler(b,
		inproc.WithMetrics(metrics),
		inproc.WithLimits(s.cfg.Limits()),
		inproc.WithSequences(s.seq))
	if err := handler.Run(ctx); err != nil {
		return fmt.Errorf("failed to start %s: %w", handler.Name(), err)
	}

	if s.cfg.SeedFile != "" {
		seed, err := LoadSeedFile(s.cfg.SeedFile)
		if err == nil {
			_, err = seed.Apply(ctx, handler.RootConnection())
		}
		if err != nil {
			handler.Finalize(ctx)
			tflog.SubsystemError(ctx, dirldap.SubsystemServer, "Failed to load seed entries", map[string]any{
				"seed_file": s.cfg.SeedFile,
				"error":     err.Error(),
			})
			return err
		}
	}

	s.backend = b
	s.handler = handler
	s.started = time.Now()

	tflog.SubsystemInfo(ctx, dirldap.SubsystemServer, "Directory server started", map[string]any{
		"entries":     b.Store().Len(),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

// Shutdown finalizes the handler and drops every entry. Shutting down a
// stopped server is a no-op.
func (s *DirectoryServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handler == nil {
		return nil
	}

	s.handler.Finalize(ctx)
	s.backend.Store().Clear()

	tflog.SubsystemInfo(ctx, dirldap.SubsystemServer, "Directory server stopped", map[string]any{
		"uptime_seconds": time.Since(s.started).Seconds(),
	})

	s.handler = nil
	s.backend = nil
	return nil
}

// IsRunning reports whether Start has succeeded without a later Shutdown.
func (s *DirectoryServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler != nil
}

// Handler returns the connection handler of the current run.
func (s *DirectoryServer) Handler() (*inproc.ConnectionHandler, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handler == nil {
		return nil, ErrNotRunning
	}
	return s.handler, nil
}

// RootConnection is shorthand for the root connection of the current handler.
func (s *DirectoryServer) RootConnection() (*inproc.InternalClientConnection, error) {
	h, err := s.Handler()
	if err != nil {
		return nil, err
	}
	return h.RootConnection(), nil
}

// Backend returns the backend of the current run.
func (s *DirectoryServer) Backend() (*backend.Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.backend == nil {
		return nil, ErrNotRunning
	}
	return s.backend, nil
}

func (s *DirectoryServer) Config() *config.Config {
	return s.cfg
}

func (s *DirectoryServer) Registry() *prometheus.Registry {
	return s.registry
}

// Stats returns store statistics for the current run.
func (s *DirectoryServer) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"running":  s.handler != nil,
		"suffixes": s.cfg.Suffixes,
	}
	if s.backend == nil {
		return stats
	}

	storeStats := s.backend.Store().GetStats()
	stats["uptime_seconds"] = time.Since(s.started).Seconds()
	stats["store"] = map[string]any{
		"hits":                   storeStats.Hits,
		"misses":                 storeStats.Misses,
		"entries":                storeStats.Entries,
		"puts":                   storeStats.Puts,
		"deletes":                storeStats.Deletes,
		"hit_rate":               storeStats.HitRate,
		"average_lookup_time_ms": storeStats.AverageLookupTime.Milliseconds(),
		"estimated_memory_bytes": storeStats.EstimatedMemoryBytes,
		"indexed_by_uuid":        storeStats.IndexedByUUID,
		"indexed_by_dn":          storeStats.IndexedByDN,
	}
	return stats
}
