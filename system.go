package couchsys

import (
	"context"
	"strings"

	"github.com/autom8ter/machine/v4"
	"github.com/samber/lo"

	"github.com/autom8ter/couchsys/errors"
	"github.com/autom8ter/couchsys/internal/safe"
)

// System normalizes the behavior of different server versions: capability detection, database resets and a
// uniform database updates feed. Capabilities are resolved at most once per System.
type System struct {
	server           Server
	logger           Logger
	machine          machine.Machine
	resetConcurrency int
	legacy           safe.Cell[bool]
	partitioned      safe.Cell[bool]
}

// New returns a System backed by the given server
func New(server Server, opts ...Opt) *System {
	s := &System{
		server:           server,
		logger:           noopLogger(),
		machine:          machine.New(),
		resetConcurrency: 8,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Server returns the server the system is backed by
func (s *System) Server() Server {
	return s.server
}

// ServerInfo fetches the server's root metadata. It is never cached.
func (s *System) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	info, err := s.server.Info(ctx)
	if err != nil {
		return nil, err
	}
	if info == nil || info.Version == "" {
		return nil, errors.New(errors.MalformedResponse, "server info: missing version")
	}
	return info, nil
}

// IsLegacyVersion reports whether the server is a 1.x server. Legacy servers recreate their users database on
// their own and have no ledger database.
func (s *System) IsLegacyVersion(ctx context.Context) (bool, error) {
	return s.legacy.GetOrResolve(ctx, func(ctx context.Context) (bool, error) {
		info, err := s.ServerInfo(ctx)
		if err != nil {
			return false, err
		}
		legacy := strings.HasPrefix(info.Version, "1")
		s.logger.Debug(ctx, "resolved server version", map[string]any{
			"version": info.Version,
			"legacy":  legacy,
		})
		return legacy, nil
	})
}

// SupportsPartitioning reports whether the server advertises partitioned database support
func (s *System) SupportsPartitioning(ctx context.Context) (bool, error) {
	return s.partitioned.GetOrResolve(ctx, func(ctx context.Context) (bool, error) {
		info, err := s.ServerInfo(ctx)
		if err != nil {
			return false, err
		}
		partitioned := lo.Contains(info.Features, FeaturePartitioned)
		s.logger.Debug(ctx, "resolved server features", map[string]any{
			"features":    info.Features,
			"partitioned": partitioned,
		})
		return partitioned, nil
	})
}

// Wait blocks until every background feed setup started by the system has returned
func (s *System) Wait() error {
	return s.machine.Wait()
}
