package couchsys

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/autom8ter/couchsys/errors"
)

// ResetPhase names a step of a reset
type ResetPhase string

const (
	// PhaseLedgerDestroy destroys the ledger database before any other database is touched
	PhaseLedgerDestroy ResetPhase = "ledger-destroy"
	// PhaseDatabases destroys, and where required recreates, every enumerated database
	PhaseDatabases ResetPhase = "databases"
	// PhaseLedgerCreate recreates the ledger database once every other database has been reset
	PhaseLedgerCreate ResetPhase = "ledger-create"
)

// ResetError is returned when a reset aborts part way through. Completed steps are not rolled back, so the
// server is left partially reset.
type ResetError struct {
	Phase    ResetPhase
	Database string
	Err      error
}

func (e *ResetError) Error() string {
	if e.Database == "" {
		return fmt.Sprintf("reset aborted during %s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("reset aborted during %s on %s: %v", e.Phase, e.Database, e.Err)
}

func (e *ResetError) Unwrap() error {
	return e.Err
}

// RecreateDatabases returns the system databases a reset must recreate after destroying them. 1.x servers
// recreate their users database automatically on the next request, later versions recreate nothing.
func RecreateDatabases(legacy bool) []string {
	if legacy {
		return []string{ReplicatorDatabase}
	}
	return []string{ReplicatorDatabase, UsersDatabase}
}

// Reset destroys every database except those named in except, recreating the system databases the server
// version requires. On 2.x+ servers the ledger database is destroyed first and created last so that the reset
// itself is not recorded as change events.
func (s *System) Reset(ctx context.Context, except ...string) error {
	legacy, err := s.IsLegacyVersion(ctx)
	if err != nil {
		return err
	}
	recreate := RecreateDatabases(legacy)
	s.logger.Debug(ctx, "resetting databases", map[string]any{
		"legacy":   legacy,
		"except":   except,
		"recreate": recreate,
	})

	if !legacy {
		if err := s.server.DestroyDatabase(ctx, LedgerDatabase); err != nil {
			if !errors.Is(err, errors.NotFound) {
				return s.resetErr(ctx, PhaseLedgerDestroy, LedgerDatabase, err)
			}
			s.logger.Warn(ctx, "ledger database does not exist", map[string]any{"db_name": LedgerDatabase})
		}
	}

	names, err := s.server.AllDatabases(ctx)
	if err != nil {
		return s.resetErr(ctx, PhaseDatabases, "", err)
	}
	egp, gctx := errgroup.WithContext(ctx)
	egp.SetLimit(s.resetConcurrency)
	for _, name := range names {
		name := name
		switch {
		case lo.Contains(except, name):
			continue
		case !legacy && name == LedgerDatabase:
			continue
		}
		egp.Go(func() error {
			if err := s.server.DestroyDatabase(gctx, name); err != nil {
				return s.resetErr(gctx, PhaseDatabases, name, err)
			}
			if !lo.Contains(recreate, name) {
				return nil
			}
			if err := s.server.CreateDatabase(gctx, name); err != nil {
				return s.resetErr(gctx, PhaseDatabases, name, err)
			}
			return nil
		})
	}
	// every per-database operation must complete before the ledger is recreated
	if err := egp.Wait(); err != nil {
		return err
	}

	if !legacy {
		if err := s.server.CreateDatabase(ctx, LedgerDatabase); err != nil {
			return s.resetErr(ctx, PhaseLedgerCreate, LedgerDatabase, err)
		}
	}
	s.logger.Info(ctx, "reset databases", map[string]any{
		"legacy":    legacy,
		"databases": len(names),
	})
	return nil
}

func (s *System) resetErr(ctx context.Context, phase ResetPhase, database string, err error) error {
	s.logger.Error(ctx, "reset aborted", err, map[string]any{
		"phase":   phase,
		"db_name": database,
	})
	return &ResetError{Phase: phase, Database: database, Err: err}
}
