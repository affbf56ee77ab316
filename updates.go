package couchsys

import (
	"context"
)

// RawUpdates subscribes to the server's live database updates feed. With params.Feed set to "continuous" the
// stream stays open indefinitely, otherwise it ends after a single batch of results. The feed has no history:
// it reports only updates made after the subscription starts.
func (s *System) RawUpdates(ctx context.Context, params ChangesParams) (*Stream[Item], error) {
	return s.server.DBUpdates(ctx, params)
}

// UpdatesViaLedger returns the database updates recorded in the ledger database from now on. The ledger holds
// the full history, but the feed starts at the ledger's current update sequence so only changes made after the
// call are reported. The stream is returned before the subscription is set up; a setup failure fails the stream.
func (s *System) UpdatesViaLedger(ctx context.Context, params ChangesParams) *Stream[ChangeEvent] {
	deferred := NewStream[Item]()
	// machine skips tasks whose context is already done, which would leave the stream open forever. The task
	// always runs and the caller's context bounds the calls it makes.
	s.machine.Go(context.WithoutCancel(ctx), func(context.Context) error {
		if err := ctx.Err(); err != nil {
			deferred.Fail(err)
			return nil
		}
		info, err := s.server.GetDatabase(ctx, LedgerDatabase)
		if err != nil {
			s.logger.Error(ctx, "failed to get ledger database", err, map[string]any{"db_name": LedgerDatabase})
			deferred.Fail(err)
			return nil
		}
		// params is a copy, the caller's since is left untouched
		params.Since = info.UpdateSeq
		changes, err := s.server.Changes(ctx, LedgerDatabase, params)
		if err != nil {
			s.logger.Error(ctx, "failed to subscribe to ledger changes", err, map[string]any{
				"db_name": LedgerDatabase,
				"since":   params.Since,
			})
			deferred.Fail(err)
			return nil
		}
		s.logger.Debug(ctx, "subscribed to ledger changes", map[string]any{
			"since": params.Since,
			"feed":  params.Feed,
		})
		changes.Pipe(deferred)
		return nil
	})
	return Filter(deferred, LedgerItemToEvent)
}

// UpdatesNoHistory returns a feed of database updates made after the call, whatever the server version.
// 1.x servers are read from their live updates feed, later versions from the ledger database. The stream is
// returned before the version is known; a failure resolving the version or subscribing fails the stream.
func (s *System) UpdatesNoHistory(ctx context.Context, params ChangesParams) *Stream[ChangeEvent] {
	stream := NewStream[ChangeEvent]()
	s.machine.Go(context.WithoutCancel(ctx), func(context.Context) error {
		if err := ctx.Err(); err != nil {
			stream.Fail(err)
			return nil
		}
		legacy, err := s.IsLegacyVersion(ctx)
		if err != nil {
			s.logger.Error(ctx, "failed to resolve server version", err, nil)
			stream.Fail(err)
			return nil
		}
		if !legacy {
			s.UpdatesViaLedger(ctx, params).Pipe(stream)
			return nil
		}
		updates, err := s.RawUpdates(ctx, params)
		if err != nil {
			s.logger.Error(ctx, "failed to subscribe to database updates", err, nil)
			stream.Fail(err)
			return nil
		}
		Filter(updates, UpdateItemToEvent).Pipe(stream)
		return nil
	})
	return stream
}
