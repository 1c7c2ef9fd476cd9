package hifetch

import (
	"context"
	"time"

	"github.com/abdm-hiu/abdm-core/internal/platform/db"
)

const (
	watchdogInterval = time.Minute
	watchdogBatch    = 100
)

// RunWatchdog settles fetches whose stream went silent: live rows untouched
// for longer than timeout become PARTIAL, or FAILED when nothing arrived at
// all. Single-leader via advisory lock.
func (s *Service) RunWatchdog(ctx context.Context, timeout time.Duration) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	log := s.logger.With().Str("task", "fetch_watchdog").Logger()
	log.Info().Dur("timeout", timeout).Msg("fetch watchdog started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("fetch watchdog stopped")
			return
		case <-ticker.C:
			held, err := db.WithLeaderLock(ctx, s.pool, db.LockFetchWatchdog, func(ctx context.Context) error {
				return s.sweepStale(ctx, timeout)
			})
			if err != nil {
				log.Error().Err(err).Msg("watchdog sweep failed")
			} else if !held {
				log.Debug().Msg("watchdog sweep skipped, another instance leads")
			}
		}
	}
}

func (s *Service) sweepStale(ctx context.Context, timeout time.Duration) error {
	cutoff := time.Now().UTC().Add(-timeout)
	stale, err := s.repo.StaleLive(ctx, cutoff, watchdogBatch)
	if err != nil {
		return err
	}
	for _, f := range stale {
		err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
			cur, err := s.repo.LockFetch(ctx, f.ID)
			if err != nil {
				return err
			}
			if cur == nil || IsTerminal(cur.Status) || cur.UpdatedAt.After(cutoff) {
				return nil
			}
			now := time.Now().UTC()
			cur.TerminalAt = &now
			reason := "stream timed out"
			cur.ErrorReason = &reason
			if cur.ProcessedRecords > 0 {
				cur.Status = StatusPartial
			} else {
				cur.Status = StatusFailed
			}
			if err := s.repo.UpdateBookkeeping(ctx, cur); err != nil {
				return err
			}
			s.logger.Warn().
				Str("fetch_request_id", cur.ID.String()).
				Str("status", cur.Status).
				Int("processed", cur.ProcessedRecords).
				Int("received", cur.ReceivedRecords).
				Msg("stale fetch settled by watchdog")
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
