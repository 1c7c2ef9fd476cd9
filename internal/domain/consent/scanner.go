package consent

import (
	"context"
	"time"

	"github.com/abdm-hiu/abdm-core/internal/domain/audit"
	"github.com/abdm-hiu/abdm-core/internal/platform/db"
)

const (
	scanInterval = time.Minute
	scanBatch    = 100
)

// RunExpiryScanner sweeps overdue consents once a minute until ctx is
// cancelled. An advisory lock keeps the sweep single-leader across
// instances.
func (s *Service) RunExpiryScanner(ctx context.Context) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	log := s.logger.With().Str("task", "expiry_scanner").Logger()
	log.Info().Msg("expiry scanner started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("expiry scanner stopped")
			return
		case <-ticker.C:
			held, err := db.WithLeaderLock(ctx, s.pool, db.LockConsentExpiryScanner, s.scanOnce)
			if err != nil {
				log.Error().Err(err).Msg("expiry scan failed")
			} else if !held {
				log.Debug().Msg("expiry scan skipped, another instance leads")
			}
		}
	}
}

// scanOnce expires pending requests past their expiry, then retires live
// artifacts past theirs.
func (s *Service) scanOnce(ctx context.Context) error {
	pending, err := s.repo.ExpiredRequests(ctx, scanBatch)
	if err != nil {
		return err
	}
	for i := range pending {
		cr := &pending[i]
		err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
			if err := s.repo.UpdateRequestStatus(ctx, cr.ID, StatusExpired, nil, false); err != nil {
				return err
			}
			return s.audits.Append(ctx, cr.ID, audit.EventExpired, "system", map[string]interface{}{
				"expiredAt": cr.ExpiresAt,
			})
		})
		if err != nil {
			return err
		}
		s.logger.Info().
			Str("consent_request_id", cr.ID.String()).
			Msg("pending consent expired")
	}

	stale, err := s.repo.ExpiredArtifacts(ctx, scanBatch)
	if err != nil {
		return err
	}
	for i := range stale {
		art := &stale[i]
		err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
			if err := s.repo.UpdateArtifactStatus(ctx, art.ID, ArtifactExpired); err != nil {
				return err
			}
			cr, err := s.repo.GetRequest(ctx, art.ConsentRequestID)
			if err != nil {
				return err
			}
			if cr != nil && cr.Status == StatusGranted {
				if err := s.repo.UpdateRequestStatus(ctx, cr.ID, StatusExpired, nil, false); err != nil {
					return err
				}
			}
			return s.audits.Append(ctx, art.ConsentRequestID, audit.EventExpired, "system", map[string]interface{}{
				"abdmArtifactId": art.ABDMArtifactID,
			})
		})
		if err != nil {
			return err
		}
		s.logger.Info().
			Str("consent_request_id", art.ConsentRequestID.String()).
			Str("abdm_artifact_id", art.ABDMArtifactID).
			Msg("consent artifact expired")
	}
	return nil
}
