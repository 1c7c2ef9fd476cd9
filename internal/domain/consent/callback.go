package consent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/abdm-hiu/abdm-core/internal/domain/audit"
	"github.com/abdm-hiu/abdm-core/internal/platform/apperr"
	"github.com/abdm-hiu/abdm-core/internal/platform/db"
)

// IngestCallback reconciles a consent notification from the gateway.
// Orphans and duplicates are absorbed: logged, not errored, so the gateway
// sees a 2xx and stops redelivering. Malformed payloads return a
// validation error.
func (s *Service) IngestCallback(ctx context.Context, cb Callback) error {
	if cb.ABDMRequestID == "" {
		return apperr.New(apperr.KindValidation, "abdmRequestId is required")
	}
	switch cb.Event {
	case CallbackGranted, CallbackDenied, CallbackExpired, CallbackRevoked:
	default:
		return apperr.Newf(apperr.KindValidation, "unknown callback event %q", cb.Event)
	}
	if cb.Event == CallbackGranted && cb.Artifact == nil {
		return apperr.New(apperr.KindValidation, "GRANTED callback requires an artifact")
	}

	return db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		// Row lock on the request serializes concurrent deliveries.
		cr, err := s.repo.GetRequestByABDMID(ctx, cb.ABDMRequestID)
		if err != nil {
			return err
		}
		if cr == nil {
			s.logger.Warn().
				Str("abdm_request_id", cb.ABDMRequestID).
				Str("event", cb.Event).
				Msg("orphan consent callback dropped")
			return nil
		}

		fresh, err := s.repo.RememberCallback(ctx, cb.ABDMRequestID, dedupKey(cb))
		if err != nil {
			return err
		}
		if !fresh {
			s.logger.Info().
				Str("abdm_request_id", cb.ABDMRequestID).
				Str("event", cb.Event).
				Msg("duplicate consent callback dropped")
			return nil
		}

		if err := s.audits.Append(ctx, cr.ID, audit.EventCallbackReceived, "gateway", map[string]interface{}{
			"event": cb.Event,
			"seq":   cb.Seq,
		}); err != nil {
			return err
		}
		return s.applyCallback(ctx, cr, cb)
	})
}

// dedupKey prefers the gateway sequence number; payloads without one fall
// back to a hash of the full callback body.
func dedupKey(cb Callback) string {
	if cb.Seq > 0 {
		return "seq:" + strconv.Itoa(cb.Seq)
	}
	raw, _ := json.Marshal(cb)
	sum := sha256.Sum256(raw)
	return "sha:" + hex.EncodeToString(sum[:])
}

// allowedEvent reports whether the callback event is a legal transition
// from the request's current status. A pending request may be granted,
// denied or expired; a granted one only retires. A resubmittable ERROR
// behaves like REQUESTED. Everything else admits no transitions.
func allowedEvent(cr *ConsentRequest, event string) bool {
	switch {
	case cr.Status == StatusRequested,
		cr.Status == StatusError && cr.ErrorRecoverable:
		return event == CallbackGranted || event == CallbackDenied || event == CallbackExpired
	case cr.Status == StatusGranted:
		return event == CallbackExpired || event == CallbackRevoked
	}
	return false
}

func (s *Service) applyCallback(ctx context.Context, cr *ConsentRequest, cb Callback) error {
	if !allowedEvent(cr, cb.Event) {
		s.logger.Info().
			Str("consent_request_id", cr.ID.String()).
			Str("status", cr.Status).
			Str("event", cb.Event).
			Msg("callback event not valid for current consent status, ignored")
		return nil
	}

	switch cb.Event {
	case CallbackGranted:
		return s.applyGrant(ctx, cr, cb)

	case CallbackDenied:
		return s.transition(ctx, cr, StatusDenied, audit.EventDenied, cb)

	case CallbackExpired:
		if err := s.retireArtifact(ctx, cr.ID, ArtifactExpired); err != nil {
			return err
		}
		return s.transition(ctx, cr, StatusExpired, audit.EventExpired, cb)

	case CallbackRevoked:
		if err := s.retireArtifact(ctx, cr.ID, ArtifactRevoked); err != nil {
			return err
		}
		return s.transition(ctx, cr, StatusRevoked, audit.EventRevoked, cb)
	}
	return nil
}

func (s *Service) applyGrant(ctx context.Context, cr *ConsentRequest, cb Callback) error {
	art, err := s.buildArtifact(cr, cb.Artifact)
	if err != nil {
		// An invalid artifact is fatal for this request: the grant
		// cannot be honored and a retry would replay the same payload.
		reason := err.Error()
		if uerr := s.repo.UpdateRequestStatus(ctx, cr.ID, StatusError, &reason, false); uerr != nil {
			return uerr
		}
		if aerr := s.audits.Append(ctx, cr.ID, audit.EventError, "gateway", map[string]interface{}{
			"reason": reason,
		}); aerr != nil {
			return aerr
		}
		s.logger.Error().
			Str("consent_request_id", cr.ID.String()).
			Str("reason", reason).
			Msg("consent artifact rejected")
		return nil
	}

	if err := s.repo.InsertArtifact(ctx, art); err != nil {
		return err
	}
	if err := s.repo.UpdateRequestStatus(ctx, cr.ID, StatusGranted, nil, false); err != nil {
		return err
	}
	if err := s.audits.Append(ctx, cr.ID, audit.EventGranted, "gateway", map[string]interface{}{
		"abdmArtifactId": art.ABDMArtifactID,
		"dataEraseAt":    art.DataEraseAt,
	}); err != nil {
		return err
	}
	s.logger.Info().
		Str("consent_request_id", cr.ID.String()).
		Str("abdm_artifact_id", art.ABDMArtifactID).
		Msg("consent granted")
	return nil
}

// buildArtifact validates the callback artifact against the originating
// request and returns the row to persist.
func (s *Service) buildArtifact(cr *ConsentRequest, ca *CallbackArtifact) (*ConsentArtifact, error) {
	if ca.ABDMArtifactID == "" {
		return nil, fmt.Errorf("artifact id missing")
	}
	if ca.AccessMode == "" {
		return nil, fmt.Errorf("artifact access mode missing")
	}
	if err := s.verifier.Verify(ca.SignedPayload, ca.Signature); err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}

	from, err := time.Parse(time.RFC3339, ca.DateRangeFrom)
	if err != nil {
		return nil, fmt.Errorf("bad dateRangeFrom: %w", err)
	}
	to, err := time.Parse(time.RFC3339, ca.DateRangeTo)
	if err != nil {
		return nil, fmt.Errorf("bad dateRangeTo: %w", err)
	}
	eraseAt, err := time.Parse(time.RFC3339, ca.DataEraseAt)
	if err != nil {
		return nil, fmt.Errorf("bad dataEraseAt: %w", err)
	}
	if !eraseAt.After(time.Now().UTC()) {
		return nil, fmt.Errorf("dataEraseAt is not in the future")
	}
	if len(ca.HITypes) == 0 || !SubsetOf(ca.HITypes, cr.HITypes) {
		return nil, fmt.Errorf("artifact hiTypes exceed requested hiTypes")
	}
	if from.Before(cr.DateRangeFrom) || to.After(cr.DateRangeTo) {
		return nil, fmt.Errorf("artifact date range exceeds requested range")
	}

	expiresAt := cr.ExpiresAt
	if ca.ExpiresAt != "" {
		if expiresAt, err = time.Parse(time.RFC3339, ca.ExpiresAt); err != nil {
			return nil, fmt.Errorf("bad expiresAt: %w", err)
		}
	}
	grantedAt := time.Now().UTC()
	if ca.GrantedAt != "" {
		if grantedAt, err = time.Parse(time.RFC3339, ca.GrantedAt); err != nil {
			return nil, fmt.Errorf("bad grantedAt: %w", err)
		}
	}

	return &ConsentArtifact{
		ID:               uuid.New(),
		ConsentRequestID: cr.ID,
		ABDMArtifactID:   ca.ABDMArtifactID,
		AccessMode:       ca.AccessMode,
		HITypes:          ca.HITypes,
		DateRangeFrom:    from,
		DateRangeTo:      to,
		DataEraseAt:      eraseAt,
		SignedPayload:    ca.SignedPayload,
		KeyMaterial:      ca.KeyMaterial,
		GrantedAt:        grantedAt,
		ExpiresAt:        expiresAt,
		Status:           ArtifactActive,
	}, nil
}

func (s *Service) transition(ctx context.Context, cr *ConsentRequest, status, event string, cb Callback) error {
	if err := s.repo.UpdateRequestStatus(ctx, cr.ID, status, nil, false); err != nil {
		return err
	}
	if err := s.audits.Append(ctx, cr.ID, event, "gateway", map[string]interface{}{
		"at": cb.At,
	}); err != nil {
		return err
	}
	s.logger.Info().
		Str("consent_request_id", cr.ID.String()).
		Str("status", status).
		Msg("consent status updated")
	return nil
}

func (s *Service) retireArtifact(ctx context.Context, consentRequestID uuid.UUID, status string) error {
	art, err := s.repo.ActiveArtifactByRequest(ctx, consentRequestID)
	if err != nil || art == nil {
		return err
	}
	return s.repo.UpdateArtifactStatus(ctx, art.ID, status)
}
