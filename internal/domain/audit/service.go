package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service is the append-only audit trail. Writes go through to durable
// storage; a failed audit write is surfaced to the caller so the enclosing
// transaction rolls back rather than losing the trail.
type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "audit").Logger()}
}

// Append records a consent lifecycle event.
func (s *Service) Append(ctx context.Context, consentRequestID uuid.UUID, event, actor string, details interface{}) error {
	e := &ConsentEvent{
		ConsentRequestID: consentRequestID,
		Event:            event,
		Actor:            actor,
		At:               time.Now().UTC(),
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err == nil {
			e.Details = raw
		}
	}
	if err := s.repo.AppendEvent(ctx, e); err != nil {
		return err
	}
	s.logger.Info().
		Str("consent_request_id", consentRequestID.String()).
		Str("event", event).
		Str("actor", actor).
		Msg("audit event")
	return nil
}

// Security records a SECURITY event against a health record, e.g. a
// checksum mismatch discovered on read.
func (s *Service) Security(ctx context.Context, recordID uuid.UUID, actor string, details interface{}) error {
	e := &ConsentEvent{
		RecordID: &recordID,
		Event:    EventSecurity,
		Actor:    actor,
		At:       time.Now().UTC(),
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			e.Details = raw
		}
	}
	if err := s.repo.AppendEvent(ctx, e); err != nil {
		return err
	}
	s.logger.Warn().
		Str("record_id", recordID.String()).
		Str("actor", actor).
		Msg("security audit event")
	return nil
}

// QueryByConsent returns the full trail for one consent request, ordered by
// time.
func (s *Service) QueryByConsent(ctx context.Context, consentRequestID uuid.UUID) ([]*ConsentEvent, error) {
	return s.repo.EventsByConsent(ctx, consentRequestID)
}

// QueryByRecord returns events attached to one health record.
func (s *Service) QueryByRecord(ctx context.Context, recordID uuid.UUID) ([]*ConsentEvent, error) {
	return s.repo.EventsByRecord(ctx, recordID)
}

// LogAccess records who read a health record.
func (s *Service) LogAccess(ctx context.Context, recordID uuid.UUID, userID, accessType, ip, userAgent string) error {
	return s.repo.AppendAccess(ctx, &AccessEntry{
		HealthRecordID: recordID,
		UserID:         userID,
		AccessType:     accessType,
		IP:             ip,
		UserAgent:      userAgent,
		At:             time.Now().UTC(),
	})
}

// AccessByRecord returns the access log for one record.
func (s *Service) AccessByRecord(ctx context.Context, recordID uuid.UUID) ([]*AccessEntry, error) {
	return s.repo.AccessByRecord(ctx, recordID)
}
