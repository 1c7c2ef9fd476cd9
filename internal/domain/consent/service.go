package consent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/abdm-hiu/abdm-core/internal/domain/audit"
	"github.com/abdm-hiu/abdm-core/internal/platform/apperr"
	"github.com/abdm-hiu/abdm-core/internal/platform/db"
	"github.com/abdm-hiu/abdm-core/internal/platform/gateway"
)

// CreateInput is the validated input for a new consent request.
type CreateInput struct {
	PatientID     uuid.UUID
	PatientAbhaID string
	RequesterID   string
	PurposeCode   string
	PurposeText   string
	HITypes       []string
	DateRangeFrom time.Time
	DateRangeTo   time.Time
	ExpiresAt     time.Time
	HIPs          []string
}

// Service drives the consent lifecycle against the gateway.
type Service struct {
	repo        Repository
	audits      *audit.Service
	gw          *gateway.Client
	verifier    SignatureVerifier
	pool        *pgxpool.Pool
	callbackURL string
	logger      zerolog.Logger
}

func NewService(repo Repository, audits *audit.Service, gw *gateway.Client, verifier SignatureVerifier, pool *pgxpool.Pool, callbackURL string, logger zerolog.Logger) *Service {
	return &Service{
		repo:        repo,
		audits:      audits,
		gw:          gw,
		verifier:    verifier,
		pool:        pool,
		callbackURL: callbackURL,
		logger:      logger.With().Str("component", "consent").Logger(),
	}
}

// Request creates a consent request, persists it as REQUESTED, and submits
// it to the gateway. Gateway failure leaves the row in ERROR with a
// recoverable marker when the failure is transient.
func (s *Service) Request(ctx context.Context, in CreateInput) (*ConsentRequest, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	abdmID := uuid.NewString()
	cr := &ConsentRequest{
		ID:            uuid.New(),
		PatientID:     in.PatientID,
		PatientAbhaID: in.PatientAbhaID,
		RequesterID:   in.RequesterID,
		PurposeCode:   in.PurposeCode,
		PurposeText:   in.PurposeText,
		HITypes:       in.HITypes,
		DateRangeFrom: in.DateRangeFrom,
		DateRangeTo:   in.DateRangeTo,
		ExpiresAt:     in.ExpiresAt,
		HIPs:          in.HIPs,
		ABDMRequestID: &abdmID,
		Status:        StatusRequested,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		if err := s.repo.InsertRequest(ctx, cr); err != nil {
			return err
		}
		return s.audits.Append(ctx, cr.ID, audit.EventCreated, in.RequesterID, map[string]interface{}{
			"hiTypes": in.HITypes,
			"purpose": in.PurposeCode,
		})
	})
	if err != nil {
		return nil, err
	}

	if err := s.submit(ctx, cr); err != nil {
		return cr, err
	}
	return cr, nil
}

// Retry re-submits a request stuck in a recoverable ERROR.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*ConsentRequest, error) {
	cr, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr == nil {
		return nil, apperr.New(apperr.KindNotFound, "consent request not found")
	}
	if cr.Status != StatusError || !cr.ErrorRecoverable {
		return nil, apperr.New(apperr.KindConflict, "consent request is not retriable")
	}
	if !cr.ExpiresAt.After(time.Now().UTC()) {
		return nil, apperr.New(apperr.KindConflict, "consent request has expired")
	}
	if err := s.repo.UpdateRequestStatus(ctx, cr.ID, StatusRequested, nil, false); err != nil {
		return nil, err
	}
	cr.Status = StatusRequested
	cr.ErrorReason = nil
	cr.ErrorRecoverable = false
	if err := s.submit(ctx, cr); err != nil {
		return cr, err
	}
	return cr, nil
}

// submit sends the consent-init call and reconciles the row with the result.
func (s *Service) submit(ctx context.Context, cr *ConsentRequest) error {
	req := gateway.ConsentInitRequest{
		RequestID:   *cr.ABDMRequestID,
		PatientAbha: cr.PatientAbhaID,
		Purpose:     gateway.Purpose{Code: cr.PurposeCode, Text: cr.PurposeText},
		HITypes:     cr.HITypes,
		Permission: gateway.Window{
			DateRangeFrom: cr.DateRangeFrom.Format(time.RFC3339),
			DateRangeTo:   cr.DateRangeTo.Format(time.RFC3339),
			ExpiresAt:     cr.ExpiresAt.Format(time.RFC3339),
		},
		HIPs:        cr.HIPs,
		CallbackURL: s.callbackURL,
	}

	var resp gateway.ConsentInitResponse
	err := s.gw.Post(gateway.WithCorrelationID(ctx, *cr.ABDMRequestID),
		gateway.PathConsentInit, req, *cr.ABDMRequestID, &resp)
	if err != nil {
		return s.submitFailed(ctx, cr, err)
	}

	if resp.ABDMRequestID != "" && resp.ABDMRequestID != *cr.ABDMRequestID {
		if uerr := s.repo.SetABDMRequestID(ctx, cr.ID, resp.ABDMRequestID); uerr != nil {
			return uerr
		}
		cr.ABDMRequestID = &resp.ABDMRequestID
	}

	if aerr := s.audits.Append(ctx, cr.ID, audit.EventSubmitted, "system", map[string]interface{}{
		"abdmRequestId": *cr.ABDMRequestID,
	}); aerr != nil {
		s.logger.Error().Err(aerr).Str("consent_request_id", cr.ID.String()).Msg("audit append failed")
	}
	s.logger.Info().
		Str("consent_request_id", cr.ID.String()).
		Str("abdm_request_id", *cr.ABDMRequestID).
		Msg("consent request submitted")
	return nil
}

func (s *Service) submitFailed(ctx context.Context, cr *ConsentRequest, cause error) error {
	recoverable := errors.Is(cause, gateway.ErrUnavailable) || errors.Is(cause, context.DeadlineExceeded)
	reason := cause.Error()
	if uerr := s.repo.UpdateRequestStatus(ctx, cr.ID, StatusError, &reason, recoverable); uerr != nil {
		s.logger.Error().Err(uerr).Str("consent_request_id", cr.ID.String()).Msg("error state update failed")
	}
	cr.Status = StatusError
	cr.ErrorReason = &reason
	cr.ErrorRecoverable = recoverable
	if aerr := s.audits.Append(ctx, cr.ID, audit.EventError, "system", map[string]interface{}{
		"reason":      reason,
		"recoverable": recoverable,
	}); aerr != nil {
		s.logger.Error().Err(aerr).Str("consent_request_id", cr.ID.String()).Msg("audit append failed")
	}

	switch {
	case errors.Is(cause, gateway.ErrAuth):
		return apperr.Wrap(apperr.KindGatewayAuth, "gateway authentication failed", cause)
	case errors.Is(cause, gateway.ErrUnavailable):
		return apperr.Wrap(apperr.KindGatewayUnavailable, "gateway unavailable", cause)
	default:
		if _, ok := gateway.IsProtocolError(cause); ok {
			return apperr.Wrap(apperr.KindGatewayProtocol, "gateway rejected consent request", cause)
		}
		return apperr.Wrap(apperr.KindGatewayUnavailable, "gateway call failed", cause)
	}
}

// GetStatus returns the request, its live artifact if any, and the most
// recent audit event.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*Status, error) {
	cr, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr == nil {
		return nil, apperr.New(apperr.KindNotFound, "consent request not found")
	}

	st := &Status{Request: cr}
	if cr.Status == StatusGranted {
		if st.Artifact, err = s.repo.ActiveArtifactByRequest(ctx, id); err != nil {
			return nil, err
		}
	}
	events, err := s.audits.QueryByConsent(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		st.LastEvent = events[len(events)-1].Event
	}
	return st, nil
}

// Get returns a consent request by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*ConsentRequest, error) {
	cr, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr == nil {
		return nil, apperr.New(apperr.KindNotFound, "consent request not found")
	}
	return cr, nil
}

// ListActive lists GRANTED consents with their live artifact for a patient,
// so callers see the granted scope and artifact expiry.
func (s *Service) ListActive(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]ActiveConsent, int, error) {
	return s.repo.ActiveConsents(ctx, patientID, limit, offset)
}

// Revoke moves a request to REVOKED and retires its artifact. Revoking an
// already revoked consent succeeds without effect; revoking any other
// terminal state is a conflict.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID, actor, reason string) (*ConsentRequest, error) {
	cr, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr == nil {
		return nil, apperr.New(apperr.KindNotFound, "consent request not found")
	}

	switch cr.Status {
	case StatusRevoked:
		return cr, nil
	case StatusGranted, StatusRequested:
	default:
		return nil, apperr.Newf(apperr.KindConflict, "cannot revoke consent in status %s", cr.Status)
	}

	err = db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		if err := s.repo.UpdateRequestStatus(ctx, cr.ID, StatusRevoked, nil, false); err != nil {
			return err
		}
		art, err := s.repo.ActiveArtifactByRequest(ctx, cr.ID)
		if err != nil {
			return err
		}
		if art != nil {
			if err := s.repo.UpdateArtifactStatus(ctx, art.ID, ArtifactRevoked); err != nil {
				return err
			}
		}
		return s.audits.Append(ctx, cr.ID, audit.EventRevoked, actor, map[string]interface{}{
			"reason": reason,
		})
	})
	if err != nil {
		return nil, err
	}
	cr.Status = StatusRevoked

	s.logger.Info().
		Str("consent_request_id", cr.ID.String()).
		Str("actor", actor).
		Msg("consent revoked")
	return cr, nil
}

// ArtifactForRequest exposes the newest artifact for downstream modules.
func (s *Service) ArtifactForRequest(ctx context.Context, consentRequestID uuid.UUID) (*ConsentArtifact, error) {
	return s.repo.ArtifactByRequest(ctx, consentRequestID)
}

func validateCreate(in CreateInput) error {
	if len(in.HITypes) == 0 {
		return apperr.New(apperr.KindValidation, "hiTypes must not be empty")
	}
	for _, t := range in.HITypes {
		if !ValidHIType(t) {
			return apperr.Newf(apperr.KindValidation, "unknown hiType %q", t)
		}
	}
	if in.DateRangeFrom.After(in.DateRangeTo) {
		return apperr.New(apperr.KindValidation, "dateRange.from must not be after dateRange.to")
	}
	if !in.ExpiresAt.After(time.Now().UTC()) {
		return apperr.New(apperr.KindValidation, "expiry must be in the future")
	}
	if in.DateRangeTo.After(in.ExpiresAt) {
		return apperr.New(apperr.KindValidation, "dateRange.to must not be after expiresAt")
	}
	if in.PatientAbhaID == "" {
		return apperr.New(apperr.KindValidation, "patientAbhaId is required")
	}
	if in.PurposeCode == "" {
		return apperr.New(apperr.KindValidation, "purpose.code is required")
	}
	return nil
}
