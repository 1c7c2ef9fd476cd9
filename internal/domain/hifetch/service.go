package hifetch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/abdm-hiu/abdm-core/internal/domain/audit"
	"github.com/abdm-hiu/abdm-core/internal/domain/consent"
	"github.com/abdm-hiu/abdm-core/internal/domain/record"
	"github.com/abdm-hiu/abdm-core/internal/platform/apperr"
	"github.com/abdm-hiu/abdm-core/internal/platform/db"
	"github.com/abdm-hiu/abdm-core/internal/platform/gateway"
	"github.com/abdm-hiu/abdm-core/internal/platform/hicrypto"
)

// FetchInput is the validated input for a new health-information fetch.
type FetchInput struct {
	ConsentRequestID uuid.UUID
	HITypes          []string
	DateRangeFrom    time.Time
	DateRangeTo      time.Time
	RequestedBy      string
}

// Service drives health-information retrieval: initiation against the
// gateway, callback ingestion through the processing pipeline, and stream
// bookkeeping.
type Service struct {
	repo        Repository
	consents    *consent.Service
	records     *record.Service
	audits      *audit.Service
	gw          *gateway.Client
	decryptor   *hicrypto.Decryptor
	pool        *pgxpool.Pool
	callbackURL string
	logger      zerolog.Logger

	jobs    chan job
	workers int
}

// Options sizes the processing pipeline.
type Options struct {
	Workers   int
	QueueSize int
}

func NewService(repo Repository, consents *consent.Service, records *record.Service, audits *audit.Service, gw *gateway.Client, decryptor *hicrypto.Decryptor, pool *pgxpool.Pool, callbackURL string, opts Options, logger zerolog.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Service{
		repo:        repo,
		consents:    consents,
		records:     records,
		audits:      audits,
		gw:          gw,
		decryptor:   decryptor,
		pool:        pool,
		callbackURL: callbackURL,
		logger:      logger.With().Str("component", "hi-fetch").Logger(),
		jobs:        make(chan job, opts.QueueSize),
		workers:     opts.Workers,
	}
}

// Initiate validates the fetch against the consent grant and submits the
// health-information request to the gateway.
func (s *Service) Initiate(ctx context.Context, in FetchInput) (*FetchRequest, error) {
	if len(in.HITypes) == 0 {
		return nil, apperr.New(apperr.KindValidation, "hiTypes must not be empty")
	}
	if in.DateRangeFrom.After(in.DateRangeTo) {
		return nil, apperr.New(apperr.KindValidation, "dateRange.from must not be after dateRange.to")
	}

	cr, err := s.consents.Get(ctx, in.ConsentRequestID)
	if err != nil {
		return nil, err
	}
	if cr.Status != consent.StatusGranted {
		return nil, apperr.Newf(apperr.KindConflict, "consent is %s, not GRANTED", cr.Status)
	}
	art, err := s.consents.ArtifactForRequest(ctx, in.ConsentRequestID)
	if err != nil {
		return nil, err
	}
	if art == nil || art.Status != consent.ArtifactActive {
		return nil, apperr.New(apperr.KindConflict, "consent has no active artifact")
	}

	// Scope checks against the granted permission, not the original ask.
	if !consent.SubsetOf(in.HITypes, art.HITypes) {
		return nil, apperr.New(apperr.KindPermissionScope, "requested hiTypes exceed granted scope")
	}
	if in.DateRangeFrom.Before(art.DateRangeFrom) || in.DateRangeTo.After(art.DateRangeTo) {
		return nil, apperr.New(apperr.KindPermissionScope, "requested date range exceeds granted scope")
	}

	now := time.Now().UTC()
	abdmID := uuid.NewString()
	f := &FetchRequest{
		ID:               uuid.New(),
		ConsentRequestID: cr.ID,
		PatientID:        cr.PatientID,
		ABDMRequestID:    &abdmID,
		HITypes:          in.HITypes,
		DateRangeFrom:    in.DateRangeFrom,
		DateRangeTo:      in.DateRangeTo,
		Status:           StatusPending,
		RequestedBy:      in.RequestedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.InsertFetch(ctx, f); err != nil {
		return nil, err
	}

	req := gateway.HIRequest{
		RequestID:     abdmID,
		ConsentID:     art.ABDMArtifactID,
		HITypes:       in.HITypes,
		DateRangeFrom: in.DateRangeFrom.Format(time.RFC3339),
		DateRangeTo:   in.DateRangeTo.Format(time.RFC3339),
		CallbackURL:   s.callbackURL,
	}
	var resp gateway.HIRequestResponse
	err = s.gw.Post(gateway.WithCorrelationID(ctx, abdmID), gateway.PathHIRequest, req, abdmID, &resp)
	if err != nil {
		return f, s.submitFailed(ctx, f, err)
	}
	if resp.ABDMRequestID != "" && resp.ABDMRequestID != abdmID {
		if uerr := s.repo.SetABDMRequestID(ctx, f.ID, resp.ABDMRequestID); uerr != nil {
			return nil, uerr
		}
		f.ABDMRequestID = &resp.ABDMRequestID
	}

	// An accepted request is in flight: the stream may start at any moment.
	if uerr := s.repo.UpdateStatus(ctx, f.ID, StatusProcessing, nil, nil); uerr != nil {
		return nil, uerr
	}
	f.Status = StatusProcessing

	s.logger.Info().
		Str("fetch_request_id", f.ID.String()).
		Str("abdm_request_id", *f.ABDMRequestID).
		Str("consent_request_id", cr.ID.String()).
		Msg("health-information fetch submitted")
	return f, nil
}

func (s *Service) submitFailed(ctx context.Context, f *FetchRequest, cause error) error {
	reason := cause.Error()
	now := time.Now().UTC()
	if uerr := s.repo.UpdateStatus(ctx, f.ID, StatusFailed, &reason, &now); uerr != nil {
		s.logger.Error().Err(uerr).Str("fetch_request_id", f.ID.String()).Msg("failed state update failed")
	}
	f.Status = StatusFailed
	f.ErrorReason = &reason

	switch {
	case errors.Is(cause, gateway.ErrAuth):
		return apperr.Wrap(apperr.KindGatewayAuth, "gateway authentication failed", cause)
	case errors.Is(cause, gateway.ErrUnavailable):
		return apperr.Wrap(apperr.KindGatewayUnavailable, "gateway unavailable", cause)
	default:
		if _, ok := gateway.IsProtocolError(cause); ok {
			return apperr.Wrap(apperr.KindGatewayProtocol, "gateway rejected fetch request", cause)
		}
		return apperr.Wrap(apperr.KindGatewayUnavailable, "gateway call failed", cause)
	}
}

// GetStatus returns the fetch with its progress percentage.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*StatusView, error) {
	f, err := s.repo.GetFetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, apperr.New(apperr.KindNotFound, "fetch request not found")
	}
	return &StatusView{Request: f, Progress: f.Progress()}, nil
}

// Logs returns the processing trail for a fetch.
func (s *Service) Logs(ctx context.Context, id uuid.UUID) ([]*ProcessingLog, error) {
	f, err := s.repo.GetFetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, apperr.New(apperr.KindNotFound, "fetch request not found")
	}
	return s.repo.LogsByFetch(ctx, id)
}

// Cancel stops a live fetch. Pages that arrive after cancellation are
// dropped by the callback path. Cancelling a terminal fetch is a conflict,
// except a repeat cancel which is a no-op.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor string) (*FetchRequest, error) {
	var out *FetchRequest
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		f, err := s.repo.LockFetch(ctx, id)
		if err != nil {
			return err
		}
		if f == nil {
			return apperr.New(apperr.KindNotFound, "fetch request not found")
		}
		if f.Status == StatusCancelled {
			out = f
			return nil
		}
		if IsTerminal(f.Status) {
			return apperr.Newf(apperr.KindConflict, "cannot cancel fetch in status %s", f.Status)
		}
		now := time.Now().UTC()
		if err := s.repo.UpdateStatus(ctx, f.ID, StatusCancelled, nil, &now); err != nil {
			return err
		}
		f.Status = StatusCancelled
		f.TerminalAt = &now
		out = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Status == StatusCancelled {
		s.logger.Info().
			Str("fetch_request_id", out.ID.String()).
			Str("actor", actor).
			Msg("fetch cancelled")
	}
	return out, nil
}
