package record

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/abdm-hiu/abdm-core/internal/domain/audit"
	"github.com/abdm-hiu/abdm-core/internal/platform/apperr"
	"github.com/abdm-hiu/abdm-core/internal/platform/canonical"
	"github.com/abdm-hiu/abdm-core/internal/platform/db"
)

// AccessInfo describes the caller for access logging.
type AccessInfo struct {
	UserID    string
	IP        string
	UserAgent string
}

// Service is the record store and integrity layer. Checksums are computed
// over canonical JSON at ingestion and re-verified on every read.
type Service struct {
	repo   Repository
	audits *audit.Service
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewService(repo Repository, audits *audit.Service, pool *pgxpool.Pool, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		audits: audits,
		pool:   pool,
		logger: logger.With().Str("component", "record-store").Logger(),
	}
}

// Put inserts a HealthRecord, computing the checksum from the canonical
// resource. When the abdm record id already has an ACTIVE row with a
// different checksum, a new version is inserted and the prior row is
// superseded; an identical checksum is a no-op returning the existing row.
func (s *Service) Put(ctx context.Context, hr *HealthRecord) (*HealthRecord, error) {
	if len(hr.FHIRResource) == 0 {
		return nil, apperr.Validation("fhirResource is required", "fhirResource")
	}

	sum, err := canonical.Checksum(hr.FHIRResource)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "fhirResource is not valid JSON", err)
	}
	hr.Checksum = sum
	hr.Status = StatusActive
	if hr.Source == "" {
		hr.Source = SourceABDM
	}
	if hr.RecordDate.IsZero() {
		hr.RecordDate = time.Now().UTC()
	}
	hr.Version = 1

	err = db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		if hr.ABDMRecordID != nil && *hr.ABDMRecordID != "" {
			prior, err := s.repo.ActiveByABDMRecordID(ctx, *hr.ABDMRecordID)
			switch {
			case err == nil:
				if prior.Checksum == sum {
					*hr = *prior
					return nil
				}
				if err := s.repo.MarkStatus(ctx, prior.ID, StatusSuperseded); err != nil {
					return err
				}
				hr.Version = prior.Version + 1
			case errors.Is(err, pgx.ErrNoRows):
				// first version
			default:
				return err
			}
		}
		return s.repo.Insert(ctx, hr)
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindInternal {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindInternal, "store health record", err)
	}
	return hr, nil
}

// Get returns the record after re-verifying its checksum. A mismatch raises
// an integrity error and emits a SECURITY audit event; the only repair is a
// new fetch superseding the row. Successful reads are access-logged.
func (s *Service) Get(ctx context.Context, id uuid.UUID, access AccessInfo) (*HealthRecord, error) {
	hr, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "health record not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "load health record", err)
	}
	if hr.Status == StatusDeleted {
		return nil, apperr.New(apperr.KindNotFound, "health record not found")
	}

	sum, err := canonical.Checksum(hr.FHIRResource)
	if err != nil || sum != hr.Checksum {
		s.logger.Error().
			Str("record_id", hr.ID.String()).
			Str("stored_checksum", hr.Checksum).
			Str("computed_checksum", sum).
			Msg("record integrity violation")
		_ = s.audits.Security(ctx, hr.ID, access.UserID, map[string]string{
			"reason":   "checksum mismatch on read",
			"stored":   hr.Checksum,
			"computed": sum,
		})
		return nil, apperr.New(apperr.KindIntegrity, "record failed integrity verification")
	}

	if access.UserID != "" {
		if err := s.audits.LogAccess(ctx, hr.ID, access.UserID, audit.AccessView, access.IP, access.UserAgent); err != nil {
			s.logger.Error().Err(err).Str("record_id", hr.ID.String()).Msg("access log write failed")
		}
	}
	return hr, nil
}

// FindByPatient returns a page of ACTIVE records for the patient, newest
// record date first.
func (s *Service) FindByPatient(ctx context.Context, patientID uuid.UUID, f Filters, limit, offset int) ([]*HealthRecord, int, error) {
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return nil, 0, apperr.Validation("from must not be after to", "from", "to")
	}
	items, total, err := s.repo.FindByPatient(ctx, patientID, f, limit, offset)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindInternal, "list health records", err)
	}
	return items, total, nil
}

// Delete performs a logical delete. Physical purging is owned by the
// retention job, outside this service.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actor string) error {
	hr, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "health record not found")
		}
		return apperr.Wrap(apperr.KindInternal, "load health record", err)
	}
	if hr.Status == StatusDeleted {
		return nil
	}
	if err := s.repo.MarkStatus(ctx, id, StatusDeleted); err != nil {
		return apperr.Wrap(apperr.KindInternal, "delete health record", err)
	}
	s.logger.Info().Str("record_id", id.String()).Str("actor", actor).Msg("record deleted")
	return nil
}
