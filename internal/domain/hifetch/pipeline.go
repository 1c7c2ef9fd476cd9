package hifetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abdm-hiu/abdm-core/internal/domain/record"
	"github.com/abdm-hiu/abdm-core/internal/platform/apperr"
	"github.com/abdm-hiu/abdm-core/internal/platform/canonical"
	"github.com/abdm-hiu/abdm-core/internal/platform/db"
	"github.com/abdm-hiu/abdm-core/internal/platform/fhirshape"
)

// job carries one encrypted record plus the consent context needed to
// decrypt and attribute it.
type job struct {
	fetchID     uuid.UUID
	patientID   uuid.UUID
	patientAbha string
	keyMaterial []byte
	hiTypes     []string
	rec         CallbackRecord
}

// RunPipeline runs the processing worker pool until ctx is cancelled and
// the queue drains.
func (s *Service) RunPipeline(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					// Drain what is already queued before exiting.
					for {
						select {
						case j := <-s.jobs:
							s.process(context.WithoutCancel(ctx), j)
						default:
							return nil
						}
					}
				case j := <-s.jobs:
					s.process(ctx, j)
				}
			}
		})
	}
	s.logger.Info().Int("workers", s.workers).Msg("processing pipeline started")
	err := g.Wait()
	s.logger.Info().Msg("processing pipeline stopped")
	return err
}

// IngestCallback accepts one page of the health-information stream. Orphan
// and duplicate pages are absorbed; a full work queue is reported as
// backpressure before any state changes so the gateway can redeliver.
func (s *Service) IngestCallback(ctx context.Context, cb Callback) error {
	if cb.ABDMRequestID == "" {
		return apperr.New(apperr.KindValidation, "abdmRequestId is required")
	}
	if len(cb.Records) == 0 && !cb.EndOfStream {
		return apperr.New(apperr.KindValidation, "page carries no records and no end-of-stream marker")
	}
	if len(s.jobs)+len(cb.Records) > cap(s.jobs) {
		return apperr.New(apperr.KindRateLimited, "processing queue is full")
	}

	var jobs []job
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		f, err := s.repo.GetFetchByABDMID(ctx, cb.ABDMRequestID)
		if err != nil {
			return err
		}
		if f == nil {
			s.logger.Warn().
				Str("abdm_request_id", cb.ABDMRequestID).
				Int("seq", cb.Seq).
				Msg("orphan health-information page dropped")
			return nil
		}

		fresh, err := s.repo.RememberCallback(ctx, cb.ABDMRequestID, pageKey(cb))
		if err != nil {
			return err
		}
		if !fresh {
			s.logger.Info().
				Str("fetch_request_id", f.ID.String()).
				Int("seq", cb.Seq).
				Msg("duplicate health-information page dropped")
			return nil
		}

		if IsTerminal(f.Status) {
			s.logger.Warn().
				Str("fetch_request_id", f.ID.String()).
				Str("status", f.Status).
				Int("records", len(cb.Records)).
				Msg("post-terminal health-information page dropped")
			return nil
		}

		if f.Status == StatusPending {
			f.Status = StatusProcessing
		}
		if cb.TotalRecords != nil {
			f.TotalRecords = cb.TotalRecords
		}
		f.ReceivedRecords += len(cb.Records)
		if cb.EndOfStream {
			f.EndOfStream = true
		}

		// An empty final page closes the stream immediately.
		if f.EndOfStream && f.ProcessedRecords+f.FailedRecords >= f.ReceivedRecords {
			s.finalize(f)
		}
		if err := s.repo.UpdateBookkeeping(ctx, f); err != nil {
			return err
		}

		if len(cb.Records) == 0 {
			return nil
		}

		cr, err := s.consents.Get(ctx, f.ConsentRequestID)
		if err != nil {
			return err
		}
		art, err := s.consents.ArtifactForRequest(ctx, f.ConsentRequestID)
		if err != nil {
			return err
		}
		if art == nil {
			return fmt.Errorf("fetch %s has no consent artifact", f.ID)
		}

		for _, rec := range cb.Records {
			jobs = append(jobs, job{
				fetchID:     f.ID,
				patientID:   f.PatientID,
				patientAbha: cr.PatientAbhaID,
				keyMaterial: art.KeyMaterial,
				hiTypes:     f.HITypes,
				rec:         rec,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, j := range jobs {
		select {
		case s.jobs <- j:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// pageKey prefers the gateway sequence number; pages without one fall back
// to a hash of the page body.
func pageKey(cb Callback) string {
	if cb.Seq > 0 {
		return "seq:" + strconv.Itoa(cb.Seq)
	}
	raw, _ := json.Marshal(cb)
	sum := sha256.Sum256(raw)
	return "sha:" + hex.EncodeToString(sum[:])
}

// process runs one record through RECEIVE, DECRYPT, VALIDATE and STORE.
// A stage failure ends that record but never the stream.
func (s *Service) process(ctx context.Context, j job) {
	s.stageLog(ctx, j, StageReceive, OutcomeSuccess, 0, map[string]interface{}{
		"hiType": j.rec.HIType,
	})

	started := time.Now()
	plaintext, err := s.decryptor.Decrypt(j.keyMaterial, j.rec.EncryptedData)
	if err != nil {
		s.fail(ctx, j, StageDecrypt, started, err)
		return
	}
	s.stageLog(ctx, j, StageDecrypt, OutcomeSuccess, time.Since(started).Milliseconds(), nil)

	started = time.Now()
	res, err := s.validate(j, plaintext)
	if err != nil {
		s.fail(ctx, j, StageValidate, started, err)
		return
	}
	s.stageLog(ctx, j, StageValidate, OutcomeSuccess, time.Since(started).Milliseconds(), map[string]interface{}{
		"resourceType": res.ResourceType,
	})

	started = time.Now()
	// The fetch may have been cancelled while this record sat in the queue;
	// a terminal fetch must not gain records.
	f, err := s.repo.GetFetch(ctx, j.fetchID)
	if err != nil {
		s.fail(ctx, j, StageStore, started, err)
		return
	}
	if f == nil || IsTerminal(f.Status) {
		s.stageLog(ctx, j, StageStore, OutcomeSkipped, time.Since(started).Milliseconds(), map[string]interface{}{
			"reason": "fetch is no longer live",
		})
		s.logger.Info().
			Str("fetch_request_id", j.fetchID.String()).
			Str("abdm_record_id", j.rec.ABDMRecordID).
			Msg("queued record dropped, fetch is no longer live")
		return
	}

	hr := &record.HealthRecord{
		ID:             uuid.New(),
		PatientID:      j.patientID,
		FetchRequestID: &j.fetchID,
		RecordType:     j.rec.HIType,
		FHIRResource:   plaintext,
		Source:         record.SourceABDM,
		CreatedAt:      time.Now().UTC(),
	}
	if j.rec.ABDMRecordID != "" {
		hr.ABDMRecordID = &j.rec.ABDMRecordID
	}
	if j.rec.RecordDate != "" {
		if d, perr := time.Parse(time.RFC3339, j.rec.RecordDate); perr == nil {
			hr.RecordDate = d
		}
	}
	if j.rec.ProviderID != "" {
		hr.ProviderID = &j.rec.ProviderID
	}
	if j.rec.ProviderName != "" {
		hr.ProviderName = &j.rec.ProviderName
	}
	if j.rec.ProviderType != "" {
		hr.ProviderType = &j.rec.ProviderType
	}
	stored, err := s.records.Put(ctx, hr)
	if err != nil {
		s.fail(ctx, j, StageStore, started, err)
		return
	}
	s.stageLog(ctx, j, StageStore, OutcomeSuccess, time.Since(started).Milliseconds(), map[string]interface{}{
		"recordId": stored.ID,
		"version":  stored.Version,
	})

	s.account(ctx, j.fetchID, true)
}

// validate checks resource shape, patient attribution and, when supplied,
// the sender's checksum against our canonical one.
func (s *Service) validate(j job, plaintext []byte) (*fhirshape.Resource, error) {
	res, err := fhirshape.Parse(plaintext)
	if err != nil {
		return nil, err
	}
	if !fhirshape.ExpectedForHIType(j.rec.HIType, res.ResourceType) {
		return nil, fmt.Errorf("resource type %s not expected for hiType %s", res.ResourceType, j.rec.HIType)
	}
	if !res.MatchesPatient(j.patientID.String(), j.patientAbha) {
		return nil, fmt.Errorf("resource subject does not match consented patient")
	}
	if j.rec.Checksum != "" {
		sum, err := canonical.Checksum(plaintext)
		if err != nil {
			return nil, err
		}
		if sum != j.rec.Checksum {
			return nil, fmt.Errorf("checksum mismatch: got %s want %s", sum, j.rec.Checksum)
		}
	}
	return res, nil
}

func (s *Service) fail(ctx context.Context, j job, stage string, started time.Time, cause error) {
	s.stageLog(ctx, j, stage, OutcomeFailure, time.Since(started).Milliseconds(), map[string]interface{}{
		"error": cause.Error(),
	})
	s.logger.Warn().
		Err(cause).
		Str("fetch_request_id", j.fetchID.String()).
		Str("abdm_record_id", j.rec.ABDMRecordID).
		Str("stage", stage).
		Msg("record processing failed")
	s.account(ctx, j.fetchID, false)
}

func (s *Service) stageLog(ctx context.Context, j job, stage, outcome string, ms int64, details map[string]interface{}) {
	var raw json.RawMessage
	if details != nil {
		raw, _ = json.Marshal(details)
	}
	l := &ProcessingLog{
		FetchRequestID: j.fetchID,
		Stage:          stage,
		Outcome:        outcome,
		Details:        raw,
		ProcessingMs:   ms,
		At:             time.Now().UTC(),
	}
	if j.rec.ABDMRecordID != "" {
		l.ABDMRecordID = &j.rec.ABDMRecordID
	}
	if err := s.repo.InsertLog(ctx, l); err != nil {
		s.logger.Error().Err(err).Str("fetch_request_id", j.fetchID.String()).Msg("processing log write failed")
	}
}

// account updates counters under a row lock and settles the fetch when the
// stream is complete.
func (s *Service) account(ctx context.Context, fetchID uuid.UUID, ok bool) {
	err := db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		f, err := s.repo.LockFetch(ctx, fetchID)
		if err != nil {
			return err
		}
		if f == nil {
			return fmt.Errorf("fetch %s vanished", fetchID)
		}
		if ok {
			f.ProcessedRecords++
		} else {
			f.FailedRecords++
		}
		// A cancelled fetch keeps its status; counters still record work done.
		if !IsTerminal(f.Status) && f.EndOfStream && f.ProcessedRecords+f.FailedRecords >= f.ReceivedRecords {
			s.finalize(f)
		}
		return s.repo.UpdateBookkeeping(ctx, f)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("fetch_request_id", fetchID.String()).Msg("fetch accounting failed")
	}
}

// finalize picks the terminal status from the counters.
func (s *Service) finalize(f *FetchRequest) {
	now := time.Now().UTC()
	f.TerminalAt = &now
	switch {
	case f.FailedRecords == 0:
		f.Status = StatusCompleted
	case f.ProcessedRecords == 0:
		f.Status = StatusFailed
		reason := "all records failed processing"
		f.ErrorReason = &reason
	default:
		f.Status = StatusPartial
	}
	s.logger.Info().
		Str("fetch_request_id", f.ID.String()).
		Str("status", f.Status).
		Int("processed", f.ProcessedRecords).
		Int("failed", f.FailedRecords).
		Msg("fetch settled")
}
