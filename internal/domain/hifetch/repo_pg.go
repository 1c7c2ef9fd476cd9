package hifetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/abdm-hiu/abdm-core/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const fetchCols = `id, consent_request_id, patient_id, abdm_request_id, hi_types,
	date_range_from, date_range_to, status, total_records, received_records,
	processed_records, failed_records, end_of_stream, error_reason, requested_by,
	created_at, updated_at, terminal_at`

func scanFetch(row pgx.Row) (*FetchRequest, error) {
	var f FetchRequest
	err := row.Scan(&f.ID, &f.ConsentRequestID, &f.PatientID, &f.ABDMRequestID,
		&f.HITypes, &f.DateRangeFrom, &f.DateRangeTo, &f.Status, &f.TotalRecords,
		&f.ReceivedRecords, &f.ProcessedRecords, &f.FailedRecords, &f.EndOfStream,
		&f.ErrorReason, &f.RequestedBy, &f.CreatedAt, &f.UpdatedAt, &f.TerminalAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *repoPG) InsertFetch(ctx context.Context, f *FetchRequest) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO hi_fetch_requests (
			id, consent_request_id, patient_id, abdm_request_id, hi_types,
			date_range_from, date_range_to, status, total_records, received_records,
			processed_records, failed_records, end_of_stream, error_reason, requested_by,
			created_at, updated_at, terminal_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		f.ID, f.ConsentRequestID, f.PatientID, f.ABDMRequestID, f.HITypes,
		f.DateRangeFrom, f.DateRangeTo, f.Status, f.TotalRecords, f.ReceivedRecords,
		f.ProcessedRecords, f.FailedRecords, f.EndOfStream, f.ErrorReason, f.RequestedBy,
		f.CreatedAt, f.UpdatedAt, f.TerminalAt)
	if err != nil {
		return fmt.Errorf("insert fetch request: %w", err)
	}
	return nil
}

func (r *repoPG) GetFetch(ctx context.Context, id uuid.UUID) (*FetchRequest, error) {
	f, err := scanFetch(r.conn(ctx).QueryRow(ctx,
		`SELECT `+fetchCols+` FROM hi_fetch_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fetch request: %w", err)
	}
	return f, nil
}

func (r *repoPG) GetFetchByABDMID(ctx context.Context, abdmRequestID string) (*FetchRequest, error) {
	f, err := scanFetch(r.conn(ctx).QueryRow(ctx,
		`SELECT `+fetchCols+` FROM hi_fetch_requests WHERE abdm_request_id = $1 FOR UPDATE`,
		abdmRequestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fetch request by abdm id: %w", err)
	}
	return f, nil
}

func (r *repoPG) LockFetch(ctx context.Context, id uuid.UUID) (*FetchRequest, error) {
	f, err := scanFetch(r.conn(ctx).QueryRow(ctx,
		`SELECT `+fetchCols+` FROM hi_fetch_requests WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock fetch request: %w", err)
	}
	return f, nil
}

func (r *repoPG) SetABDMRequestID(ctx context.Context, id uuid.UUID, abdmRequestID string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE hi_fetch_requests SET abdm_request_id = $2, updated_at = now() WHERE id = $1`,
		id, abdmRequestID)
	if err != nil {
		return fmt.Errorf("set fetch abdm request id: %w", err)
	}
	return nil
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string, errReason *string, terminalAt *time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE hi_fetch_requests
		SET status = $2, error_reason = $3, terminal_at = $4, updated_at = now()
		WHERE id = $1`, id, status, errReason, terminalAt)
	if err != nil {
		return fmt.Errorf("update fetch status: %w", err)
	}
	return nil
}

func (r *repoPG) UpdateBookkeeping(ctx context.Context, f *FetchRequest) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE hi_fetch_requests
		SET total_records = $2, received_records = $3, processed_records = $4,
		    failed_records = $5, end_of_stream = $6, status = $7,
		    error_reason = $8, terminal_at = $9, updated_at = now()
		WHERE id = $1`,
		f.ID, f.TotalRecords, f.ReceivedRecords, f.ProcessedRecords,
		f.FailedRecords, f.EndOfStream, f.Status, f.ErrorReason, f.TerminalAt)
	if err != nil {
		return fmt.Errorf("update fetch bookkeeping: %w", err)
	}
	return nil
}

func (r *repoPG) InsertLog(ctx context.Context, l *ProcessingLog) error {
	l.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO hi_processing_logs (id, fetch_request_id, abdm_record_id, stage, outcome, details, processing_ms, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		l.ID, l.FetchRequestID, l.ABDMRecordID, l.Stage, l.Outcome, l.Details, l.ProcessingMs, l.At)
	if err != nil {
		return fmt.Errorf("insert processing log: %w", err)
	}
	return nil
}

func (r *repoPG) LogsByFetch(ctx context.Context, fetchRequestID uuid.UUID) ([]*ProcessingLog, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, fetch_request_id, abdm_record_id, stage, outcome, details, processing_ms, at
		FROM hi_processing_logs
		WHERE fetch_request_id = $1
		ORDER BY at ASC, id ASC`, fetchRequestID)
	if err != nil {
		return nil, fmt.Errorf("list processing logs: %w", err)
	}
	defer rows.Close()

	var out []*ProcessingLog
	for rows.Next() {
		var l ProcessingLog
		if err := rows.Scan(&l.ID, &l.FetchRequestID, &l.ABDMRecordID, &l.Stage,
			&l.Outcome, &l.Details, &l.ProcessingMs, &l.At); err != nil {
			return nil, fmt.Errorf("scan processing log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (r *repoPG) StaleLive(ctx context.Context, cutoff time.Time, limit int) ([]*FetchRequest, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+fetchCols+` FROM hi_fetch_requests
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC LIMIT $4`,
		StatusPending, StatusProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale fetch requests: %w", err)
	}
	defer rows.Close()

	var out []*FetchRequest
	for rows.Next() {
		f, err := scanFetch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fetch request: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *repoPG) RememberCallback(ctx context.Context, abdmRequestID, dedupKey string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO hi_callback_dedup (abdm_request_id, dedup_key, received_at)
		VALUES ($1, $2, now())
		ON CONFLICT (abdm_request_id, dedup_key) DO NOTHING`,
		abdmRequestID, dedupKey)
	if err != nil {
		return false, fmt.Errorf("remember hi callback: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
