package consent

import (
	"context"
	"errors"
	"fmt"

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

const requestCols = `id, patient_id, patient_abha_id, requester_id, purpose_code, purpose_text,
	hi_types, date_range_from, date_range_to, expires_at, hips, abdm_request_id,
	status, error_reason, error_recoverable, created_at, updated_at`

const requestColsQualified = `cr.id, cr.patient_id, cr.patient_abha_id, cr.requester_id,
	cr.purpose_code, cr.purpose_text, cr.hi_types, cr.date_range_from, cr.date_range_to,
	cr.expires_at, cr.hips, cr.abdm_request_id, cr.status, cr.error_reason,
	cr.error_recoverable, cr.created_at, cr.updated_at`

func scanRequest(row pgx.Row) (*ConsentRequest, error) {
	var cr ConsentRequest
	err := row.Scan(&cr.ID, &cr.PatientID, &cr.PatientAbhaID, &cr.RequesterID,
		&cr.PurposeCode, &cr.PurposeText, &cr.HITypes, &cr.DateRangeFrom,
		&cr.DateRangeTo, &cr.ExpiresAt, &cr.HIPs, &cr.ABDMRequestID,
		&cr.Status, &cr.ErrorReason, &cr.ErrorRecoverable, &cr.CreatedAt, &cr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &cr, nil
}

func (r *repoPG) InsertRequest(ctx context.Context, cr *ConsentRequest) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consent_requests (
			id, patient_id, patient_abha_id, requester_id, purpose_code, purpose_text,
			hi_types, date_range_from, date_range_to, expires_at, hips, abdm_request_id,
			status, error_reason, error_recoverable, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		cr.ID, cr.PatientID, cr.PatientAbhaID, cr.RequesterID, cr.PurposeCode, cr.PurposeText,
		cr.HITypes, cr.DateRangeFrom, cr.DateRangeTo, cr.ExpiresAt, cr.HIPs, cr.ABDMRequestID,
		cr.Status, cr.ErrorReason, cr.ErrorRecoverable, cr.CreatedAt, cr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert consent request: %w", err)
	}
	return nil
}

func (r *repoPG) GetRequest(ctx context.Context, id uuid.UUID) (*ConsentRequest, error) {
	cr, err := scanRequest(r.conn(ctx).QueryRow(ctx,
		`SELECT `+requestCols+` FROM consent_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get consent request: %w", err)
	}
	return cr, nil
}

func (r *repoPG) GetRequestByABDMID(ctx context.Context, abdmRequestID string) (*ConsentRequest, error) {
	cr, err := scanRequest(r.conn(ctx).QueryRow(ctx,
		`SELECT `+requestCols+` FROM consent_requests WHERE abdm_request_id = $1 FOR UPDATE`,
		abdmRequestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get consent request by abdm id: %w", err)
	}
	return cr, nil
}

func (r *repoPG) UpdateRequestStatus(ctx context.Context, id uuid.UUID, status string, errReason *string, errRecoverable bool) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE consent_requests
		SET status = $2, error_reason = $3, error_recoverable = $4, updated_at = now()
		WHERE id = $1`, id, status, errReason, errRecoverable)
	if err != nil {
		return fmt.Errorf("update consent request status: %w", err)
	}
	return nil
}

func (r *repoPG) SetABDMRequestID(ctx context.Context, id uuid.UUID, abdmRequestID string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE consent_requests SET abdm_request_id = $2, updated_at = now() WHERE id = $1`,
		id, abdmRequestID)
	if err != nil {
		return fmt.Errorf("set abdm request id: %w", err)
	}
	return nil
}

func (r *repoPG) InsertArtifact(ctx context.Context, a *ConsentArtifact) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consent_artifacts (
			id, consent_request_id, abdm_artifact_id, access_mode, hi_types,
			date_range_from, date_range_to, data_erase_at, signed_payload,
			key_material, granted_at, expires_at, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		a.ID, a.ConsentRequestID, a.ABDMArtifactID, a.AccessMode, a.HITypes,
		a.DateRangeFrom, a.DateRangeTo, a.DataEraseAt, a.SignedPayload,
		a.KeyMaterial, a.GrantedAt, a.ExpiresAt, a.Status)
	if err != nil {
		return fmt.Errorf("insert consent artifact: %w", err)
	}
	return nil
}

const artifactCols = `id, consent_request_id, abdm_artifact_id, access_mode, hi_types,
	date_range_from, date_range_to, data_erase_at, signed_payload, key_material,
	granted_at, expires_at, status`

func scanArtifact(row pgx.Row) (*ConsentArtifact, error) {
	var a ConsentArtifact
	err := row.Scan(&a.ID, &a.ConsentRequestID, &a.ABDMArtifactID, &a.AccessMode,
		&a.HITypes, &a.DateRangeFrom, &a.DateRangeTo, &a.DataEraseAt,
		&a.SignedPayload, &a.KeyMaterial, &a.GrantedAt, &a.ExpiresAt, &a.Status)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *repoPG) ActiveArtifactByRequest(ctx context.Context, consentRequestID uuid.UUID) (*ConsentArtifact, error) {
	a, err := scanArtifact(r.conn(ctx).QueryRow(ctx,
		`SELECT `+artifactCols+` FROM consent_artifacts
		 WHERE consent_request_id = $1 AND status = $2`,
		consentRequestID, ArtifactActive))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active consent artifact: %w", err)
	}
	return a, nil
}

func (r *repoPG) ArtifactByRequest(ctx context.Context, consentRequestID uuid.UUID) (*ConsentArtifact, error) {
	a, err := scanArtifact(r.conn(ctx).QueryRow(ctx,
		`SELECT `+artifactCols+` FROM consent_artifacts
		 WHERE consent_request_id = $1
		 ORDER BY granted_at DESC LIMIT 1`, consentRequestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get consent artifact: %w", err)
	}
	return a, nil
}

func (r *repoPG) UpdateArtifactStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE consent_artifacts SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update consent artifact status: %w", err)
	}
	return nil
}

func (r *repoPG) ActiveConsents(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]ActiveConsent, int, error) {
	c := r.conn(ctx)

	var total int
	err := c.QueryRow(ctx, `
		SELECT count(*) FROM consent_requests cr
		JOIN consent_artifacts ca ON ca.consent_request_id = cr.id AND ca.status = $2
		WHERE cr.patient_id = $1 AND cr.status = $3`,
		patientID, ArtifactActive, StatusGranted).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count active consents: %w", err)
	}

	rows, err := c.Query(ctx, `
		SELECT `+requestColsQualified+` FROM consent_requests cr
		JOIN consent_artifacts ca ON ca.consent_request_id = cr.id AND ca.status = $2
		WHERE cr.patient_id = $1 AND cr.status = $3
		ORDER BY cr.created_at DESC
		LIMIT $4 OFFSET $5`,
		patientID, ArtifactActive, StatusGranted, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list active consents: %w", err)
	}
	defer rows.Close()

	var out []ActiveConsent
	for rows.Next() {
		cr, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan consent request: %w", err)
		}
		out = append(out, ActiveConsent{Request: cr})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	rows.Close()

	for i := range out {
		art, err := r.ActiveArtifactByRequest(ctx, out[i].Request.ID)
		if err != nil {
			return nil, 0, err
		}
		out[i].Artifact = art
	}
	return out, total, nil
}

func (r *repoPG) ExpiredRequests(ctx context.Context, limit int) ([]ConsentRequest, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+requestCols+` FROM consent_requests
		WHERE status = $1 AND expires_at < now()
		ORDER BY expires_at ASC LIMIT $2`, StatusRequested, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired consent requests: %w", err)
	}
	defer rows.Close()

	var out []ConsentRequest
	for rows.Next() {
		cr, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent request: %w", err)
		}
		out = append(out, *cr)
	}
	return out, rows.Err()
}

func (r *repoPG) ExpiredArtifacts(ctx context.Context, limit int) ([]ConsentArtifact, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+artifactCols+` FROM consent_artifacts
		WHERE status = $1 AND expires_at < now()
		ORDER BY expires_at ASC LIMIT $2`, ArtifactActive, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired consent artifacts: %w", err)
	}
	defer rows.Close()

	var out []ConsentArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent artifact: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *repoPG) RememberCallback(ctx context.Context, abdmRequestID, dedupKey string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consent_callback_dedup (abdm_request_id, dedup_key, received_at)
		VALUES ($1, $2, now())
		ON CONFLICT (abdm_request_id, dedup_key) DO NOTHING`,
		abdmRequestID, dedupKey)
	if err != nil {
		return false, fmt.Errorf("remember consent callback: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
