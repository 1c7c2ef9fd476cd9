package audit

import (
	"context"

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

func (r *repoPG) AppendEvent(ctx context.Context, e *ConsentEvent) error {
	e.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consent_audit_events (id, consent_request_id, record_id, event, actor, details, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.ConsentRequestID, e.RecordID, e.Event, e.Actor, e.Details, e.At)
	return err
}

const eventCols = `id, consent_request_id, record_id, event, actor, details, at`

func scanEvent(row pgx.Row) (*ConsentEvent, error) {
	var e ConsentEvent
	err := row.Scan(&e.ID, &e.ConsentRequestID, &e.RecordID, &e.Event, &e.Actor, &e.Details, &e.At)
	return &e, err
}

func (r *repoPG) EventsByConsent(ctx context.Context, consentRequestID uuid.UUID) ([]*ConsentEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+eventCols+` FROM consent_audit_events
		WHERE consent_request_id = $1 ORDER BY at ASC, id ASC`, consentRequestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*ConsentEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *repoPG) EventsByRecord(ctx context.Context, recordID uuid.UUID) ([]*ConsentEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+eventCols+` FROM consent_audit_events
		WHERE record_id = $1 ORDER BY at ASC, id ASC`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*ConsentEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *repoPG) AppendAccess(ctx context.Context, a *AccessEntry) error {
	a.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO access_logs (id, health_record_id, user_id, access_type, ip, user_agent, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.HealthRecordID, a.UserID, a.AccessType, a.IP, a.UserAgent, a.At)
	return err
}

func (r *repoPG) AccessByRecord(ctx context.Context, recordID uuid.UUID) ([]*AccessEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, health_record_id, user_id, access_type, ip, user_agent, at
		FROM access_logs WHERE health_record_id = $1 ORDER BY at ASC`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*AccessEntry
	for rows.Next() {
		var a AccessEntry
		if err := rows.Scan(&a.ID, &a.HealthRecordID, &a.UserID, &a.AccessType, &a.IP, &a.UserAgent, &a.At); err != nil {
			return nil, err
		}
		items = append(items, &a)
	}
	return items, rows.Err()
}
