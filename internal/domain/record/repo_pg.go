package record

import (
	"context"
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

const recordCols = `id, patient_id, fetch_request_id, abdm_record_id, record_type,
	record_date, provider_id, provider_name, provider_type, fhir_resource,
	checksum, source, status, version, created_at`

func scanRecord(row pgx.Row) (*HealthRecord, error) {
	var hr HealthRecord
	err := row.Scan(&hr.ID, &hr.PatientID, &hr.FetchRequestID, &hr.ABDMRecordID, &hr.RecordType,
		&hr.RecordDate, &hr.ProviderID, &hr.ProviderName, &hr.ProviderType, &hr.FHIRResource,
		&hr.Checksum, &hr.Source, &hr.Status, &hr.Version, &hr.CreatedAt)
	return &hr, err
}

func (r *repoPG) Insert(ctx context.Context, hr *HealthRecord) error {
	hr.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO health_records (id, patient_id, fetch_request_id, abdm_record_id, record_type,
			record_date, provider_id, provider_name, provider_type, fhir_resource,
			checksum, source, status, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		hr.ID, hr.PatientID, hr.FetchRequestID, hr.ABDMRecordID, hr.RecordType,
		hr.RecordDate, hr.ProviderID, hr.ProviderName, hr.ProviderType, hr.FHIRResource,
		hr.Checksum, hr.Source, hr.Status, hr.Version)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*HealthRecord, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM health_records WHERE id = $1`, id))
}

func (r *repoPG) ActiveByABDMRecordID(ctx context.Context, abdmRecordID string) (*HealthRecord, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM health_records WHERE abdm_record_id = $1 AND status = 'ACTIVE'`,
		abdmRecordID))
}

func (r *repoPG) MarkStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE health_records SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *repoPG) FindByPatient(ctx context.Context, patientID uuid.UUID, f Filters, limit, offset int) ([]*HealthRecord, int, error) {
	where := ` WHERE patient_id = $1 AND status = 'ACTIVE'`
	args := []interface{}{patientID}
	idx := 2

	if f.RecordType != "" {
		where += fmt.Sprintf(` AND record_type = $%d`, idx)
		args = append(args, f.RecordType)
		idx++
	}
	if f.Source != "" {
		where += fmt.Sprintf(` AND source = $%d`, idx)
		args = append(args, f.Source)
		idx++
	}
	if f.From != nil {
		where += fmt.Sprintf(` AND record_date >= $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += fmt.Sprintf(` AND record_date <= $%d`, idx)
		args = append(args, *f.To)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM health_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + recordCols + ` FROM health_records` + where +
		fmt.Sprintf(` ORDER BY record_date DESC, created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*HealthRecord
	for rows.Next() {
		hr, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, hr)
	}
	return items, total, rows.Err()
}
