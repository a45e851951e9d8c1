package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crm-platform/pkg/utils"
)

// PostgresRepo stores call records in the calls table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Insert(ctx context.Context, rec Record) error {
	const q = `
INSERT INTO calls (
  id, organization_id, user_id, contact_id, opportunity_id, direction, status,
  to_number, from_number, started_at, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
`
	_, err := r.db.ExecContext(ctx, q,
		rec.ID,
		rec.OrganizationID,
		rec.UserID,
		utils.NullString(rec.ContactID),
		utils.NullString(rec.OpportunityID),
		rec.Direction,
		rec.Status,
		rec.ToNumber,
		rec.FromNumber,
		rec.StartedAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, organizationID, id string, u StatusUpdate, now time.Time) error {
	const q = `
UPDATE calls
SET status = $3,
    ended_at = COALESCE($4, ended_at),
    duration_seconds = COALESCE($5, duration_seconds),
    updated_at = $6
WHERE organization_id = $1 AND id = $2
`
	var ended sql.NullTime
	if u.EndedAt != nil {
		ended = sql.NullTime{Time: *u.EndedAt, Valid: true}
	}
	var dur sql.NullInt64
	if u.DurationSeconds != nil {
		dur = sql.NullInt64{Int64: int64(*u.DurationSeconds), Valid: true}
	}
	res, err := r.db.ExecContext(ctx, q, organizationID, id, u.Status, ended, dur, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, organizationID, id string) (Record, error) {
	const q = `
SELECT id, organization_id, user_id, contact_id, opportunity_id, direction, status,
       to_number, from_number, started_at, ended_at, duration_seconds, created_at, updated_at
FROM calls
WHERE organization_id = $1 AND id = $2
`
	var (
		rec           Record
		contactID     sql.NullString
		opportunityID sql.NullString
		ended         sql.NullTime
		dur           sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, q, organizationID, id).Scan(
		&rec.ID,
		&rec.OrganizationID,
		&rec.UserID,
		&contactID,
		&opportunityID,
		&rec.Direction,
		&rec.Status,
		&rec.ToNumber,
		&rec.FromNumber,
		&rec.StartedAt,
		&ended,
		&dur,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.ContactID = contactID.String
	rec.OpportunityID = opportunityID.String
	if ended.Valid {
		t := ended.Time
		rec.EndedAt = &t
	}
	if dur.Valid {
		d := int(dur.Int64)
		rec.DurationSeconds = &d
	}
	return rec, nil
}
