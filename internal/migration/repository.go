package migration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crm-platform/pkg/utils"
)

// PostgresRepo stores import logs in import_logs and writes the imported
// rows to contacts and opportunities.
//
// Assumed constraints:
// - UNIQUE (organization_id, source_external_id) on contacts and opportunities
// - config, cursor_state, imported_*_ids and errors are jsonb
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const logColumns = `
id, organization_id, created_by, config, cursor_state, status,
total_contacts, imported_contacts, skipped_contacts,
total_opportunities, imported_opportunities, skipped_opportunities,
progress_percent, imported_contact_ids, imported_opportunity_ids, errors, error_count,
started_at, completed_at, created_at, updated_at`

func (r *PostgresRepo) CreateLog(ctx context.Context, l ImportLog) error {
	q := `INSERT INTO import_logs (` + logColumns + `) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21
)`
	args, err := logArgs(l)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		if utils.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *PostgresRepo) SaveLog(ctx context.Context, l ImportLog) error {
	const q = `
UPDATE import_logs
SET config = $3,
    cursor_state = $4,
    status = $5,
    total_contacts = $6,
    imported_contacts = $7,
    skipped_contacts = $8,
    total_opportunities = $9,
    imported_opportunities = $10,
    skipped_opportunities = $11,
    progress_percent = $12,
    imported_contact_ids = $13,
    imported_opportunity_ids = $14,
    errors = $15,
    error_count = $16,
    started_at = $17,
    completed_at = $18,
    updated_at = $19
WHERE organization_id = $1 AND id = $2
`
	args, err := logArgs(l)
	if err != nil {
		return err
	}
	// logArgs is in column order; drop created_by and created_at.
	upd := append([]any{l.OrganizationID, l.ID}, args[3:19]...)
	upd = append(upd, l.UpdatedAt)
	res, err := r.db.ExecContext(ctx, q, upd...)
	return affected(res, err)
}

func (r *PostgresRepo) GetLog(ctx context.Context, id string) (ImportLog, error) {
	q := `SELECT ` + logColumns + ` FROM import_logs WHERE id = $1`
	var (
		l                        ImportLog
		createdBy                sql.NullString
		cfg, cursor              []byte
		contactIDs, oppIDs, errs []byte
		started, completed       sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&l.ID,
		&l.OrganizationID,
		&createdBy,
		&cfg,
		&cursor,
		&l.Status,
		&l.TotalContacts,
		&l.ImportedContacts,
		&l.SkippedContacts,
		&l.TotalOpportunities,
		&l.ImportedOpportunities,
		&l.SkippedOpportunities,
		&l.ProgressPercent,
		&contactIDs,
		&oppIDs,
		&errs,
		&l.ErrorCount,
		&started,
		&completed,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ImportLog{}, ErrNotFound
		}
		return ImportLog{}, err
	}
	l.CreatedBy = createdBy.String
	if started.Valid {
		l.StartedAt = &started.Time
	}
	if completed.Valid {
		l.CompletedAt = &completed.Time
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{cfg, &l.Config},
		{cursor, &l.Cursor},
		{contactIDs, &l.ImportedContactIDs},
		{oppIDs, &l.ImportedOpportunityIDs},
		{errs, &l.Errors},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return ImportLog{}, fmt.Errorf("migration: decode import log %s: %w", id, err)
		}
	}
	return l, nil
}

func logArgs(l ImportLog) ([]any, error) {
	enc := func(v any) ([]byte, error) { return json.Marshal(v) }
	cfg, err := enc(l.Config)
	if err != nil {
		return nil, err
	}
	cursor, err := enc(l.Cursor)
	if err != nil {
		return nil, err
	}
	contactIDs, err := enc(nonNil(l.ImportedContactIDs))
	if err != nil {
		return nil, err
	}
	oppIDs, err := enc(nonNil(l.ImportedOpportunityIDs))
	if err != nil {
		return nil, err
	}
	errs := l.Errors
	if errs == nil {
		errs = []ImportError{}
	}
	errsJSON, err := enc(errs)
	if err != nil {
		return nil, err
	}
	return []any{
		l.ID,
		l.OrganizationID,
		utils.NullString(l.CreatedBy),
		cfg,
		cursor,
		l.Status,
		l.TotalContacts,
		l.ImportedContacts,
		l.SkippedContacts,
		l.TotalOpportunities,
		l.ImportedOpportunities,
		l.SkippedOpportunities,
		l.ProgressPercent,
		contactIDs,
		oppIDs,
		errsJSON,
		l.ErrorCount,
		nullTime(l.StartedAt),
		nullTime(l.CompletedAt),
		l.CreatedAt,
		l.UpdatedAt,
	}, nil
}

const contactColumns = `id, organization_id, name, email, phone, source_external_id, created_at, updated_at`

func scanContact(row interface{ Scan(...any) error }) (Contact, error) {
	var c Contact
	var email, phone, ext sql.NullString
	if err := row.Scan(&c.ID, &c.OrganizationID, &c.Name, &email, &phone, &ext, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Contact{}, err
	}
	c.Email, c.Phone, c.SourceExternalID = email.String, phone.String, ext.String
	return c, nil
}

func (r *PostgresRepo) ContactsByIDs(ctx context.Context, organizationID string, ids []string) ([]Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	q := `SELECT ` + contactColumns + ` FROM contacts
WHERE organization_id = $1
  AND id::text IN (SELECT jsonb_array_elements_text($2::jsonb))`
	rows, err := r.db.QueryContext(ctx, q, organizationID, raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) findContact(ctx context.Context, column, organizationID, value string) (Contact, bool, error) {
	q := `SELECT ` + contactColumns + ` FROM contacts WHERE organization_id = $1 AND ` + column + ` = $2 ORDER BY created_at LIMIT 1`
	c, err := scanContact(r.db.QueryRowContext(ctx, q, organizationID, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, false, nil
		}
		return Contact{}, false, err
	}
	return c, true, nil
}

func (r *PostgresRepo) FindContactByExternalID(ctx context.Context, organizationID, externalID string) (Contact, bool, error) {
	return r.findContact(ctx, "source_external_id", organizationID, externalID)
}

func (r *PostgresRepo) FindContactByEmail(ctx context.Context, organizationID, email string) (Contact, bool, error) {
	return r.findContact(ctx, "lower(email)", organizationID, email)
}

func (r *PostgresRepo) FindContactByPhone(ctx context.Context, organizationID, phone string) (Contact, bool, error) {
	return r.findContact(ctx, "phone", organizationID, phone)
}

func (r *PostgresRepo) InsertContact(ctx context.Context, c Contact) error {
	const q = `
INSERT INTO contacts (` + contactColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`
	_, err := r.db.ExecContext(ctx, q,
		c.ID,
		c.OrganizationID,
		c.Name,
		utils.NullString(c.Email),
		utils.NullString(c.Phone),
		utils.NullString(c.SourceExternalID),
		c.CreatedAt,
		c.UpdatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *PostgresRepo) UpdateContact(ctx context.Context, c Contact) error {
	const q = `
UPDATE contacts
SET name = $3, email = $4, phone = $5, source_external_id = $6, updated_at = $7
WHERE organization_id = $1 AND id = $2
`
	res, err := r.db.ExecContext(ctx, q,
		c.OrganizationID,
		c.ID,
		c.Name,
		utils.NullString(c.Email),
		utils.NullString(c.Phone),
		utils.NullString(c.SourceExternalID),
		c.UpdatedAt,
	)
	return affected(res, err)
}

const opportunityColumns = `id, organization_id, contact_id, title, value, stage_id, status, source_external_id, closed_at, created_at, updated_at`

func (r *PostgresRepo) FindOpportunityByExternalID(ctx context.Context, organizationID, externalID string) (Opportunity, bool, error) {
	q := `SELECT ` + opportunityColumns + ` FROM opportunities WHERE organization_id = $1 AND source_external_id = $2 LIMIT 1`
	var (
		o         Opportunity
		contactID sql.NullString
		ext       sql.NullString
		closed    sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, organizationID, externalID).Scan(
		&o.ID,
		&o.OrganizationID,
		&contactID,
		&o.Title,
		&o.Value,
		&o.StageID,
		&o.Status,
		&ext,
		&closed,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Opportunity{}, false, nil
		}
		return Opportunity{}, false, err
	}
	o.ContactID, o.SourceExternalID = contactID.String, ext.String
	if closed.Valid {
		o.ClosedAt = &closed.Time
	}
	return o, true, nil
}

func (r *PostgresRepo) InsertOpportunity(ctx context.Context, o Opportunity) error {
	const q = `
INSERT INTO opportunities (` + opportunityColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`
	_, err := r.db.ExecContext(ctx, q,
		o.ID,
		o.OrganizationID,
		utils.NullString(o.ContactID),
		o.Title,
		o.Value,
		o.StageID,
		o.Status,
		utils.NullString(o.SourceExternalID),
		nullTime(o.ClosedAt),
		o.CreatedAt,
		o.UpdatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *PostgresRepo) UpdateOpportunity(ctx context.Context, o Opportunity) error {
	const q = `
UPDATE opportunities
SET contact_id = $3, title = $4, value = $5, stage_id = $6, status = $7, closed_at = $8, updated_at = $9
WHERE organization_id = $1 AND id = $2
`
	res, err := r.db.ExecContext(ctx, q,
		o.OrganizationID,
		o.ID,
		utils.NullString(o.ContactID),
		o.Title,
		o.Value,
		o.StageID,
		o.Status,
		nullTime(o.ClosedAt),
		o.UpdatedAt,
	)
	return affected(res, err)
}

func affected(res sql.Result, err error) error {
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

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
