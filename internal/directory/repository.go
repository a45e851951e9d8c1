package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresRepo serves directory lookups from Postgres.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) IsActiveMember(ctx context.Context, organizationID, userID string) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM user_organizations
  WHERE organization_id = $1 AND user_id = $2 AND is_active = TRUE
)
`
	var ok bool
	if err := r.db.QueryRowContext(ctx, q, organizationID, userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (r *PostgresRepo) ActiveMembers(ctx context.Context, organizationID string) ([]Member, error) {
	const q = `
SELECT uo.user_id, COALESCE(u.name, ''), uo.role
FROM user_organizations uo
JOIN users u ON u.id = uo.user_id
WHERE uo.organization_id = $1 AND uo.is_active = TRUE
ORDER BY uo.created_at, uo.user_id
`
	rows, err := r.db.QueryContext(ctx, q, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Name, &m.Role); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const phoneNumberColumns = `id, organization_id, phone_number, ring_strategy, COALESCE(ring_user_ids, '[]'::jsonb), is_active`

func (r *PostgresRepo) ActivePhoneNumbers(ctx context.Context, organizationID string) ([]PhoneNumber, error) {
	q := `SELECT ` + phoneNumberColumns + `
FROM organization_phone_numbers
WHERE organization_id = $1 AND is_active = TRUE
ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, q, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PhoneNumber
	for rows.Next() {
		n, err := scanPhoneNumber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// PhoneNumberByNumber resolves the owner of a dialed number.
func (r *PostgresRepo) PhoneNumberByNumber(ctx context.Context, number string) (PhoneNumber, error) {
	q := `SELECT ` + phoneNumberColumns + `
FROM organization_phone_numbers
WHERE phone_number = $1 AND is_active = TRUE
LIMIT 1`
	n, err := scanPhoneNumber(r.db.QueryRowContext(ctx, q, number))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PhoneNumber{}, ErrNotFound
		}
		return PhoneNumber{}, err
	}
	return n, nil
}

// FindContactByPhone returns the first contact whose phone equals any of the
// given stored forms.
func (r *PostgresRepo) FindContactByPhone(ctx context.Context, organizationID string, variants []string) (Contact, bool, error) {
	if len(variants) == 0 {
		return Contact{}, false, nil
	}
	raw, err := json.Marshal(variants)
	if err != nil {
		return Contact{}, false, err
	}
	const q = `
SELECT id, organization_id, COALESCE(name, ''), COALESCE(email, ''), COALESCE(phone, '')
FROM contacts
WHERE organization_id = $1
  AND phone IN (SELECT jsonb_array_elements_text($2::jsonb))
ORDER BY created_at
LIMIT 1
`
	var c Contact
	err = r.db.QueryRowContext(ctx, q, organizationID, string(raw)).Scan(&c.ID, &c.OrganizationID, &c.Name, &c.Email, &c.Phone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, false, nil
		}
		return Contact{}, false, err
	}
	return c, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPhoneNumber(s rowScanner) (PhoneNumber, error) {
	var (
		n       PhoneNumber
		ringRaw []byte
	)
	if err := s.Scan(&n.ID, &n.OrganizationID, &n.Number, &n.RingStrategy, &ringRaw, &n.Active); err != nil {
		return PhoneNumber{}, err
	}
	if len(ringRaw) > 0 {
		if err := json.Unmarshal(ringRaw, &n.RingUserIDs); err != nil {
			return PhoneNumber{}, fmt.Errorf("directory: ring_user_ids: %w", err)
		}
	}
	if n.RingStrategy == "" {
		n.RingStrategy = RingAll
	}
	return n, nil
}
