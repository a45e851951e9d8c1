package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxOrganizationID
	ctxRole
)

var ErrNoIdentity = errors.New("auth: no identity in context")

// Identity is the authenticated caller as seen by services.
type Identity struct {
	UserID         string
	OrganizationID string
	Role           string
}

func WithIdentity(ctx context.Context, userID, organizationID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxOrganizationID, organizationID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

// IdentityFrom returns the full identity, or ErrNoIdentity when user or
// organization is missing.
func IdentityFrom(ctx context.Context) (Identity, error) {
	uid, err := UserID(ctx)
	if err != nil {
		return Identity{}, ErrNoIdentity
	}
	oid, err := OrganizationID(ctx)
	if err != nil {
		return Identity{}, ErrNoIdentity
	}
	role, _ := Role(ctx)
	return Identity{UserID: uid, OrganizationID: oid, Role: role}, nil
}

func UserID(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxUserID).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("user_id not in context")
}

func OrganizationID(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxOrganizationID).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("organization_id not in context")
}

func Role(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxRole).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}
