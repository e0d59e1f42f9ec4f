// Package accounts is the identity store: users and sessions in
// PostgreSQL, with an optional Redis read-through cache for users.
//
// [Store] implements [auth.UserStore] and [auth.SessionStore];
// [CachedUsers] wraps any [auth.UserStore].
package accounts

import (
	"context"
	"time"

	"github.com/StricklySoft/billing-trust/pkg/auth"
	sserr "github.com/StricklySoft/billing-trust/pkg/errors"
)

const (
	userByIDQuery       = `SELECT id, email, name FROM "user" WHERE id = $1`
	sessionByTokenQuery = `SELECT id, user_id, expires_at, active_organization_id FROM session WHERE token = $1`
)

// Schema creates the tables the store reads. The edge never writes them;
// the identity service that issues sessions owns the data.
const Schema = `
CREATE TABLE IF NOT EXISTS "user" (
	id    text PRIMARY KEY,
	email text NOT NULL UNIQUE,
	name  text NOT NULL
);
CREATE TABLE IF NOT EXISTS session (
	id                     text PRIMARY KEY,
	token                  text NOT NULL UNIQUE,
	user_id                text NOT NULL REFERENCES "user" (id) ON DELETE CASCADE,
	expires_at             timestamptz NOT NULL,
	active_organization_id text
);`

// Querier is satisfied by *postgres.Client.
type Querier interface {
	ScanOne(ctx context.Context, sql string, args []any, dest ...any) error
}

// Store reads users and sessions from PostgreSQL.
type Store struct {
	db Querier
}

var (
	_ auth.UserStore    = (*Store)(nil)
	_ auth.SessionStore = (*Store)(nil)
)

// NewStore returns a Store reading through db.
func NewStore(db Querier) *Store {
	return &Store{db: db}
}

// UserByID returns CodeNotFoundUser when no row matches.
func (s *Store) UserByID(ctx context.Context, id string) (*auth.UserRecord, error) {
	var u auth.UserRecord
	if err := s.db.ScanOne(ctx, userByIDQuery, []any{id}, &u.ID, &u.Email, &u.Name); err != nil {
		if sserr.IsNotFound(err) {
			return nil, sserr.Wrapf(err, sserr.CodeNotFoundUser, "accounts: user %q not found", id)
		}
		return nil, err
	}
	return &u, nil
}

// SessionByToken returns CodeNotFoundSession when no row matches. Expiry is
// the caller's concern.
func (s *Store) SessionByToken(ctx context.Context, token string) (*auth.SessionRecord, error) {
	var (
		rec       auth.SessionRecord
		expiresAt time.Time
		org       *string
	)
	err := s.db.ScanOne(ctx, sessionByTokenQuery, []any{token}, &rec.ID, &rec.UserID, &expiresAt, &org)
	if err != nil {
		if sserr.IsNotFound(err) {
			return nil, sserr.Wrap(err, sserr.CodeNotFoundSession, "accounts: session not found")
		}
		return nil, err
	}
	rec.ExpiresAt = expiresAt.UTC()
	if org != nil {
		rec.ActiveOrganizationID = *org
	}
	return &rec, nil
}
