package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/takgate/pkg/auth"
)

// Dialect selects SQL placeholder syntax
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

const selectProfile = `
	SELECT username, system_admin, agency_admin, tak_callsign, tak_group,
	       auth_cert, auth_key, last_login, created_at, updated_at
	FROM profiles
	WHERE username = ?`

const upsertProfile = `
	INSERT INTO profiles (username, system_admin, agency_admin, tak_callsign, tak_group,
	                      auth_cert, auth_key, last_login, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (username) DO UPDATE SET
		system_admin = excluded.system_admin,
		agency_admin = excluded.agency_admin,
		tak_callsign = excluded.tak_callsign,
		tak_group = excluded.tak_group,
		auth_cert = excluded.auth_cert,
		auth_key = excluded.auth_key,
		last_login = excluded.last_login,
		updated_at = excluded.updated_at`

// SQLStore keeps profiles in postgres or sqlite
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore creates a store on db
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// DB returns the underlying database handle
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Get returns the profile for username
func (s *SQLStore) Get(ctx context.Context, username string) (*Profile, error) {
	return s.get(ctx, s.db, username)
}

func (s *SQLStore) get(ctx context.Context, q querier, username string) (*Profile, error) {
	var (
		p         Profile
		agencies  string
		lastLogin sql.NullTime
	)
	err := q.QueryRowContext(ctx, s.rebind(selectProfile), username).Scan(
		&p.Username, &p.SystemAdmin, &agencies, &p.TAKCallsign, &p.TAKGroup,
		&p.Credential.Certificate, &p.Credential.PrivateKey, &lastLogin, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	if err := json.Unmarshal([]byte(agencies), &p.AgencyAdmin); err != nil {
		return nil, fmt.Errorf("failed to decode agency_admin: %w", err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		p.LastLogin = &t
	}
	return &p, nil
}

// Commit merges update into the stored profile, creating it if needed, and
// writes every touched field with one statement inside one transaction.
// Concurrent commits for the same user resolve last-writer-wins.
func (s *SQLStore) Commit(ctx context.Context, update *Update) (*Profile, error) {
	if update == nil || update.Username == "" {
		return nil, errors.New("update requires a username")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	p, err := s.get(ctx, tx, update.Username)
	switch {
	case errors.Is(err, ErrNotFound):
		p = &Profile{Username: update.Username, AgencyAdmin: []int{}, CreatedAt: now}
	case err != nil:
		return nil, err
	}

	update.Apply(p)
	p.UpdatedAt = now
	if p.AgencyAdmin == nil {
		p.AgencyAdmin = []int{}
	}

	agencies, err := json.Marshal(p.AgencyAdmin)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agency_admin: %w", err)
	}

	var lastLogin sql.NullTime
	if p.LastLogin != nil {
		lastLogin = sql.NullTime{Time: p.LastLogin.UTC(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, s.rebind(upsertProfile),
		p.Username, p.SystemAdmin, string(agencies), p.TAKCallsign, p.TAKGroup,
		p.Credential.Certificate, p.Credential.PrivateKey, lastLogin, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to write profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit profile: %w", err)
	}
	return p, nil
}

// LookupAccess implements auth.ProfileLookup
func (s *SQLStore) LookupAccess(ctx context.Context, username string) (auth.AccessLevel, error) {
	p, err := s.Get(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: %s", auth.ErrNotFound, username)
	}
	if err != nil {
		return "", err
	}
	return p.AccessLevel(), nil
}

// rebind rewrites ? placeholders to $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
