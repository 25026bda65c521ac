package profile

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/takgate/pkg/auth"
	"github.com/platinummonkey/takgate/pkg/credential"
)

var profileColumns = []string{
	"username", "system_admin", "agency_admin", "tak_callsign", "tak_group",
	"auth_cert", "auth_key", "last_login", "created_at", "updated_at",
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, dialect, err := Open(context.Background(), ConnectionConfig{Driver: "sqlite3", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(context.Background(), db))
	return NewSQLStore(db, dialect)
}

func TestCommit_SingleWrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db, DialectPostgres)

	update := NewUpdate("new@example.org")
	update.SetRoles(true, nil)
	update.SetCallsign("ALPHA-1")
	update.SetCredential(&credential.Credential{Certificate: "CERT", PrivateKey: "KEY"})
	update.Touch(time.Now())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM profiles WHERE username = \$1`).
		WithArgs("new@example.org").
		WillReturnRows(sqlmock.NewRows(profileColumns))
	mock.ExpectExec("INSERT INTO profiles (.+) ON CONFLICT").
		WithArgs("new@example.org", true, "[]", "ALPHA-1", "", "CERT", "KEY",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, err := store.Commit(context.Background(), update)
	require.NoError(t, err)
	assert.True(t, p.SystemAdmin)
	assert.Equal(t, "ALPHA-1", p.TAKCallsign)
	assert.Equal(t, "CERT", p.Credential.Certificate)
	assert.Equal(t, auth.AccessAdmin, p.AccessLevel())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommit_PreservesUntouchedFields(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db, DialectSQLite)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM profiles WHERE username = ?").
		WithArgs("old@example.org").
		WillReturnRows(sqlmock.NewRows(profileColumns).AddRow(
			"old@example.org", false, "[3,7]", "BRAVO", "Cyan", "OLDCERT", "OLDKEY", nil, created, created,
		))
	mock.ExpectExec("INSERT INTO profiles").
		WithArgs("old@example.org", false, "[3,7]", "BRAVO", "Cyan", "OLDCERT", "OLDKEY",
			sqlmock.AnyArg(), created, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	update := NewUpdate("old@example.org")
	update.Touch(time.Now())

	p, err := store.Commit(context.Background(), update)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 7}, p.AgencyAdmin)
	assert.Equal(t, auth.AccessAgency, p.AccessLevel())
	assert.NotNil(t, p.LastLogin)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommit_WriteFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStore(db, DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM profiles").
		WillReturnRows(sqlmock.NewRows(profileColumns))
	mock.ExpectExec("INSERT INTO profiles").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = store.Commit(context.Background(), NewUpdate("a@example.org"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write profile")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommit_RequiresUsername(t *testing.T) {
	store := NewSQLStore(nil, DialectSQLite)
	_, err := store.Commit(context.Background(), &Update{})
	assert.Error(t, err)
}

func TestGet_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM profiles").
		WithArgs("ghost@example.org").
		WillReturnError(sql.ErrNoRows)

	store := NewSQLStore(db, DialectPostgres)
	_, err = store.Get(context.Background(), "ghost@example.org")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_RoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "sam@example.org")
	require.ErrorIs(t, err, ErrNotFound)

	first := NewUpdate("sam@example.org")
	first.SetRoles(false, []int{12, 4})
	first.SetCallsign("SAM")
	first.SetGroup("Orange")
	first.SetCredential(&credential.Credential{Certificate: "C1", PrivateKey: "K1"})
	first.Touch(time.Now())

	_, err = store.Commit(ctx, first)
	require.NoError(t, err)

	got, err := store.Get(ctx, "sam@example.org")
	require.NoError(t, err)
	assert.Equal(t, []int{4, 12}, got.AgencyAdmin)
	assert.Equal(t, "SAM", got.TAKCallsign)
	assert.Equal(t, "Orange", got.TAKGroup)
	assert.Equal(t, "C1", got.Credential.Certificate)
	require.NotNil(t, got.LastLogin)

	second := NewUpdate("sam@example.org")
	second.SetCredential(&credential.Credential{Certificate: "C2", PrivateKey: "K2"})

	_, err = store.Commit(ctx, second)
	require.NoError(t, err)

	got, err = store.Get(ctx, "sam@example.org")
	require.NoError(t, err)
	assert.Equal(t, "C2", got.Credential.Certificate)
	assert.Equal(t, "SAM", got.TAKCallsign)
	assert.Equal(t, []int{4, 12}, got.AgencyAdmin)
}

func TestLookupAccess(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	admin := NewUpdate("admin@example.org")
	admin.SetRoles(true, nil)
	_, err := store.Commit(ctx, admin)
	require.NoError(t, err)

	plain := NewUpdate("user@example.org")
	_, err = store.Commit(ctx, plain)
	require.NoError(t, err)

	level, err := store.LookupAccess(ctx, "admin@example.org")
	require.NoError(t, err)
	assert.Equal(t, auth.AccessAdmin, level)

	level, err = store.LookupAccess(ctx, "user@example.org")
	require.NoError(t, err)
	assert.Equal(t, auth.AccessUser, level)

	_, err = store.LookupAccess(ctx, "nobody@example.org")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestRebind(t *testing.T) {
	pg := NewSQLStore(nil, DialectPostgres)
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))

	lite := NewSQLStore(nil, DialectSQLite)
	assert.Equal(t, "a = ? AND b = ?", lite.rebind("a = ? AND b = ?"))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, _, err := Open(context.Background(), ConnectionConfig{Driver: "oracle"})
	assert.Error(t, err)
}
