package profile

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the profile schema migrations. The DDL is shared by
// postgres and sqlite.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create profiles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS profiles (
					username VARCHAR(255) PRIMARY KEY,
					system_admin BOOLEAN NOT NULL DEFAULT FALSE,
					agency_admin TEXT NOT NULL DEFAULT '[]',
					tak_callsign VARCHAR(255) NOT NULL DEFAULT '',
					tak_group VARCHAR(64) NOT NULL DEFAULT '',
					auth_cert TEXT NOT NULL DEFAULT '',
					auth_key TEXT NOT NULL DEFAULT '',
					last_login TIMESTAMP NULL,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				)`,
		},
		{
			Version:     2,
			Description: "Index profiles by last login",
			SQL:         `CREATE INDEX IF NOT EXISTS idx_profiles_last_login ON profiles(last_login)`,
		},
	}
}

// Migrate applies all migrations in order
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, m := range GetMigrations() {
		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}
	return nil
}
