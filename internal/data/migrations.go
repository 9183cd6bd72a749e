package data

import (
	"context"
	"database/sql"

	"github.com/kacperpap/air-pollution-tracker/internal/migrate"
)

// RunMigrations applies the embedded schema migrations and returns the
// versions that were applied by this call.
func RunMigrations(ctx context.Context, db *sql.DB) ([]string, error) {
	return migrate.Run(ctx, db)
}
