package postgres

import (
	"context"
	"embed"

	"github.com/pressly/goose/v3"

	"goa.design/weave/fault"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate brings the schema up to date using the embedded goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fault.Storage(err, "set migration dialect: %v", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fault.Storage(err, "apply migrations: %v", err)
	}
	return nil
}
