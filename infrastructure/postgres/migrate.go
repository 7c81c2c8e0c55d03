package postgres

import (
	"embed"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"cartograph-backend/internal/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations applies all pending schema migrations. It is safe to call on
// every startup.
func RunMigrations(dsn string, logger *zap.Logger) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Internal("MIGRATION_DIALECT", "failed to set migration dialect").
			WithCause(err).
			Build()
	}

	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return errors.Connection("MIGRATION_CONNECT", "failed to open connection for migrations").
			WithCause(err).
			Build()
	}
	defer db.Close()

	before, err := goose.GetDBVersion(db)
	if err != nil {
		return errors.Internal("MIGRATION_VERSION", "failed to read migration version").
			WithCause(err).
			Build()
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return errors.Internal("MIGRATION_APPLY", "failed to apply migrations").
			WithCause(err).
			Build()
	}

	after, err := goose.GetDBVersion(db)
	if err != nil {
		return errors.Internal("MIGRATION_VERSION", "failed to read migration version").
			WithCause(err).
			Build()
	}

	if after != before {
		logger.Info("applied schema migrations",
			zap.Int64("from_version", before),
			zap.Int64("to_version", after))
	}
	return nil
}
