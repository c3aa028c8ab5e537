package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// Migrate brings the turn log schema up to date. It is safe to run on
// every startup: applied migrations are skipped and the DDL itself is
// create-if-absent.
func Migrate(ctx context.Context, driver, dsn string) error {
	var (
		db      *sql.DB
		dialect goose.Dialect
		dir     string
	)
	switch driver {
	case DriverSQLite, "":
		l, err := openSQLite(ctx, dsn, &clock{})
		if err != nil {
			return err
		}
		db, dialect, dir = l.db, goose.DialectSQLite3, "migrations/sqlite"
	case DriverPostgres:
		pg, err := sql.Open("pgx", dsn)
		if err != nil {
			return &StorageError{Op: "migrate", Err: fmt.Errorf("open postgres: %w", err)}
		}
		db, dialect, dir = pg, goose.DialectPostgres, "migrations/postgres"
	default:
		return fmt.Errorf("unknown history driver %q", driver)
	}
	defer db.Close()

	fsys, err := fs.Sub(migrations, dir)
	if err != nil {
		return fmt.Errorf("migrations %s: %w", dir, err)
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return &StorageError{Op: "migrate", Err: fmt.Errorf("create goose provider: %w", err)}
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return &StorageError{Op: "migrate", Err: err}
	}

	slog.Info("history schema ready", "driver", driver, "applied", len(results))
	return nil
}
