package main

import (
	"context"
	"io/fs"
	"sort"
	"strings"

	"TokenSettle/internal/config"
	"TokenSettle/internal/db"
	"TokenSettle/internal/logging"
	"TokenSettle/migrations"

	"github.com/jackc/pgx/v5"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		bootLog := logging.New("migrate")
		bootLog.Fatal().Err(err).Msg("config load failed")
	}
	logging.Setup("settle-migrate", logging.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	log := logging.New("migrate")

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer pool.Close()

	if err := ensureSchemaTable(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("ensure schema table failed")
	}

	files, err := listSQLFiles(migrations.FS)
	if err != nil {
		log.Fatal().Err(err).Msg("list migrations failed")
	}

	for _, file := range files {
		applied, err := isApplied(ctx, pool, file)
		if err != nil {
			log.Fatal().Err(err).Str("file", file).Msg("check migration failed")
		}
		if applied {
			continue
		}
		if err := applyMigration(ctx, pool, file); err != nil {
			log.Fatal().Err(err).Str("file", file).Msg("apply migration failed")
		}
		log.Info().Str("file", file).Msg("applied")
	}
}

func ensureSchemaTable(ctx context.Context, pool *db.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`)
	return err
}

func listSQLFiles(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func isApplied(ctx context.Context, pool *db.Pool, file string) (bool, error) {
	var exists bool
	row := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, file)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// applyMigration runs one file and records it in the same transaction.
func applyMigration(ctx context.Context, pool *db.Pool, file string) error {
	data, err := fs.ReadFile(migrations.FS, file)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if sql := strings.TrimSpace(string(data)); sql != "" {
			if _, err := tx.Exec(ctx, sql); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, file)
		return err
	})
}
