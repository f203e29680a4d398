// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"context"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/hitoshi/postqueue/internal/repository"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewMigrator はマイグレーション実行用のmigrateインスタンスを生成する。
// databaseURLはPostgreSQLの接続URLを指定する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations はすべてのマイグレーションを適用する。
// すでに最新の場合はエラーなしで返る。
func RunMigrations(databaseURL string) error {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Migrate はDATABASE_URLのストアにスキーマを適用する。
// PostgreSQLはgolang-migrateの埋め込みマイグレーション、SQLiteは組み込みスキーマを使う。
// プロセス内メモリの場合は何もしない。
func Migrate(ctx context.Context, databaseURL string) error {
	driver, dsn, err := DetectDriver(databaseURL)
	if err != nil {
		return err
	}

	switch driver {
	case DriverPostgres:
		return RunMigrations(dsn)
	case DriverSQLite:
		db, err := repository.OpenSQLite(dsn)
		if err != nil {
			return err
		}
		defer db.Close()
		return repository.NewSQLiteQueueRepo(db, "").Migrate(ctx)
	}
	return nil
}
