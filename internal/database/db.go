package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/hitoshi/postqueue/internal/repository"
)

// Driver はDATABASE_URLのスキームから判定したストアの種類。
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
	DriverMemory   Driver = "memory"
)

// DetectDriver はDATABASE_URLからストアの種類とドライバに渡すDSNを返す。
//
//	postgres://, postgresql:// → PostgreSQL（URLをそのまま使う）
//	sqlite://path, file:path   → SQLite
//	memory://                  → プロセス内メモリ
func DetectDriver(databaseURL string) (Driver, string, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return DriverPostgres, databaseURL, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("sqlite database path is empty")
		}
		return DriverSQLite, path, nil
	case strings.HasPrefix(databaseURL, "file:"):
		return DriverSQLite, databaseURL, nil
	case strings.HasPrefix(databaseURL, "memory://"):
		return DriverMemory, "", nil
	}
	return "", "", fmt.Errorf("unsupported database url scheme: %q", databaseURL)
}

// Open はDATABASE_URLに対応するデータベース接続を開く。
// DriverMemoryの場合は*sql.DBを返さない（nil）。
// sql.Openは接続を試行しないため、実際の接続確認にはdb.Ping()を使用すること。
func Open(databaseURL string) (*sql.DB, Driver, error) {
	driver, dsn, err := DetectDriver(databaseURL)
	if err != nil {
		return nil, "", err
	}

	switch driver {
	case DriverPostgres:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open database: %w", err)
		}
		return db, driver, nil
	case DriverSQLite:
		db, err := repository.OpenSQLite(dsn)
		if err != nil {
			return nil, "", err
		}
		// SQLiteは単一ライタのため接続を1本に絞る
		db.SetMaxOpenConns(1)
		return db, driver, nil
	}
	return nil, driver, nil
}
