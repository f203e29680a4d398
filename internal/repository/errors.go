package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/lib/pq"
)

var (
	// ErrStoreUnavailable はストアへの接続ができない、またはスキーマが存在しないことを示す。
	// サービス層はこのエラーを縮退モードへのフォールバックに使う。
	ErrStoreUnavailable = errors.New("queue store unavailable")

	// ErrConflict は条件付き更新の前提となる状態が一致しなかったことを示す。
	ErrConflict = errors.New("queue entry state conflict")
)

// IsStoreUnavailable はerrがストア不在を示すかを返す。
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// postgresUnavailableCodes はストア不在として扱うPostgreSQLのSQLSTATE。
var postgresUnavailableCodes = map[pq.ErrorCode]bool{
	"42P01": true, // undefined_table
	"3D000": true, // invalid_catalog_name
	"3F000": true, // invalid_schema_name
	"57P01": true, // admin_shutdown
	"57P03": true, // cannot_connect_now
}

// unavailableMessages はドライバ固有のエラー型を持たないストアの判定に使う。
var unavailableMessages = []string{
	"does not exist",
	"no such table",
	"connection refused",
	"database is closed",
	"unable to open database",
}

// classify はドライバのエラーを分類し、ストア不在の場合はErrStoreUnavailableでラップする。
// それ以外はopの説明を付けてラップする。
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, ErrStoreUnavailable) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if postgresUnavailableCodes[pqErr.Code] {
			return true
		}
		// クラス08: connection_exception
		return pqErr.Code.Class() == "08"
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range unavailableMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
