package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"

	"github.com/lib/pq"
)

func TestClassify_StoreUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"undefined_table", &pq.Error{Code: "42P01", Message: `relation "queue_entries" does not exist`}},
		{"invalid_catalog_name", &pq.Error{Code: "3D000", Message: `database "postqueue" does not exist`}},
		{"connection_exception", &pq.Error{Code: "08006", Message: "connection failure"}},
		{"bad_conn", driver.ErrBadConn},
		{"econnrefused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}},
		{"sqlite_no_such_table", errors.New("SQL logic error: no such table: queue_entries (1)")},
		{"message_only", errors.New(`pq: relation "queue_entries" does not exist`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("キューエントリ一覧の取得に失敗しました", tt.err)
			if !IsStoreUnavailable(err) {
				t.Errorf("ErrStoreUnavailableとして分類されるべき: %v", err)
			}
			if !strings.Contains(err.Error(), "キューエントリ一覧の取得に失敗しました") {
				t.Errorf("操作の説明が含まれるべき: %v", err)
			}
		})
	}
}

func TestClassify_OtherErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unique_violation", &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"}},
		{"context_canceled", context.Canceled},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded)},
		{"generic", errors.New("syntax error at or near")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)
			if IsStoreUnavailable(err) {
				t.Errorf("ストア不在として分類されてはならない: %v", err)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("元のエラーをラップするべき: %v", err)
			}
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	if err := classify("op", nil); err != nil {
		t.Errorf("nilはnilのまま返すべき: %v", err)
	}
}
