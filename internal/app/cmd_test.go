package app

import (
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{"引数なしはserve", []string{}, CommandServe},
		{"nilはserve", nil, CommandServe},
		{"serve", []string{"serve"}, CommandServe},
		{"worker", []string{"worker"}, CommandWorker},
		{"migrate", []string{"migrate"}, CommandMigrate},
		{"cleanup", []string{"cleanup"}, CommandCleanup},
		{"healthcheck", []string{"healthcheck"}, CommandHealthcheck},
		{"未知のコマンドはserve", []string{"dispatch"}, CommandServe},
		{"大文字は未知扱い", []string{"Worker"}, CommandServe},
		{"余分な引数は無視", []string{"cleanup", "--dry-run"}, CommandCleanup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseCommand(tt.args); got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestCommand_RoundTrip(t *testing.T) {
	for _, cmd := range []Command{CommandServe, CommandWorker, CommandMigrate, CommandCleanup, CommandHealthcheck} {
		if got := ParseCommand([]string{string(cmd)}); got != cmd {
			t.Errorf("ParseCommand(%q) = %q", cmd, got)
		}
	}
}
