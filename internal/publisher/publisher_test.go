package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/postqueue/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeSuccess},
		{"transient", Transient(errors.New("timeout")), OutcomeTransient},
		{"permanent", Permanent(errors.New("invalid token")), OutcomePermanent},
		{"wrapped_permanent", fmt.Errorf("publish: %w", Permanent(errors.New("gone"))), OutcomePermanent},
		{"unclassified", errors.New("boom"), OutcomeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want Outcome
	}{
		{200, OutcomeSuccess},
		{202, OutcomeSuccess},
		{204, OutcomeSuccess},
		{400, OutcomePermanent},
		{401, OutcomePermanent},
		{404, OutcomePermanent},
		{408, OutcomeTransient},
		{422, OutcomePermanent},
		{429, OutcomeTransient},
		{500, OutcomeTransient},
		{503, OutcomeTransient},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.code); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestWebhook_PublishSuccess(t *testing.T) {
	var received webhookPayload
	var contentType, idempotencyKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		idempotencyKey = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("リクエストボディのデコードに失敗: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	var buf bytes.Buffer
	w := NewWebhook(WebhookConfig{URL: ts.URL, Client: ts.Client()}, newTestLogger(&buf))

	if err := w.Publish(context.Background(), "post-1", model.PlatformLinkedIn); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if received.PostID != "post-1" || received.Platform != "linkedin" {
		t.Errorf("送信内容が一致しない: %+v", received)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if idempotencyKey != "post-1:linkedin" {
		t.Errorf("Idempotency-Key = %q", idempotencyKey)
	}
}

func TestWebhook_PublishClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Outcome
	}{
		{http.StatusBadRequest, OutcomePermanent},
		{http.StatusTooManyRequests, OutcomeTransient},
		{http.StatusBadGateway, OutcomeTransient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream said no", tt.status)
			}))
			defer ts.Close()

			var buf bytes.Buffer
			w := NewWebhook(WebhookConfig{URL: ts.URL, Client: ts.Client()}, newTestLogger(&buf))

			err := w.Publish(context.Background(), "post-1", model.PlatformTwitter)
			if got := Classify(err); got != tt.want {
				t.Fatalf("Classify = %s, want %s (err=%v)", got, tt.want, err)
			}
			var statusErr *StatusError
			if !errors.As(err, &statusErr) {
				t.Fatalf("StatusErrorであるべき: %v", err)
			}
			if statusErr.StatusCode != tt.status || !strings.Contains(statusErr.Body, "upstream said no") {
				t.Errorf("StatusErrorの内容が一致しない: %+v", statusErr)
			}
		})
	}
}

func TestWebhook_ConnectionErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	var buf bytes.Buffer
	w := NewWebhook(WebhookConfig{URL: url, Client: &http.Client{Timeout: time.Second}}, newTestLogger(&buf))

	err := w.Publish(context.Background(), "post-1", model.PlatformTwitter)
	if err == nil {
		t.Fatal("接続エラーが返るべき")
	}
	if Classify(err) != OutcomeTransient {
		t.Errorf("接続エラーは一時エラーであるべき: %v", err)
	}
}

func TestWebhook_BreakerOpensPerPlatform(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var p webhookPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		if p.Platform == "twitter" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	var buf bytes.Buffer
	var transitions []string
	w := NewWebhook(WebhookConfig{
		URL:               ts.URL,
		Client:            ts.Client(),
		BreakerFailures:   3,
		BreakerExecutions: 3,
		BreakerDelay:      time.Hour,
		OnBreakerStateChange: func(p model.Platform, from, to string) {
			transitions = append(transitions, string(p)+":"+to)
		},
	}, newTestLogger(&buf))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = w.Publish(ctx, fmt.Sprintf("post-%d", i), model.PlatformTwitter)
	}
	if got := w.BreakerState(model.PlatformTwitter); got != "open" {
		t.Fatalf("twitterのブレーカー = %s, want open", got)
	}

	before := atomic.LoadInt32(&calls)
	err := w.Publish(ctx, "post-x", model.PlatformTwitter)
	if Classify(err) != OutcomeTransient {
		t.Errorf("ブレーカー開放中は一時エラーであるべき: %v", err)
	}
	if atomic.LoadInt32(&calls) != before {
		t.Error("ブレーカー開放中はエンドポイントを呼び出してはならない")
	}

	// 他プラットフォームには影響しない
	if err := w.Publish(ctx, "post-y", model.PlatformLinkedIn); err != nil {
		t.Errorf("linkedinへの配信は成功するべき: %v", err)
	}

	if len(transitions) == 0 || transitions[0] != "twitter:open" {
		t.Errorf("状態変化の通知が一致しない: %v", transitions)
	}
	if !strings.Contains(buf.String(), "サーキットブレーカーの状態が変化しました") {
		t.Error("状態変化がログに出力されるべき")
	}
}

func TestWebhook_PermanentErrorsDoNotOpenBreaker(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	var buf bytes.Buffer
	w := NewWebhook(WebhookConfig{
		URL: ts.URL, Client: ts.Client(),
		BreakerFailures: 2, BreakerExecutions: 2, BreakerDelay: time.Hour,
	}, newTestLogger(&buf))

	for i := 0; i < 5; i++ {
		err := w.Publish(context.Background(), "post-1", model.PlatformFacebook)
		if Classify(err) != OutcomePermanent {
			t.Fatalf("恒久エラーであるべき: %v", err)
		}
	}
	if got := w.BreakerState(model.PlatformFacebook); got != "closed" {
		t.Errorf("恒久エラーではブレーカーは閉じたままであるべき: %s", got)
	}
}

func TestDryRun_LogsAndSucceeds(t *testing.T) {
	var buf bytes.Buffer
	d := NewDryRun(newTestLogger(&buf))

	if err := d.Publish(context.Background(), "post-1", model.PlatformYouTube); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("ログがJSONではない: %v", err)
	}
	if entry["post_id"] != "post-1" || entry["platform"] != "youtube" {
		t.Errorf("ログ属性が一致しない: %v", entry)
	}
}

func TestDryRun_CanceledContext(t *testing.T) {
	var buf bytes.Buffer
	d := NewDryRun(newTestLogger(&buf))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Publish(ctx, "post-1", model.PlatformYouTube); Classify(err) != OutcomeTransient {
		t.Errorf("キャンセル済みコンテキストは一時エラーであるべき: %v", err)
	}
}
