package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/hitoshi/postqueue/internal/model"
)

// StatusError は中継エンドポイントが返した非2xxのHTTPステータス。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

// ClassifyStatus はHTTPステータスコードを配信結果に分類する。
// 2xxは成功、408・429・5xxは一時エラー、その他の4xxは恒久エラー。
func ClassifyStatus(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSuccess
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return OutcomeTransient
	case code >= 400:
		return OutcomePermanent
	}
	// 1xx・3xxはリダイレクト追跡後にしか現れないため一時エラー扱い
	return OutcomeTransient
}

// BreakerStateFunc はサーキットブレーカーの状態変化を通知するコールバック。
type BreakerStateFunc func(platform model.Platform, from, to string)

// WebhookConfig はWebhookの設定。
type WebhookConfig struct {
	URL    string
	Client *http.Client

	// サーキットブレーカー: BreakerExecutions回中BreakerFailures回の一時エラーで開き、
	// BreakerDelay経過後に半開状態へ移る。
	BreakerFailures   uint
	BreakerExecutions uint
	BreakerDelay      time.Duration

	OnBreakerStateChange BreakerStateFunc
}

// webhookPayload は中継エンドポイントへ送るリクエストボディ。
type webhookPayload struct {
	PostID      string    `json:"post_id"`
	Platform    string    `json:"platform"`
	RequestedAt time.Time `json:"requested_at"`
}

// maxErrorBodySize はエラー応答から読み取る本文の上限。
const maxErrorBodySize = 1024

// Webhook は配信要求をHTTPエンドポイントへ中継するPublisher。
// プラットフォームごとにサーキットブレーカーを持ち、
// 障害中のプラットフォームへの呼び出しを即座に一時エラーとして返す。
type Webhook struct {
	cfg    WebhookConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[model.Platform]circuitbreaker.CircuitBreaker[any]
}

// NewWebhook はWebhookを生成する。
func NewWebhook(cfg WebhookConfig, logger *slog.Logger) *Webhook {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.BreakerExecutions == 0 {
		cfg.BreakerExecutions = 10
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerFailures > cfg.BreakerExecutions {
		cfg.BreakerFailures = cfg.BreakerExecutions
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = 30 * time.Second
	}
	return &Webhook{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[model.Platform]circuitbreaker.CircuitBreaker[any]),
	}
}

func breakerStateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	}
	return "unknown"
}

func (w *Webhook) breakerFor(platform model.Platform) circuitbreaker.CircuitBreaker[any] {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cb, ok := w.breakers[platform]; ok {
		return cb
	}

	cb := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(w.cfg.BreakerFailures, w.cfg.BreakerExecutions).
		WithDelay(w.cfg.BreakerDelay).
		WithSuccessThreshold(1).
		// 恒久エラーはエンドポイント自体は応答しているため障害として数えない
		HandleIf(func(_ any, err error) bool {
			return err != nil && Classify(err) == OutcomeTransient
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			from := breakerStateName(event.OldState)
			to := breakerStateName(event.NewState)
			w.logger.Warn("サーキットブレーカーの状態が変化しました",
				slog.String("platform", string(platform)),
				slog.String("from_state", from),
				slog.String("to_state", to),
			)
			if w.cfg.OnBreakerStateChange != nil {
				w.cfg.OnBreakerStateChange(platform, from, to)
			}
		}).
		Build()

	w.breakers[platform] = cb
	return cb
}

// BreakerState はプラットフォームのサーキットブレーカーの状態名を返す。
func (w *Webhook) BreakerState(platform model.Platform) string {
	return breakerStateName(w.breakerFor(platform).State())
}

// Publish は配信要求を中継エンドポイントへ送信する。
func (w *Webhook) Publish(ctx context.Context, postID string, platform model.Platform) error {
	cb := w.breakerFor(platform)

	_, err := failsafe.With[any](cb).WithContext(ctx).Get(func() (any, error) {
		return nil, w.send(ctx, postID, platform)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return Transient(fmt.Errorf("%s のサーキットブレーカーが開いています: %w", platform, err))
	}
	return err
}

func (w *Webhook) send(ctx context.Context, postID string, platform model.Platform) error {
	body, err := json.Marshal(webhookPayload{
		PostID:      postID,
		Platform:    string(platform),
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return Permanent(fmt.Errorf("リクエストボディの生成に失敗しました: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("リクエストの生成に失敗しました: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "postqueue/1.0")
	req.Header.Set("Idempotency-Key", postID+":"+string(platform))

	resp, err := w.cfg.Client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("中継エンドポイントへの送信に失敗しました: %w", err))
	}
	defer resp.Body.Close()

	outcome := ClassifyStatus(resp.StatusCode)
	if outcome == OutcomeSuccess {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	if outcome == OutcomePermanent {
		return Permanent(statusErr)
	}
	return Transient(statusErr)
}

var _ Publisher = (*Webhook)(nil)
