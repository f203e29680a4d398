// Package publisher はプラットフォームへの配信を行うPublisherを提供する。
// 実際のプラットフォームAPI呼び出しは外部の中継エンドポイントに委ね、
// このパッケージは配信結果を成功・一時エラー・恒久エラーに分類する。
package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/postqueue/internal/model"
)

// Publisher は1つの投稿を1つのプラットフォームへ配信する。
// 分類できないエラーは一時エラーとして扱われる。
type Publisher interface {
	Publish(ctx context.Context, postID string, platform model.Platform) error
}

// Outcome は配信結果の分類。
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	}
	return "unknown"
}

// Error は分類済みの配信エラー。
type Error struct {
	Kind Outcome
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient はリトライ可能なエラーとしてerrを包む。
func Transient(err error) error {
	return &Error{Kind: OutcomeTransient, Err: err}
}

// Permanent はリトライしても成功しないエラーとしてerrを包む。
func Permanent(err error) error {
	return &Error{Kind: OutcomePermanent, Err: err}
}

// Classify はPublishの戻り値を分類する。
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return OutcomeTransient
}
