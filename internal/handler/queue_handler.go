package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/postqueue/internal/model"
	"github.com/hitoshi/postqueue/internal/queue"
	"github.com/hitoshi/postqueue/internal/worker/dispatch"
)

// QueueServiceInterface はキューハンドラーが必要とするサービスインターフェース。
// queue.Serviceが実装する。
type QueueServiceInterface interface {
	AddToQueue(ctx context.Context, req queue.AddRequest) (*queue.AddResult, error)
	RemoveFromQueue(ctx context.Context, id string) (*queue.RemoveResult, error)
	ReschedulePost(ctx context.Context, id string, newTime time.Time) (*model.QueueEntry, error)
	GetQueuedPosts(ctx context.Context, filter model.QueueFilter) (*queue.ListResult, error)
	GetQueueStats(ctx context.Context) (*queue.StatsResult, error)
	BulkUpdatePriority(ctx context.Context, ids []string, priority model.Priority) (*queue.CountResult, error)
	ClearOldCompletedItems(ctx context.Context, retentionDays int) (*queue.CountResult, error)
	ProcessQueue(ctx context.Context) (dispatch.ProcessResult, error)
}

// QueueHandler は配信キューのHTTPハンドラー。
type QueueHandler struct {
	service QueueServiceInterface
}

// NewQueueHandler はQueueHandlerを生成する。
func NewQueueHandler(service QueueServiceInterface) *QueueHandler {
	return &QueueHandler{service: service}
}

// queueEntryResponse はキューエントリのAPIレスポンス。
type queueEntryResponse struct {
	ID            string     `json:"id"`
	PostID        string     `json:"post_id"`
	Platform      string     `json:"platform"`
	ScheduledTime time.Time  `json:"scheduled_time"`
	Priority      string     `json:"priority"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	Simulated     bool       `json:"simulated,omitempty"`
}

func toQueueEntryResponse(e *model.QueueEntry) queueEntryResponse {
	return queueEntryResponse{
		ID:            e.ID,
		PostID:        e.PostID,
		Platform:      string(e.Platform),
		ScheduledTime: e.ScheduledTime,
		Priority:      string(e.Priority),
		Status:        string(e.Status),
		RetryCount:    e.RetryCount,
		LastError:     e.LastError,
		NextAttemptAt: e.NextAttemptAt,
		CompletedAt:   e.CompletedAt,
		CreatedAt:     e.CreatedAt,
		Simulated:     e.Simulated,
	}
}

// addToQueueRequest は予約登録リクエストのボディ。
type addToQueueRequest struct {
	PostID         string    `json:"post_id"`
	Platforms      []string  `json:"platforms"`
	ScheduledTime  time.Time `json:"scheduled_time"`
	Priority       string    `json:"priority"`
	AllowDuplicate bool      `json:"allow_duplicate"`
}

type addToQueueResponse struct {
	Success      bool                 `json:"success"`
	QueueItems   []queueEntryResponse `json:"queue_items"`
	DegradedMode bool                 `json:"degraded_mode"`
	Message      string               `json:"message,omitempty"`
}

type queueListResponse struct {
	Items        []queueEntryResponse `json:"items"`
	Count        int                  `json:"count"`
	DegradedMode bool                 `json:"degraded_mode"`
}

type queueStatsResponse struct {
	Total        int                    `json:"total"`
	ByStatus     map[model.Status]int   `json:"by_status"`
	ByPlatform   map[model.Platform]int `json:"by_platform"`
	ByPriority   map[model.Priority]int `json:"by_priority"`
	DegradedMode bool                   `json:"degraded_mode"`
}

type rescheduleRequest struct {
	ScheduledTime time.Time `json:"scheduled_time"`
}

type removeResponse struct {
	Success      bool `json:"success"`
	Removed      bool `json:"removed"`
	DegradedMode bool `json:"degraded_mode"`
}

type bulkPriorityRequest struct {
	IDs      []string `json:"ids"`
	Priority string   `json:"priority"`
}

type countResponse struct {
	Count        int  `json:"count"`
	DegradedMode bool `json:"degraded_mode"`
}

type processResponse struct {
	ProcessedCount int `json:"processed_count"`
	FailedCount    int `json:"failed_count"`
	RetriedCount   int `json:"retried_count"`
	SkippedCount   int `json:"skipped_count"`
}

// AddToQueue は投稿を指定プラットフォームへの配信キューに登録する。
// POST /api/queue
// 縮退モードでは永続化されていないため202を返す。
func (h *QueueHandler) AddToQueue(w http.ResponseWriter, r *http.Request) {
	var req addToQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	platforms := make([]model.Platform, len(req.Platforms))
	for i, v := range req.Platforms {
		p, err := model.ParsePlatform(v)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		platforms[i] = p
	}

	var priority model.Priority
	if req.Priority != "" {
		p, err := model.ParsePriority(req.Priority)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		priority = p
	}

	result, err := h.service.AddToQueue(r.Context(), queue.AddRequest{
		PostID:         req.PostID,
		Platforms:      platforms,
		ScheduledTime:  req.ScheduledTime,
		Priority:       priority,
		AllowDuplicate: req.AllowDuplicate,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	items := make([]queueEntryResponse, len(result.QueueItems))
	for i := range result.QueueItems {
		items[i] = toQueueEntryResponse(&result.QueueItems[i])
	}

	status := http.StatusCreated
	if result.DegradedMode {
		status = http.StatusAccepted
	}
	writeJSON(w, status, addToQueueResponse{
		Success:      result.Success,
		QueueItems:   items,
		DegradedMode: result.DegradedMode,
		Message:      result.Message,
	})
}

// ListQueue はキュー一覧を返す。
// GET /api/queue?status=pending,processing&platform=twitter&from=...&to=...
func (h *QueueHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	filter, err := parseQueueFilter(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	result, err := h.service.GetQueuedPosts(r.Context(), filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	items := make([]queueEntryResponse, len(result.Items))
	for i, e := range result.Items {
		items[i] = toQueueEntryResponse(e)
	}
	writeJSON(w, http.StatusOK, queueListResponse{
		Items:        items,
		Count:        len(items),
		DegradedMode: result.DegradedMode,
	})
}

// parseQueueFilter は一覧取得のクエリパラメータを解析する。
// statusは繰り返し指定とカンマ区切りの両方を受け付ける。大文字小文字は区別しない。
func parseQueueFilter(r *http.Request) (model.QueueFilter, error) {
	q := r.URL.Query()
	var filter model.QueueFilter

	for _, v := range q["status"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			st, err := model.ParseStatus(s)
			if err != nil {
				return filter, err
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}

	if v := q.Get("platform"); v != "" {
		platform, err := model.ParsePlatform(v)
		if err != nil {
			return filter, err
		}
		filter.Platform = &platform
	}

	for _, bound := range []struct {
		key string
		dst **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		v := q.Get(bound.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, model.NewInvalidRequestError(bound.key + " はRFC3339形式で指定してください")
		}
		t = t.UTC()
		*bound.dst = &t
	}

	return filter, nil
}

// GetQueueStats はキューの集計を返す。
// GET /api/queue/stats
func (h *QueueHandler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.GetQueueStats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, queueStatsResponse{
		Total:        result.Total,
		ByStatus:     result.ByStatus,
		ByPlatform:   result.ByPlatform,
		ByPriority:   result.ByPriority,
		DegradedMode: result.DegradedMode,
	})
}

// Reschedule はpendingのエントリの予約日時を変更する。
// PUT /api/queue/{id}/schedule
func (h *QueueHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	entry, err := h.service.ReschedulePost(r.Context(), id, req.ScheduledTime)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toQueueEntryResponse(entry))
}

// Remove はエントリを削除する。
// DELETE /api/queue/{id}
func (h *QueueHandler) Remove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.service.RemoveFromQueue(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if !result.Removed && !result.DegradedMode {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewQueueItemNotFoundError(id))
		return
	}

	writeJSON(w, http.StatusOK, removeResponse{
		Success:      result.Success,
		Removed:      result.Removed,
		DegradedMode: result.DegradedMode,
	})
}

// BulkUpdatePriority は複数エントリの優先度を一括更新する。
// PUT /api/queue/priority
func (h *QueueHandler) BulkUpdatePriority(w http.ResponseWriter, r *http.Request) {
	var req bulkPriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	priority, err := model.ParsePriority(req.Priority)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	result, err := h.service.BulkUpdatePriority(r.Context(), req.IDs, priority)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, countResponse{Count: result.Count, DegradedMode: result.DegradedMode})
}

// ClearOldCompleted は保持期間を過ぎた完了エントリを削除する。
// POST /api/queue/cleanup?retention_days=30
func (h *QueueHandler) ClearOldCompleted(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("retention_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("retention_days は1以上の整数で指定してください"))
			return
		}
		days = n
	}

	result, err := h.service.ClearOldCompletedItems(r.Context(), days)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, countResponse{Count: result.Count, DegradedMode: result.DegradedMode})
}

// ProcessQueue は配信サイクルを1回実行する。
// POST /api/queue/process
func (h *QueueHandler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ProcessQueue(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, processResponse{
		ProcessedCount: result.ProcessedCount,
		FailedCount:    result.FailedCount,
		RetriedCount:   result.RetriedCount,
		SkippedCount:   result.SkippedCount,
	})
}
