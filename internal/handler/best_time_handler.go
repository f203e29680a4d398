package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/postqueue/internal/model"
	"github.com/hitoshi/postqueue/internal/tzconv"
)

// defaultLookaheadDays はdays未指定時の先読み日数。
const defaultLookaheadDays = 7

// BestTimeServiceInterface は推奨投稿時刻の算出を行うサービスインターフェース。
// recommend.Recommenderが実装する。
type BestTimeServiceInterface interface {
	GetBestPostTimes(ctx context.Context, platform model.Platform, lookaheadDays int) ([]model.PostingSlotScore, error)
}

// BestTimeHandler は推奨投稿時刻と組織タイムゾーンのHTTPハンドラー。
type BestTimeHandler struct {
	service  BestTimeServiceInterface
	timezone string
	now      func() time.Time
}

// NewBestTimeHandler はBestTimeHandlerを生成する。timezoneは組織の既定タイムゾーン。
func NewBestTimeHandler(service BestTimeServiceInterface, timezone string) *BestTimeHandler {
	return &BestTimeHandler{
		service:  service,
		timezone: timezone,
		now:      time.Now,
	}
}

type slotScoreResponse struct {
	Date      time.Time `json:"date"`
	LocalDate string    `json:"local_date"`
	Score     float64   `json:"score"`
	Reason    string    `json:"reason"`
}

type bestTimesResponse struct {
	Platform string              `json:"platform"`
	Timezone string              `json:"timezone"`
	Days     int                 `json:"days"`
	Slots    []slotScoreResponse `json:"slots"`
}

type timezoneResponse struct {
	Zone          string `json:"zone"`
	Recognized    bool   `json:"recognized"`
	OffsetMinutes int    `json:"offset_minutes"`
	LocalTime     string `json:"local_time"`
}

// GetBestTimes は推奨投稿時刻をスコアの高い順に返す。
// GET /api/best-times/{platform}?days=7
func (h *BestTimeHandler) GetBestTimes(w http.ResponseWriter, r *http.Request) {
	platform, err := model.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	days := defaultLookaheadDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("days は整数で指定してください"))
			return
		}
		days = n
	}

	slots, err := h.service.GetBestPostTimes(r.Context(), platform, days)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := bestTimesResponse{
		Platform: string(platform),
		Timezone: h.timezone,
		Days:     days,
		Slots:    make([]slotScoreResponse, len(slots)),
	}
	for i, s := range slots {
		resp.Slots[i] = slotScoreResponse{
			Date:      s.Date,
			LocalDate: tzconv.ConvertToTimezone(s.Date, h.timezone).Format(time.RFC3339),
			Score:     s.Score,
			Reason:    s.Reason,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTimezone はタイムゾーンの現在のUTCオフセットを返す。
// 認識できないゾーンでもエラーにせず、recognized=false・オフセット0で応答する。
// GET /api/timezone?zone=Asia/Tokyo
func (h *BestTimeHandler) GetTimezone(w http.ResponseWriter, r *http.Request) {
	zone := r.URL.Query().Get("zone")
	if zone == "" {
		zone = h.timezone
	}

	now := h.now()
	_, recognized := tzconv.Location(zone)
	writeJSON(w, http.StatusOK, timezoneResponse{
		Zone:          zone,
		Recognized:    recognized,
		OffsetMinutes: tzconv.GetTimezoneOffset(zone, now),
		LocalTime:     tzconv.ConvertToTimezone(now, zone).Format(time.RFC3339),
	})
}
