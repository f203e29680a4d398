package recommend

import (
	"time"

	"github.com/hitoshi/postqueue/internal/model"
)

// tableSlot は静的テーブルの1枠。時刻は組織のタイムゾーンで解釈する。
type tableSlot struct {
	Weekday time.Weekday
	Hour    int
}

// defaultTables はプラットフォームごとの推奨投稿枠。先頭ほど順位が高い。
// 各プラットフォームが公開している業界調査の傾向をもとにした設定データ。
var defaultTables = map[model.Platform][]tableSlot{
	model.PlatformTwitter: {
		{time.Wednesday, 9},
		{time.Tuesday, 9},
		{time.Thursday, 9},
		{time.Wednesday, 12},
		{time.Friday, 9},
		{time.Monday, 12},
		{time.Tuesday, 15},
		{time.Thursday, 12},
	},
	model.PlatformLinkedIn: {
		{time.Tuesday, 10},
		{time.Wednesday, 10},
		{time.Thursday, 9},
		{time.Tuesday, 8},
		{time.Wednesday, 12},
		{time.Thursday, 13},
		{time.Monday, 10},
	},
	model.PlatformFacebook: {
		{time.Wednesday, 11},
		{time.Thursday, 13},
		{time.Friday, 10},
		{time.Tuesday, 9},
		{time.Monday, 12},
		{time.Saturday, 10},
		{time.Sunday, 12},
	},
	model.PlatformInstagram: {
		{time.Wednesday, 11},
		{time.Tuesday, 14},
		{time.Friday, 10},
		{time.Thursday, 19},
		{time.Monday, 11},
		{time.Saturday, 9},
		{time.Sunday, 18},
	},
	model.PlatformTikTok: {
		{time.Tuesday, 19},
		{time.Thursday, 12},
		{time.Friday, 17},
		{time.Wednesday, 21},
		{time.Saturday, 11},
		{time.Sunday, 20},
		{time.Monday, 18},
	},
	model.PlatformYouTube: {
		{time.Friday, 15},
		{time.Saturday, 11},
		{time.Sunday, 11},
		{time.Thursday, 16},
		{time.Wednesday, 16},
		{time.Saturday, 17},
	},
}

// dayPart は時刻帯の呼び名を返す。
func dayPart(hour int) string {
	switch {
	case hour < 6:
		return "late-night"
	case hour < 9:
		return "early-morning"
	case hour < 12:
		return "mid-morning"
	case hour < 14:
		return "lunchtime"
	case hour < 17:
		return "afternoon"
	case hour < 21:
		return "evening"
	}
	return "night"
}

// tier は順位の段階を返す。上位3分の1がtop、次の3分の1がstrong。
func tier(rank, size int) string {
	switch {
	case rank*3 < size:
		return "top"
	case rank*3 < size*2:
		return "strong"
	}
	return "solid"
}

func weekPart(d time.Weekday) string {
	if d == time.Saturday || d == time.Sunday {
		return "weekend"
	}
	return "weekday"
}
