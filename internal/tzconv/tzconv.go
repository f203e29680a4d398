// Package tzconv は組織のタイムゾーンと時刻の相互変換を提供する。
// 不明なタイムゾーン名を渡してもエラーにはせず、安全な既定値を返す。
package tzconv

import (
	"strings"
	"sync"
	"time"
	_ "time/tzdata"
)

// locationCache はtime.LoadLocationの結果をキャッシュする。
// 不明なゾーンもnilとして記録し、zoneinfoの再探索を避ける。
var locationCache sync.Map // map[string]*time.Location

// Location は指定ゾーンのtime.Locationを返す。
// 認識できないゾーン名の場合は (nil, false) を返す。
// 空文字列は暗黙のUTCとして扱わず、認識できないゾーンとする。
func Location(zone string) (*time.Location, bool) {
	zone = strings.TrimSpace(zone)
	if zone == "" {
		return nil, false
	}
	if v, ok := locationCache.Load(zone); ok {
		loc, _ := v.(*time.Location)
		return loc, loc != nil
	}

	loc, err := time.LoadLocation(zone)
	if err != nil || strings.EqualFold(zone, "local") {
		// "Local" はホスト依存のため組織タイムゾーンとしては受け付けない
		locationCache.Store(zone, (*time.Location)(nil))
		return nil, false
	}
	locationCache.Store(zone, loc)
	return loc, true
}

// ConvertToTimezone はtを指定ゾーンの壁時計表現に変換する。
// 瞬間そのものは変わらない。認識できないゾーンの場合はtをそのまま返す。
func ConvertToTimezone(t time.Time, zone string) time.Time {
	loc, ok := Location(zone)
	if !ok {
		return t
	}
	return t.In(loc)
}

// GetTimezoneOffset はnow時点での指定ゾーンのUTCオフセットを分単位で返す。
// 認識できないゾーンの場合は0を返す。
func GetTimezoneOffset(zone string, now time.Time) int {
	loc, ok := Location(zone)
	if !ok {
		return 0
	}
	_, offsetSec := now.In(loc).Zone()
	return offsetSec / 60
}

// Offset は現在時刻での指定ゾーンのUTCオフセットを分単位で返す。
func Offset(zone string) int {
	return GetTimezoneOffset(zone, time.Now())
}

// LocationOrUTC は指定ゾーンのLocationを返し、認識できない場合はUTCを返す。
func LocationOrUTC(zone string) *time.Location {
	if loc, ok := Location(zone); ok {
		return loc
	}
	return time.UTC
}
