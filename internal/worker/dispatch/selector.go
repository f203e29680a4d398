package dispatch

import (
	"time"

	"github.com/hitoshi/postqueue/internal/model"
)

// SelectDue はnow時点で配信対象のエントリをスケジューラの並び順で返す。
// 入力の順序は同順位のエントリの並びとして維持される。
func SelectDue(entries []*model.QueueEntry, now time.Time) []*model.QueueEntry {
	due := make([]*model.QueueEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDue(now) {
			due = append(due, e)
		}
	}
	model.SortEntries(due)
	return due
}

// platformBatch は1プラットフォーム分の配信対象。
type platformBatch struct {
	platform model.Platform
	entries  []*model.QueueEntry
}

// groupByPlatform は並び順を保ったままプラットフォームごとに分割する。
// プラットフォームの順序は最初に現れた順。
func groupByPlatform(entries []*model.QueueEntry) []platformBatch {
	index := make(map[model.Platform]int)
	var batches []platformBatch
	for _, e := range entries {
		i, ok := index[e.Platform]
		if !ok {
			i = len(batches)
			index[e.Platform] = i
			batches = append(batches, platformBatch{platform: e.Platform})
		}
		batches[i].entries = append(batches[i].entries, e)
	}
	return batches
}
