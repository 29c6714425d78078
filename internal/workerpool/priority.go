package workerpool

import (
	"time"

	"tachyon-export/internal/model"
)

// p3ForceEvery is the anti-starvation period: every p3ForceEvery-th
// pick bypasses P1/P2 entirely and goes straight to the FIFO queue, so
// a task with a steady stream of manual-resume or retry items can
// never starve its plain queued items.
const p3ForceEvery = 4

// forcesP3 reports whether the given 1-indexed pick number is the
// anti-starvation pick.
func forcesP3(pick int64) bool {
	return pick%p3ForceEvery == 0
}

// selectP1 returns the waiting, unowned item with the latest
// resume_timestamp, clearing the timestamp on pick (it only ever
// drives one selection). The caller must hold the pool's item lock.
func selectP1(task *model.Task, owned map[string]bool) *model.DownloadItem {
	var best *model.DownloadItem
	for _, it := range task.Items {
		if it.Status != model.ItemWaiting || it.ResumeTimestamp.IsZero() || owned[it.ItemID] {
			continue
		}
		if best == nil || it.ResumeTimestamp.After(best.ResumeTimestamp) {
			best = it
		}
	}
	if best != nil {
		best.ResumeTimestamp = time.Time{}
	}
	return best
}

// selectP2 returns the first waiting, unowned retry item in pool
// order. The caller must hold the pool's item lock.
func selectP2(task *model.Task, owned map[string]bool) *model.DownloadItem {
	for _, it := range task.Items {
		if it.Status == model.ItemWaiting && it.IsRetry && !owned[it.ItemID] {
			return it
		}
	}
	return nil
}
