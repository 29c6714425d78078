package workerpool

import (
	"context"
	"testing"
	"time"

	"tachyon-export/internal/congestion"
	"tachyon-export/internal/model"
)

func newTestPool(items []*model.DownloadItem) *Pool {
	task := &model.Task{
		ID:      "task-1",
		Status:  model.TaskRunning,
		Items:   items,
		Options: model.Options{MaxConcurrentDownloads: 3, ParallelChunkConnections: 3},
	}
	p := &Pool{
		task:    task,
		runtime: newRuntime(16),
		workers: make(map[int]context.CancelFunc),
	}
	p.controller = congestion.New(task.Options.MaxConcurrentDownloads, nil)
	return p
}

func drainQueue(r *Runtime) []string {
	var out []string
	for {
		select {
		case id := <-r.queue:
			if id == nil {
				out = append(out, "<nil>")
			} else {
				out = append(out, *id)
			}
		default:
			return out
		}
	}
}

func TestPoolPauseSetsStatusAndInterrupts(t *testing.T) {
	p := newTestPool(nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.runtime.register("x", cancel)

	p.Pause()

	if p.task.Status != model.TaskPaused {
		t.Fatalf("expected TaskPaused, got %v", p.task.Status)
	}
	if !p.runtime.isPausedGlobally() {
		t.Fatalf("expected runtime paused globally")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("expected owned worker context cancelled")
	}
}

func TestPoolResumeRequeuesFailedAndPausedInOrder(t *testing.T) {
	failed := &model.DownloadItem{ItemID: "f", MessageID: 20, Status: model.ItemFailed, Progress: 50, DownloadedSize: 100}
	paused := &model.DownloadItem{ItemID: "p", MessageID: 10, Status: model.ItemPaused}
	retryPaused := &model.DownloadItem{ItemID: "r", MessageID: 5, Status: model.ItemPaused, IsRetry: true}
	done := &model.DownloadItem{ItemID: "d", MessageID: 1, Status: model.ItemCompleted}

	p := newTestPool([]*model.DownloadItem{failed, paused, retryPaused, done})
	p.task.Status = model.TaskPaused

	p.Resume()

	if p.task.Status != model.TaskRunning {
		t.Fatalf("expected TaskRunning, got %v", p.task.Status)
	}
	if failed.Status != model.ItemWaiting || failed.Progress != 0 || failed.DownloadedSize != 0 {
		t.Fatalf("expected failed item reset to waiting with zero progress, got %+v", failed)
	}
	if paused.Status != model.ItemWaiting {
		t.Fatalf("expected paused item set to waiting")
	}

	// Non-retry items first ordered by message id, then retry items by
	// message id: paused(10), failed(20), retryPaused(5).
	got := drainQueue(p.runtime)
	want := []string{"p", "f", "r"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestPoolResumeResetsCountersFromTerminalState(t *testing.T) {
	p := newTestPool(nil)
	p.task.Status = model.TaskFailed
	p.task.DownloadedMedia = 7
	p.task.DownloadedSize = 12345

	p.Resume()

	if p.task.DownloadedMedia != 0 || p.task.DownloadedSize != 0 {
		t.Fatalf("expected counters reset, got media=%d size=%d", p.task.DownloadedMedia, p.task.DownloadedSize)
	}
}

func TestPoolResumeItemOnTerminalTaskRestartsWholeTask(t *testing.T) {
	it := &model.DownloadItem{ItemID: "a", MessageID: 1, Status: model.ItemPaused}
	p := newTestPool([]*model.DownloadItem{it})
	p.task.Status = model.TaskCompleted

	p.ResumeItem("a")

	if p.task.Status != model.TaskRunning {
		t.Fatalf("expected task restarted to Running, got %v", p.task.Status)
	}
	got := drainQueue(p.runtime)
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected item a requeued, got %v", got)
	}
}

func TestPoolResumeItemOnRunningTaskJustRequeues(t *testing.T) {
	it := &model.DownloadItem{ItemID: "a", MessageID: 1, Status: model.ItemPaused}
	p := newTestPool([]*model.DownloadItem{it})

	p.ResumeItem("a")

	if it.Status != model.ItemWaiting {
		t.Fatalf("expected item waiting, got %v", it.Status)
	}
	if it.ResumeTimestamp.IsZero() {
		t.Fatalf("expected resume timestamp set for P1 priority")
	}
	got := drainQueue(p.runtime)
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected item a requeued, got %v", got)
	}
}

func TestPoolRetryItemMarksRetryAndRequeues(t *testing.T) {
	it := &model.DownloadItem{ItemID: "a", Status: model.ItemFailed, Progress: 40, LastError: "boom"}
	p := newTestPool([]*model.DownloadItem{it})

	p.RetryItem("a")

	if it.Status != model.ItemWaiting || !it.IsRetry || it.Progress != 0 || it.LastError != "" {
		t.Fatalf("unexpected item state after retry: %+v", it)
	}
	got := drainQueue(p.runtime)
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected item a requeued, got %v", got)
	}
}

func TestPoolRetryAllFailedRequeuesOnlyFailedItems(t *testing.T) {
	f1 := &model.DownloadItem{ItemID: "f1", Status: model.ItemFailed}
	f2 := &model.DownloadItem{ItemID: "f2", Status: model.ItemFailed}
	ok := &model.DownloadItem{ItemID: "ok", Status: model.ItemCompleted}
	p := newTestPool([]*model.DownloadItem{f1, f2, ok})

	p.RetryAllFailed()

	got := drainQueue(p.runtime)
	if len(got) != 2 {
		t.Fatalf("expected 2 requeued items, got %v", got)
	}
	if !f1.IsRetry || !f2.IsRetry {
		t.Fatalf("expected failed items marked as retry")
	}
}

func TestPoolCancelItemMarksSkippedAndInterrupts(t *testing.T) {
	it := &model.DownloadItem{ItemID: "a", Status: model.ItemDownloading}
	p := newTestPool([]*model.DownloadItem{it})
	ctx, cancel := context.WithCancel(context.Background())
	p.runtime.register("a", cancel)

	p.CancelItem("a")

	if it.Status != model.ItemSkipped {
		t.Fatalf("expected item skipped, got %v", it.Status)
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("expected owning worker interrupted")
	}
}

func TestPoolAdjustConcurrencyClampsAndPrimesQueue(t *testing.T) {
	var waiting []*model.DownloadItem
	for i := 0; i < 10; i++ {
		waiting = append(waiting, &model.DownloadItem{ItemID: string(rune('a' + i)), Status: model.ItemWaiting})
	}
	p := newTestPool(waiting)

	p.AdjustConcurrency(50, 99)

	if p.task.Options.MaxConcurrentDownloads != 20 {
		t.Fatalf("expected clamp to 20, got %d", p.task.Options.MaxConcurrentDownloads)
	}
	if p.task.Options.ParallelChunkConnections != 8 {
		t.Fatalf("expected clamp to 8, got %d", p.task.Options.ParallelChunkConnections)
	}
	got := drainQueue(p.runtime)
	if len(got) != primeExtraOnGrow {
		t.Fatalf("expected %d primed items, got %d", primeExtraOnGrow, len(got))
	}
}

func TestStartupGateSkipsWaitWhenGapAlreadyElapsed(t *testing.T) {
	var g startupGate
	g.last = time.Now().Add(-time.Hour)
	if err := g.wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStartupGateRespectsContextCancellation(t *testing.T) {
	var g startupGate
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.wait(ctx); err == nil {
		t.Fatalf("expected context cancellation error")
	}
}
