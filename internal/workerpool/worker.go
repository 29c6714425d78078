package workerpool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tachyon-export/internal/chunkdownload"
	"tachyon-export/internal/model"
	"tachyon-export/internal/mtclient"
	"tachyon-export/internal/retrypolicy"
)

// stuckTimeout is how long a download may go without any byte growth
// before it's killed as stuck and failed non-retryably.
const stuckTimeout = 600 * time.Second

// stuckPollInterval is how often the stuck watcher checks.
const stuckPollInterval = 5 * time.Second

// worker is one slot in a task's Download Worker Pool: index is its
// position against the current max_concurrent_downloads target, used
// by the reconciliation loop's elastic shrink.
type worker struct {
	index int
	pool  *Pool
}

// run is the worker's main loop: wait for the startup gate, then
// repeatedly pick an item by priority and download it, until its
// index falls outside the task's target concurrency or the task ends.
func (w *worker) run(ctx context.Context) {
	if err := w.pool.startup.wait(ctx); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.pool.mu.Lock()
		status := w.pool.task.Status
		target := w.pool.task.Options.MaxConcurrentDownloads
		w.pool.mu.Unlock()

		if status == model.TaskCancelled {
			return
		}
		if w.index >= target {
			return
		}
		if status == model.TaskPaused || w.pool.runtime.isPausedGlobally() {
			if sleepCtx(ctx, pausedPollDelay) {
				return
			}
			continue
		}

		itemID, exit := w.selectItem(ctx)
		if exit {
			return
		}
		if itemID == "" {
			continue
		}
		w.runItem(ctx, itemID)
	}
}

// selectItem implements the pool's 3-level priority pick: P1
// (manual-resume, latest resume_timestamp first), P2 (first waiting
// retry), then P3 (plain FIFO dequeue, blocking). Every p3ForceEvery-th
// pick skips straight to P3 so a steady stream of P1/P2 arrivals can't
// starve the plain queue. exit is true when the FIFO yielded the
// drain sentinel or ctx ended.
func (w *worker) selectItem(ctx context.Context) (itemID string, exit bool) {
	pick := w.pool.runtime.nextPick()
	if !forcesP3(pick) {
		w.pool.mu.Lock()
		owned := w.pool.runtime.ownedSet()
		if it := selectP1(w.pool.task, owned); it != nil {
			id := it.ItemID
			w.pool.mu.Unlock()
			return id, false
		}
		if it := selectP2(w.pool.task, owned); it != nil {
			id := it.ItemID
			w.pool.mu.Unlock()
			return id, false
		}
		w.pool.mu.Unlock()
	}

	select {
	case <-ctx.Done():
		return "", true
	case id := <-w.pool.runtime.queue:
		if id == nil {
			return "", true
		}
		return *id, false
	}
}

// runItem waits at the admission gate, registers ownership, downloads
// the item, and always releases ownership on return so a concurrent
// pause_item/cancel_item can find the worker again on its next pick.
func (w *worker) runItem(ctx context.Context, itemID string) {
	// Admission gate: hold the picked item while the task already owns
	// as many items as the adaptive concurrency ceiling allows.
	for w.pool.runtime.ownerCount() >= w.pool.controller.Ceiling() {
		if sleepCtx(ctx, 500*time.Millisecond) {
			return
		}
	}
	itemCtx, cancel := context.WithCancel(ctx)
	w.pool.runtime.register(itemID, cancel)
	defer func() {
		w.pool.runtime.unregister(itemID)
		cancel()
	}()
	w.download(itemCtx, itemID)
}

// download fetches one item end to end: resolve chat and message,
// pick the transfer strategy, retry under the task's policy, verify
// size on success, then atomically move into place.
func (w *worker) download(ctx context.Context, itemID string) {
	pool := w.pool

	pool.mu.Lock()
	it := pool.task.FindItem(itemID)
	pool.mu.Unlock()
	if it == nil {
		return
	}

	// A manual pause/cancel that raced the pick lands here as an
	// already-non-waiting item; nothing to do.
	if it.Status == model.ItemPaused || it.Status == model.ItemSkipped {
		return
	}

	chat, err := pool.deps.ResolveChat(it.ChatID)
	if err != nil {
		w.fail(it, fmt.Errorf("resolve chat %d: %w", it.ChatID, err))
		return
	}

	msg, err := pool.deps.Client.GetMessageByID(ctx, chat, it.MessageID)
	if err != nil || msg == nil || msg.Media == nil {
		w.fail(it, errors.New("cannot fetch message"))
		return
	}
	media := msg.Media

	pool.mu.Lock()
	it.Status = model.ItemDownloading
	if it.FileSize == 0 {
		it.FileSize = media.FileSize
	}
	pool.mu.Unlock()
	pool.notify()

	var growthMu sync.Mutex
	lastGrowth := time.Now()
	var lastSpeedAt time.Time
	var lastSpeedBytes int64

	stuckCtx, stuckCancel := context.WithCancelCause(ctx)
	defer stuckCancel(nil)
	go w.watchStuck(stuckCtx, stuckCancel, &growthMu, &lastGrowth)

	progress := func(written, total int64) {
		pool.mu.Lock()
		grew := written > it.DownloadedSize
		if grew {
			it.DownloadedSize = written
		}
		if total > 0 {
			it.Progress = float64(written) / float64(total) * 100
		}
		now := time.Now()
		if lastSpeedAt.IsZero() {
			lastSpeedAt = now
			lastSpeedBytes = written
		} else if d := now.Sub(lastSpeedAt); d >= time.Second {
			it.Speed = float64(written-lastSpeedBytes) / d.Seconds()
			lastSpeedAt = now
			lastSpeedBytes = written
		}
		manuallyPaused := it.IsManuallyPaused
		pool.mu.Unlock()

		if manuallyPaused {
			stuckCancel(context.Canceled)
			return
		}
		if grew {
			growthMu.Lock()
			lastGrowth = now
			growthMu.Unlock()
		}
		pool.notify()
	}

	tmp := w.tempPath(it)
	if err := os.MkdirAll(filepath.Dir(tmp), 0o777); err != nil {
		w.fail(it, fmt.Errorf("prepare temp dir: %w", err))
		return
	}
	if pool.deps.Allocator != nil && media.FileSize > 0 {
		if err := pool.deps.Allocator.CheckSpace(tmp, media.FileSize); err != nil {
			w.fail(it, fmt.Errorf("%w: %v", retrypolicy.ErrDisk, err))
			return
		}
	}

	onFloodWait := func(seconds int) {
		ceiling, changed := pool.controller.RecordFloodWait()
		if pool.deps.Client != nil {
			pool.deps.Client.SetMaxConcurrentTransmissions(ceiling)
		}
		if changed {
			w.demoteOverflow(ceiling)
		}
	}

	refetch := func() error {
		fresh, rerr := pool.deps.Client.RefreshMedia(ctx, chat, it.MessageID)
		if rerr != nil {
			return rerr
		}
		media = fresh
		return nil
	}

	attempt := func() error {
		var derr error
		switch {
		case pool.task.Options.UseExternalDownloader && pool.deps.Batcher != nil:
			derr = pool.deps.Batcher.Submit(stuckCtx, pool.task.ID, BatchItem{ChatID: it.ChatID, MessageID: it.MessageID}, filepath.Dir(tmp))
		case chunkdownload.ShouldParallelize(media.FileSize, pool.task.Options.EnableParallelChunk, pool.task.Options.ParallelChunkConnections):
			_, derr = pool.deps.ChunkDL.Download(stuckCtx, media.Location, tmp, media.FileSize, pool.task.Options.ParallelChunkConnections, progress)
		default:
			derr = pool.deps.Client.DownloadMedia(stuckCtx, media, tmp, progress)
		}
		if derr != nil && stuckCtx.Err() != nil {
			if cause := context.Cause(stuckCtx); cause != nil {
				return cause
			}
		}
		return derr
	}

	retryDelay := time.Duration(pool.task.Options.RetryDelaySeconds) * time.Second
	err = retrypolicy.Attempt(ctx, pool.task.Options.MaxDownloadRetries, retryDelay, onFloodWait, refetch, func() error {
		return wrapFloodWait(attempt())
	})

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		_ = os.Remove(tmp)
		w.fail(it, err)
		return
	}

	ceiling, _ := pool.controller.RecordSuccess()
	pool.deps.Client.SetMaxConcurrentTransmissions(ceiling)

	info, statErr := os.Stat(tmp)
	if statErr != nil {
		w.fail(it, fmt.Errorf("%w: %v", retrypolicy.ErrIntegrity, statErr))
		return
	}
	if info.Size() == 0 || (it.FileSize > 0 && info.Size() != it.FileSize) {
		_ = os.Remove(tmp)
		w.fail(it, fmt.Errorf("%w: expected %d bytes, got %d", retrypolicy.ErrIntegrity, it.FileSize, info.Size()))
		return
	}

	final := w.finalPath(it)
	if err := os.MkdirAll(filepath.Dir(final), 0o777); err != nil {
		w.fail(it, fmt.Errorf("prepare final dir: %w", err))
		return
	}
	if err := os.Rename(tmp, final); err != nil {
		w.fail(it, fmt.Errorf("move to final path: %w", err))
		return
	}

	pool.mu.Lock()
	it.FinalPath = final
	it.Status = model.ItemCompleted
	it.Progress = 100
	it.Speed = 0
	it.LastError = ""
	pool.task.DownloadedMedia++
	pool.mu.Unlock()
	pool.notify()
}

// demoteOverflow pauses the tail of the currently-downloading items
// once a flood-wait has dropped the ceiling below the number in
// flight, and interrupts their workers so they stop consuming budget
// immediately instead of finishing their current chunk first.
func (w *worker) demoteOverflow(ceiling int) {
	pool := w.pool
	pool.mu.Lock()
	var downloading []*model.DownloadItem
	for _, it := range pool.task.Items {
		if it.Status == model.ItemDownloading {
			downloading = append(downloading, it)
		}
	}
	if len(downloading) <= ceiling {
		pool.mu.Unlock()
		return
	}
	overflow := downloading[ceiling:]
	for _, it := range overflow {
		it.Status = model.ItemPaused
	}
	pool.mu.Unlock()

	for _, it := range overflow {
		pool.runtime.cancelOwner(it.ItemID)
	}
}

// watchStuck kills stuckCtx if lastGrowth hasn't advanced for
// stuckTimeout, so a connection that silently wedges without erroring
// doesn't hold its worker forever.
func (w *worker) watchStuck(ctx context.Context, cancel context.CancelCauseFunc, mu *sync.Mutex, lastGrowth *time.Time) {
	ticker := time.NewTicker(stuckPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			since := time.Since(*lastGrowth)
			mu.Unlock()
			if since >= stuckTimeout {
				cancel(fmt.Errorf("%w: no progress for %s", retrypolicy.ErrStuck, since.Round(time.Second)))
				return
			}
		}
	}
}

// wrapFloodWait rewraps a flood-wait surfaced by the MTProto client in
// retrypolicy's own typed error, so Attempt's classifier and Delay
// computation see the real wait time instead of falling back to the
// zero-second default from its substring heuristic.
func wrapFloodWait(err error) error {
	if err == nil {
		return nil
	}
	if secs, ok := mtclient.FloodWaitSeconds(err); ok {
		return &retrypolicy.FloodWaitError{Seconds: secs}
	}
	return err
}

func (w *worker) fail(it *model.DownloadItem, err error) {
	pool := w.pool
	pool.mu.Lock()
	it.Status = model.ItemFailed
	it.LastError = err.Error()
	it.Speed = 0
	pool.task.Failures = append(pool.task.Failures, &model.FailureRecord{
		ChatID:       it.ChatID,
		MessageID:    it.MessageID,
		FileName:     filepath.Base(it.FilePath),
		ErrorKind:    string(retrypolicy.Classify(err)),
		ErrorMessage: err.Error(),
		RetryCount:   pool.task.Options.MaxDownloadRetries,
		LastRetry:    time.Now(),
	})
	pool.mu.Unlock()
	pool.notify()
}

func (w *worker) tempPath(it *model.DownloadItem) string {
	return filepath.Join(w.pool.task.ExportRoot, "temp", it.ItemID+"_"+filepath.Base(it.FilePath))
}

func (w *worker) finalPath(it *model.DownloadItem) string {
	return filepath.Join(w.pool.task.ExportRoot, it.FilePath)
}
