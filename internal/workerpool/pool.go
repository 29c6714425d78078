// Package workerpool implements the Download Worker Pool: one
// Worker-Manager reconciliation loop per task that keeps exactly
// max_concurrent_downloads workers alive, and the worker main loop
// that pulls items by priority (manual-resume, then retry, then plain
// FIFO), drives the download, and feeds the Adaptive Concurrency
// Controller and bandwidth limiter.
package workerpool

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"tachyon-export/internal/chunkdownload"
	"tachyon-export/internal/congestion"
	"tachyon-export/internal/filesystem"
	"tachyon-export/internal/model"
	"tachyon-export/internal/mtclient"
	"tachyon-export/internal/ratelimit"
)

const (
	reconcileInterval  = 3 * time.Second
	workerSpawnStagger = 2 * time.Second
	minWorkerStartGap  = 5 * time.Second
	pausedPollDelay    = time.Second
	autoResumeInterval = 5 * time.Minute
	primeExtraOnGrow   = 5
)

// ChatResolver looks up the ChatInfo needed to address MTProto calls
// for a chat id; supplied by whatever ran the Scanner, which already
// paid for dialog resolution.
type ChatResolver func(chatID int64) (mtclient.ChatInfo, error)

// Deps bundles every collaborator a Pool needs beyond the Task itself.
type Deps struct {
	Client      mtclient.Client
	ChunkDL     *chunkdownload.Downloader
	Limiter     *ratelimit.Limiter
	ResolveChat ChatResolver
	Batcher     *Batcher
	Logger      *slog.Logger

	// Allocator, if set, runs a disk-space pre-flight check before each
	// download whose size is known, whatever the transfer strategy, so
	// a full volume fails fast as DiskError
	// instead of mid-transfer.
	Allocator *filesystem.Allocator

	// Notify is called after any mutation that should mark the task
	// dirty for persistence and push a progress update; may be nil.
	Notify func(task *model.Task)
}

// Pool runs one task's Download Worker Pool: the Worker-Manager
// reconciliation loop plus every live worker goroutine.
type Pool struct {
	deps Deps

	mu   sync.Mutex // guards task/item mutation
	task *model.Task

	runtime    *Runtime
	controller *congestion.Controller
	startup    startupGate

	workersMu sync.Mutex
	workers   map[int]context.CancelFunc

	cancel context.CancelFunc
}

// New builds a Pool for task, wiring the bandwidth limiter into the
// chunk downloader and MTProto client the same way, and registering
// the concurrency controller's ceiling callback to push straight
// through to the transport.
func New(task *model.Task, deps Deps) *Pool {
	p := &Pool{
		deps:    deps,
		task:    task,
		runtime: newRuntime(len(task.Items) + 64),
		workers: make(map[int]context.CancelFunc),
	}
	p.controller = congestion.New(task.Options.MaxConcurrentDownloads, func(ceiling int) {
		if p.deps.Client != nil {
			p.deps.Client.SetMaxConcurrentTransmissions(ceiling)
		}
	})

	if deps.Limiter != nil {
		deps.Limiter.SetTaskPriority(task.ID, ratelimit.NormalizePriority(task.Options.BandwidthPriority))
		if deps.ChunkDL != nil {
			deps.ChunkDL.SetLimiter(deps.Limiter, task.ID)
		}
		if deps.Client != nil {
			deps.Client.SetLimiter(deps.Limiter, task.ID)
		}
	}
	return p
}

// Start launches the reconciliation loop and the auto-resume
// sweeper; both exit when ctx (or a later Stop) is cancelled.
func (p *Pool) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	go p.manageLoop(ctx)
	go p.autoResumeLoop(ctx)
}

// manageLoop is the Worker-Manager: every reconcileInterval it spawns
// any worker slots missing up to the task's current
// max_concurrent_downloads, staggered by workerSpawnStagger, and lets
// workers whose index has fallen outside the (possibly shrunk) target
// exit on their own next loop tick.
func (p *Pool) manageLoop(ctx context.Context) {
	p.reconcile(ctx)
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reconcile(ctx)
		}
	}
}

func (p *Pool) reconcile(ctx context.Context) {
	p.mu.Lock()
	target := p.task.Options.MaxConcurrentDownloads
	cancelled := p.task.Status == model.TaskCancelled
	p.mu.Unlock()
	if cancelled {
		return
	}

	p.workersMu.Lock()
	defer p.workersMu.Unlock()
	for i := 0; i < target; i++ {
		if _, alive := p.workers[i]; alive {
			continue
		}
		wctx, wcancel := context.WithCancel(ctx)
		p.workers[i] = wcancel
		w := &worker{index: i, pool: p}
		delay := time.Duration(i) * workerSpawnStagger
		go func() {
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-wctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			w.run(wctx)
			p.workersMu.Lock()
			if cur, ok := p.workers[w.index]; ok && cur != nil {
				delete(p.workers, w.index)
			}
			p.workersMu.Unlock()
		}()
	}
}

// autoResumeLoop re-queues one non-manually-paused Paused item per
// task every autoResumeInterval, giving items that stalled on a
// transient failure another pass without a human in the loop.
func (p *Pool) autoResumeLoop(ctx context.Context) {
	ticker := time.NewTicker(autoResumeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.autoResumeOne()
		}
	}
}

func (p *Pool) autoResumeOne() {
	p.mu.Lock()
	var candidate *model.DownloadItem
	for _, it := range p.task.Items {
		if it.Status == model.ItemPaused && !it.IsManuallyPaused {
			candidate = it
			break
		}
	}
	if candidate != nil {
		candidate.Status = model.ItemWaiting
	}
	p.mu.Unlock()
	if candidate != nil {
		p.runtime.push(candidate.ItemID)
		p.notify()
	}
}

// Pause marks the task Paused and interrupts every in-flight transfer
// immediately; workers fall back into their paused-poll wait.
func (p *Pool) Pause() {
	p.mu.Lock()
	p.task.Status = model.TaskPaused
	p.mu.Unlock()
	p.runtime.setPausedGlobally(true)
	p.runtime.cancelAllOwners()
	p.notify()
}

// Resume clears Paused, re-queues Failed/Paused items as Waiting
// (resetting progress for anything that was Failed), and refills the
// runtime queue ordered plain-items-first then by message id. If the
// task was in a terminal state its downloaded counters are reset
// first, since a resume from Completed/Failed/Cancelled starts the
// run over.
func (p *Pool) Resume() {
	p.mu.Lock()
	if p.task.Status == model.TaskCompleted || p.task.Status == model.TaskFailed || p.task.Status == model.TaskCancelled {
		p.task.DownloadedMedia = 0
		p.task.DownloadedSize = 0
	}
	p.task.Status = model.TaskRunning

	for _, it := range p.task.Items {
		switch it.Status {
		case model.ItemFailed:
			it.Status = model.ItemWaiting
			it.Progress = 0
			it.DownloadedSize = 0
		case model.ItemPaused:
			it.Status = model.ItemWaiting
		}
	}

	var refill []*model.DownloadItem
	for _, it := range p.task.Items {
		if it.Status == model.ItemWaiting {
			refill = append(refill, it)
		}
	}
	sort.SliceStable(refill, func(i, j int) bool {
		if refill[i].IsRetry != refill[j].IsRetry {
			return !refill[i].IsRetry
		}
		return refill[i].MessageID < refill[j].MessageID
	})
	p.mu.Unlock()

	p.runtime.setPausedGlobally(false)
	for _, it := range refill {
		p.runtime.push(it.ItemID)
	}
	p.notify()
}

// Stop marks the task Cancelled, interrupts every worker, drains them
// out with FIFO sentinels, and tears down the reconciliation loop.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.task.Status = model.TaskCancelled
	p.mu.Unlock()

	p.runtime.cancelAllOwners()

	p.workersMu.Lock()
	n := len(p.workers)
	for _, c := range p.workers {
		c()
	}
	p.workers = make(map[int]context.CancelFunc)
	p.workersMu.Unlock()

	p.runtime.shutdown(n)
	if p.cancel != nil {
		p.cancel()
	}
	p.notify()
}

// Enqueue pushes itemID onto the runtime FIFO. The task manager does
// not hand it to its Scanner; items a scan adds reach the FIFO through
// the Resume that follows the scan.
func (p *Pool) Enqueue(itemID string) {
	p.runtime.push(itemID)
}

// PauseItem pauses a single item and interrupts its worker, if any.
func (p *Pool) PauseItem(itemID string) {
	p.mu.Lock()
	it := p.task.FindItem(itemID)
	if it != nil {
		it.Status = model.ItemPaused
		it.IsManuallyPaused = true
	}
	p.mu.Unlock()
	p.runtime.cancelOwner(itemID)
	p.notify()
}

// ResumeItem re-queues a single paused item with a fresh
// resume_timestamp so the next worker pick gives it P1 priority. If
// the task itself had already finished, resuming one item restarts
// the whole task (mirroring Resume's counter-reset rule).
func (p *Pool) ResumeItem(itemID string) {
	p.mu.Lock()
	it := p.task.FindItem(itemID)
	if it == nil {
		p.mu.Unlock()
		return
	}
	it.Status = model.ItemWaiting
	it.IsManuallyPaused = false
	it.ResumeTimestamp = time.Now()
	taskDone := p.task.Status == model.TaskCompleted || p.task.Status == model.TaskFailed || p.task.Status == model.TaskCancelled
	p.mu.Unlock()

	if taskDone {
		p.Resume()
		return
	}
	p.runtime.push(itemID)
	p.notify()
}

// RetryItem re-queues a single failed item as a retry (P2 priority).
func (p *Pool) RetryItem(itemID string) {
	p.mu.Lock()
	it := p.task.FindItem(itemID)
	if it == nil {
		p.mu.Unlock()
		return
	}
	it.Status = model.ItemWaiting
	it.IsManuallyPaused = false
	it.IsRetry = true
	it.Progress = 0
	it.DownloadedSize = 0
	it.LastError = ""
	p.mu.Unlock()
	p.runtime.push(itemID)
	p.notify()
}

// RetryAllFailed re-queues every currently-failed item as a retry.
func (p *Pool) RetryAllFailed() {
	p.mu.Lock()
	var toPush []string
	for _, it := range p.task.Items {
		if it.Status == model.ItemFailed {
			it.Status = model.ItemWaiting
			it.IsRetry = true
			it.Progress = 0
			it.DownloadedSize = 0
			it.LastError = ""
			toPush = append(toPush, it.ItemID)
		}
	}
	p.mu.Unlock()
	for _, id := range toPush {
		p.runtime.push(id)
	}
	p.notify()
}

// CancelItem marks an item Skipped and interrupts its worker, if any.
func (p *Pool) CancelItem(itemID string) {
	p.mu.Lock()
	it := p.task.FindItem(itemID)
	if it != nil {
		it.Status = model.ItemSkipped
	}
	p.mu.Unlock()
	p.runtime.cancelOwner(itemID)
	p.notify()
}

// AdjustConcurrency updates the task's concurrency/chunk-connection
// knobs live; a positive maxConcurrent also re-primes the runtime
// queue so growth doesn't have to wait for the next Scanner tick to
// notice idle workers.
func (p *Pool) AdjustConcurrency(maxConcurrent, parallelChunk int) {
	if maxConcurrent > 0 {
		maxConcurrent = clampInt(maxConcurrent, 1, 20)
		p.mu.Lock()
		p.task.Options.MaxConcurrentDownloads = maxConcurrent
		p.mu.Unlock()
		ceiling, _ := p.controller.SetMax(maxConcurrent)
		if p.deps.Client != nil {
			p.deps.Client.SetMaxConcurrentTransmissions(ceiling)
		}
		p.primeExtra(primeExtraOnGrow)
	}
	if parallelChunk > 0 {
		p.mu.Lock()
		p.task.Options.ParallelChunkConnections = clampInt(parallelChunk, 1, 8)
		p.mu.Unlock()
	}
	p.notify()
}

func (p *Pool) primeExtra(n int) {
	p.mu.Lock()
	owned := p.runtime.ownedSet()
	var extra []string
	for _, it := range p.task.Items {
		if len(extra) >= n {
			break
		}
		if it.Status == model.ItemWaiting && !owned[it.ItemID] {
			extra = append(extra, it.ItemID)
		}
	}
	p.mu.Unlock()
	for _, id := range extra {
		p.runtime.push(id)
	}
}

func (p *Pool) notify() {
	if p.deps.Notify != nil {
		p.deps.Notify(p.task)
	}
}

// startupGate enforces a minimum gap between successive worker starts
// for a task, so a burst of newly-spawned workers doesn't all hit the
// API in the same instant.
type startupGate struct {
	mu   sync.Mutex
	last time.Time
}

func (g *startupGate) wait(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if wait := minWorkerStartGap - time.Since(g.last); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	g.last = time.Now()
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func uniform(lo, hi float64) float64 {
	return lo + rand.Float64()*(hi-lo)
}

func sleepCtx(ctx context.Context, d time.Duration) (cancelled bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-ctx.Done():
		return true
	}
}
