// Package taskmanager owns the task lifecycle: creation, the
// pending->extracting->running scheduler flow that drives the Scanner
// and hands off to a Download Worker Pool, the command surface every
// control-plane operation goes through, and the integrity verifier.
package taskmanager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"tachyon-export/internal/chunkdownload"
	"tachyon-export/internal/filesystem"
	"tachyon-export/internal/model"
	"tachyon-export/internal/mtclient"
	"tachyon-export/internal/persistence"
	"tachyon-export/internal/ratelimit"
	"tachyon-export/internal/scanner"
	"tachyon-export/internal/workerpool"
)

// Deps bundles every collaborator the Manager needs.
type Deps struct {
	Client    mtclient.Client
	Store     *persistence.Store
	Writer    *persistence.Writer
	ChunkDL   *chunkdownload.Downloader
	Limiter   *ratelimit.Limiter
	Allocator *filesystem.Allocator
	Batcher   *workerpool.Batcher
	Logger    *slog.Logger

	// Notify, if set, is called on every material task state change
	// (new status, scan progress tick, pool mutation) so a control
	// surface can push the new snapshot to subscribers.
	Notify func(task *model.Task)
}

// Manager coordinates every task's lifecycle: it owns the in-memory
// task set, a running Pool per active task, and delegates the
// item-level command surface straight through to each task's Pool.
type Manager struct {
	deps Deps

	mu    sync.Mutex
	tasks map[string]*model.Task
	pools map[string]*workerpool.Pool

	scan *scanner.Scanner
}

// New loads the persisted task set and builds a Manager ready to
// start any task whose status survived the load as Running (demoted
// to Paused by the store) or Paused.
func New(deps Deps) (*Manager, error) {
	tasks, err := deps.Store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("taskmanager: load tasks: %w", err)
	}

	m := &Manager{
		deps:  deps,
		tasks: make(map[string]*model.Task, len(tasks)),
		pools: make(map[string]*workerpool.Pool),
	}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	m.scan = scanner.New(scanner.Deps{
		Client: deps.Client,
		Notify: m.markDirty,
		Logger: deps.Logger,
	})
	return m, nil
}

// SetWriter wires the debounced persistence writer in after
// construction, since the writer's snapshot function is the Manager's
// own Snapshot method. Not safe to call concurrently with task
// mutations; call it once during daemon startup before serving.
func (m *Manager) SetWriter(w *persistence.Writer) {
	m.deps.Writer = w
}

// SetNotify wires the control-plane broadcast hook in after
// construction, for the same reason as SetWriter: the broadcaster
// needs a reference to this Manager, which doesn't exist yet when
// Deps is built.
func (m *Manager) SetNotify(fn func(task *model.Task)) {
	m.deps.Notify = fn
}

// Snapshot returns every known task, for persistence and for the
// control plane's list endpoint.
func (m *Manager) Snapshot() []*model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}

// Get returns a single task by id, or nil.
func (m *Manager) Get(id string) *model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id]
}

// Create allocates a new task in Pending state with defaulted
// options; it is not scanned or started until Start is called.
func (m *Manager) Create(name, exportRoot string, opts model.Options) (*model.Task, error) {
	opts.ApplyDefaults()
	if exportRoot == "" {
		return nil, fmt.Errorf("taskmanager: export root required")
	}
	if err := os.MkdirAll(exportRoot, 0o777); err != nil {
		return nil, fmt.Errorf("taskmanager: create export root: %w", err)
	}

	task := &model.Task{
		ID:         uuid.NewString(),
		Name:       name,
		Status:     model.TaskPending,
		Options:    opts,
		ExportRoot: exportRoot,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()
	m.markDirty(task)
	return task, nil
}

// Start resolves the task's chats, sets it Extracting, launches its
// Download Worker Pool and runs the initial scan in the background;
// when the scan finishes the task becomes Running and the pool is
// Resumed to fill its queue. A task that already has a live pool,
// Running or Paused, just has that pool Resumed.
func (m *Manager) Start(ctx context.Context, taskID string) error {
	m.mu.Lock()
	task := m.tasks[taskID]
	pool := m.pools[taskID]
	m.mu.Unlock()
	if task == nil {
		return fmt.Errorf("taskmanager: unknown task %q", taskID)
	}

	if pool != nil {
		pool.Resume()
		return nil
	}

	chats, err := m.resolveChats(ctx, task)
	if err != nil {
		return fmt.Errorf("taskmanager: resolve chats: %w", err)
	}

	m.setStatus(task, model.TaskExtracting)
	pool = m.newPool(task)
	m.mu.Lock()
	m.pools[taskID] = pool
	m.mu.Unlock()

	pool.Start(ctx)

	go func() {
		if err := m.scan.Scan(ctx, task, chats, false); err != nil {
			if m.deps.Logger != nil {
				m.deps.Logger.Error("taskmanager: scan failed", "task", taskID, "error", err)
			}
			m.mu.Lock()
			task.Status = model.TaskFailed
			task.LastError = err.Error()
			m.mu.Unlock()
			m.markDirty(task)
			return
		}
		m.setStatus(task, model.TaskRunning)
		pool.Resume()
	}()

	return nil
}

func (m *Manager) newPool(task *model.Task) *workerpool.Pool {
	return workerpool.New(task, workerpool.Deps{
		Client:      m.deps.Client,
		ChunkDL:     m.deps.ChunkDL,
		Limiter:     m.deps.Limiter,
		ResolveChat: m.chatResolver(),
		Batcher:     m.deps.Batcher,
		Allocator:   m.deps.Allocator,
		Logger:      m.deps.Logger,
		Notify:      m.markDirty,
	})
}

func (m *Manager) chatResolver() workerpool.ChatResolver {
	return func(chatID int64) (mtclient.ChatInfo, error) {
		chats, err := m.deps.Client.GetDialogs(context.Background())
		if err != nil {
			return mtclient.ChatInfo{}, err
		}
		for _, c := range chats {
			if c.ID == chatID {
				return c, nil
			}
		}
		return mtclient.ChatInfo{}, fmt.Errorf("taskmanager: chat %d not found in dialogs", chatID)
	}
}

// resolveChats applies ChatIDs/ChatTypes precedence: an explicit id
// list wins outright, otherwise every dialog matching one of the
// requested types is scanned.
func (m *Manager) resolveChats(ctx context.Context, task *model.Task) ([]mtclient.ChatInfo, error) {
	all, err := m.deps.Client.GetDialogs(ctx)
	if err != nil {
		return nil, err
	}
	if len(task.Options.ChatIDs) > 0 {
		want := make(map[int64]bool, len(task.Options.ChatIDs))
		for _, id := range task.Options.ChatIDs {
			want[id] = true
		}
		var out []mtclient.ChatInfo
		for _, c := range all {
			if want[c.ID] {
				out = append(out, c)
			}
		}
		return out, nil
	}
	if len(task.Options.ChatTypes) == 0 {
		return all, nil
	}
	wantType := make(map[string]bool, len(task.Options.ChatTypes))
	for _, t := range task.Options.ChatTypes {
		wantType[t] = true
	}
	var out []mtclient.ChatInfo
	for _, c := range all {
		if wantType[c.Type] {
			out = append(out, c)
		}
	}
	return out, nil
}

// Pause, Resume, Cancel delegate to the task's pool.
func (m *Manager) Pause(taskID string) error  { return m.withPool(taskID, (*workerpool.Pool).Pause) }
func (m *Manager) Resume(taskID string) error { return m.withPool(taskID, (*workerpool.Pool).Resume) }
func (m *Manager) Cancel(taskID string) error { return m.withPool(taskID, (*workerpool.Pool).Stop) }

func (m *Manager) withPool(taskID string, fn func(*workerpool.Pool)) error {
	m.mu.Lock()
	pool := m.pools[taskID]
	m.mu.Unlock()
	if pool == nil {
		return fmt.Errorf("taskmanager: task %q has no running pool", taskID)
	}
	fn(pool)
	return nil
}

// PauseItem, ResumeItem, RetryItem, CancelItem, RetryAllFailed mirror
// the pool's item-level command surface, resolved by task id.
func (m *Manager) PauseItem(taskID, itemID string) error {
	return m.withPool(taskID, func(p *workerpool.Pool) { p.PauseItem(itemID) })
}

func (m *Manager) ResumeItem(taskID, itemID string) error {
	return m.withPool(taskID, func(p *workerpool.Pool) { p.ResumeItem(itemID) })
}

func (m *Manager) RetryItem(taskID, itemID string) error {
	return m.withPool(taskID, func(p *workerpool.Pool) { p.RetryItem(itemID) })
}

func (m *Manager) CancelItem(taskID, itemID string) error {
	return m.withPool(taskID, func(p *workerpool.Pool) { p.CancelItem(itemID) })
}

func (m *Manager) RetryAllFailed(taskID string) error {
	return m.withPool(taskID, func(p *workerpool.Pool) { p.RetryAllFailed() })
}

// AdjustConcurrency changes a task's live concurrency/chunk-connection
// ceilings.
func (m *Manager) AdjustConcurrency(taskID string, maxConcurrent, parallelChunk int) error {
	return m.withPool(taskID, func(p *workerpool.Pool) { p.AdjustConcurrency(maxConcurrent, parallelChunk) })
}

// QueueBucket is one of the four get_queue groupings.
type QueueBucket struct {
	Active    []*model.DownloadItem `json:"active"`
	Waiting   []*model.DownloadItem `json:"waiting"`
	Failed    []*model.DownloadItem `json:"failed"`
	Completed []*model.DownloadItem `json:"completed"`
}

// GetQueue buckets a task's items for display, each bucket sorted by
// message id ascending unless reversed is set.
func (m *Manager) GetQueue(taskID string, reversed bool) (QueueBucket, error) {
	m.mu.Lock()
	task := m.tasks[taskID]
	m.mu.Unlock()
	if task == nil {
		return QueueBucket{}, fmt.Errorf("taskmanager: unknown task %q", taskID)
	}

	var bucket QueueBucket
	for _, it := range task.Items {
		switch it.Status {
		case model.ItemDownloading:
			bucket.Active = append(bucket.Active, it)
		case model.ItemWaiting, model.ItemPaused:
			bucket.Waiting = append(bucket.Waiting, it)
		case model.ItemFailed:
			bucket.Failed = append(bucket.Failed, it)
		case model.ItemCompleted, model.ItemSkipped:
			bucket.Completed = append(bucket.Completed, it)
		}
	}
	sortByMessageID(bucket.Active, reversed)
	sortByMessageID(bucket.Waiting, reversed)
	sortByMessageID(bucket.Failed, reversed)
	sortByMessageID(bucket.Completed, reversed)
	return bucket, nil
}

func sortByMessageID(items []*model.DownloadItem, reversed bool) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0; j-- {
			less := items[j].MessageID < items[j-1].MessageID
			if reversed {
				less = items[j].MessageID > items[j-1].MessageID
			}
			if !less {
				break
			}
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

func (m *Manager) setStatus(task *model.Task, status model.TaskStatus) {
	m.mu.Lock()
	task.Status = status
	task.UpdatedAt = time.Now()
	m.mu.Unlock()
	m.markDirty(task)
}

func (m *Manager) markDirty(task *model.Task) {
	task.UpdatedAt = time.Now()
	if m.deps.Writer != nil {
		m.deps.Writer.MarkDirty()
	}
	if m.deps.Notify != nil {
		m.deps.Notify(task)
	}
}
