package taskmanager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tachyon-export/internal/model"
	"tachyon-export/internal/mtclient"
	"tachyon-export/internal/persistence"
)

type fakeClient struct {
	mtclient.Client
	dialogs []mtclient.ChatInfo
}

func (f *fakeClient) GetDialogs(ctx context.Context) ([]mtclient.ChatInfo, error) {
	return f.dialogs, nil
}

func (f *fakeClient) GetChatHistory(ctx context.Context, chat mtclient.ChatInfo, fromMessageID int64, reverse bool) (<-chan mtclient.Message, <-chan error) {
	out := make(chan mtclient.Message)
	errs := make(chan error, 1)
	close(out)
	return out, errs
}

func (f *fakeClient) SetMaxConcurrentTransmissions(n int) {}
func (f *fakeClient) SetLimiter(limiter mtclient.Limiter, taskID string) {}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "tasks.json"), filepath.Join(dir, "tasks.db"), nil)
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	mgr, err := New(Deps{
		Client: &fakeClient{dialogs: []mtclient.ChatInfo{{ID: 10, Type: "private"}}},
		Store:  store,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return mgr
}

func TestCreateAllocatesPendingTask(t *testing.T) {
	mgr := newTestManager(t)
	dir := t.TempDir()

	task, err := mgr.Create("export-1", filepath.Join(dir, "export"), model.Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Status != model.TaskPending {
		t.Fatalf("expected Pending, got %v", task.Status)
	}
	if _, err := os.Stat(task.ExportRoot); err != nil {
		t.Fatalf("expected export root created: %v", err)
	}
	if mgr.Get(task.ID) != task {
		t.Fatalf("expected Get to return the same task")
	}
}

func TestStartRunsScanThenTransitionsToRunning(t *testing.T) {
	mgr := newTestManager(t)
	dir := t.TempDir()
	task, err := mgr.Create("export-1", filepath.Join(dir, "export"), model.Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := mgr.Start(context.Background(), task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.Get(task.ID).Status == model.TaskRunning {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected task to reach Running, got %v", mgr.Get(task.ID).Status)
}

func TestGetQueueBucketsByStatus(t *testing.T) {
	mgr := newTestManager(t)
	dir := t.TempDir()
	task, err := mgr.Create("export-1", filepath.Join(dir, "export"), model.Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	task.Items = []*model.DownloadItem{
		{ItemID: "a", MessageID: 3, Status: model.ItemWaiting},
		{ItemID: "b", MessageID: 1, Status: model.ItemWaiting},
		{ItemID: "c", MessageID: 2, Status: model.ItemFailed},
		{ItemID: "d", MessageID: 5, Status: model.ItemCompleted},
	}

	bucket, err := mgr.GetQueue(task.ID, false)
	if err != nil {
		t.Fatalf("GetQueue: %v", err)
	}
	if len(bucket.Waiting) != 2 || bucket.Waiting[0].MessageID != 1 {
		t.Fatalf("expected waiting sorted ascending by message id, got %+v", bucket.Waiting)
	}
	if len(bucket.Failed) != 1 || len(bucket.Completed) != 1 {
		t.Fatalf("expected 1 failed and 1 completed, got %+v", bucket)
	}
}

func TestPauseWithoutRunningPoolReturnsError(t *testing.T) {
	mgr := newTestManager(t)
	dir := t.TempDir()
	task, err := mgr.Create("export-1", filepath.Join(dir, "export"), model.Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mgr.Pause(task.ID); err == nil {
		t.Fatalf("expected error pausing a task with no pool")
	}
}
