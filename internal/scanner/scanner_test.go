package scanner

import (
	"context"
	"testing"
	"time"

	"tachyon-export/internal/model"
	"tachyon-export/internal/mtclient"
)

type fakeClient struct {
	mtclient.Client
	messages []mtclient.Message
	selfID   int64
}

func (f *fakeClient) Self(ctx context.Context) (int64, error) { return f.selfID, nil }

func (f *fakeClient) GetChatHistory(ctx context.Context, chat mtclient.ChatInfo, fromMessageID int64, reverse bool) (<-chan mtclient.Message, <-chan error) {
	out := make(chan mtclient.Message)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		for _, m := range f.messages {
			if m.MessageID <= fromMessageID {
				continue
			}
			out <- m
		}
	}()
	return out, errs
}

func newTestScanner(enqueued *[]string) (*Scanner, *fakeClient) {
	fc := &fakeClient{}
	s := New(Deps{
		Client: fc,
		Enqueue: func(itemID string) {
			*enqueued = append(*enqueued, itemID)
		},
	})
	return s, fc
}

func TestScanEnqueuesNewMediaItems(t *testing.T) {
	var enqueued []string
	s, fc := newTestScanner(&enqueued)
	fc.messages = []mtclient.Message{
		{ChatID: 10, MessageID: 1, Date: time.Now(), Media: &mtclient.MediaInfo{Kind: model.MediaPhoto, FileSize: 100}},
		{ChatID: 10, MessageID: 2, Date: time.Now()}, // no media
	}

	task := &model.Task{
		ID:      "t1",
		Status:  model.TaskRunning,
		Options: model.Options{MediaKinds: map[model.MediaKind]bool{model.MediaPhoto: true}},
	}
	chats := []mtclient.ChatInfo{{ID: 10}}

	if err := s.Scan(context.Background(), task, chats, false); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(task.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(task.Items))
	}
	if len(enqueued) != 1 {
		t.Fatalf("expected 1 enqueue call since task is Running, got %d", len(enqueued))
	}
	if task.LastScannedIDs[10] != 2 {
		t.Fatalf("expected last scanned id 2, got %d", task.LastScannedIDs[10])
	}
}

func TestScanDoesNotEnqueueOnNonRunningTask(t *testing.T) {
	var enqueued []string
	s, fc := newTestScanner(&enqueued)
	fc.messages = []mtclient.Message{
		{ChatID: 10, MessageID: 1, Date: time.Now(), Media: &mtclient.MediaInfo{Kind: model.MediaPhoto, FileSize: 100}},
	}
	task := &model.Task{ID: "t1", Status: model.TaskExtracting, Options: model.Options{MediaKinds: map[model.MediaKind]bool{model.MediaPhoto: true}}}

	if err := s.Scan(context.Background(), task, []mtclient.ChatInfo{{ID: 10}}, false); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(task.Items) != 1 {
		t.Fatalf("expected item still appended to pool, got %d", len(task.Items))
	}
	if len(enqueued) != 0 {
		t.Fatalf("expected no enqueue on non-running task, got %d", len(enqueued))
	}
}

func TestScanIsIdempotentForExistingItemID(t *testing.T) {
	var enqueued []string
	s, fc := newTestScanner(&enqueued)
	fc.messages = []mtclient.Message{
		{ChatID: 10, MessageID: 1, Date: time.Now(), Media: &mtclient.MediaInfo{Kind: model.MediaPhoto, FileSize: 100}},
	}
	task := &model.Task{
		ID:      "t1",
		Status:  model.TaskRunning,
		Options: model.Options{MediaKinds: map[model.MediaKind]bool{model.MediaPhoto: true}},
		Items:   []*model.DownloadItem{{ItemID: model.MakeItemID(10, 1)}},
	}

	if err := s.Scan(context.Background(), task, []mtclient.ChatInfo{{ID: 10}}, false); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(task.Items) != 1 {
		t.Fatalf("expected enqueue-of-existing-item-id to be a no-op, got %d items", len(task.Items))
	}
	if len(enqueued) != 0 {
		t.Fatalf("expected no re-enqueue of an already-pooled item, got %d", len(enqueued))
	}
}

func TestSanitizeNameStripsEmojiAndDisallowedChars(t *testing.T) {
	got := sanitizeName("hello 😀 world!!.txt")
	if got == "" || got == "unnamed" {
		t.Fatalf("expected a cleaned name, got %q", got)
	}
	for _, r := range got {
		if r == '!' || r == ' ' {
			t.Fatalf("expected disallowed characters removed, got %q", got)
		}
	}
}

func TestFileNameDocumentUsesOriginalName(t *testing.T) {
	msg := mtclient.Message{MessageID: 5, Date: time.Now()}
	media := &mtclient.MediaInfo{Kind: model.MediaDocument, FileName: "report.pdf"}
	name := fileName(-100, msg, media)
	want := "5-100-report.pdf"
	if name != want {
		t.Fatalf("expected %q, got %q", want, name)
	}
}
