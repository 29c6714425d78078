package workerpool

import (
	"testing"
	"time"

	"tachyon-export/internal/model"
)

func waitingItem(id string, messageID int64) *model.DownloadItem {
	return &model.DownloadItem{ItemID: id, MessageID: messageID, Status: model.ItemWaiting}
}

func TestSelectP1PicksLatestResumeTimestamp(t *testing.T) {
	now := time.Now()
	a := waitingItem("a", 1)
	a.ResumeTimestamp = now.Add(-time.Minute)
	b := waitingItem("b", 2)
	b.ResumeTimestamp = now
	c := waitingItem("c", 3) // no resume timestamp, not a P1 candidate

	task := &model.Task{Items: []*model.DownloadItem{a, b, c}}

	got := selectP1(task, map[string]bool{})
	if got != b {
		t.Fatalf("expected item b, got %+v", got)
	}
	if !b.ResumeTimestamp.IsZero() {
		t.Fatalf("expected resume timestamp cleared on pick, got %v", b.ResumeTimestamp)
	}
}

func TestSelectP1SkipsOwnedItems(t *testing.T) {
	a := waitingItem("a", 1)
	a.ResumeTimestamp = time.Now()

	task := &model.Task{Items: []*model.DownloadItem{a}}
	if got := selectP1(task, map[string]bool{"a": true}); got != nil {
		t.Fatalf("expected nil for owned item, got %+v", got)
	}
}

func TestSelectP1ReturnsNilWithNoCandidates(t *testing.T) {
	a := waitingItem("a", 1) // no resume timestamp
	task := &model.Task{Items: []*model.DownloadItem{a}}
	if got := selectP1(task, map[string]bool{}); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestSelectP2PicksFirstRetryInOrder(t *testing.T) {
	a := waitingItem("a", 1)
	b := waitingItem("b", 2)
	b.IsRetry = true
	c := waitingItem("c", 3)
	c.IsRetry = true

	task := &model.Task{Items: []*model.DownloadItem{a, b, c}}
	got := selectP2(task, map[string]bool{})
	if got != b {
		t.Fatalf("expected item b, got %+v", got)
	}
}

func TestSelectP2SkipsOwnedAndNonRetry(t *testing.T) {
	a := waitingItem("a", 1)
	a.IsRetry = true
	b := waitingItem("b", 2)
	b.IsRetry = true

	task := &model.Task{Items: []*model.DownloadItem{a, b}}
	got := selectP2(task, map[string]bool{"a": true})
	if got != b {
		t.Fatalf("expected item b, got %+v", got)
	}
}

func TestForcesP3EveryFourthPick(t *testing.T) {
	for pick := int64(1); pick <= 12; pick++ {
		want := pick%4 == 0
		if got := forcesP3(pick); got != want {
			t.Fatalf("pick %d: forcesP3 = %v, want %v", pick, got, want)
		}
	}
}
