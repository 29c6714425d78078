package taskmanager

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"tachyon-export/internal/model"
)

// filenamePattern recovers (message_id, abs_chat_id) from a
// deterministically-named exported file, the inverse of
// model.FileNamePrefix.
var filenamePattern = regexp.MustCompile(`^(\d+)-(\d+)-(.*)$`)

// VerifyIntegrity forces a full rescan of every chat the task covers
// (resetting LastScannedIDs so nothing already in the pool is lost,
// while still picking up messages the original incremental scan
// missed), then walks the export directory reconciling every item's
// recorded status against what's actually on disk:
//
//   - an item recorded Completed whose file is gone is demoted to
//     Waiting so it gets re-downloaded;
//   - an item recorded Waiting/Paused/Failed whose file already
//     exists with the expected size is promoted to Completed
//     ("recovered");
//   - a file on disk with the wrong size for its item is moved aside
//     to the temp pool ("moved") and the item is reset to Waiting so
//     the next pass produces a fresh download.
//
// The task is set to Paused when done, then Resumed if it was Running
// when the verify began; running it twice in a row
// with nothing changed on disk between runs is a no-op.
func (m *Manager) VerifyIntegrity(ctx context.Context, taskID string) (*model.VerifyResult, error) {
	m.mu.Lock()
	task := m.tasks[taskID]
	m.mu.Unlock()
	if task == nil {
		return nil, fmt.Errorf("taskmanager: unknown task %q", taskID)
	}

	wasRunning := task.Status == model.TaskRunning
	if wasRunning {
		if err := m.Pause(taskID); err != nil {
			return nil, err
		}
	}

	chats, err := m.resolveChats(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("taskmanager: verify: resolve chats: %w", err)
	}

	m.mu.Lock()
	for k := range task.LastScannedIDs {
		task.LastScannedIDs[k] = 0
	}
	m.mu.Unlock()

	if err := m.scan.Scan(ctx, task, chats, true); err != nil {
		return nil, fmt.Errorf("taskmanager: verify: full rescan: %w", err)
	}

	result := &model.VerifyResult{RanAt: time.Now()}
	byKey := indexItemsByFilenameKey(task)

	filepath.WalkDir(task.ExportRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if filepath.Dir(path) == filepath.Join(task.ExportRoot, "temp") {
			return nil
		}
		match := filenamePattern.FindStringSubmatch(d.Name())
		if match == nil {
			return nil
		}
		messageID, err1 := strconv.ParseInt(match[1], 10, 64)
		absChatID, err2 := strconv.ParseInt(match[2], 10, 64)
		if err1 != nil || err2 != nil {
			return nil
		}
		item, ok := byKey[filenameKey{messageID, absChatID}]
		if !ok {
			return nil
		}
		reconcileFile(task, item, path, result)
		return nil
	})

	for _, it := range task.Items {
		if it.Status != model.ItemCompleted {
			continue
		}
		if _, err := os.Stat(filepath.Join(task.ExportRoot, it.FilePath)); err != nil {
			it.Status = model.ItemWaiting
			it.DownloadedSize = 0
			it.Progress = 0
		}
	}

	task.RecomputeTotals()
	task.VerifyResult = result
	m.setStatus(task, model.TaskPaused)

	if wasRunning {
		_ = m.Resume(taskID)
	}
	return result, nil
}

type filenameKey struct {
	messageID int64
	absChatID int64
}

func indexItemsByFilenameKey(task *model.Task) map[filenameKey]*model.DownloadItem {
	out := make(map[filenameKey]*model.DownloadItem, len(task.Items))
	for _, it := range task.Items {
		abs := it.ChatID
		if abs < 0 {
			abs = -abs
		}
		out[filenameKey{it.MessageID, abs}] = it
	}
	return out
}

func reconcileFile(task *model.Task, item *model.DownloadItem, path string, result *model.VerifyResult) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	sizeOK := item.FileSize == 0 || info.Size() == item.FileSize

	switch {
	case item.Status == model.ItemCompleted && sizeOK:
		// already consistent, nothing to do
	case sizeOK:
		item.Status = model.ItemCompleted
		item.DownloadedSize = info.Size()
		item.Progress = 100
		item.FinalPath = path
		result.Recovered++
	default:
		dest := filepath.Join(task.ExportRoot, "temp", item.ItemID+"_"+filepath.Base(path))
		if err := os.MkdirAll(filepath.Dir(dest), 0o777); err == nil {
			if err := os.Rename(path, dest); err == nil {
				result.Moved++
			}
		}
		item.Status = model.ItemWaiting
		item.DownloadedSize = 0
		item.Progress = 0
		result.Fixed++
	}
}
