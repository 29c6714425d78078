// Package persistence owns the task snapshot file: the single JSON
// document every task (including its item pool and failure list) is
// loaded from and saved to, a sqlite mirror kept for indexed queries
// over task summaries, and the load-time fixups that make a reload
// after a crash safe to resume from.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tachyon-export/internal/model"
)

// TaskRow mirrors a task's summary fields into sqlite so the control
// plane can run indexed queries (by status, by name) without parsing
// the full snapshot file; DataJSON carries the complete task for
// queries that do need it.
type TaskRow struct {
	ID              string `gorm:"primaryKey"`
	Name            string `gorm:"index"`
	Status          string `gorm:"index"`
	TotalMedia      int
	DownloadedMedia int
	TotalSize       int64
	DownloadedSize  int64
	DataJSON        string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time `gorm:"index"`
}

func (TaskRow) TableName() string { return "tasks" }

// Store pairs the canonical JSON snapshot file with a sqlite mirror.
type Store struct {
	snapshotPath string
	db           *gorm.DB
	logger       *slog.Logger
}

// Open prepares the snapshot file's parent directory and the sqlite
// mirror database at dbPath, auto-migrating TaskRow.
func Open(snapshotPath, dbPath string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(snapshotPath), 0o777); err != nil {
		return nil, fmt.Errorf("persistence: prepare snapshot dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o777); err != nil {
		return nil, fmt.Errorf("persistence: prepare db dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("persistence: open sqlite mirror: %w", err)
	}
	if err := db.AutoMigrate(&TaskRow{}); err != nil {
		return nil, fmt.Errorf("persistence: migrate schema: %w", err)
	}
	return &Store{snapshotPath: snapshotPath, db: db, logger: logger}, nil
}

// LoadAll reads the snapshot file, migrates any older per-task option
// fields, fills documented defaults, and applies the load-time
// demotions. A missing file yields an empty set; a corrupt file
// yields an empty set too, logged, and is never overwritten on this
// tick so a human has a chance to recover it.
func (s *Store) LoadAll() ([]*model.Task, error) {
	data, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: read snapshot: %w", err)
	}

	var rawTasks []json.RawMessage
	if err := json.Unmarshal(data, &rawTasks); err != nil {
		if s.logger != nil {
			s.logger.Error("persistence: snapshot file is corrupt, starting with an empty task set", "path", s.snapshotPath, "error", err)
		}
		return nil, nil
	}

	tasks := make([]*model.Task, 0, len(rawTasks))
	for _, raw := range rawTasks {
		task, err := migrateTask(raw)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("persistence: skipping unreadable task record", "error", err)
			}
			continue
		}
		applyLoadDemotions(task)
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// applyLoadDemotions reconstructs a task's on-disk state to what's
// actually trustworthy after a restart: any state that implies a live
// in-process coroutine cannot be trusted to still be running.
func applyLoadDemotions(t *model.Task) {
	if t.Status == model.TaskRunning || t.Status == model.TaskExtracting {
		t.Status = model.TaskPaused
	}
	for _, it := range t.Items {
		if it.Status == model.ItemDownloading {
			it.Status = model.ItemWaiting
			it.Speed = 0
		}
	}
	if t.LastScannedIDs == nil {
		t.LastScannedIDs = make(map[int64]int64)
	}
}

// SaveAll atomically rewrites the snapshot file with the full task
// set (write-to-temp then rename, so a crash mid-write can never
// leave a half-written file behind) and mirrors each task's summary
// into sqlite.
func (s *Store) SaveAll(tasks []*model.Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal snapshot: %w", err)
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o666); err != nil {
		return fmt.Errorf("persistence: write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return fmt.Errorf("persistence: rename snapshot into place: %w", err)
	}

	for _, t := range tasks {
		blob, err := json.Marshal(t)
		if err != nil {
			continue
		}
		row := TaskRow{
			ID:              t.ID,
			Name:            t.Name,
			Status:          string(t.Status),
			TotalMedia:      t.TotalMedia,
			DownloadedMedia: t.DownloadedMedia,
			TotalSize:       t.TotalSize,
			DownloadedSize:  t.DownloadedSize,
			DataJSON:        string(blob),
			CreatedAt:       t.CreatedAt,
			UpdatedAt:       t.UpdatedAt,
		}
		if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			if s.logger != nil {
				s.logger.Error("persistence: sqlite mirror write failed", "task", t.ID, "error", err)
			}
		}
	}
	return nil
}

// DeleteTask removes a task's sqlite mirror row; the caller is
// responsible for dropping it from the in-memory set before the next
// SaveAll rewrites the snapshot file.
func (s *Store) DeleteTask(id string) error {
	return s.db.Where("id = ?", id).Delete(&TaskRow{}).Error
}

// ListSummaries queries the sqlite mirror for lightweight task rows,
// letting the control plane answer list requests without touching
// the full snapshot.
func (s *Store) ListSummaries() ([]TaskRow, error) {
	var rows []TaskRow
	err := s.db.Order("updated_at desc").Find(&rows).Error
	return rows, err
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

// migrateTask decodes one snapshot entry, migrating the older
// download_threads option field to parallel_chunk_connections before
// the structured unmarshal (so the new field name, which the current
// model.Options actually carries a json tag for, sees the value)
// and filling documented defaults for anything still missing.
func migrateTask(raw json.RawMessage) (*model.Task, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode task record: %w", err)
	}

	if optsRaw, ok := obj["options"]; ok {
		var opts map[string]json.RawMessage
		if err := json.Unmarshal(optsRaw, &opts); err == nil {
			if _, hasNew := opts["parallel_chunk_connections"]; !hasNew {
				if dt, hasOld := opts["download_threads"]; hasOld {
					var n int
					if err := json.Unmarshal(dt, &n); err == nil {
						n = clampInt(n, 1, 8)
						if nb, err := json.Marshal(n); err == nil {
							opts["parallel_chunk_connections"] = nb
							if newOpts, err := json.Marshal(opts); err == nil {
								obj["options"] = newOpts
							}
						}
					}
				}
			}
		}
	}

	merged, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("re-encode task record: %w", err)
	}

	var task model.Task
	if err := json.Unmarshal(merged, &task); err != nil {
		return nil, fmt.Errorf("decode migrated task record: %w", err)
	}
	task.Options.ApplyDefaults()
	return &task, nil
}
