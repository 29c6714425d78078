// Package scanner implements the incremental/full chat-history walk
// that turns Telegram messages into the task's item pool: filename
// generation, filter application, and the enqueue contract that feeds
// newly-discovered items straight to a running task's worker pool.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"tachyon-export/internal/model"
	"tachyon-export/internal/mtclient"
)

// progressEvery is how many messages the scanner processes between
// progress notifications and resume-file writes.
const progressEvery = 50

// interMessageBase and the uniform jitter window give the
// "0.2 + uniform(0.05, 0.15)s" inter-message pacing that keeps the
// scan itself from tripping a flood-wait.
const interMessageBase = 200 * time.Millisecond

func interMessageDelay() time.Duration {
	return interMessageBase + time.Duration((0.05+rand.Float64()*0.10)*float64(time.Second))
}

// Deps bundles the scanner's collaborators.
type Deps struct {
	Client mtclient.Client

	// Enqueue pushes a newly-discovered item's id onto the task's
	// runtime queue; called only when the task is Running, per the
	// enqueue contract. May be nil (e.g. during a verifier-driven
	// force-full scan of a non-Running task).
	Enqueue func(itemID string)

	// Notify is invoked after every progress-reporting point so the
	// caller can mark the task dirty for persistence.
	Notify func(task *model.Task)

	Logger *slog.Logger
}

// Scanner walks chat history for a task's selected chats.
type Scanner struct {
	deps Deps
}

// New builds a Scanner.
func New(deps Deps) *Scanner {
	return &Scanner{deps: deps}
}

// Scan walks every chat in chats for task, incrementally from
// task.LastScannedIDs unless full is true (verify/reset forces a
// from-the-beginning walk that can still recover never-enqueued
// items without disturbing ones already in the pool).
func (s *Scanner) Scan(ctx context.Context, task *model.Task, chats []mtclient.ChatInfo, full bool) error {
	var selfID int64
	if task.Options.OnlyMine {
		id, err := s.deps.Client.Self(ctx)
		if err != nil {
			return fmt.Errorf("scanner: resolve self: %w", err)
		}
		selfID = id
	}

	if task.LastScannedIDs == nil {
		task.LastScannedIDs = make(map[int64]int64)
	}

	for _, chat := range chats {
		if err := ctx.Err(); err != nil {
			return err
		}
		fromID := task.LastScannedIDs[chat.ID]
		if full {
			fromID = 0
		}
		if err := s.scanChat(ctx, task, chat, fromID, selfID); err != nil {
			return fmt.Errorf("scanner: chat %d: %w", chat.ID, err)
		}
	}
	return nil
}

func (s *Scanner) scanChat(ctx context.Context, task *model.Task, chat mtclient.ChatInfo, fromID, selfID int64) error {
	msgs, errs := s.deps.Client.GetChatHistory(ctx, chat, fromID, true)

	progressPath := s.progressPath(task, chat.ID)
	seen := loadProgress(progressPath)
	seenSet := make(map[int64]bool, len(seen))
	for _, id := range seen {
		seenSet[id] = true
	}

	count := 0
	for msg := range msgs {
		if enqueued := s.considerMessage(task, chat, msg, selfID); enqueued {
			if !seenSet[msg.MessageID] {
				seen = append(seen, msg.MessageID)
				seenSet[msg.MessageID] = true
			}
		}
		if msg.MessageID > task.LastScannedIDs[chat.ID] {
			task.LastScannedIDs[chat.ID] = msg.MessageID
		}

		count++
		if count%progressEvery == 0 {
			s.notify(task)
			s.persistProgress(progressPath, seen)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interMessageDelay()):
		}
	}

	select {
	case err, ok := <-errs:
		if ok && err != nil {
			return err
		}
	default:
	}

	s.notify(task)
	s.persistProgress(progressPath, seen)
	return nil
}

// considerMessage applies the Options filters and, for an accepted
// media-bearing message whose item id isn't already in the pool,
// builds the deterministic item and enqueues it. Returns whether the
// message produced (or already owned) a download item, for the
// per-chat resume record.
func (s *Scanner) considerMessage(task *model.Task, chat mtclient.ChatInfo, msg mtclient.Message, selfID int64) bool {
	if msg.Media == nil {
		return false
	}
	opts := task.Options
	if opts.MessageIDFrom > 0 && msg.MessageID < opts.MessageIDFrom {
		return false
	}
	if opts.MessageIDTo > 0 && msg.MessageID > opts.MessageIDTo {
		return false
	}
	if !opts.DateFrom.IsZero() && msg.Date.Before(opts.DateFrom) {
		return false
	}
	if !opts.DateTo.IsZero() && msg.Date.After(opts.DateTo) {
		return false
	}
	if opts.OnlyMine && msg.FromID != selfID {
		return false
	}
	if len(opts.SpecifyMessageIDs) > 0 && !containsInt64(opts.SpecifyMessageIDs, msg.MessageID) {
		return false
	}
	if containsInt64(opts.SkipMessageIDs, msg.MessageID) {
		return false
	}
	if opts.MediaKinds != nil && !opts.MediaKinds[msg.Media.Kind] {
		return false
	}

	itemID := model.MakeItemID(chat.ID, msg.MessageID)
	if task.FindItem(itemID) != nil {
		return true
	}

	name := fileName(chat.ID, msg, msg.Media)
	relPath := filepath.Join("chats", fmt.Sprintf("chat_%d", absInt64(chat.ID)), mediaSubdir(msg.Media.Kind), name)

	item := &model.DownloadItem{
		ChatID:    chat.ID,
		MessageID: msg.MessageID,
		ItemID:    itemID,
		FilePath:  relPath,
		FileSize:  msg.Media.FileSize,
		Kind:      msg.Media.Kind,
		Status:    model.ItemWaiting,
	}
	task.Items = append(task.Items, item)
	task.TotalMedia++
	task.TotalSize += item.FileSize

	if task.Status == model.TaskRunning && s.deps.Enqueue != nil {
		s.deps.Enqueue(itemID)
	}
	return true
}

func (s *Scanner) notify(task *model.Task) {
	if s.deps.Notify != nil {
		s.deps.Notify(task)
	}
}

func (s *Scanner) progressPath(task *model.Task, chatID int64) string {
	return filepath.Join(task.ExportRoot, "chats", fmt.Sprintf("chat_%d", absInt64(chatID)), ".export_progress.json")
}

type progressRecord struct {
	DownloadedMessageIDs []int64 `json:"downloaded_message_ids"`
}

func loadProgress(path string) []int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var rec progressRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	return rec.DownloadedMessageIDs
}

func (s *Scanner) persistProgress(path string, ids []int64) {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		s.logError("prepare chat export directory", err)
		return
	}
	data, err := json.MarshalIndent(progressRecord{DownloadedMessageIDs: ids}, "", "  ")
	if err != nil {
		s.logError("encode resume record", err)
		return
	}
	if err := os.WriteFile(path, data, 0o666); err != nil {
		s.logError("write resume record", err)
	}
}

func (s *Scanner) logError(action string, err error) {
	if s.deps.Logger != nil {
		s.deps.Logger.Error("scanner: "+action, "error", err)
	}
}

func containsInt64(list []int64, v int64) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// mediaSubdir maps a media kind to its export-directory subfolder.
func mediaSubdir(kind model.MediaKind) string {
	switch kind {
	case model.MediaPhoto:
		return "photos"
	case model.MediaVideo:
		return "video_files"
	case model.MediaVoice:
		return "voice_messages"
	case model.MediaVideoNote:
		return "round_video_messages"
	case model.MediaAudio:
		return "audio_files"
	case model.MediaSticker:
		return "stickers"
	case model.MediaAnimation:
		return "gifs"
	default:
		return "files"
	}
}

// extForKind returns the fallback extension used when the media
// carries no original file name (everything but documents).
func extForKind(kind model.MediaKind) string {
	switch kind {
	case model.MediaPhoto:
		return "jpg"
	case model.MediaVideo:
		return "mp4"
	case model.MediaVoice:
		return "ogg"
	case model.MediaVideoNote:
		return "mp4"
	case model.MediaAudio:
		return "mp3"
	case model.MediaSticker:
		return "webp"
	case model.MediaAnimation:
		return "mp4"
	default:
		return "bin"
	}
}

// fileName builds the deterministic export filename: documents keep
// their sanitised original name, everything else falls back to a
// kind-appropriate extension and a formatted capture date.
func fileName(chatID int64, msg mtclient.Message, media *mtclient.MediaInfo) string {
	prefix := model.FileNamePrefix(chatID, msg.MessageID)
	if media.Kind == model.MediaDocument && media.FileName != "" {
		return prefix + sanitizeName(media.FileName)
	}
	dateStr := msg.Date.Format("20060102_150405")
	return fmt.Sprintf("%s%s.%s", prefix, dateStr, extForKind(media.Kind))
}

var (
	emojiPattern     = regexp.MustCompile(`[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}\x{1F1E0}-\x{1F1FF}]+`)
	disallowedChars  = regexp.MustCompile(`[^\w\x{4e00}-\x{9fff}.\-]`)
	repeatedUnderbar = regexp.MustCompile(`_+`)
)

// sanitizeName mirrors the original exporter's _safe_filename: strip
// emoji, replace anything outside ASCII word characters / CJK / '.'
// / '-' with an underscore, collapse repeats, trim, cap length.
func sanitizeName(name string) string {
	name = emojiPattern.ReplaceAllString(name, "")
	name = disallowedChars.ReplaceAllString(name, "_")
	name = repeatedUnderbar.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if runes := []rune(name); len(runes) > 100 {
		name = string(runes[:100])
	}
	if name == "" {
		return "unnamed"
	}
	return name
}
