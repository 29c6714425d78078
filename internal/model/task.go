// Package model defines the data types shared by every component of the
// export task engine: tasks, download items, per-task options and the
// diagnostic records surfaced to the control plane.
package model

import "time"

// TaskStatus is the lifecycle state of an export task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskExtracting TaskStatus = "extracting"
	TaskRunning    TaskStatus = "running"
	TaskPaused     TaskStatus = "paused"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// ItemStatus is the lifecycle state of a single download item.
type ItemStatus string

const (
	ItemWaiting     ItemStatus = "waiting"
	ItemDownloading ItemStatus = "downloading"
	ItemPaused      ItemStatus = "paused"
	ItemCompleted   ItemStatus = "completed"
	ItemFailed      ItemStatus = "failed"
	ItemSkipped     ItemStatus = "skipped"
)

// MediaKind identifies the kind of media an item refers to.
type MediaKind string

const (
	MediaPhoto      MediaKind = "photo"
	MediaVideo      MediaKind = "video"
	MediaAudio      MediaKind = "audio"
	MediaVoice      MediaKind = "voice"
	MediaVideoNote  MediaKind = "video_note"
	MediaDocument   MediaKind = "document"
	MediaSticker    MediaKind = "sticker"
	MediaAnimation  MediaKind = "animation"
)

// Options captures the per-task configuration the user supplies at
// creation time.
type Options struct {
	ChatTypes []string `json:"chat_types"` // e.g. "private", "group", "channel"

	// ChatIDs, when non-empty, names the exact set of chats to scan;
	// takes precedence over ChatTypes.
	ChatIDs []int64 `json:"chat_ids,omitempty"`

	MessageIDFrom int64 `json:"message_id_from"`
	MessageIDTo   int64 `json:"message_id_to"` // 0 = unbounded upper bound

	DateFrom time.Time `json:"date_from,omitempty"`
	DateTo   time.Time `json:"date_to,omitempty"`

	// OnlyMine restricts the scan to messages sent by the authenticated
	// account.
	OnlyMine bool `json:"only_mine,omitempty"`

	// SkipMessageIDs excludes the listed message ids; SpecifyMessageIDs,
	// when non-empty, restricts the scan to exactly those ids.
	SkipMessageIDs    []int64 `json:"skip_message_ids,omitempty"`
	SpecifyMessageIDs []int64 `json:"specify_message_ids,omitempty"`

	MediaKinds map[MediaKind]bool `json:"media_kinds"`

	MaxConcurrentDownloads   int  `json:"max_concurrent_downloads"`
	ParallelChunkConnections int  `json:"parallel_chunk_connections"`
	EnableParallelChunk      bool `json:"enable_parallel_chunk"`
	MaxDownloadRetries       int  `json:"max_download_retries"`
	RetryDelaySeconds        int  `json:"retry_delay_seconds"`

	SkipExisting           bool `json:"skip_existing"`
	IncrementalScanEnabled bool `json:"incremental_scan_enabled"`

	ExportPath string `json:"export_path"`
	ProxyURL   string `json:"proxy_url,omitempty"`

	// UseExternalDownloader routes downloads through the tdl batcher
	// instead of the in-process MTProto path.
	UseExternalDownloader bool `json:"use_external_downloader"`

	// BandwidthPriority is a supplemental knob: 1=Low, 2=Normal, 3=High;
	// consumed by internal/ratelimit.
	BandwidthPriority int `json:"bandwidth_priority"`
}

// DefaultOptions returns the documented defaults used to backfill
// missing/older fields on load.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentDownloads:   5,
		ParallelChunkConnections: 3,
		EnableParallelChunk:      true,
		MaxDownloadRetries:       5,
		RetryDelaySeconds:        2,
		SkipExisting:             true,
		IncrementalScanEnabled:   true,
		BandwidthPriority:        2,
		MediaKinds: map[MediaKind]bool{
			MediaPhoto: true, MediaVideo: true, MediaDocument: true,
		},
	}
}

// ApplyDefaults fills zero-valued fields of o with the documented
// defaults; used when loading an older persisted task.
func (o *Options) ApplyDefaults() {
	d := DefaultOptions()
	if o.MaxConcurrentDownloads <= 0 {
		o.MaxConcurrentDownloads = d.MaxConcurrentDownloads
	}
	if o.ParallelChunkConnections <= 0 {
		o.ParallelChunkConnections = d.ParallelChunkConnections
	}
	o.ParallelChunkConnections = clamp(o.ParallelChunkConnections, 1, 8)
	if o.MaxDownloadRetries <= 0 {
		o.MaxDownloadRetries = d.MaxDownloadRetries
	}
	if o.RetryDelaySeconds <= 0 {
		o.RetryDelaySeconds = d.RetryDelaySeconds
	}
	if o.MediaKinds == nil {
		o.MediaKinds = d.MediaKinds
	}
	if o.BandwidthPriority == 0 {
		o.BandwidthPriority = d.BandwidthPriority
	}
	o.MaxConcurrentDownloads = clamp(o.MaxConcurrentDownloads, 1, 20)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FailureRecord accumulates diagnostic information for a failed item.
type FailureRecord struct {
	ChatID       int64     `json:"chat_id"`
	MessageID    int64     `json:"message_id"`
	FileName     string    `json:"file_name"`
	ErrorKind    string    `json:"error_kind"`
	ErrorMessage string    `json:"error_message"`
	RetryCount   int       `json:"retry_count"`
	LastRetry    time.Time `json:"last_retry"`
	Resolved     bool      `json:"resolved"`
}

// DownloadItem is a single media object tied to one message.
type DownloadItem struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	ItemID    string `json:"item_id"` // "{chat_id}_{message_id}"

	FilePath string    `json:"file_path"` // relative to the task's export root
	FileSize int64     `json:"file_size"` // expected size, 0 if unknown
	Kind     MediaKind `json:"kind"`

	Status         ItemStatus `json:"status"`
	DownloadedSize int64      `json:"downloaded_size"`
	Progress       float64    `json:"progress"` // percent
	Speed          float64    `json:"speed"`    // bytes/sec, instantaneous

	LastError string `json:"last_error,omitempty"`

	IsRetry         bool      `json:"is_retry"`
	ResumeTimestamp time.Time `json:"resume_timestamp,omitempty"`

	IsManuallyPaused bool `json:"is_manually_paused"`

	FinalPath string `json:"final_path,omitempty"`
}

// MakeItemID computes the deterministic item identity.
func MakeItemID(chatID, messageID int64) string {
	return itemIDFormat(chatID, messageID)
}

// Task is an export task: identity, lifecycle, options, progress
// counters and the ordered item pool.
type Task struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Status  TaskStatus `json:"status"`
	Options Options    `json:"options"`

	TotalMedia      int   `json:"total_media"`
	DownloadedMedia int   `json:"downloaded_media"`
	TotalSize       int64 `json:"total_size"`
	DownloadedSize  int64 `json:"downloaded_size"`

	Items    []*DownloadItem  `json:"items"`
	Failures []*FailureRecord `json:"failures"`

	// LastScannedIDs maps chat id to the highest message id the Scanner
	// has observed for that chat; monotonically non-decreasing.
	LastScannedIDs map[int64]int64 `json:"last_scanned_ids"`

	ExportRoot string `json:"export_root"`

	LastError string `json:"last_error,omitempty"`

	// VerifyResult holds the most recent integrity-verifier run's counts,
	// for display.
	VerifyResult *VerifyResult `json:"verify_result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VerifyResult is the outcome of one Integrity Verifier pass.
type VerifyResult struct {
	Recovered int       `json:"recovered"`
	Fixed     int        `json:"fixed"`
	Moved     int        `json:"moved"`
	RanAt     time.Time `json:"ran_at"`
}

// FindItem returns the item with the given id, or nil.
func (t *Task) FindItem(itemID string) *DownloadItem {
	for _, it := range t.Items {
		if it.ItemID == itemID {
			return it
		}
	}
	return nil
}

// RecomputeTotals recalculates TotalMedia/DownloadedMedia/TotalSize/
// DownloadedSize from the item pool (used after bulk mutation, e.g. by
// the Integrity Verifier).
func (t *Task) RecomputeTotals() {
	t.TotalMedia = len(t.Items)
	t.DownloadedMedia = 0
	t.TotalSize = 0
	t.DownloadedSize = 0
	for _, it := range t.Items {
		t.TotalSize += it.FileSize
		if it.Status == ItemCompleted || it.Status == ItemSkipped {
			t.DownloadedMedia++
		}
		t.DownloadedSize += it.DownloadedSize
	}
}
