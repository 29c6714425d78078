package mtclient

import (
	"context"
	"fmt"

	"github.com/gotd/td/tg"
)

// FileMigrateError reports the Telegram FILE_MIGRATE_<dc> response: the
// requested file lives on a different data center than the one the
// request was sent to. The chunk downloader retries the same request
// after a short pause; DC is not used to route the retry.
type FileMigrateError struct {
	DC int
}

func (e *FileMigrateError) Error() string {
	return fmt.Sprintf("FILE_MIGRATE_%d", e.DC)
}

// LimitInvalidError reports LIMIT_INVALID: the requested chunk size was
// not an accepted power-of-two multiple of 4096. This is a permanent
// failure for the chunk in question, never retried.
type LimitInvalidError struct{}

func (e *LimitInvalidError) Error() string { return "LIMIT_INVALID" }

// Client is the MTProto boundary the Scanner and Download Worker Pool
// depend on. Everything above this interface is gotd-free.
type Client interface {
	// Run authenticates (if a session is already present) and executes
	// fn with a context valid for the lifetime of the connection.
	Run(ctx context.Context, fn func(ctx context.Context) error) error

	// GetDialogs enumerates every dialog visible to the account.
	GetDialogs(ctx context.Context) ([]ChatInfo, error)

	// GetChatHistory streams messages for chat starting just after
	// fromMessageID (0 means from the beginning), oldest-first when
	// reverse is true. The returned channels are closed when the scan
	// completes or ctx is cancelled; at most one error is ever sent.
	GetChatHistory(ctx context.Context, chat ChatInfo, fromMessageID int64, reverse bool) (<-chan Message, <-chan error)

	// GetMessageByID fetches a single message for manual-resume lookups
	// and post-flood-wait refetches.
	GetMessageByID(ctx context.Context, chat ChatInfo, messageID int64) (*Message, error)

	// RefreshMedia re-resolves a message's file reference, for use
	// after a FILE_REFERENCE_EXPIRED classification.
	RefreshMedia(ctx context.Context, chat ChatInfo, messageID int64) (*MediaInfo, error)

	// DownloadMedia streams the full object through the SDK's own
	// downloader, for the common single-stream path.
	DownloadMedia(ctx context.Context, media *MediaInfo, destPath string, progress ProgressFunc) error

	// GetFileChunk issues one raw upload.getFile call, returning the
	// bytes for [offset, offset+limit). offset and limit must already
	// be 4096-aligned; the Parallel Chunk Downloader owns alignment.
	GetFileChunk(ctx context.Context, loc tg.InputFileLocationClass, offset int64, limit int) ([]byte, error)

	// SetMaxConcurrentTransmissions receives the Adaptive Concurrency
	// Controller's current ceiling whenever the worker pool reports it.
	// GotdClient only records the value; the SDK's own connections are
	// not capped by it.
	SetMaxConcurrentTransmissions(n int)

	// SetLimiter attaches the task's bandwidth limiter, applied to the
	// single-stream download path the same way the chunk downloader
	// applies its own.
	SetLimiter(limiter Limiter, taskID string)

	// Self returns the authenticated user's id, used for the
	// "only_mine" scan filter.
	Self(ctx context.Context) (int64, error)
}
