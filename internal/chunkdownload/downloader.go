package chunkdownload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/gotd/td/tg"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"tachyon-export/internal/mtclient"
)

// fileMigrateRetries is the number of times a chunk retries after a
// FILE_MIGRATE_<dc> response before giving up; the underlying client
// is expected to have switched data centers by the first retry.
const fileMigrateRetries = 3

// fileMigrateBackoff is the sleep between FILE_MIGRATE_* retries.
const fileMigrateBackoff = 500 * time.Millisecond

// chunkFetcher is the subset of mtclient.Client the downloader drives;
// narrowed for testability.
type chunkFetcher interface {
	GetFileChunk(ctx context.Context, loc tg.InputFileLocationClass, offset int64, limit int) ([]byte, error)
}

// GlobalGate bounds the total number of simultaneous chunk requests
// across every task in the process, on top of each task's own
// connection-count semaphore.
type GlobalGate struct {
	sem *semaphore.Weighted
}

// NewGlobalGate builds a gate sized to 2x the process-wide
// max_concurrent_downloads ceiling. Its capacity is fixed once built.
func NewGlobalGate(capacity int) *GlobalGate {
	if capacity < 1 {
		capacity = 1
	}
	return &GlobalGate{sem: semaphore.NewWeighted(int64(capacity))}
}

// Limiter is the bandwidth-shaping dependency consulted before each
// chunk fetch; satisfied by *ratelimit.Limiter.
type Limiter interface {
	Wait(ctx context.Context, taskID string, n int) error
}

// Downloader drives one file's parallel chunk fetch.
type Downloader struct {
	client chunkFetcher
	global *GlobalGate

	limiter Limiter
	taskID  string
}

// New builds a Downloader bound to client and sharing global as the
// process-wide fan-out cap.
func New(client chunkFetcher, global *GlobalGate) *Downloader {
	return &Downloader{client: client, global: global}
}

// SetLimiter attaches a bandwidth limiter; every chunk fetch waits for
// its byte budget under taskID's priority before the request goes out,
// mirroring the single-stream path's traffic shaping.
func (d *Downloader) SetLimiter(limiter Limiter, taskID string) {
	d.limiter = limiter
	d.taskID = taskID
}

// ProgressFunc reports cumulative bytes written against the file's
// total declared size.
type ProgressFunc func(written, total int64)

// Result is what the caller needs to decide success/failure and
// update the item record.
type Result struct {
	BytesWritten int64
	AllChunks    bool
}

// Download fetches fileSize bytes of loc into destPath using
// `connections` concurrent chunk requests, resuming from any bytes
// already present on disk. A FLOOD_WAIT or FILE_REFERENCE_EXPIRED
// classification from any chunk aborts the whole download immediately
// and is returned to the caller for item-level retry handling; a
// FILE_MIGRATE_<dc> is retried in place up to fileMigrateRetries times.
func (d *Downloader) Download(ctx context.Context, loc tg.InputFileLocationClass, destPath string, fileSize int64, connections int, progress ProgressFunc) (Result, error) {
	if connections < 1 {
		connections = 1
	}

	// Pre-probe: resolve any pending DC migration for this location
	// before fanning out, so parallel chunks don't all trip the same
	// migration simultaneously. Best-effort: ignore the error, later
	// per-chunk requests will still see (and retry) the migration.
	_, _ = d.client.GetFileChunk(ctx, loc, 0, int(blockAlign))

	chunks := CalculateChunks(fileSize, connections)

	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("chunkdownload: open %s: %w", destPath, err)
	}
	defer f.Close()

	existingSize := int64(0)
	if info, statErr := f.Stat(); statErr == nil {
		existingSize = info.Size()
	}
	alreadyDownloaded := MarkResumable(chunks, existingSize)

	var written int64 = alreadyDownloaded
	var writeMu sync.Mutex
	var progressMu sync.Mutex

	taskSem := semaphore.NewWeighted(int64(connections))

	group, gctx := errgroup.WithContext(ctx)
	for i := range chunks {
		chunk := chunks[i]
		if chunk.Downloaded {
			continue
		}
		group.Go(func() error {
			if err := taskSem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer taskSem.Release(1)

			if d.global != nil {
				if err := d.global.sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer d.global.sem.Release(1)
			}

			stagger := time.Duration(uniform(0.05, 0.20)*float64(chunk.Index%connections)) * time.Second
			timer := time.NewTimer(stagger)
			select {
			case <-gctx.Done():
				timer.Stop()
				return gctx.Err()
			case <-timer.C:
			}

			if d.limiter != nil {
				if err := d.limiter.Wait(gctx, d.taskID, int(chunk.Limit)); err != nil {
					return err
				}
			}

			data, err := d.fetchChunk(gctx, loc, chunk)
			if err != nil {
				return err
			}

			n := chunk.RealSize
			if int64(len(data)) < n {
				n = int64(len(data))
			}

			writeMu.Lock()
			_, werr := f.WriteAt(data[:n], chunk.Offset)
			writeMu.Unlock()
			if werr != nil {
				return fmt.Errorf("chunkdownload: write offset %d: %w", chunk.Offset, werr)
			}

			progressMu.Lock()
			written += n
			cur := written
			progressMu.Unlock()
			if progress != nil {
				progress(cur, fileSize)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return Result{BytesWritten: written}, err
	}
	return Result{BytesWritten: written, AllChunks: true}, nil
}

// fetchChunk issues the raw request for one chunk, retrying in place
// on FILE_MIGRATE_* and re-raising everything else (flood-wait,
// file-reference-expired, LIMIT_INVALID, connection errors) to the
// caller.
func (d *Downloader) fetchChunk(ctx context.Context, loc tg.InputFileLocationClass, chunk Chunk) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= fileMigrateRetries; attempt++ {
		data, err := d.client.GetFileChunk(ctx, loc, chunk.Offset, int(chunk.Limit))
		if err == nil {
			return data, nil
		}

		var migrate *mtclient.FileMigrateError
		if !errors.As(err, &migrate) {
			return nil, err
		}
		lastErr = err
		if attempt == fileMigrateRetries {
			break
		}
		timer := time.NewTimer(fileMigrateBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func uniform(lo, hi float64) float64 {
	return lo + rand.Float64()*(hi-lo)
}
