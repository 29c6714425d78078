package workerpool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tachyon-export/internal/model"
)

// batchFlushDelay is the batching window: a bucket flushes this long
// after the Submit that created it, so concurrent workers racing onto
// the same (task, directory) within that window all ride a single
// external-downloader invocation.
var batchFlushDelay = 300 * time.Millisecond

// sniffInterval is how often the disk sniffer polls the target
// directory for partial files while a batch is in flight.
var sniffInterval = 10 * time.Second

// externalDeadline bounds one flush's external-downloader invocation.
const externalDeadline = time.Hour

// BatchItem identifies one message queued with the external
// downloader.
type BatchItem struct {
	ChatID    int64
	MessageID int64
}

// ExternalDownloader is the pluggable back-end a Batcher flush
// invokes once with every item accumulated in one bucket.
type ExternalDownloader interface {
	Fetch(ctx context.Context, items []BatchItem, targetDir string) error
}

type batchFuture struct {
	item BatchItem
	done chan error
}

type bucket struct {
	items []batchFuture
}

// Batcher groups concurrent external-downloader submissions by
// (task, directory) so one process invocation serves every item that
// arrived within the flush window, instead of shelling out once per
// file. It also polls the target directory while a flush is in
// flight so callers can surface progress before the invocation
// returns.
type Batcher struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	backend    ExternalDownloader
	onProgress func(item BatchItem, path string, size int64)
}

// NewBatcher builds a Batcher backed by backend. onProgress may be
// nil if the caller doesn't need partial-file visibility.
func NewBatcher(backend ExternalDownloader, onProgress func(item BatchItem, path string, size int64)) *Batcher {
	return &Batcher{
		buckets:    make(map[string]*bucket),
		backend:    backend,
		onProgress: onProgress,
	}
}

// Submit enqueues item into targetDir's bucket under taskID and
// blocks until that bucket's flush completes or ctx ends. Any error
// from the flush is returned to every submitter in the bucket, since
// the external downloader has no partial-success reporting.
func (b *Batcher) Submit(ctx context.Context, taskID string, item BatchItem, targetDir string) error {
	key := taskID + "|" + targetDir
	done := make(chan error, 1)

	b.mu.Lock()
	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{}
		b.buckets[key] = bk
		time.AfterFunc(batchFlushDelay, func() { b.flush(key, targetDir) })
	}
	bk.items = append(bk.items, batchFuture{item: item, done: done})
	b.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batcher) flush(key, targetDir string) {
	b.mu.Lock()
	bk, ok := b.buckets[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.buckets, key)
	futures := bk.items
	b.mu.Unlock()

	items := make([]BatchItem, len(futures))
	for i, f := range futures {
		items[i] = f.item
	}

	ctx, cancel := context.WithTimeout(context.Background(), externalDeadline)
	defer cancel()

	sniffDone := make(chan struct{})
	if b.onProgress != nil {
		go b.sniff(ctx, sniffDone, items, targetDir)
	} else {
		close(sniffDone)
	}

	err := b.backend.Fetch(ctx, items, targetDir)
	cancel()
	<-sniffDone

	for _, f := range futures {
		f.done <- err
	}
}

// sniff polls targetDir every sniffInterval, matching files against
// each queued item's deterministic "{message_id}-{|chat_id|}-" export
// filename prefix so a download in progress can still report a size
// before the batch invocation itself returns. The chat id is part of
// the prefix specifically to avoid collisions between items that
// share a message id across different chats in the same directory.
func (b *Batcher) sniff(ctx context.Context, done chan<- struct{}, items []BatchItem, targetDir string) {
	defer close(done)
	ticker := time.NewTicker(sniffInterval)
	defer ticker.Stop()

	prefixes := make(map[string]BatchItem, len(items))
	for _, it := range items {
		prefixes[model.FileNamePrefix(it.ChatID, it.MessageID)] = it
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := os.ReadDir(targetDir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				for prefix, it := range prefixes {
					if !strings.HasPrefix(e.Name(), prefix) {
						continue
					}
					info, err := e.Info()
					if err != nil {
						continue
					}
					b.onProgress(it, filepath.Join(targetDir, e.Name()), info.Size())
				}
			}
		}
	}
}
