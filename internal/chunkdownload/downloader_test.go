package chunkdownload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gotd/td/tg"

	"tachyon-export/internal/mtclient"
)

// fetchKey identifies one request by offset and limit, so the
// downloader's 4096-byte pre-probe at offset 0 is told apart from a
// real chunk fetch at the same offset.
type fetchKey struct {
	offset int64
	limit  int
}

type fakeFetcher struct {
	mu        sync.Mutex
	calls     int
	requested map[fetchKey]bool
	failFirst map[int64]error // offset -> error to return once
	chunkData func(offset int64, limit int) []byte
}

func (f *fakeFetcher) GetFileChunk(ctx context.Context, loc tg.InputFileLocationClass, offset int64, limit int) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	if f.requested == nil {
		f.requested = make(map[fetchKey]bool)
	}
	f.requested[fetchKey{offset, limit}] = true
	if err, ok := f.failFirst[offset]; ok {
		delete(f.failFirst, offset)
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	if f.chunkData != nil {
		return f.chunkData(offset, limit), nil
	}
	return make([]byte, limit), nil
}

func (f *fakeFetcher) wasRequested(offset int64, limit int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requested[fetchKey{offset, limit}]
}

func testLocation() tg.InputFileLocationClass {
	return &tg.InputDocumentFileLocation{ID: 1, AccessHash: 2, FileReference: []byte("ref")}
}

func TestDownloadFullFileNoPriorContent(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	fetcher := &fakeFetcher{chunkData: func(offset int64, limit int) []byte { return make([]byte, limit) }}
	d := New(fetcher, NewGlobalGate(8))

	size := int64(3 << 20)
	res, err := d.Download(context.Background(), testLocation(), dest, size, 4, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.AllChunks || res.BytesWritten != size {
		t.Fatalf("result = %+v, want all chunks and %d bytes", res, size)
	}
	info, statErr := os.Stat(dest)
	if statErr != nil {
		t.Fatal(statErr)
	}
	if info.Size() != size {
		t.Fatalf("file size = %d, want %d", info.Size(), size)
	}
}

func TestDownloadResumesFromExistingFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	size := int64(3 << 20)
	chunks := CalculateChunks(size, 4)
	existing := chunks[0].RealSize

	if err := os.WriteFile(dest, make([]byte, existing), 0o644); err != nil {
		t.Fatal(err)
	}

	fetcher := &fakeFetcher{chunkData: func(offset int64, limit int) []byte { return make([]byte, limit) }}
	d := New(fetcher, NewGlobalGate(8))

	res, err := d.Download(context.Background(), testLocation(), dest, size, 4, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.BytesWritten != size {
		t.Fatalf("bytes written = %d, want %d", res.BytesWritten, size)
	}
	if fetcher.wasRequested(chunks[0].Offset, int(chunks[0].Limit)) {
		t.Fatal("resumed chunk should not be fetched")
	}
}

func TestDownloadRetriesFileMigrate(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	fetcher := &fakeFetcher{chunkData: func(offset int64, limit int) []byte { return make([]byte, limit) }}
	wrapped := &migratingFetcher{inner: fetcher, failTimes: 2}
	d := New(wrapped, NewGlobalGate(4))

	size := int64(1 << 20) // single chunk, below parallel threshold but fine for CalculateChunks directly
	res, err := d.Download(context.Background(), testLocation(), dest, size, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.BytesWritten != size {
		t.Fatalf("bytes written = %d, want %d", res.BytesWritten, size)
	}
}

type migratingFetcher struct {
	inner     chunkFetcher
	mu        sync.Mutex
	failTimes int
}

func (m *migratingFetcher) GetFileChunk(ctx context.Context, loc tg.InputFileLocationClass, offset int64, limit int) ([]byte, error) {
	m.mu.Lock()
	if m.failTimes > 0 {
		m.failTimes--
		m.mu.Unlock()
		return nil, &mtclient.FileMigrateError{DC: 5}
	}
	m.mu.Unlock()
	return m.inner.GetFileChunk(ctx, loc, offset, limit)
}

func TestDownloadPropagatesFloodWaitImmediately(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	// The failure sits on the second chunk: offset 0 is first read by
	// the best-effort pre-probe, which discards its error.
	floodErr := errors.New("FLOOD_WAIT_7")
	fetcher := &fakeFetcher{failFirst: map[int64]error{1 << 20: floodErr}}
	d := New(fetcher, NewGlobalGate(4))

	size := int64(40 << 20)
	_, err := d.Download(context.Background(), testLocation(), dest, size, 4, nil)
	if err == nil {
		t.Fatal("expected flood-wait error to propagate")
	}
}

func TestDownloadLimitInvalidPermanentFailure(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	// Second chunk, for the same reason as in the flood-wait test above.
	fetcher := &fakeFetcher{failFirst: map[int64]error{1 << 20: &mtclient.LimitInvalidError{}}}
	d := New(fetcher, NewGlobalGate(4))

	size := int64(40 << 20)
	_, err := d.Download(context.Background(), testLocation(), dest, size, 4, nil)
	var limitErr *mtclient.LimitInvalidError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitInvalidError, got %v", err)
	}
}
