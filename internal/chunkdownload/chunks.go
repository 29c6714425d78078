// Package chunkdownload implements the Parallel Chunk Downloader: it
// splits a large media object into 4096-byte-aligned offset ranges,
// fetches them concurrently over raw upload.getFile calls, and writes
// each range directly into its final offset in the target file.
package chunkdownload

// blockAlign is the byte alignment upload.getFile requires for both
// offset and limit.
const blockAlign = int64(4096)

// baseChunkSize is the chunk size used for every file, whatever its
// size or connection count; MinParallelSize is the size floor below which the
// whole file is downloaded single-stream instead.
const (
	baseChunkSize   = int64(1 << 20) // 1 MiB
	MinParallelSize = int64(10 << 20) // 10 MiB
)

// Chunk is one aligned byte range of a file being downloaded in
// parallel.
type Chunk struct {
	Index      int
	Offset     int64
	Limit      int64 // always a multiple of blockAlign
	RealSize   int64 // min(Limit, fileSize-Offset); the bytes actually written
	Downloaded bool
}

// ShouldParallelize reports whether a file of the given size, with the
// task's parallel-chunk options, qualifies for chunked download instead
// of a single MTProto stream.
func ShouldParallelize(fileSize int64, enableParallelChunk bool, connections int) bool {
	return enableParallelChunk && connections > 1 && fileSize >= MinParallelSize
}

// CalculateChunks splits [0, fileSize) into fixed baseChunkSize,
// 4096-aligned chunks (the last one rounded up so its limit still
// lands on an alignment boundary; RealSize is clamped to what remains
// in the file).
func CalculateChunks(fileSize int64, connections int) []Chunk {
	if connections < 1 {
		connections = 1
	}
	chunkSize := baseChunkSize

	var chunks []Chunk
	var offset int64
	index := 0
	for offset < fileSize {
		remaining := fileSize - offset
		limit := chunkSize
		if limit > remaining {
			limit = alignUp(remaining, blockAlign)
		}
		real := limit
		if real > remaining {
			real = remaining
		}
		chunks = append(chunks, Chunk{Index: index, Offset: offset, Limit: limit, RealSize: real})
		offset += limit
		index++
	}
	return chunks
}

func alignUp(n, align int64) int64 {
	return ((n + align - 1) / align) * align
}

// MarkResumable flags every chunk already fully present in an
// existing file of the given size, so dispatch can skip them.
func MarkResumable(chunks []Chunk, existingSize int64) (alreadyDownloaded int64) {
	for i := range chunks {
		if chunks[i].Offset+chunks[i].RealSize <= existingSize {
			chunks[i].Downloaded = true
			alreadyDownloaded += chunks[i].RealSize
		}
	}
	return alreadyDownloaded
}
