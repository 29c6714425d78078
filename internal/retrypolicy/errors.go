// Package retrypolicy classifies download errors and computes the
// backoff/flood-wait delays the worker pool and chunk downloader use
// when retrying a failed transfer.
package retrypolicy

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is one of the download engine's error categories.
type Kind string

const (
	KindConnectionLost       Kind = "connection_lost"
	KindFileReferenceExpired Kind = "file_reference_expired"
	KindPeerInvalid          Kind = "peer_invalid"
	KindFloodWait            Kind = "flood_wait"
	KindIntegrityError       Kind = "integrity_error"
	KindDiskError            Kind = "disk_error"
	KindStuck                Kind = "stuck"
	KindCancelled            Kind = "cancelled"
	KindUnknown              Kind = "unknown"
)

// FloodWaitError carries the server-imposed wait in seconds.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("FLOOD_WAIT_%d", e.Seconds)
}

// Sentinel errors for the remaining classified kinds. Wrap these with
// fmt.Errorf("...: %w", ErrX) at the call site to preserve context.
var (
	ErrConnectionLost       = errors.New("connection lost")
	ErrFileReferenceExpired = errors.New("file reference expired")
	ErrPeerInvalid          = errors.New("peer id invalid")
	ErrIntegrity            = errors.New("integrity check failed")
	ErrDisk                 = errors.New("disk error")
	ErrStuck                = errors.New("stuck: no progress")
)

// Classify maps a raised error to one of the engine's error kinds.
// It mirrors original_source's retry_manager.classify_error: first by
// sentinel/typed match, then by substring heuristics over the raw
// message for errors surfaced by the MTProto client as plain strings
// (e.g. "FILE_REFERENCE_EXPIRED", "PEER_ID_INVALID").
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return KindFloodWait
	}
	switch {
	case errors.Is(err, ErrFileReferenceExpired):
		return KindFileReferenceExpired
	case errors.Is(err, ErrPeerInvalid):
		return KindPeerInvalid
	case errors.Is(err, ErrIntegrity):
		return KindIntegrityError
	case errors.Is(err, ErrDisk):
		return KindDiskError
	case errors.Is(err, ErrStuck):
		return KindStuck
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "file_reference") || strings.Contains(msg, "file reference"):
		return KindFileReferenceExpired
	case strings.Contains(msg, "peer_id_invalid") || strings.Contains(msg, "channel_invalid") || strings.Contains(msg, "channel_private"):
		return KindPeerInvalid
	case strings.Contains(msg, "flood"):
		return KindFloodWait
	case strings.Contains(msg, "connection") || strings.Contains(msg, "disconnect") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "reset") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "eof"):
		return KindConnectionLost
	default:
		return KindUnknown
	}
}

// Retryable reports whether the engine should attempt another try for
// the given kind.
func Retryable(k Kind) bool {
	switch k {
	case KindConnectionLost, KindFileReferenceExpired, KindFloodWait, KindUnknown:
		return true
	default:
		return false
	}
}
