// Package mtclient wraps the raw gotd/td MTProto client behind a small
// interface the Scanner and Download Worker Pool consume, translating
// gotd's wire types into the engine's own Message/ChatInfo/MediaInfo
// shapes and classifying FLOOD_WAIT / FILE_REFERENCE_EXPIRED / DC
// migration responses the way the raw API actually reports them.
package mtclient

import (
	"time"

	"github.com/gotd/td/tg"

	"tachyon-export/internal/model"
)

// ChatInfo is a resolved dialog peer, enough to address it in further
// history/message requests without re-resolving usernames each time.
type ChatInfo struct {
	ID       int64
	Type     string // "private", "group", "channel"
	Title    string
	Username string

	Input tg.InputPeerClass
}

// MediaInfo is the download-relevant projection of a message's media:
// a ready-to-use file location plus the metadata the Scanner needs to
// build the on-disk filename and the Options media-kind filter needs
// to classify it.
type MediaInfo struct {
	Kind     model.MediaKind
	FileName string
	FileSize int64
	MimeType string

	Location tg.InputFileLocationClass
}

// Message is the Scanner's view of a single history entry.
type Message struct {
	ChatID    int64
	MessageID int64
	Date      time.Time
	FromID    int64
	Outgoing  bool

	Media *MediaInfo
}

// ProgressFunc receives cumulative bytes written so far; total may be 0
// if the size was unknown up front.
type ProgressFunc func(written, total int64)
