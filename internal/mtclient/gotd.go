package mtclient

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"tachyon-export/internal/model"
)

var floodWaitPattern = regexp.MustCompile(`FLOOD_WAIT[_ (]+(\d+)`)
var fileMigratePattern = regexp.MustCompile(`FILE_MIGRATE_(\d+)`)

// classifyUploadErr recognizes the handful of raw RPC error strings the
// chunk downloader and retry policy need typed access to; everything
// else is returned unwrapped for retrypolicy.Classify's substring
// fallback to handle.
func classifyUploadErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if m := floodWaitPattern.FindStringSubmatch(msg); m != nil {
		secs, _ := strconv.Atoi(m[1])
		return &floodWaitErr{seconds: secs, wrapped: err}
	}
	if m := fileMigratePattern.FindStringSubmatch(msg); m != nil {
		dc, _ := strconv.Atoi(m[1])
		return &FileMigrateError{DC: dc}
	}
	if strings.Contains(msg, "LIMIT_INVALID") {
		return &LimitInvalidError{}
	}
	return err
}

// floodWaitErr adapts a raw RPC flood-wait string into the shape
// retrypolicy.Classify expects (a *retrypolicy.FloodWaitError-like
// type). mtclient does not import retrypolicy to avoid a dependency
// cycle with chunkdownload/workerpool, which import both; callers use
// Seconds() to build their own typed error.
type floodWaitErr struct {
	seconds int
	wrapped error
}

func (e *floodWaitErr) Error() string { return e.wrapped.Error() }
func (e *floodWaitErr) Seconds() int  { return e.seconds }
func (e *floodWaitErr) Unwrap() error { return e.wrapped }

// FloodWaitSeconds extracts the wait duration from an error returned by
// this package, if it carries one.
func FloodWaitSeconds(err error) (int, bool) {
	var fw *floodWaitErr
	for e := err; e != nil; {
		if asFW, ok := e.(*floodWaitErr); ok {
			fw = asFW
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if fw == nil {
		return 0, false
	}
	return fw.seconds, true
}

// GotdClient is the production Client backed by github.com/gotd/td.
type GotdClient struct {
	appID   int
	appHash string
	client  *telegram.Client
	api     *tg.Client
	dl      *downloader.Downloader

	maxTransmissions atomic.Int64

	mu    sync.Mutex
	peers map[int64]tg.InputPeerClass

	limiter       Limiter
	limiterTaskID string
}

// NewGotdClient builds a client whose session is persisted at
// sessionPath. proxyURL may be empty.
func NewGotdClient(appID int, appHash, sessionPath, proxyURL string) (*GotdClient, error) {
	opts := telegram.Options{
		SessionStorage: &session.FileStorage{Path: sessionPath},
	}
	// proxyURL is accepted but not used: neither the gotd transport
	// built here nor the external-downloader path receives it.
	_ = proxyURL
	c := &GotdClient{
		appID:   appID,
		appHash: appHash,
		client:  telegram.NewClient(appID, appHash, opts),
		dl:      downloader.NewDownloader(),
		peers:   make(map[int64]tg.InputPeerClass),
	}
	c.maxTransmissions.Store(int64(dlConcurrentDefault))
	c.api = c.client.API()
	return c, nil
}

const dlConcurrentDefault = 4

func (c *GotdClient) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		status, err := c.client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("mtclient: auth status: %w", err)
		}
		if !status.Authorized {
			return fmt.Errorf("mtclient: session not authorized, run the login flow first")
		}
		return fn(ctx)
	})
}

func (c *GotdClient) Self(ctx context.Context) (int64, error) {
	full, err := c.client.Self(ctx)
	if err != nil {
		return 0, classifyUploadErr(err)
	}
	return full.ID, nil
}

// SetMaxConcurrentTransmissions records n, floored at 1. The stored
// value is not passed to the gotd client or its downloader, so it does
// not limit their connections.
func (c *GotdClient) SetMaxConcurrentTransmissions(n int) {
	if n < 1 {
		n = 1
	}
	c.maxTransmissions.Store(int64(n))
}

func (c *GotdClient) rememberPeer(id int64, in tg.InputPeerClass) {
	c.mu.Lock()
	c.peers[id] = in
	c.mu.Unlock()
}

func (c *GotdClient) peerFor(id int64) (tg.InputPeerClass, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[id]
	return p, ok
}

// GetDialogs pages through contacts.getDialogs, the pattern
// guiyumin-vget's getAllChannels walks, generalized to every dialog
// kind instead of channels only.
func (c *GotdClient) GetDialogs(ctx context.Context) ([]ChatInfo, error) {
	var out []ChatInfo
	offsetDate, offsetID := 0, 0
	var offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}

	for {
		res, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      100,
		})
		if err != nil {
			return out, classifyUploadErr(err)
		}

		var chats []tg.ChatClass
		var users []tg.UserClass
		var messages []tg.MessageClass
		done := true
		switch d := res.(type) {
		case *tg.MessagesDialogs:
			chats, users, messages = d.Chats, d.Users, d.Messages
		case *tg.MessagesDialogsSlice:
			chats, users, messages = d.Chats, d.Users, d.Messages
			done = len(d.Dialogs) < 100
		}

		for _, u := range users {
			user, ok := u.(*tg.User)
			if !ok || user.Bot || user.Self {
				continue
			}
			in := &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}
			c.rememberPeer(user.ID, in)
			out = append(out, ChatInfo{ID: user.ID, Type: "private", Title: displayName(user), Username: user.Username, Input: in})
		}
		for _, ch := range chats {
			switch v := ch.(type) {
			case *tg.Chat:
				in := &tg.InputPeerChat{ChatID: v.ID}
				c.rememberPeer(v.ID, in)
				out = append(out, ChatInfo{ID: v.ID, Type: "group", Title: v.Title, Input: in})
			case *tg.Channel:
				in := &tg.InputPeerChannel{ChannelID: v.ID, AccessHash: v.AccessHash}
				c.rememberPeer(v.ID, in)
				typ := "channel"
				if v.Megagroup {
					typ = "group"
				}
				out = append(out, ChatInfo{ID: v.ID, Type: typ, Title: v.Title, Username: v.Username, Input: in})
			}
		}

		if done || len(messages) == 0 {
			break
		}
		last := messages[len(messages)-1]
		m, ok := last.(*tg.Message)
		if !ok {
			break
		}
		offsetDate, offsetID = m.Date, m.ID
		if len(out) > 0 {
			offsetPeer = out[len(out)-1].Input
		}
	}
	return out, nil
}

func displayName(u *tg.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	if name == "" {
		name = fmt.Sprintf("user_%d", u.ID)
	}
	return name
}

const historyPage = 100

// GetChatHistory pages messages.getHistory oldest-or-newest first
// depending on reverse, pacing each page per the Scanner's own
// rate-limiting; this method only fetches, it applies
// no filtering.
func (c *GotdClient) GetChatHistory(ctx context.Context, chat ChatInfo, fromMessageID int64, reverse bool) (<-chan Message, <-chan error) {
	out := make(chan Message, historyPage)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		offsetID := int(fromMessageID)
		addOffset := 0
		if reverse {
			// messages.getHistory always returns newest-first; to walk
			// oldest-first we request the page just after offsetID and
			// ask for it in reverse via AddOffset trickery per the
			// documented negative-limit idiom.
			addOffset = -historyPage
		}

		for {
			if err := ctx.Err(); err != nil {
				errc <- err
				return
			}
			req := &tg.MessagesGetHistoryRequest{
				Peer:      chat.Input,
				OffsetID:  offsetID,
				AddOffset: addOffset,
				Limit:     historyPage,
			}
			res, err := c.api.MessagesGetHistory(ctx, req)
			if err != nil {
				errc <- classifyUploadErr(err)
				return
			}

			var msgs []tg.MessageClass
			switch r := res.(type) {
			case *tg.MessagesMessages:
				msgs = r.Messages
			case *tg.MessagesMessagesSlice:
				msgs = r.Messages
			case *tg.MessagesChannelMessages:
				msgs = r.Messages
			}
			if len(msgs) == 0 {
				return
			}
			if reverse {
				for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
					msgs[i], msgs[j] = msgs[j], msgs[i]
				}
			}

			for _, mc := range msgs {
				m, ok := mc.(*tg.Message)
				if !ok {
					continue
				}
				select {
				case out <- toMessage(chat.ID, m):
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
				offsetID = m.ID
			}
			if len(msgs) < historyPage {
				return
			}
		}
	}()

	return out, errc
}

func toMessage(chatID int64, m *tg.Message) Message {
	msg := Message{
		ChatID:    chatID,
		MessageID: int64(m.ID),
		Date:      time.Unix(int64(m.Date), 0).UTC(),
		Outgoing:  m.Out,
	}
	if peer, ok := m.FromID.(*tg.PeerUser); ok {
		msg.FromID = peer.UserID
	}
	if media, err := extractMedia(m); err == nil {
		msg.Media = media
	}
	return msg
}

// GetMessageByID fetches one message for manual resume and post-wait
// refetch paths.
func (c *GotdClient) GetMessageByID(ctx context.Context, chat ChatInfo, messageID int64) (*Message, error) {
	m, err := c.fetchRaw(ctx, chat, messageID)
	if err != nil {
		return nil, err
	}
	msg := toMessage(chat.ID, m)
	return &msg, nil
}

func (c *GotdClient) fetchRaw(ctx context.Context, chat ChatInfo, messageID int64) (*tg.Message, error) {
	idClass := []tg.InputMessageClass{&tg.InputMessageID{ID: int(messageID)}}

	var resClass tg.MessagesMessagesClass
	var err error
	if inChannel, ok := chat.Input.(*tg.InputPeerChannel); ok {
		resClass, err = c.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: inChannel.ChannelID, AccessHash: inChannel.AccessHash},
			ID:      idClass,
		})
	} else {
		resClass, err = c.api.MessagesGetMessages(ctx, idClass)
	}
	if err != nil {
		return nil, classifyUploadErr(err)
	}

	var msgs []tg.MessageClass
	switch r := resClass.(type) {
	case *tg.MessagesMessages:
		msgs = r.Messages
	case *tg.MessagesMessagesSlice:
		msgs = r.Messages
	case *tg.MessagesChannelMessages:
		msgs = r.Messages
	}
	for _, mc := range msgs {
		if m, ok := mc.(*tg.Message); ok && int64(m.ID) == messageID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("mtclient: message %d not found in chat %d", messageID, chat.ID)
}

// RefreshMedia re-fetches the message and re-extracts its media
// location, obtaining a fresh file_reference.
func (c *GotdClient) RefreshMedia(ctx context.Context, chat ChatInfo, messageID int64) (*MediaInfo, error) {
	m, err := c.fetchRaw(ctx, chat, messageID)
	if err != nil {
		return nil, err
	}
	return extractMedia(m)
}

func extractMedia(m *tg.Message) (*MediaInfo, error) {
	switch media := m.Media.(type) {
	case *tg.MessageMediaDocument:
		doc, ok := media.Document.(*tg.Document)
		if !ok {
			return nil, fmt.Errorf("mtclient: empty document")
		}
		return documentMediaInfo(doc, m.ID), nil
	case *tg.MessageMediaPhoto:
		photo, ok := media.Photo.(*tg.Photo)
		if !ok {
			return nil, fmt.Errorf("mtclient: empty photo")
		}
		largest := largestPhotoSize(photo.Sizes)
		if largest == nil {
			return nil, fmt.Errorf("mtclient: photo has no sizes")
		}
		return &MediaInfo{
			Kind:     model.MediaPhoto,
			FileName: fmt.Sprintf("photo_%d.jpg", m.ID),
			FileSize: int64(largest.Size),
			MimeType: "image/jpeg",
			Location: &tg.InputPhotoFileLocation{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     largest.Type,
			},
		}, nil
	default:
		return nil, fmt.Errorf("mtclient: message %d has no downloadable media", m.ID)
	}
}

func documentMediaInfo(doc *tg.Document, msgID int) *MediaInfo {
	kind := model.MediaDocument
	filename := ""
	sticker := false
	animated := false
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeFilename:
			filename = a.FileName
		case *tg.DocumentAttributeVideo:
			if kind == model.MediaDocument {
				kind = model.MediaVideo
			}
		case *tg.DocumentAttributeAudio:
			if a.Voice {
				kind = model.MediaVoice
			} else if kind == model.MediaDocument {
				kind = model.MediaAudio
			}
		case *tg.DocumentAttributeSticker:
			sticker = true
		case *tg.DocumentAttributeAnimated:
			animated = true
		}
	}
	if sticker {
		kind = model.MediaSticker
	} else if animated {
		kind = model.MediaAnimation
	}
	if filename == "" {
		filename = fmt.Sprintf("%s_%d%s", kind, msgID, extFromMime(doc.MimeType))
	}
	return &MediaInfo{
		Kind:     kind,
		FileName: filename,
		FileSize: doc.Size,
		MimeType: doc.MimeType,
		Location: &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		},
	}
}

func largestPhotoSize(sizes []tg.PhotoSizeClass) *tg.PhotoSize {
	var largest *tg.PhotoSize
	var bestArea int
	for _, s := range sizes {
		if ps, ok := s.(*tg.PhotoSize); ok {
			area := ps.W * ps.H
			if largest == nil || area > bestArea {
				largest, bestArea = ps, area
			}
		}
	}
	return largest
}

func extFromMime(mime string) string {
	switch {
	case strings.Contains(mime, "mp4"):
		return ".mp4"
	case strings.Contains(mime, "webm"):
		return ".webm"
	case strings.Contains(mime, "mpeg"):
		return ".mp3"
	case strings.Contains(mime, "ogg"):
		return ".ogg"
	default:
		return ""
	}
}

// Limiter is the bandwidth-shaping dependency consulted before each
// write during a single-stream download; satisfied by
// *ratelimit.Limiter.
type Limiter interface {
	Wait(ctx context.Context, taskID string, n int) error
}

// SetLimiter attaches the task's bandwidth limiter, mirroring the
// chunk downloader's traffic shaping for the single-stream path.
func (c *GotdClient) SetLimiter(limiter Limiter, taskID string) {
	c.limiter = limiter
	c.limiterTaskID = taskID
}

// DownloadMedia streams the full object in one pass through the SDK's
// downloader, for items below the parallel-chunk size threshold.
func (c *GotdClient) DownloadMedia(ctx context.Context, media *MediaInfo, destPath string, progress ProgressFunc) error {
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("mtclient: create %s: %w", destPath, err)
	}
	defer f.Close()

	var w io.Writer = f
	if progress != nil || c.limiter != nil {
		w = &progressWriter{w: f, total: media.FileSize, fn: progress, ctx: ctx, limiter: c.limiter, taskID: c.limiterTaskID}
	}

	_, err = c.dl.Download(c.api, media.Location).Stream(ctx, w)
	if err != nil {
		return classifyUploadErr(err)
	}
	return nil
}

type progressWriter struct {
	w          io.Writer
	total      int64
	downloaded int64
	fn         ProgressFunc

	ctx     context.Context
	limiter Limiter
	taskID  string
}

func (p *progressWriter) Write(b []byte) (int, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(p.ctx, p.taskID, len(b)); err != nil {
			return 0, err
		}
	}
	n, err := p.w.Write(b)
	p.downloaded += int64(n)
	if p.fn != nil {
		p.fn(p.downloaded, p.total)
	}
	return n, err
}

// GetFileChunk issues a single raw upload.getFile call, the primitive
// the Parallel Chunk Downloader drives directly instead of going
// through the SDK's streaming downloader.
func (c *GotdClient) GetFileChunk(ctx context.Context, loc tg.InputFileLocationClass, offset int64, limit int) ([]byte, error) {
	res, err := c.api.UploadGetFile(ctx, &tg.UploadGetFileRequest{
		Location: loc,
		Offset:   offset,
		Limit:    limit,
	})
	if err != nil {
		return nil, classifyUploadErr(err)
	}
	switch r := res.(type) {
	case *tg.UploadFile:
		return r.Bytes, nil
	case *tg.UploadFileCDNRedirect:
		return nil, fmt.Errorf("mtclient: CDN-redirected files are not supported")
	default:
		return nil, fmt.Errorf("mtclient: unexpected upload.getFile response %T", res)
	}
}

