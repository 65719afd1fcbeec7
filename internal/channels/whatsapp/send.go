package whatsapp

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/warelaydev/warelay/internal/chunk"
	"github.com/warelaydev/warelay/internal/media"
	"github.com/warelaydev/warelay/internal/reply"
)

// remoteFetchCap bounds how much of a remote media URL we will buffer before
// giving up on attaching it.
const remoteFetchCap = 64 << 20

var fetchClient = &http.Client{Timeout: 60 * time.Second}

// Send delivers the payloads to one chat in order: text chunks first, then
// media attachments. Oversized text is split at the web provider limit.
func (a *Adapter) Send(ctx context.Context, to string, payloads []reply.Payload) error {
	jid, err := toJID(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}

	for _, payload := range payloads {
		for _, piece := range chunk.Split(payload.Text, chunk.WebLimit) {
			if err := a.sendText(ctx, jid, piece); err != nil {
				return err
			}
		}

		refs := payload.MediaURLs
		if payload.MediaURL != "" {
			refs = append([]string{payload.MediaURL}, refs...)
		}
		for _, ref := range refs {
			if err := a.sendMedia(ctx, jid, ref); err != nil {
				a.logger.Error("failed to send media", "ref", ref, "error", err)
			}
		}
	}
	return nil
}

func (a *Adapter) sendText(ctx context.Context, jid types.JID, text string) error {
	_, err := a.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// sendMedia uploads one media reference, local path or http(s) URL, and sends
// it as the matching attachment type.
func (a *Adapter) sendMedia(ctx context.Context, jid types.JID, ref string) error {
	data, mimeType, filename, err := loadMedia(ctx, ref)
	if err != nil {
		return err
	}

	var uploadType whatsmeow.MediaType
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		uploadType = whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		uploadType = whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		uploadType = whatsmeow.MediaAudio
	default:
		uploadType = whatsmeow.MediaDocument
	}

	uploaded, err := a.client.Upload(ctx, data, uploadType)
	if err != nil {
		return fmt.Errorf("failed to upload media: %w", err)
	}

	var waMsg *waE2E.Message
	switch uploadType {
	case whatsmeow.MediaImage:
		waMsg = &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				URL:           &uploaded.URL,
				DirectPath:    &uploaded.DirectPath,
				MediaKey:      uploaded.MediaKey,
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    &uploaded.FileLength,
				Mimetype:      &mimeType,
			},
		}
	case whatsmeow.MediaVideo:
		waMsg = &waE2E.Message{
			VideoMessage: &waE2E.VideoMessage{
				URL:           &uploaded.URL,
				DirectPath:    &uploaded.DirectPath,
				MediaKey:      uploaded.MediaKey,
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    &uploaded.FileLength,
				Mimetype:      &mimeType,
			},
		}
	case whatsmeow.MediaAudio:
		waMsg = &waE2E.Message{
			AudioMessage: &waE2E.AudioMessage{
				URL:           &uploaded.URL,
				DirectPath:    &uploaded.DirectPath,
				MediaKey:      uploaded.MediaKey,
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    &uploaded.FileLength,
				Mimetype:      &mimeType,
			},
		}
	default:
		if filename == "" {
			filename = "document"
		}
		waMsg = &waE2E.Message{
			DocumentMessage: &waE2E.DocumentMessage{
				URL:           &uploaded.URL,
				DirectPath:    &uploaded.DirectPath,
				MediaKey:      uploaded.MediaKey,
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    &uploaded.FileLength,
				Mimetype:      &mimeType,
				FileName:      &filename,
			},
		}
	}

	if _, err := a.client.SendMessage(ctx, jid, waMsg); err != nil {
		return fmt.Errorf("failed to send media message: %w", err)
	}
	return nil
}

// SendTyping pushes a composing indicator to the chat. Implements the typing
// controller's send hook.
func (a *Adapter) SendTyping(ctx context.Context, chat string) error {
	jid, err := toJID(chat)
	if err != nil {
		return err
	}
	return a.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// loadMedia reads ref into memory: local files directly, remote URLs through
// a capped HTTP fetch.
func loadMedia(ctx context.Context, ref string) (data []byte, mimeType, filename string, err error) {
	if media.IsRemote(ref) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, "", "", fmt.Errorf("invalid media url: %w", err)
		}
		resp, err := fetchClient.Do(req)
		if err != nil {
			return nil, "", "", fmt.Errorf("failed to fetch media url: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, "", "", fmt.Errorf("media url returned status %d", resp.StatusCode)
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, remoteFetchCap))
		if err != nil {
			return nil, "", "", fmt.Errorf("failed to read media url: %w", err)
		}
		mimeType = resp.Header.Get("Content-Type")
		if i := strings.Index(mimeType, ";"); i >= 0 {
			mimeType = strings.TrimSpace(mimeType[:i])
		}
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = sniffMime(ref, data)
		}
		return data, mimeType, filepath.Base(ref), nil
	}

	data, err = os.ReadFile(ref)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to read media file: %w", err)
	}
	return data, sniffMime(ref, data), filepath.Base(ref), nil
}

// sniffMime resolves a MIME type from the file extension, falling back to
// content sniffing.
func sniffMime(ref string, data []byte) string {
	if ext := filepath.Ext(ref); ext != "" {
		if byExt := mime.TypeByExtension(strings.ToLower(ext)); byExt != "" {
			if i := strings.Index(byExt, ";"); i >= 0 {
				byExt = strings.TrimSpace(byExt[:i])
			}
			return byExt
		}
	}
	return http.DetectContentType(data)
}
