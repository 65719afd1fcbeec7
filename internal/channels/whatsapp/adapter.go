// Package whatsapp is the personal WhatsApp Web provider: a whatsmeow client
// with a sqlite-backed device store, QR pairing, policy-driven reconnects,
// and inbound/outbound mapping to the relay's message types.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // sqlite driver for the whatsmeow device store

	"github.com/warelaydev/warelay/internal/backoff"
	"github.com/warelaydev/warelay/internal/config"
	"github.com/warelaydev/warelay/internal/metrics"
	"github.com/warelaydev/warelay/internal/reply"
)

// Handler receives each inbound message on its own goroutine.
type Handler func(ctx context.Context, msg reply.Message)

// EchoFilter reports whether a from-self body is an echo of our own reply
// and should be dropped instead of handled.
type EchoFilter func(body string) bool

// Adapter owns the whatsmeow client lifecycle.
type Adapter struct {
	cfg     config.WhatsAppConfig
	policy  backoff.Policy
	handler Handler
	echo    EchoFilter
	logger  *slog.Logger

	container *sqlstore.Container
	client    *whatsmeow.Client
	mediaDir  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	connected    bool
	reconnecting bool
}

// New opens the device store and prepares the adapter; the connection is
// made by Start.
func New(cfg config.WhatsAppConfig, policy backoff.Policy, handler Handler, echo EchoFilter, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "whatsapp")

	sessionPath := expandPath(cfg.SessionPath)
	if err := os.MkdirAll(filepath.Dir(sessionPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	container, err := sqlstore.New(context.Background(), "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", sessionPath), waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}

	mediaDir := filepath.Join(os.TempDir(), "warelay-media")
	if err := os.MkdirAll(mediaDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}

	return &Adapter{
		cfg:       cfg,
		policy:    policy,
		handler:   handler,
		echo:      echo,
		logger:    logger,
		container: container,
		mediaDir:  mediaDir,
	}, nil
}

// Start connects the client, pairing over QR when the device store holds no
// session yet.
func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	device, err := a.container.GetFirstDevice(a.ctx)
	if err != nil {
		return fmt.Errorf("failed to load device: %w", err)
	}

	a.client = whatsmeow.NewClient(device, waLog.Noop)
	// Reconnects go through the backoff policy, not whatsmeow's own loop.
	a.client.EnableAutoReconnect = false
	a.client.AddEventHandler(a.handleEvent)

	if a.client.Store.ID == nil {
		qrChan, err := a.client.GetQRChannel(a.ctx)
		if err != nil {
			return fmt.Errorf("failed to open qr channel: %w", err)
		}
		if err := a.client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		a.wg.Add(1)
		go a.pairLoop(qrChan)
		return nil
	}

	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// pairLoop surfaces QR codes until pairing succeeds or the context ends.
func (a *Adapter) pairLoop(qrChan <-chan whatsmeow.QRChannelItem) {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				a.logger.Info("scan QR code to pair", "code", evt.Code)
				if a.cfg.QRPath != "" {
					path := expandPath(a.cfg.QRPath)
					if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 256, path); err != nil {
						a.logger.Warn("failed to write qr image", "path", path, "error", err)
					} else {
						a.logger.Info("qr image written", "path", path)
					}
				}
			case "success":
				a.logger.Info("pairing complete")
				return
			default:
				a.logger.Warn("pairing event", "event", evt.Event)
			}
		}
	}
}

// Stop disconnects and releases the device store.
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.client != nil {
		a.client.Disconnect()
	}
	if a.container != nil {
		if err := a.container.Close(); err != nil {
			a.logger.Warn("failed to close device store", "error", err)
		}
	}
}

// Connected reports whether the client currently holds a live socket.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Adapter) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		a.mu.Lock()
		a.connected = true
		a.mu.Unlock()
		a.logger.Info("connected")

	case *events.Disconnected:
		a.mu.Lock()
		a.connected = false
		alreadyReconnecting := a.reconnecting
		a.reconnecting = true
		a.mu.Unlock()
		a.logger.Warn("disconnected")
		if !alreadyReconnecting {
			a.wg.Add(1)
			go a.reconnectLoop()
		}

	case *events.LoggedOut:
		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
		a.logger.Error("logged out, delete the session file and pair again", "reason", v.Reason)

	case *events.Message:
		a.handleMessage(v)
	}
}

// reconnectLoop retries Connect under the backoff policy until it succeeds,
// the policy gives up, or the adapter stops.
func (a *Adapter) reconnectLoop() {
	defer a.wg.Done()
	defer func() {
		a.mu.Lock()
		a.reconnecting = false
		a.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		decision := backoff.NextDelay(attempt, a.policy)
		if decision.GiveUp {
			a.logger.Error("reconnect attempts exhausted", "attempts", attempt)
			return
		}
		if err := backoff.Sleep(a.ctx, decision.Delay); err != nil {
			return
		}

		metrics.Reconnects.Inc()
		a.logger.Info("reconnecting", "attempt", attempt+1, "delay", decision.Delay.String())
		if err := a.client.Connect(); err != nil {
			a.logger.Warn("reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}
		return
	}
}

// handleMessage maps one inbound event to a core message and hands it to
// the handler. Group chats and broadcasts are ignored; from-self messages
// pass through the echo filter first.
func (a *Adapter) handleMessage(evt *events.Message) {
	if a.client.Store.ID == nil {
		return
	}
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	if evt.Info.IsGroup {
		a.logger.Debug("ignoring group message", "chat", evt.Info.Chat.String())
		return
	}

	body, mediaPaths := a.extractContent(evt)
	if body == "" && len(mediaPaths) == 0 {
		return
	}

	if evt.Info.IsFromMe && a.echo != nil && a.echo(body) {
		a.logger.Debug("dropping echoed message", "id", evt.Info.ID)
		return
	}

	msg := reply.Message{
		From:       phoneOf(evt.Info.Sender),
		To:         phoneOf(*a.client.Store.ID),
		Body:       body,
		MessageID:  evt.Info.ID,
		MediaPaths: mediaPaths,
		ReceivedAt: evt.Info.Timestamp,
	}

	if a.handler == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.handler(a.ctx, msg)
	}()
}

// extractContent pulls text and downloads media from one message event.
func (a *Adapter) extractContent(evt *events.Message) (string, []string) {
	var body string
	var paths []string

	msg := evt.Message
	switch {
	case msg.Conversation != nil:
		body = msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		body = msg.ExtendedTextMessage.GetText()
	case msg.ImageMessage != nil:
		body = msg.ImageMessage.GetCaption()
		if path := a.download(msg.ImageMessage, msg.ImageMessage.GetMimetype()); path != "" {
			paths = append(paths, path)
		}
	case msg.VideoMessage != nil:
		body = msg.VideoMessage.GetCaption()
		if path := a.download(msg.VideoMessage, msg.VideoMessage.GetMimetype()); path != "" {
			paths = append(paths, path)
		}
	case msg.AudioMessage != nil:
		if path := a.download(msg.AudioMessage, msg.AudioMessage.GetMimetype()); path != "" {
			paths = append(paths, path)
		}
	case msg.DocumentMessage != nil:
		body = msg.DocumentMessage.GetCaption()
		if path := a.download(msg.DocumentMessage, msg.DocumentMessage.GetMimetype()); path != "" {
			paths = append(paths, path)
		}
	}
	return strings.TrimSpace(body), paths
}

// download fetches a media payload into the adapter's temp dir and returns
// the file path, or "" on failure.
func (a *Adapter) download(media whatsmeow.DownloadableMessage, mimeType string) string {
	data, err := a.client.Download(a.ctx, media)
	if err != nil {
		a.logger.Error("failed to download media", "error", err)
		return ""
	}
	path := filepath.Join(a.mediaDir, uuid.New().String()+extForMime(mimeType))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		a.logger.Error("failed to store media", "path", path, "error", err)
		return ""
	}
	return path
}

// phoneOf renders a JID as the +<number> form used by the allow list.
func phoneOf(jid types.JID) string {
	return "+" + jid.User
}

// toJID parses a +<number> or full JID string into a user JID.
func toJID(to string) (types.JID, error) {
	if strings.Contains(to, "@") {
		return types.ParseJID(to)
	}
	user := strings.TrimPrefix(to, "+")
	if user == "" {
		return types.JID{}, fmt.Errorf("empty recipient")
	}
	return types.NewJID(user, types.DefaultUserServer), nil
}

// extForMime maps common WhatsApp media MIME types to file extensions.
func extForMime(mimeType string) string {
	base := mimeType
	if i := strings.Index(base, ";"); i >= 0 {
		base = base[:i]
	}
	switch strings.TrimSpace(base) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4":
		return ".m4a"
	case "audio/amr":
		return ".amr"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}

// expandPath expands a leading ~/ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
