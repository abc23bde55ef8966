package whatsapp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/EventaLabs/wa-gateway/internal/engine"

	// sqlite driver backing the per-session device store
	_ "github.com/mattn/go-sqlite3"
)

// Engine connects sessions to WhatsApp via whatsmeow. Each session gets
// its own sqlite device store under the storage directory, so pairing
// credentials survive process restarts.
type Engine struct {
	logLevel string
}

// NewEngine creates a WhatsApp engine. logLevel follows whatsmeow levels
// (DEBUG, INFO, WARN, ERROR).
func NewEngine(logLevel string) *Engine {
	if logLevel == "" {
		logLevel = "WARN"
	}
	return &Engine{logLevel: logLevel}
}

// Connect implements engine.Engine
func (e *Engine) Connect(ctx context.Context, name, storageDir string, cb engine.Callbacks) (engine.Client, error) {
	dir := filepath.Join(storageDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session storage dir: %w", err)
	}

	dbLog := waLog.Stdout("db/"+name, e.logLevel, false)
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(dir, "store.db")), dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	wc := whatsmeow.NewClient(device, waLog.Stdout("wa/"+name, e.logLevel, false))
	c := &Client{wc: wc}

	// Registered once up front; dispatches to whatever handler the
	// controller installs after Connect returns.
	wc.AddEventHandler(func(evt interface{}) {
		switch evt.(type) {
		case *events.Connected:
			c.fireState(engine.StateConnected)
		case *events.Disconnected, *events.LoggedOut, *events.StreamReplaced:
			c.fireState(engine.StateDisconnected)
		}
	})

	if wc.Store.ID == nil {
		// Not yet paired: the QR channel must be obtained before Connect
		qrChan, err := wc.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open QR channel: %w", err)
		}
		if err := wc.Connect(); err != nil {
			return nil, fmt.Errorf("connect failed: %w", err)
		}
		go forwardQR(qrChan, cb)
	} else {
		if err := wc.Connect(); err != nil {
			return nil, fmt.Errorf("connect failed: %w", err)
		}
	}

	return c, nil
}

// forwardQR translates whatsmeow QR channel items into engine callbacks
func forwardQR(qrChan <-chan whatsmeow.QRChannelItem, cb engine.Callbacks) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			if cb.OnCredential != nil {
				cb.OnCredential(item.Code)
			}
		case whatsmeow.QRChannelTimeout.Event:
			if cb.OnCredentialExpired != nil {
				cb.OnCredentialExpired()
			}
		}
	}
}

// Client wraps one whatsmeow connection
type Client struct {
	wc *whatsmeow.Client

	mu           sync.Mutex
	stateHandler func(engine.State)
}

func (c *Client) fireState(s engine.State) {
	c.mu.Lock()
	handler := c.stateHandler
	c.mu.Unlock()

	if handler != nil {
		handler(s)
	}
}

// OnConnectionState implements engine.Client
func (c *Client) OnConnectionState(fn func(engine.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandler = fn
}

// ConnectionState implements engine.Client
func (c *Client) ConnectionState(ctx context.Context) (engine.State, error) {
	switch {
	case c.wc.IsConnected() && c.wc.IsLoggedIn():
		return engine.StateConnected, nil
	case !c.wc.IsConnected():
		return engine.StateDisconnected, nil
	default:
		return engine.StateOther, nil
	}
}

// Close implements engine.Client. The device store is untouched, so the
// next Connect resumes the session.
func (c *Client) Close() {
	c.wc.Disconnect()
}

// Logout implements engine.Client
func (c *Client) Logout(ctx context.Context) error {
	if err := c.wc.Logout(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	return nil
}

// SendText implements engine.Client
func (c *Client) SendText(ctx context.Context, recipient, text string) error {
	jid, err := parseRecipient(recipient)
	if err != nil {
		return err
	}

	_, err = c.wc.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}
	return nil
}

// SendFile implements engine.Client. The file is fetched from fileURL and
// sent as an image attachment with the caption, matching how ticket and
// voucher images are delivered.
func (c *Client) SendFile(ctx context.Context, recipient, fileURL, fileName, caption string) error {
	jid, err := parseRecipient(recipient)
	if err != nil {
		return err
	}

	data, mimetype, err := fetchFile(ctx, fileURL)
	if err != nil {
		return err
	}

	uploaded, err := c.wc.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("failed to upload media: %w", err)
	}

	msg := &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mimetype),
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
		},
	}

	if _, err := c.wc.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("failed to send file %s: %w", fileName, err)
	}
	return nil
}

func parseRecipient(recipient string) (types.JID, error) {
	jid, err := types.ParseJID(recipient)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("invalid recipient %q: %w", recipient, err)
	}
	// Callers address users with the legacy c.us server name.
	if jid.Server == types.LegacyUserServer {
		jid.Server = types.DefaultUserServer
	}
	return jid, nil
}

func fetchFile(ctx context.Context, fileURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid file URL: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to fetch file: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read file body: %w", err)
	}

	mimetype := resp.Header.Get("Content-Type")
	if mimetype == "" {
		mimetype = http.DetectContentType(data)
	}
	return data, mimetype, nil
}
