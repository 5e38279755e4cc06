// Package whatsapp delivers funnel messages over WhatsApp Web via whatsmeow.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

const (
	// DefaultSQLitePath is the device store used when no DSN is configured.
	DefaultSQLitePath = "/var/lib/funnelpipe/whatsmeow.db"
	// JIDSuffix is the server part of a personal WhatsApp JID.
	JIDSuffix = "s.whatsapp.net"
)

var (
	errNotConnected   = errors.New("whatsapp client not connected")
	errEmptyRecipient = errors.New("recipient cannot be empty")
)

// Image is a picture to upload and send with an optional caption.
type Image struct {
	Data     []byte
	Mimetype string
	Caption  string
}

// Sender sends WhatsApp messages and returns their message ids.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
	SendImage(ctx context.Context, to string, img Image) (string, error)
}

// Opts holds device store and login settings.
type Opts struct {
	DBDSN       string
	QRPath      string
	NumericCode bool
}

// Option defines a client configuration option.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow device store DSN (SQLite path or Postgres URL).
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the raw pairing code instead of rendering a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client is a connected whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient opens the device store and connects. On first run it blocks
// until the login QR code has been scanned.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultSQLitePath
	}
	driver := store.DetectDSNType(dsn)
	if driver == "sqlite3" && !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("WhatsApp device store DSN lacks foreign keys; append ?_foreign_keys=on", "dsn", dsn)
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to open WhatsApp device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load WhatsApp device: %w", err)
	}
	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID != nil {
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp: %w", err)
		}
		slog.Info("WhatsApp client connected", "driver", driver)
		return &Client{waClient: waClient}, nil
	}

	if err := login(ctx, waClient, cfg); err != nil {
		return nil, err
	}
	slog.Info("WhatsApp client logged in", "driver", driver)
	return &Client{waClient: waClient}, nil
}

// login runs the QR pairing flow until the channel closes.
func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to start WhatsApp login: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		out = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(out, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, to string, msg *waE2E.Message) (string, error) {
	resp, err := c.waClient.SendMessage(ctx, types.NewJID(to, JIDSuffix), msg)
	if err != nil {
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return string(resp.ID), nil
}

func (c *Client) ready(to string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return errNotConnected
	}
	if to == "" {
		return errEmptyRecipient
	}
	return nil
}

// SendMessage sends a text message and returns its id.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if err := c.ready(to); err != nil {
		return "", err
	}
	if body == "" {
		return "", errors.New("message body cannot be empty")
	}
	id, err := c.send(ctx, to, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return "", err
	}
	slog.Debug("WhatsApp text sent", "to", to, "id", id, "length", len(body))
	return id, nil
}

// SendImage uploads img to WhatsApp media servers and sends it as an image
// message. An empty Mimetype is sniffed from the data.
func (c *Client) SendImage(ctx context.Context, to string, img Image) (string, error) {
	if err := c.ready(to); err != nil {
		return "", err
	}
	if len(img.Data) == 0 {
		return "", errors.New("image data cannot be empty")
	}
	up, err := c.waClient.Upload(ctx, img.Data, whatsmeow.MediaImage)
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}
	msg := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		Mimetype:      proto.String(imageMimetype(img)),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}
	if img.Caption != "" {
		msg.ImageMessage.Caption = proto.String(img.Caption)
	}
	id, err := c.send(ctx, to, msg)
	if err != nil {
		return "", err
	}
	slog.Debug("WhatsApp image sent", "to", to, "id", id, "bytes", len(img.Data))
	return id, nil
}

func imageMimetype(img Image) string {
	if img.Mimetype != "" {
		return img.Mimetype
	}
	return http.DetectContentType(img.Data)
}

// GetClient exposes the whatsmeow client for event handlers.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Disconnect closes the websocket connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}
