package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/content"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// maxImageBytes is WhatsApp's size limit for image messages.
const maxImageBytes = 16 << 20

// MediaFetcher downloads one asset and reports its content type.
type MediaFetcher func(ctx context.Context, url string) (data []byte, mimetype string, err error)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	receiptQueue
	client       whatsapp.Sender
	waClient     *whatsapp.Client // Access to underlying client for event handling
	assetBaseURL string
	fetch        MediaFetcher
	done         chan struct{}
}

// WhatsAppOption configures a WhatsAppService.
type WhatsAppOption func(*WhatsAppService)

// WithMediaFetcher replaces the HTTP downloader used for image assets.
func WithMediaFetcher(f MediaFetcher) WhatsAppOption {
	return func(s *WhatsAppService) { s.fetch = f }
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender, assetBaseURL string, opts ...WhatsAppOption) *WhatsAppService {
	service := &WhatsAppService{
		receiptQueue: newReceiptQueue("WhatsAppService"),
		client:       client,
		assetBaseURL: assetBaseURL,
		fetch:        httpFetcher(&http.Client{Timeout: 30 * time.Second}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(service)
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// httpFetcher downloads assets with GET, rejecting non-2xx answers and
// bodies over maxImageBytes.
func httpFetcher(hc *http.Client) MediaFetcher {
	return func(ctx context.Context, url string) ([]byte, string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, "", err
		}
		resp, err := hc.Do(req)
		if err != nil {
			return nil, "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
		if err != nil {
			return nil, "", err
		}
		if len(data) > maxImageBytes {
			return nil, "", fmt.Errorf("fetch %s: image exceeds %d bytes", url, maxImageBytes)
		}
		return data, resp.Header.Get("Content-Type"), nil
	}
}

// ValidateAndCanonicalizeRecipient returns the bare digits used to build a WhatsApp JID.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start registers the receipt event handler when a live client is present.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if v, ok := evt.(*events.Receipt); ok {
			s.handleMessageReceipt(v)
		}
	})
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop disconnects the client and closes the receipts channel.
func (s *WhatsAppService) Stop() error {
	if s.isStopped() {
		return nil
	}
	close(s.done)
	s.stop()
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// Send delivers the payload. Media go out as image messages, the first one
// captioned with the payload text; the returned handle is that first
// message's id. When an asset cannot be downloaded the whole payload is sent
// as one text message with caption and link lines instead.
func (s *WhatsAppService) Send(ctx context.Context, to string, p content.Payload) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService.Send validation error", "error", err, "to", to)
		return "", err
	}

	urls := MediaURLs(s.assetBaseURL, p.Media)
	images, err := s.loadImages(ctx, p, urls)
	if err != nil {
		slog.Warn("WhatsAppService.Send: media unavailable, sending links", "error", err, "to", canonicalTo)
		images = nil
	}

	var id string
	if len(images) == 0 {
		id, err = s.client.SendMessage(ctx, canonicalTo, composeText(p, urls))
	} else {
		id, err = s.sendImages(ctx, canonicalTo, images)
	}
	if err != nil {
		slog.Error("WhatsAppService.Send error", "error", err, "to", canonicalTo)
		return "", transportErr("whatsapp", err)
	}
	s.emit(models.Receipt{To: canonicalTo, Handle: id, Status: models.ReceiptSent, Time: time.Now().Unix()})
	return id, nil
}

// loadImages downloads every media asset. Assets without a resolvable URL
// are an error so the caller can fall back to text.
func (s *WhatsAppService) loadImages(ctx context.Context, p content.Payload, urls []string) ([]whatsapp.Image, error) {
	if len(p.Media) == 0 {
		return nil, nil
	}
	if len(urls) != len(p.Media) {
		return nil, fmt.Errorf("%d of %d assets have no media path", len(p.Media)-len(urls), len(p.Media))
	}
	images := make([]whatsapp.Image, 0, len(urls))
	for i, url := range urls {
		data, mimetype, err := s.fetch(ctx, url)
		if err != nil {
			return nil, err
		}
		caption := p.Media[i].Caption
		if i == 0 && p.Text != "" {
			caption = strings.TrimSpace(p.Text + "\n\n" + caption)
		}
		images = append(images, whatsapp.Image{Data: data, Mimetype: mimetype, Caption: caption})
	}
	return images, nil
}

// sendImages sends images in order. Once the first is delivered a later
// failure is only logged: the payload counts as sent and a retry would
// repeat what the user already has.
func (s *WhatsAppService) sendImages(ctx context.Context, to string, images []whatsapp.Image) (string, error) {
	first, err := s.client.SendImage(ctx, to, images[0])
	if err != nil {
		return "", err
	}
	for i, img := range images[1:] {
		if _, err := s.client.SendImage(ctx, to, img); err != nil {
			slog.Warn("WhatsAppService.Send: follow-on image failed", "error", err, "to", to, "index", i+1)
		}
	}
	return first, nil
}

func composeText(p content.Payload, urls []string) string {
	var b strings.Builder
	b.WriteString(p.Text)
	for i, a := range p.Media {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if a.Caption != "" {
			b.WriteString(a.Caption)
			b.WriteString("\n")
		}
		if i < len(urls) {
			b.WriteString(urls[i])
		}
	}
	return b.String()
}

// handleMessageReceipt forwards delivery and read receipts.
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.ReceiptStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.ReceiptDelivered
	case events.ReceiptTypeRead:
		status = models.ReceiptRead
	default:
		slog.Debug("WhatsAppService ignoring receipt type", "type", evt.Type)
		return
	}

	to := evt.MessageSource.Chat.User
	for _, id := range evt.MessageIDs {
		s.emit(models.Receipt{To: to, Handle: string(id), Status: status, Time: evt.Timestamp.Unix()})
	}
}
