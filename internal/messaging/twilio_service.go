package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/content"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio WhatsApp API.
type TwilioService struct {
	receiptQueue
	client       twiliowhatsapp.Sender // real Twilio client or MockClient
	assetBaseURL string
}

// NewTwilioService creates a TwilioService. Media paths are resolved against assetBaseURL.
func NewTwilioService(client twiliowhatsapp.Sender, assetBaseURL string) *TwilioService {
	return &TwilioService{
		receiptQueue: newReceiptQueue("TwilioService"),
		client:       client,
		assetBaseURL: assetBaseURL,
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// It removes all non-numeric characters and validates the result has at least 6 digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalPhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return "+" + canonical, nil
}

// Start is a no-op for Twilio (no live client)
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the receipts channel.
func (s *TwilioService) Stop() error {
	s.stop()
	return nil
}

// Send delivers the payload text with media attached as URLs and emits a sent receipt.
func (s *TwilioService) Send(ctx context.Context, to string, p content.Payload) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.Send validation error", "error", err, "to", to)
		return "", err
	}

	sid, err := s.client.SendMessage(ctx, canonicalTo, p.Text, MediaURLs(s.assetBaseURL, p.Media))
	if err != nil {
		return "", transportErr("twilio", err)
	}

	s.emit(models.Receipt{To: canonicalTo, Handle: sid, Status: models.ReceiptSent, Time: time.Now().Unix()})
	return sid, nil
}
