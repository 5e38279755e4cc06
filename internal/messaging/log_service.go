package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/content"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/util"
)

// LogService writes payloads to the log instead of a transport. It is the
// development backend.
type LogService struct {
	receiptQueue
	assetBaseURL string
}

func NewLogService(assetBaseURL string) *LogService {
	return &LogService{receiptQueue: newReceiptQueue("LogService"), assetBaseURL: assetBaseURL}
}

func (s *LogService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", ErrInvalidRecipient
	}
	return recipient, nil
}

func (s *LogService) Start(ctx context.Context) error { return nil }

func (s *LogService) Stop() error {
	s.stop()
	return nil
}

func (s *LogService) Send(ctx context.Context, to string, p content.Payload) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	if _, err := s.ValidateAndCanonicalizeRecipient(to); err != nil {
		return "", err
	}
	handle := util.GenerateRandomID("log_", 16)
	slog.Info("LogService.Send", "to", to, "handle", handle, "text", p.Text, "media", MediaURLs(s.assetBaseURL, p.Media))
	s.emit(models.Receipt{To: to, Handle: handle, Status: models.ReceiptSent, Time: time.Now().Unix()})
	return handle, nil
}
