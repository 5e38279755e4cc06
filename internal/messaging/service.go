// Package messaging delivers funnel payloads over a pluggable transport.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/content"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

const (
	// DefaultChannelBufferSize defines the default buffer size for receipt channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

var (
	// ErrServiceStopped is returned by Send after Stop.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrTransport wraps every failure reported by the underlying transport.
	ErrTransport = errors.New("transport error")
	// ErrInvalidRecipient is returned when a recipient cannot be canonicalized.
	ErrInvalidRecipient = errors.New("invalid recipient")
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Sender delivers one payload to a user and returns the transport's message handle.
type Sender interface {
	Send(ctx context.Context, to string, p content.Payload) (string, error)
}

// Service is a Sender with a lifecycle and a stream of delivery receipts.
type Service interface {
	Sender

	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt
}

// MediaURLs resolves asset media paths against baseURL. Paths that are
// already absolute URLs are returned unchanged.
func MediaURLs(baseURL string, media []models.ContentAsset) []string {
	if len(media) == 0 {
		return nil
	}
	base := strings.TrimRight(baseURL, "/")
	urls := make([]string, 0, len(media))
	for _, a := range media {
		if a.MediaPath == "" {
			continue
		}
		if strings.HasPrefix(a.MediaPath, "http://") || strings.HasPrefix(a.MediaPath, "https://") || base == "" {
			urls = append(urls, a.MediaPath)
			continue
		}
		urls = append(urls, base+"/"+strings.TrimLeft(a.MediaPath, "/"))
	}
	return urls
}

// canonicalPhone strips non-digits and requires at least 6 of them.
func canonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("%w: recipient cannot be empty", ErrInvalidRecipient)
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits found in recipient %q", ErrInvalidRecipient, recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("%w: %q is too short (minimum 6 digits required)", ErrInvalidRecipient, canonical)
	}
	return canonical, nil
}

func transportErr(backend string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, backend, err)
}

// receiptQueue is the stop-aware receipt channel shared by the services.
type receiptQueue struct {
	name     string
	receipts chan models.Receipt
	mu       sync.RWMutex
	stopped  bool
}

func newReceiptQueue(name string) receiptQueue {
	return receiptQueue{name: name, receipts: make(chan models.Receipt, DefaultChannelBufferSize)}
}

func (q *receiptQueue) isStopped() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.stopped
}

// emit pushes a receipt, dropping it if the channel stays full past DefaultChannelTimeout.
func (q *receiptQueue) emit(r models.Receipt) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return
	}
	select {
	case q.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(q.name+" receipts channel blocked, dropping receipt", "to", r.To, "status", r.Status)
	}
}

func (q *receiptQueue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	close(q.receipts)
}

// Receipts returns the channel of receipt events.
func (q *receiptQueue) Receipts() <-chan models.Receipt {
	return q.receipts
}
