package whatsapp

import (
	"context"
	"fmt"
	"sync"
)

// MockClient records messages instead of contacting WhatsApp.
type MockClient struct {
	mu       sync.Mutex
	Messages []SentMessage
	// Err, when set, is returned by every send.
	Err error
}

// SentMessage is one recorded text or image message. Image is nil for text.
type SentMessage struct {
	To    string
	Body  string
	Image *Image
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) record(msg SentMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.Messages = append(m.Messages, msg)
	return fmt.Sprintf("3EB0%016X", len(m.Messages)), nil
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	return m.record(SentMessage{To: to, Body: body})
}

func (m *MockClient) SendImage(ctx context.Context, to string, img Image) (string, error) {
	img.Mimetype = imageMimetype(img)
	return m.record(SentMessage{To: to, Body: img.Caption, Image: &img})
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.Messages))
	copy(out, m.Messages)
	return out
}
