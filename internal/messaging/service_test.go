package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/FunnelPipe/internal/content"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FunnelPipe/internal/whatsapp"
)

// Ensure the services implement Service
var (
	_ Service = (*TwilioService)(nil)
	_ Service = (*WhatsAppService)(nil)
	_ Service = (*LogService)(nil)
)

var vipPayload = content.Payload{
	Text: "Hi Ann! Quick update",
	Media: []models.ContentAsset{
		{ID: "3", Offering: "vip", MediaPath: "vip/result_1.jpg", Caption: "VIP result"},
		{ID: "4", Offering: "vip", MediaPath: "https://cdn.example.com/vip/2.jpg"},
	},
}

func TestMediaURLs(t *testing.T) {
	got := MediaURLs("https://assets.example.com/", vipPayload.Media)
	want := []string{"https://assets.example.com/vip/result_1.jpg", "https://cdn.example.com/vip/2.jpg"}
	if len(got) != len(want) {
		t.Fatalf("MediaURLs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("MediaURLs[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if MediaURLs("https://x", nil) != nil {
		t.Error("expected nil for no media")
	}
}

func TestTwilioService_ValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), "")
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "+15551234567", false},
		{"15551234567", "+15551234567", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := svc.ValidateAndCanonicalizeRecipient(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidRecipient) {
			t.Errorf("expected ErrInvalidRecipient, got %v", err)
		}
		if got != tt.want {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTwilioService_Send(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock, "https://assets.example.com")
	defer svc.Stop()

	handle, err := svc.Send(context.Background(), "15551234567", vipPayload)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if handle == "" {
		t.Error("expected a handle")
	}
	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].To != "+15551234567" || sent[0].Body != vipPayload.Text || len(sent[0].MediaURLs) != 2 {
		t.Errorf("unexpected message: %+v", sent[0])
	}

	select {
	case r := <-svc.Receipts():
		if r.Handle != handle || r.Status != models.ReceiptSent {
			t.Errorf("unexpected receipt: %+v", r)
		}
	default:
		t.Fatal("expected receipt, got none")
	}
}

func TestTwilioService_TransportError(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	mock.Err = errors.New("503 from provider")
	svc := NewTwilioService(mock, "")
	_, err := svc.Send(context.Background(), "15551234567", vipPayload)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func stubFetcher(fail bool) MediaFetcher {
	return func(ctx context.Context, url string) ([]byte, string, error) {
		if fail {
			return nil, "", errors.New("404")
		}
		return pngBytes, "", nil
	}
}

func TestWhatsAppService_SendImages(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock, "https://assets.example.com", WithMediaFetcher(stubFetcher(false)))
	defer svc.Stop()
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	handle, err := svc.Send(context.Background(), "+1 555 123 4567", vipPayload)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 image messages, got %+v", sent)
	}
	for i, m := range sent {
		if m.Image == nil || m.To != "15551234567" {
			t.Fatalf("message %d is not an image to 15551234567: %+v", i, m)
		}
		if m.Image.Mimetype != "image/png" {
			t.Errorf("message %d mimetype = %q", i, m.Image.Mimetype)
		}
	}
	first := sent[0].Image.Caption
	if !strings.HasPrefix(first, vipPayload.Text) || !strings.Contains(first, "VIP result") {
		t.Errorf("first caption = %q, want payload text then asset caption", first)
	}
	if sent[1].Image.Caption != "" {
		t.Errorf("second caption = %q, want empty", sent[1].Image.Caption)
	}
	if handle != "3EB00000000000000001" {
		t.Errorf("handle = %q, want the first message id", handle)
	}
}

func TestWhatsAppService_SendFallsBackToLinks(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock, "https://assets.example.com", WithMediaFetcher(stubFetcher(true)))
	defer svc.Stop()

	if _, err := svc.Send(context.Background(), "15551234567", vipPayload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].Image != nil {
		t.Fatalf("expected one text message, got %+v", sent)
	}
	for _, want := range []string{vipPayload.Text, "VIP result", "https://assets.example.com/vip/result_1.jpg", "https://cdn.example.com/vip/2.jpg"} {
		if !strings.Contains(sent[0].Body, want) {
			t.Errorf("body missing %q:\n%s", want, sent[0].Body)
		}
	}
}

func TestWhatsAppService_SendTextOnly(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock, "", WithMediaFetcher(stubFetcher(true)))
	defer svc.Stop()

	if _, err := svc.Send(context.Background(), "15551234567", content.Payload{Text: "FINAL NOTICE"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].Body != "FINAL NOTICE" || sent[0].Image != nil {
		t.Errorf("unexpected sent messages: %+v", sent)
	}

	mock.Err = errors.New("disconnected")
	if _, err := svc.Send(context.Background(), "15551234567", content.Payload{Text: "x"}); !errors.Is(err, ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/vip/result_1.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(pngBytes)
	}))
	defer srv.Close()
	fetch := httpFetcher(srv.Client())

	data, mimetype, err := fetch(context.Background(), srv.URL+"/vip/result_1.jpg")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(data) != len(pngBytes) || mimetype != "image/jpeg" {
		t.Errorf("fetch = %d bytes, %q", len(data), mimetype)
	}
	if _, _, err := fetch(context.Background(), srv.URL+"/missing.jpg"); err == nil {
		t.Error("expected error for 404")
	}
}

func TestWhatsAppService_StopRejectsSend(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient(), "")
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if _, err := svc.Send(context.Background(), "15551234567", vipPayload); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("expected receipts channel to be closed")
	}
}

func TestLogService_Send(t *testing.T) {
	svc := NewLogService("")
	handle, err := svc.Send(context.Background(), "U1", content.Payload{Text: "hello"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !strings.HasPrefix(handle, "log_") {
		t.Errorf("handle = %q, want log_ prefix", handle)
	}
	if _, err := svc.Send(context.Background(), "", content.Payload{Text: "hello"}); !errors.Is(err, ErrInvalidRecipient) {
		t.Errorf("expected ErrInvalidRecipient, got %v", err)
	}
}
