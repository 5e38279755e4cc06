package whatsapp

import (
	"context"
	"errors"
	"testing"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

// Compile-time checks that both clients implement Sender.
var (
	_ Sender = (*Client)(nil)
	_ Sender = (*MockClient)(nil)
)

func TestOptions(t *testing.T) {
	var opts Opts
	for _, opt := range []Option{
		WithDBDSN("file:/var/lib/funnelpipe/whatsmeow.db?_foreign_keys=on"),
		WithQRCodeOutput("/tmp/qr.txt"),
		WithNumericCode(),
	} {
		opt(&opts)
	}
	if opts.DBDSN != "file:/var/lib/funnelpipe/whatsmeow.db?_foreign_keys=on" {
		t.Errorf("DBDSN = %q", opts.DBDSN)
	}
	if opts.QRPath != "/tmp/qr.txt" {
		t.Errorf("QRPath = %q", opts.QRPath)
	}
	if !opts.NumericCode {
		t.Error("NumericCode not set")
	}
}

func TestMockClient_SendMessage(t *testing.T) {
	mock := NewMockClient()
	id, err := mock.SendMessage(context.Background(), "15551234567", "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if id == "" {
		t.Error("expected a message ID")
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "15551234567" || sent[0].Body != "hello" || sent[0].Image != nil {
		t.Errorf("unexpected sent messages: %+v", sent)
	}
}

func TestMockClient_SendImage(t *testing.T) {
	mock := NewMockClient()
	id1, _ := mock.SendMessage(context.Background(), "15551234567", "hi")
	id2, err := mock.SendImage(context.Background(), "15551234567", Image{Data: pngHeader, Caption: "VIP result"})
	if err != nil {
		t.Fatalf("SendImage failed: %v", err)
	}
	if id1 == id2 {
		t.Errorf("message ids repeat: %q", id1)
	}
	sent := mock.Sent()
	if len(sent) != 2 || sent[1].Image == nil {
		t.Fatalf("unexpected sent messages: %+v", sent)
	}
	if sent[1].Image.Mimetype != "image/png" || sent[1].Body != "VIP result" {
		t.Errorf("image = %+v, body %q", sent[1].Image, sent[1].Body)
	}

	mock.Err = errors.New("offline")
	if _, err := mock.SendImage(context.Background(), "15551234567", Image{Data: pngHeader}); err == nil {
		t.Error("expected injected error")
	}
}

func TestImageMimetype(t *testing.T) {
	if got := imageMimetype(Image{Data: pngHeader}); got != "image/png" {
		t.Errorf("sniffed mimetype = %q, want image/png", got)
	}
	if got := imageMimetype(Image{Data: pngHeader, Mimetype: "image/webp"}); got != "image/webp" {
		t.Errorf("explicit mimetype = %q, want image/webp", got)
	}
}

func TestClient_Uninitialized(t *testing.T) {
	c := &Client{}
	if _, err := c.SendMessage(context.Background(), "15551234567", "hello"); !errors.Is(err, errNotConnected) {
		t.Errorf("SendMessage error = %v, want errNotConnected", err)
	}
	if _, err := c.SendImage(context.Background(), "15551234567", Image{Data: pngHeader}); !errors.Is(err, errNotConnected) {
		t.Errorf("SendImage error = %v, want errNotConnected", err)
	}
}
