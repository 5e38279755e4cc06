package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/content"
	"github.com/BTreeMap/FunnelPipe/internal/messaging"
)

var _ messaging.Sender = (*RecordingSender)(nil)
var _ content.Rand = (*ScriptedRand)(nil)
var _ content.Rand = (*SeededRand)(nil)

func TestNewSQLiteStore(t *testing.T) {
	s := NewSQLiteStore(t)
	if s == nil {
		t.Fatal("NewSQLiteStore returned nil")
	}
	n, err := s.CountUsers(context.Background())
	if err != nil {
		t.Fatalf("CountUsers failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty store, got %d users", n)
	}
}

func TestRecordingSender(t *testing.T) {
	r := NewRecordingSender()
	ctx := context.Background()

	h1, err := r.Send(ctx, "u1", content.Payload{Text: "hello"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	r.FailNext(1)
	if _, err := r.Send(ctx, "u1", content.Payload{Text: "dropped"}); !errors.Is(err, ErrSendFailed) {
		t.Errorf("expected ErrSendFailed, got %v", err)
	}
	h2, err := r.Send(ctx, "u2", content.Payload{Text: "again"})
	if err != nil {
		t.Fatalf("Send after scripted failure: %v", err)
	}
	if h1 == h2 {
		t.Errorf("handles should differ, both %q", h1)
	}

	r.FailAll(true)
	if _, err := r.Send(ctx, "u3", content.Payload{Text: "x"}); err == nil {
		t.Error("expected failure while FailAll is set")
	}
	r.FailAll(false)

	if r.Count() != 2 {
		t.Fatalf("Count = %d, want 2", r.Count())
	}
	sent := r.Sent()
	if sent[0].To != "u1" || sent[1].Payload.Text != "again" {
		t.Errorf("unexpected captured messages: %+v", sent)
	}
}

func TestScriptedRand(t *testing.T) {
	r := &ScriptedRand{Floats: []float64{0.1, 0.9}, Ints: []int{5}}
	if r.Float64() != 0.1 || r.Float64() != 0.9 || r.Float64() != 0 {
		t.Error("ScriptedRand floats not replayed in order")
	}
	if got := r.IntN(3); got != 2 {
		t.Errorf("IntN(3) = %d, want 2", got)
	}
	if got := r.IntN(3); got != 0 {
		t.Errorf("exhausted IntN = %d, want 0", got)
	}
}

func TestSeededRandDeterministic(t *testing.T) {
	a, b := NewSeededRand(42), NewSeededRand(42)
	for i := 0; i < 10; i++ {
		if a.Float64() != b.Float64() {
			t.Fatal("same seed produced different sequences")
		}
	}
}

func TestClock(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClock(start)
	c.Advance(time.Hour)
	if !c.Now().Equal(start.Add(time.Hour)) {
		t.Errorf("Now = %v, want %v", c.Now(), start.Add(time.Hour))
	}
	c.Set(start)
	if !c.Now().Equal(start) {
		t.Errorf("Set did not move clock")
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{name: "matching status codes", expected: 200, actual: 200},
		{name: "different status codes", expected: 200, actual: 404, shouldFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")
			if tt.shouldFail != mockT.failed {
				t.Errorf("failed = %v, want %v", mockT.failed, tt.shouldFail)
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.WriteString(`{"status":"ok","result":{"state":"INITIAL"}}`)
	mockT := &mockTestingT{}
	resp := AssertJSONResponse(mockT, rr, "ok")
	if mockT.failed {
		t.Fatalf("unexpected failure: %s", mockT.lastMessage)
	}
	if _, ok := resp["result"].(map[string]interface{}); !ok {
		t.Errorf("result field missing: %v", resp)
	}

	rr = httptest.NewRecorder()
	rr.WriteString(`{"status":"error"}`)
	mockT = &mockTestingT{}
	AssertJSONResponse(mockT, rr, "ok")
	if !mockT.failed {
		t.Error("expected mismatch to fail")
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, "POST", "/users/u1/session", map[string]string{"entry_tag": "google_ads"})
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", req.Header.Get("Content-Type"))
	}
	req = CreateHTTPRequest(t, "GET", "/stats", nil)
	if req.Header.Get("Content-Type") != "" {
		t.Error("GET without body should not set Content-Type")
	}
}

func TestMustMarshalUnmarshalJSON(t *testing.T) {
	data := MustMarshalJSON(t, map[string]int{"slots": 3})
	var out map[string]int
	MustUnmarshalJSON(t, data, &out)
	if out["slots"] != 3 {
		t.Errorf("slots = %d, want 3", out["slots"])
	}
}

func TestWaitFor(t *testing.T) {
	n := 0
	if !WaitFor(time.Second, func() bool { n++; return n >= 3 }) {
		t.Error("WaitFor should succeed once condition holds")
	}
	if WaitFor(30*time.Millisecond, func() bool { return false }) {
		t.Error("WaitFor should time out")
	}
}

type mockTestingT struct {
	failed      bool
	lastMessage string
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.lastMessage = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.lastMessage = fmt.Sprintf(format, args...)
}
