package recovery

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// Mock recoverable for testing
type mockRecoverable struct {
	recoverError  error
	recoverCalled bool
	order         *[]string
	name          string
}

func (m *mockRecoverable) RecoverState(ctx context.Context) error {
	m.recoverCalled = true
	if m.order != nil {
		*m.order = append(*m.order, m.name)
	}
	return m.recoverError
}

func TestRecoveryManager_RecoverAll(t *testing.T) {
	var order []string
	rm := NewRecoveryManager()
	a := &mockRecoverable{name: "a", order: &order}
	b := &mockRecoverable{name: "b", order: &order}
	rm.RegisterRecoverable("a", a)
	rm.RegisterRecoverable("b", b)

	if rm.Len() != 2 {
		t.Fatalf("Len = %d, want 2", rm.Len())
	}
	if err := rm.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}
	if !a.recoverCalled || !b.recoverCalled {
		t.Error("not every component was recovered")
	}
	if strings.Join(order, ",") != "a,b" {
		t.Errorf("recovery order = %v, want registration order", order)
	}
}

func TestRecoveryManager_ContinuesAfterError(t *testing.T) {
	boom := errors.New("boom")
	rm := NewRecoveryManager()
	failing := &mockRecoverable{recoverError: boom}
	ok := &mockRecoverable{}
	rm.RegisterRecoverable("failing", failing)
	rm.RegisterRecoverable("", ok)

	err := rm.RecoverAll(context.Background())
	if err == nil {
		t.Fatal("expected error from failing component")
	}
	if !errors.Is(err, boom) {
		t.Errorf("error should wrap component error, got %v", err)
	}
	if !strings.Contains(err.Error(), "1 errors out of 2") {
		t.Errorf("unexpected error message: %v", err)
	}
	if !ok.recoverCalled {
		t.Error("component after failure was skipped")
	}
}

func TestRecoveryManager_Empty(t *testing.T) {
	if err := NewRecoveryManager().RecoverAll(context.Background()); err != nil {
		t.Errorf("empty RecoverAll returned %v", err)
	}
}

func TestRecoveryManager_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rm := NewRecoveryManager()
	m := &mockRecoverable{}
	rm.RegisterRecoverable("m", m)

	err := rm.RecoverAll(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if m.recoverCalled {
		t.Error("component recovered despite cancelled context")
	}
}
