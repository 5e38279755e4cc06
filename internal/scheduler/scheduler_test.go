package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if _, err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if _, err := s.AddJob("@every 1m", func() {}); err != nil {
		t.Errorf("Expected descriptor to be accepted, got %v", err)
	}
	if _, err := s.AddJob("not a schedule", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestSchedulerRemoveJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	id, err := s.AddJob("@hourly", func() {})
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	s.RemoveJob(id)
	if s.Len() != 0 {
		t.Errorf("Len() after remove = %d, want 0", s.Len())
	}
}

func TestSchedulerRunsJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var runs atomic.Int32
	if _, err := s.AddJob("@every 1s", func() { runs.Add(1) }); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("expected job to run at least once")
	}
}

func TestSchedulerRecoversPanics(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var runs atomic.Int32
	s.AddJob("@every 1s", func() {
		runs.Add(1)
		panic("boom")
	})

	deadline := time.Now().Add(4 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if runs.Load() < 2 {
		t.Fatalf("expected the job to keep running after a panic, ran %d times", runs.Load())
	}
}
