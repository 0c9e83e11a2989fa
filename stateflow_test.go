package castkit

import (
	"testing"
	"time"
)

func recvState[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state value")
		panic("unreachable")
	}
}

func TestStateFlow_InitialValue(t *testing.T) {
	s := NewStateFlow(42)
	if got := s.Value(); got != 42 {
		t.Errorf("Value() = %d, want 42", got)
	}

	ch, cancel := s.Subscribe()
	defer cancel()
	if got := recvState(t, ch); got != 42 {
		t.Errorf("first subscription value = %d, want 42", got)
	}
}

func TestStateFlow_Transitions(t *testing.T) {
	s := NewStateFlow(false)
	ch, cancel := s.Subscribe()
	defer cancel()

	if got := recvState(t, ch); got != false {
		t.Fatalf("initial value = %v, want false", got)
	}

	s.set(true)
	if got := recvState(t, ch); got != true {
		t.Errorf("after set(true) got %v", got)
	}

	s.set(false)
	if got := recvState(t, ch); got != false {
		t.Errorf("after set(false) got %v", got)
	}
}

func TestStateFlow_ConflatesForSlowSubscriber(t *testing.T) {
	s := NewStateFlow(0)
	ch, cancel := s.Subscribe()
	defer cancel()

	// Nothing read yet: the pending initial value is replaced, not queued
	// behind.
	s.set(1)
	s.set(2)
	s.set(3)

	if got := recvState(t, ch); got != 3 {
		t.Errorf("slow subscriber got %d, want latest value 3", got)
	}
	if got := s.Value(); got != 3 {
		t.Errorf("Value() = %d, want 3", got)
	}
}

func TestStateFlow_CancelDetaches(t *testing.T) {
	s := NewStateFlow(0)
	ch, cancel := s.Subscribe()
	recvState(t, ch)

	cancel()
	cancel() // Idempotent.

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}

	// A detached flow keeps working for other subscribers.
	s.set(7)
	ch2, cancel2 := s.Subscribe()
	defer cancel2()
	if got := recvState(t, ch2); got != 7 {
		t.Errorf("second subscriber got %d, want 7", got)
	}
}
