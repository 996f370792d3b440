package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockEventEmitter implements EventEmitter for tests.
type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*Event
	emitErr error
	delay   time.Duration
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *Event) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.emitErr
}

func (m *mockEventEmitter) getEvents() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.events...)
}

func waitForEvents(t *testing.T, m *mockEventEmitter, n int) []*Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := m.getEvents(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", n, len(m.getEvents()))
	return nil
}

func TestEmitAsync_NilEmitter(t *testing.T) {
	// Should not panic.
	EmitAsync(nil, &Event{Name: "userChanged"})
}

func TestEmitAsync_NoEvents(t *testing.T) {
	emitter := &mockEventEmitter{}
	EmitAsync(emitter)
	EmitAsync(emitter, nil)
	time.Sleep(10 * time.Millisecond)
	if n := len(emitter.getEvents()); n != 0 {
		t.Errorf("expected 0 events, got %d", n)
	}
}

func TestEmitAsync_PreservesOrder(t *testing.T) {
	emitter := &mockEventEmitter{}
	EmitAsync(emitter,
		&Event{Name: "forceSignout", SessionID: "s1"},
		&Event{Name: "userChanged", SessionID: "s2"},
		&Event{Name: "observersChanged"},
	)
	evs := waitForEvents(t, emitter, 3)
	want := []string{"forceSignout", "userChanged", "observersChanged"}
	for i, name := range want {
		if evs[i].Name != name {
			t.Errorf("event %d = %q, want %q", i, evs[i].Name, name)
		}
	}
	if !evs[2].Broadcast() || evs[0].Broadcast() {
		t.Error("only the session-less event should be a broadcast")
	}
}

func TestEmitAsync_ErrorDoesNotStopBatch(t *testing.T) {
	emitter := &mockEventEmitter{emitErr: errors.New("broker down")}
	EmitAsync(emitter, &Event{Name: "a"}, &Event{Name: "b"})
	waitForEvents(t, emitter, 2)
}

func TestEmitAsync_ConcurrentAccess(t *testing.T) {
	emitter := &mockEventEmitter{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			EmitAsync(emitter, &Event{Name: "observersChanged"})
		}()
	}
	wg.Wait()
	waitForEvents(t, emitter, 10)
}

func TestFanout_Emit(t *testing.T) {
	a := &mockEventEmitter{}
	b := &mockEventEmitter{emitErr: errors.New("b failed")}
	c := &mockEventEmitter{}
	f := Fanout{a, nil, b, c}

	err := f.Emit(context.Background(), &Event{Name: "userChanged", SessionID: "s1"})
	if err == nil || err.Error() != "b failed" {
		t.Errorf("Emit error = %v, want b failed", err)
	}
	for i, m := range []*mockEventEmitter{a, b, c} {
		if len(m.getEvents()) != 1 {
			t.Errorf("emitter %d got %d events, want 1", i, len(m.getEvents()))
		}
	}
}
