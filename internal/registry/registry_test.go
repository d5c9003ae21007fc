package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

type fakeSubscriber struct {
	id       string
	location string
	sendErr  error

	mu       sync.Mutex
	received [][]byte
	closed   bool
}

func newFake(id, location string) *fakeSubscriber {
	return &fakeSubscriber{id: id, location: location}
}

func (f *fakeSubscriber) ID() string       { return f.id }
func (f *fakeSubscriber) Location() string { return f.location }

func (f *fakeSubscriber) Send(payload []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, payload)
	return nil
}

func (f *fakeSubscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

// TestRegistry_Broadcast_FanOut verifies that every Harare subscriber receives exactly one
// message per broadcast and a London subscriber receives none.
func TestRegistry_Broadcast_FanOut(t *testing.T) {
	r := New(nil)
	var harare []*fakeSubscriber
	for i := 0; i < 5; i++ {
		h := newFake(fmt.Sprintf("h%d", i), "Harare")
		harare = append(harare, h)
		r.OnConnect(h)
	}
	london := newFake("l1", "London")
	r.OnConnect(london)

	delivered, failed := r.Broadcast("harare", []byte(`{"temperature":20}`))
	if delivered != 5 || len(failed) != 0 {
		t.Errorf("Broadcast() = (%d, %d), want (5, 0)", delivered, len(failed))
	}
	for _, h := range harare {
		if h.count() != 1 {
			t.Errorf("%s received %d messages, want 1", h.id, h.count())
		}
	}
	if london.count() != 0 {
		t.Errorf("london received %d messages, want 0", london.count())
	}
}

func TestRegistry_Subscribe_Idempotent(t *testing.T) {
	r := New(nil)
	h := newFake("a", "paris")
	if !r.Subscribe("Paris", h) {
		t.Fatal("first Subscribe() = false, want true")
	}
	if r.Subscribe(" PARIS ", h) {
		t.Error("second Subscribe() = true, want false")
	}
	delivered, _ := r.Broadcast("paris", []byte("x"))
	if delivered != 1 || h.count() != 1 {
		t.Errorf("delivered = %d, received = %d, want 1, 1", delivered, h.count())
	}
}

// TestRegistry_Unsubscribe_RemovesEmptyKey verifies that the key disappears with its last handle.
func TestRegistry_Unsubscribe_RemovesEmptyKey(t *testing.T) {
	r := New(nil)
	a, b := newFake("a", "london"), newFake("b", "london")
	r.OnConnect(a)
	r.OnConnect(b)

	r.OnDisconnect(a)
	if got := r.Keys(); len(got) != 1 || got[0] != "london" {
		t.Fatalf("Keys() = %v, want [london]", got)
	}
	r.OnDisconnect(b)
	if got := r.Keys(); len(got) != 0 {
		t.Errorf("Keys() = %v, want empty", got)
	}
	if r.OnDisconnect(b) {
		t.Error("second OnDisconnect() = true, want false")
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestRegistry_Broadcast_ReportsFailures(t *testing.T) {
	r := New(nil)
	ok := newFake("ok", "harare")
	bad := newFake("bad", "harare")
	bad.sendErr = errors.New("buffer full")
	r.OnConnect(ok)
	r.OnConnect(bad)

	delivered, failed := r.Broadcast("harare", []byte("x"))
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
	if len(failed) != 1 || failed[0].ID() != "bad" {
		t.Errorf("failed = %v, want [bad]", failed)
	}
	if r.CountFor("harare") != 2 {
		t.Errorf("CountFor() = %d, want 2 (removal is the handle's job)", r.CountFor("harare"))
	}
}

func TestRegistry_Broadcast_UnknownKey(t *testing.T) {
	r := New(nil)
	delivered, failed := r.Broadcast("nowhere", []byte("x"))
	if delivered != 0 || failed != nil {
		t.Errorf("Broadcast() = (%d, %v), want (0, nil)", delivered, failed)
	}
}

func TestRegistry_RejectsBlankKey(t *testing.T) {
	r := New(nil)
	if r.Subscribe("   ", newFake("a", "")) {
		t.Error("Subscribe(blank) = true, want false")
	}
}

// TestRegistry_ConcurrentLifecycle verifies that subscribes, unsubscribes and broadcasts
// can interleave freely.
func TestRegistry_ConcurrentLifecycle(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		h := newFake(fmt.Sprintf("s%d", i), "harare")
		go func() {
			defer wg.Done()
			r.OnConnect(h)
			r.OnDisconnect(h)
		}()
		go func() {
			defer wg.Done()
			r.Broadcast("harare", []byte("x"))
		}()
	}
	wg.Wait()
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r := New(nil)
	a, b := newFake("a", "harare"), newFake("b", "london")
	r.OnConnect(a)
	r.OnConnect(b)
	r.CloseAll()
	if !a.closed || !b.closed {
		t.Error("CloseAll() left a handle open")
	}
}
