package realtime

import (
	"sync"
	"testing"
)

type fakeConn struct {
	mu     sync.Mutex
	events []Event
	closed bool
	fail   bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return ErrNoSession
	}
	f.events = append(f.events, v.(Event))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestSendToSession(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{}
	r.Add(RoleDriver, "d1", c)

	if err := r.SendToSession(RoleDriver, "d1", NewRideTaken("r1")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if c.count() != 1 {
		t.Fatalf("expected 1 event, got %d", c.count())
	}
	if err := r.SendToSession(RoleDriver, "missing", NewRideTaken("r1")); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	// role partitions are independent
	if err := r.SendToSession(RoleRider, "d1", NewRideTaken("r1")); err != ErrNoSession {
		t.Fatalf("driver session must not be visible under rider role, got %v", err)
	}
}

func TestSendToRoleCountsSuccesses(t *testing.T) {
	r := NewRegistry()
	ok1, ok2, bad := &fakeConn{}, &fakeConn{}, &fakeConn{fail: true}
	r.Add(RoleDriver, "a", ok1)
	r.Add(RoleDriver, "b", ok2)
	r.Add(RoleDriver, "c", bad)
	if sent := r.SendToRole(RoleDriver, NewRideCancelled("r1")); sent != 2 {
		t.Fatalf("expected 2 successful sends, got %d", sent)
	}
}

func TestReconnectReplacesAndClosesOldSession(t *testing.T) {
	r := NewRegistry()
	old, fresh := &fakeConn{}, &fakeConn{}
	r.Add(RoleDriver, "d1", old)
	r.Add(RoleDriver, "d1", fresh)
	if !old.closed {
		t.Fatal("replaced connection must be closed")
	}
	// a late Remove from the old connection must not evict the new one
	r.Remove(RoleDriver, "d1", old)
	if !r.Connected(RoleDriver, "d1") {
		t.Fatal("stale remove evicted the fresh session")
	}
	r.Remove(RoleDriver, "d1", fresh)
	if r.Connected(RoleDriver, "d1") {
		t.Fatal("session still registered after remove")
	}
}
