package session

import (
	"testing"

	"github.com/google/uuid"
)

func TestStoreAndLookup(t *testing.T) {
	r := New()
	sid := uuid.New()
	r.Store(Info{SessionID: sid, TargetAddress: "10.0.0.5:3389", Username: "alice"})

	got, ok := r.Lookup(sid)
	if !ok {
		t.Fatal("expected session to be found")
	}
	if got.TargetAddress != "10.0.0.5:3389" || got.Username != "alice" {
		t.Fatalf("unexpected info: %+v", got)
	}
}

func TestLookupMissing(t *testing.T) {
	r := New()
	if _, ok := r.Lookup(uuid.New()); ok {
		t.Fatal("expected lookup of unknown session to fail")
	}
}

func TestGetOrCreateStreamReturnsSameInstance(t *testing.T) {
	r := New()
	sid := uuid.New()
	a := r.GetOrCreateStream(sid)
	b := r.GetOrCreateStream(sid)
	if a != b {
		t.Fatal("expected GetOrCreateStream to return the same stream for the same session id")
	}
}

func TestStartProxyOnlyWinsOnce(t *testing.T) {
	r := New()
	sid := uuid.New()
	if !r.StartProxy(sid) {
		t.Fatal("expected first StartProxy call to win")
	}
	if r.StartProxy(sid) {
		t.Fatal("expected second StartProxy call to lose")
	}
	r.FinishProxy(sid)
	if !r.StartProxy(sid) {
		t.Fatal("expected StartProxy to succeed again after FinishProxy")
	}
}

func TestRemoveClosesStreamAndDropsState(t *testing.T) {
	r := New()
	sid := uuid.New()
	r.Store(Info{SessionID: sid})
	s := r.GetOrCreateStream(sid)
	r.StartProxy(sid)

	r.Remove(sid)

	if _, ok := r.Lookup(sid); ok {
		t.Fatal("expected session info to be removed")
	}
	if !r.StartProxy(sid) {
		t.Fatal("expected proxy marker to be cleared by Remove")
	}
	r.FinishProxy(sid)

	buf := make([]byte, 1)
	if _, err := s.Read(buf); err == nil {
		t.Fatal("expected closed stream to return an error/EOF from Read")
	}
}

func TestRemoveAllClearsEverySession(t *testing.T) {
	r := New()
	sid1, sid2 := uuid.New(), uuid.New()
	r.Store(Info{SessionID: sid1})
	r.Store(Info{SessionID: sid2})
	r.GetOrCreateStream(sid1)
	r.GetOrCreateStream(sid2)

	r.RemoveAll()

	if _, ok := r.Lookup(sid1); ok {
		t.Fatal("expected all sessions to be removed")
	}
	if _, ok := r.Lookup(sid2); ok {
		t.Fatal("expected all sessions to be removed")
	}
}
