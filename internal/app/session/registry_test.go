package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/camcast/internal/core"
	"github.com/dkeye/camcast/internal/domain"
)

type fakeSession struct {
	id      core.SessionID
	client  string
	err     error
	cause   error
	panics  bool
	block   chan struct{}
	closing atomic.Bool
	closes  atomic.Int32
}

func (s *fakeSession) ID() core.SessionID { return s.id }
func (s *fakeSession) Client() string     { return s.client }
func (s *fakeSession) Closing() bool      { return s.closing.Load() }
func (s *fakeSession) Info() Info         { return Info{ID: s.id, Client: s.client} }
func (s *fakeSession) Err() error         { return s.cause }

func (s *fakeSession) Close() error {
	s.closing.Store(true)
	s.closes.Add(1)
	if s.block != nil {
		<-s.block
	}
	if s.panics {
		panic("boom")
	}
	return s.err
}

func TestShutdownAllCollectsFailures(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("close failed")
	sessions := make([]*fakeSession, 5)
	for i := range sessions {
		sessions[i] = &fakeSession{id: core.SessionID(fmt.Sprintf("s%d", i))}
		if i == 2 {
			sessions[i].err = boom
		}
		if err := r.Add(sessions[i]); err != nil {
			t.Fatal(err)
		}
	}

	err := r.ShutdownAll(context.Background())
	var partial *PartialShutdownError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialShutdownError, got %v", err)
	}
	if partial.Total != 5 || len(partial.Failures) != 1 {
		t.Fatalf("unexpected result %+v", partial)
	}
	if !errors.Is(err, boom) {
		t.Fatal("cause not reachable through Unwrap")
	}
	for _, s := range sessions {
		if s.closes.Load() != 1 {
			t.Fatalf("%s closed %d times", s.id, s.closes.Load())
		}
	}
}

func TestShutdownAllRecoversPanics(t *testing.T) {
	r := NewRegistry()
	ok := &fakeSession{id: "ok"}
	bad := &fakeSession{id: "bad", panics: true}
	_ = r.Add(ok)
	_ = r.Add(bad)

	err := r.ShutdownAll(context.Background())
	var partial *PartialShutdownError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialShutdownError, got %v", err)
	}
	if _, failed := partial.Failures["bad"]; !failed {
		t.Fatalf("panicking session not reported: %v", err)
	}
	if ok.closes.Load() != 1 {
		t.Fatal("healthy session was not closed")
	}
}

func TestShutdownAllHonoursDeadline(t *testing.T) {
	r := NewRegistry()
	stuck := &fakeSession{id: "stuck", block: make(chan struct{})}
	defer close(stuck.block)
	_ = r.Add(stuck)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.ShutdownAll(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestAddRejectedDuringShutdown(t *testing.T) {
	r := NewRegistry()
	if err := r.ShutdownAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(&fakeSession{id: "late"}); !errors.Is(err, domain.ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatal("late session registered")
	}
}

func TestAddRejectsClosingSession(t *testing.T) {
	r := NewRegistry()
	s := &fakeSession{id: "gone"}
	s.closing.Store(true)
	err := r.Add(s)
	if !errors.Is(err, domain.ErrNegotiationFailed) {
		t.Fatalf("expected ErrNegotiationFailed, got %v", err)
	}
	if errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("closing session reported as missing: %v", err)
	}
	if _, ok := r.Get("gone"); ok {
		t.Fatal("closing session visible")
	}

	lost := errors.New("ice failed")
	s = &fakeSession{id: "failed", cause: lost}
	s.closing.Store(true)
	err = r.Add(s)
	if !errors.Is(err, domain.ErrNegotiationFailed) || !errors.Is(err, lost) {
		t.Fatalf("expected negotiation failure carrying the cause, got %v", err)
	}
}

func TestByClientAndRemove(t *testing.T) {
	r := NewRegistry()
	_ = r.Add(&fakeSession{id: "a", client: "c1"})
	_ = r.Add(&fakeSession{id: "b", client: "c1"})
	_ = r.Add(&fakeSession{id: "c", client: "c2"})

	if got := len(r.ByClient("c1")); got != 2 {
		t.Fatalf("expected 2 sessions for c1, got %d", got)
	}
	r.Remove("a")
	r.Remove("a")
	r.Remove("missing")
	if got := len(r.List()); got != 2 {
		t.Fatalf("expected 2 sessions left, got %d", got)
	}
}
