package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dkeye/camcast/internal/core"
	"github.com/dkeye/camcast/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// Session is what the registry needs from a registered session.
type Session interface {
	ID() core.SessionID
	Client() string
	Closing() bool
	Close() error
	Info() Info
}

// PartialShutdownError lists the sessions whose Close failed during
// ShutdownAll. Every other session was closed normally.
type PartialShutdownError struct {
	Total    int
	Failures map[core.SessionID]error
}

func (e *PartialShutdownError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for sid := range e.Failures {
		ids = append(ids, string(sid))
	}
	sort.Strings(ids)
	var b strings.Builder
	fmt.Fprintf(&b, "shutdown: %d of %d sessions failed to close", len(e.Failures), e.Total)
	for _, sid := range ids {
		fmt.Fprintf(&b, "; %s: %v", sid, e.Failures[core.SessionID(sid)])
	}
	return b.String()
}

func (e *PartialShutdownError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		out = append(out, err)
	}
	return out
}

// Registry is the process-wide table of live sessions.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[core.SessionID]Session
	shuttingDown bool
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[core.SessionID]Session)}
}

// Add registers s. It fails once shutdown has started or when s is already
// closing, so a session can never be registered after it released its
// resources. A session that closed mid-negotiation is reported as a
// negotiation failure carrying the cause it recorded.
func (r *Registry) Add(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shuttingDown {
		return domain.ErrShuttingDown
	}
	if s.Closing() {
		return closedEarly(s)
	}
	r.sessions[s.ID()] = s
	log.Info().Str("module", "app.registry").Str("sid", string(s.ID())).Int("sessions", len(r.sessions)).Msg("session registered")
	return nil
}

func closedEarly(s Session) error {
	var cause error
	if e, ok := s.(interface{ Err() error }); ok {
		cause = e.Err()
	}
	switch {
	case cause == nil:
		return fmt.Errorf("register %s: session closed: %w", s.ID(), domain.ErrNegotiationFailed)
	case errors.Is(cause, domain.ErrNegotiationFailed):
		return fmt.Errorf("register %s: %w", s.ID(), cause)
	default:
		return fmt.Errorf("register %s: %w: %w", s.ID(), domain.ErrNegotiationFailed, cause)
	}
}

// Remove drops sid. Unknown ids are ignored.
func (r *Registry) Remove(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sid]; !ok {
		return
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Int("sessions", len(r.sessions)).Msg("session removed")
}

func (r *Registry) Get(sid core.SessionID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ByClient returns the sessions created by one client.
func (r *Registry) ByClient(client string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0)
	for _, s := range r.sessions {
		if s.Client() == client {
			out = append(out, s)
		}
	}
	return out
}

// List returns a snapshot of every session, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	snap := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snap = append(snap, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(snap))
	for _, s := range snap {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ShutdownAll closes every registered session concurrently and waits for
// all of them. A failing or panicking Close never stops the others; the
// failures come back as *PartialShutdownError. If ctx ends first the
// sessions still closing are reported with ctx's error.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	r.shuttingDown = true
	snap := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snap = append(snap, s)
	}
	r.mu.Unlock()

	logger := log.With().Str("module", "app.registry").Logger()
	logger.Info().Int("sessions", len(snap)).Msg("shutting down sessions")

	var (
		mu       sync.Mutex
		failures = make(map[core.SessionID]error)
		pending  = make(map[core.SessionID]struct{}, len(snap))
	)
	for _, s := range snap {
		pending[s.ID()] = struct{}{}
	}

	p := pool.New().WithErrors()
	for _, s := range snap {
		p.Go(func() (err error) {
			sid := s.ID()
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("close panicked: %v", rec)
				}
				mu.Lock()
				delete(pending, sid)
				if err != nil {
					failures[sid] = err
				}
				mu.Unlock()
				if err != nil {
					logger.Error().Err(err).Str("sid", string(sid)).Msg("session close failed")
				}
			}()
			return s.Close()
		})
	}

	done := make(chan struct{})
	go func() {
		_ = p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn().Err(ctx.Err()).Msg("shutdown deadline reached")
	}

	mu.Lock()
	defer mu.Unlock()
	for sid := range pending {
		failures[sid] = ctx.Err()
	}
	if len(failures) == 0 {
		logger.Info().Int("sessions", len(snap)).Msg("all sessions closed")
		return nil
	}
	out := &PartialShutdownError{Total: len(snap), Failures: make(map[core.SessionID]error, len(failures))}
	for sid, err := range failures {
		out.Failures[sid] = err
	}
	return out
}
