// Package orch ties the relay, the peer factory and the session registry
// together behind the operations the signaling adapters call.
package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/camcast/internal/app/relay"
	"github.com/dkeye/camcast/internal/app/session"
	"github.com/dkeye/camcast/internal/core"
	"github.com/dkeye/camcast/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultNegotiationTimeout = 15 * time.Second

type Orchestrator struct {
	Registry *session.Registry
	Relay    *relay.DeviceRelay
	Peers    core.PeerFactory
	Defaults domain.CaptureOptions

	NegotiationTimeout time.Duration
	// AnswerTimeout bounds the wait for the remote answer to a server
	// offer. Zero uses session.DefaultAnswerTimeout.
	AnswerTimeout time.Duration
}

func (o *Orchestrator) Sessions() []session.Info {
	return o.Registry.List()
}

func (o *Orchestrator) Devices() []relay.DeviceInfo {
	return o.Relay.Devices()
}

// Shutdown closes every session, then the relay. Sessions are closed first
// so each one releases its own subscriptions.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	err := o.Registry.ShutdownAll(ctx)
	var partial *session.PartialShutdownError
	if errors.As(err, &partial) {
		log.Error().Str("module", "orch").Int("failed", len(partial.Failures)).Int("total", partial.Total).Msg("some sessions failed to close")
	}
	o.Relay.Close()
	log.Info().Str("module", "orch").Msg("relay closed")
	return err
}

func (o *Orchestrator) lookup(sid core.SessionID) (*session.PeerSession, error) {
	s, ok := o.Registry.Get(sid)
	if !ok {
		return nil, fmt.Errorf("%s: %w", sid, domain.ErrSessionNotFound)
	}
	ps, ok := s.(*session.PeerSession)
	if !ok || ps.Closing() {
		return nil, fmt.Errorf("%s: %w", sid, domain.ErrSessionNotFound)
	}
	return ps, nil
}

func (o *Orchestrator) negotiationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := o.NegotiationTimeout
	if timeout <= 0 {
		timeout = DefaultNegotiationTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
