package orch

import (
	"github.com/dkeye/camcast/internal/core"
	"github.com/rs/zerolog/log"
)

// Hangup closes one session.
func (o *Orchestrator) Hangup(sid core.SessionID) error {
	s, err := o.lookup(sid)
	if err != nil {
		return err
	}
	if err := s.Close(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("hangup finished with error")
	}
	return nil
}

// HangupClient closes every session a client created and returns how many
// there were.
func (o *Orchestrator) HangupClient(client string) int {
	sessions := o.Registry.ByClient(client)
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("sid", string(s.ID())).Msg("hangup finished with error")
		}
	}
	if len(sessions) > 0 {
		log.Info().Str("module", "orch").Str("client", client).Int("sessions", len(sessions)).Msg("client hung up")
	}
	return len(sessions)
}

// Done returns a channel closed once the session has fully closed.
func (o *Orchestrator) Done(sid core.SessionID) (<-chan struct{}, error) {
	s, err := o.lookup(sid)
	if err != nil {
		return nil, err
	}
	return s.Done(), nil
}
