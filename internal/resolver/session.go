package resolver

import (
	"time"

	"craruntime/internal/identity"
)

// Session is a bounded interaction between one agent and the resolver,
// scoping every resolution, execution, and TRACE event emitted for it.
type Session struct {
	SessionID string
	AgentID   string
	Goal      string
	CreatedAt time.Time
	EndedAt   *time.Time
	Active    bool

	ResolutionCount uint64
	ActionCount     uint64

	// Identity is the optionally-resolved A2A agent card summary for
	// AgentID, populated when CreateSession was given an agent card URL.
	Identity *identity.Summary
}

func newSession(sessionID, agentID, goal string) *Session {
	return &Session{
		SessionID: sessionID,
		AgentID:   agentID,
		Goal:      goal,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}
}

func (s *Session) end() {
	now := time.Now().UTC()
	s.EndedAt = &now
	s.Active = false
}

// DurationMs reports how long the session has been (or was) open.
func (s *Session) DurationMs() int64 {
	end := time.Now().UTC()
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return end.Sub(s.CreatedAt).Milliseconds()
}
