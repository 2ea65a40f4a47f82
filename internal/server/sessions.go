package server

import (
	"sync"

	"github.com/membank-ai/membank/internal/agent"
)

// maxSessionMessages caps a session transcript; older turns fall off.
const maxSessionMessages = 20

// sessionStore holds per-session chat history in memory. History is an
// assist for pronoun resolution, not durable state, so losing it on
// restart is fine.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string][]agent.Message
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string][]agent.Message)}
}

// History returns a copy of the session transcript, oldest first.
func (s *sessionStore) History(id string) []agent.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.sessions[id]
	out := make([]agent.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Append records one user/assistant exchange, trimming to the cap.
func (s *sessionStore) Append(id, userMessage, answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.sessions[id],
		agent.Message{Role: agent.RoleUser, Content: userMessage},
		agent.Message{Role: agent.RoleAssistant, Content: answer},
	)
	if len(msgs) > maxSessionMessages {
		msgs = msgs[len(msgs)-maxSessionMessages:]
	}
	s.sessions[id] = msgs
}
