// Package sessions caches the chat sessions of the selected agent and
// tracks which one is open.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"agentchat/internal/api"
	"agentchat/internal/models"
)

// API is the part of the transport the store needs. *api.Client
// satisfies it.
type API interface {
	ListSessions(ctx context.Context, agentID int64) ([]models.ChatSession, error)
	CreateSession(ctx context.Context, agentID int64) (*models.ChatSession, error)
	DeleteSession(ctx context.Context, sessionID int64) error
}

type Store struct {
	api    API
	logger *slog.Logger

	mu       sync.Mutex
	agentID  int64
	sessions []models.ChatSession
	selected int64
}

func New(client API, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{api: client, logger: logger}
}

func (s *Store) AgentID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// Sessions returns a copy of the cached list.
func (s *Store) Sessions() []models.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChatSession(nil), s.sessions...)
}

// Selected returns the open session id, or 0.
func (s *Store) Selected() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Select opens sessionID if it is in the cached list. 0 clears the
// selection.
func (s *Store) Select(sessionID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID == 0 {
		s.selected = 0
		return true
	}
	if s.indexLocked(sessionID) < 0 {
		return false
	}
	s.selected = sessionID
	return true
}

// SetAgent switches the store to agentID, clears the selection and
// fetches that agent's sessions. 0 empties the store.
func (s *Store) SetAgent(ctx context.Context, agentID int64) error {
	s.mu.Lock()
	s.agentID = agentID
	s.sessions = nil
	s.selected = 0
	s.mu.Unlock()

	if agentID == 0 {
		return nil
	}
	_, err := s.List(ctx, agentID)
	return err
}

// List fetches the sessions of agentID ordered by creation time. The cache
// is only updated when agentID is still the store's agent.
func (s *Store) List(ctx context.Context, agentID int64) ([]models.ChatSession, error) {
	sessions, err := s.api.ListSessions(ctx, agentID)
	if err != nil {
		return nil, err
	}
	sortSessions(sessions)

	s.mu.Lock()
	defer s.mu.Unlock()
	if agentID != s.agentID {
		s.logger.Debug("discarding session list for previous agent", "agent_id", agentID)
		return sessions, nil
	}
	s.sessions = sessions
	if s.selected != 0 && s.indexLocked(s.selected) < 0 {
		s.selected = 0
	}
	return append([]models.ChatSession(nil), sessions...), nil
}

// Refresh refetches the current agent's sessions.
func (s *Store) Refresh(ctx context.Context) error {
	agentID := s.AgentID()
	if agentID == 0 {
		return nil
	}
	_, err := s.List(ctx, agentID)
	return err
}

// Create starts a session for agentID, refetches the list and selects the
// new session.
func (s *Store) Create(ctx context.Context, agentID int64) (models.ChatSession, error) {
	if agentID == 0 {
		return models.ChatSession{}, api.Invalid("Select an agent first")
	}
	session, err := s.api.CreateSession(ctx, agentID)
	if err != nil {
		return models.ChatSession{}, err
	}
	s.logger.Info("session created", "session_id", session.ID, "agent_id", agentID)

	s.mu.Lock()
	if s.agentID != agentID {
		s.agentID = agentID
		s.sessions = nil
	}
	s.mu.Unlock()

	if _, err := s.List(ctx, agentID); err != nil {
		s.mu.Lock()
		s.sessions = append(s.sessions, *session)
		sortSessions(s.sessions)
		s.selected = session.ID
		s.mu.Unlock()
		return *session, fmt.Errorf("sessions: refetch after create: %w", err)
	}

	s.mu.Lock()
	if s.indexLocked(session.ID) < 0 {
		s.sessions = append(s.sessions, *session)
		sortSessions(s.sessions)
	}
	s.selected = session.ID
	s.mu.Unlock()
	return *session, nil
}

// Delete removes sessionID, clearing the selection if it was open, and
// refetches the list. A 404 is treated the same way before the error is
// returned.
func (s *Store) Delete(ctx context.Context, sessionID int64) error {
	err := s.api.DeleteSession(ctx, sessionID)
	if err != nil && !api.IsStatus(err, http.StatusNotFound) {
		return err
	}
	s.Forget(sessionID)
	if refreshErr := s.Refresh(ctx); refreshErr != nil && err == nil {
		return fmt.Errorf("sessions: refetch after delete: %w", refreshErr)
	}
	if err == nil {
		s.logger.Info("session deleted", "session_id", sessionID)
	}
	return err
}

// Forget drops sessionID from the cache and the selection, for when a
// scoped call reported it missing.
func (s *Store) Forget(sessionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == sessionID {
		s.selected = 0
	}
	if i := s.indexLocked(sessionID); i >= 0 {
		s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
	}
}

func (s *Store) indexLocked(sessionID int64) int {
	for i := range s.sessions {
		if s.sessions[i].ID == sessionID {
			return i
		}
	}
	return -1
}

func sortSessions(sessions []models.ChatSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.CreatedAt.Equal(b.CreatedAt.Time) {
			return a.CreatedAt.Before(b.CreatedAt.Time)
		}
		return a.ID < b.ID
	})
}
