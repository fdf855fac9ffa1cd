// Package apitest runs an in-memory fake of the agent platform's REST API
// for tests. It keeps users, agents, sessions and messages in maps, issues
// opaque tokens, and can be told to fail or expire things on demand.
package apitest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"agentchat/internal/models"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// VoiceShape selects which voice response body the server emits.
type VoiceShape int

const (
	VoicePaired VoiceShape = iota
	VoiceWrapped
	VoiceBare
)

type failure struct {
	method string
	path   string
	status int
	detail string
}

type account struct {
	id       int64
	password string
}

type Server struct {
	*httptest.Server

	mu       sync.Mutex
	nextID   int64
	clock    time.Time
	users    map[string]*account
	access   map[string]string
	refresh  map[string]string
	agents   map[int64]models.Agent
	owners   map[int64]string
	sessions map[int64]models.ChatSession
	messages map[int64][]models.Message
	failures []failure
	counts   map[string]int

	// Reply produces the agent's answer to a user message.
	Reply func(content string) string
	// Transcribe produces the user message text for an uploaded voice note.
	Transcribe func(filename string, audio []byte) string
	Voice      VoiceShape

	// BeforeRefresh, when set, runs at the start of every /auth/refresh
	// request, outside the server lock.
	BeforeRefresh func()
}

// New starts a fake server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		clock:    time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		users:    make(map[string]*account),
		access:   make(map[string]string),
		refresh:  make(map[string]string),
		agents:   make(map[int64]models.Agent),
		owners:   make(map[int64]string),
		sessions: make(map[int64]models.ChatSession),
		messages: make(map[int64][]models.Message),
		counts:   make(map[string]int),
		Reply: func(content string) string {
			return "echo: " + content
		},
		Transcribe: func(filename string, audio []byte) string {
			return "voice note " + filepath.Base(filename)
		},
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.countRequests)
	r.Use(s.injectFailures)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAccess)

		r.Get("/agents/", s.handleListAgents)
		r.Post("/agents/", s.handleCreateAgent)
		r.Get("/agents/{id}", s.handleGetAgent)
		r.Patch("/agents/{id}", s.handleUpdateAgent)
		r.Delete("/agents/{id}", s.handleDeleteAgent)

		r.Get("/sessions/", s.handleListSessions)
		r.Post("/sessions/", s.handleCreateSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Get("/sessions/{id}/messages", s.handleListMessages)
		r.Post("/sessions/{id}/messages", s.handleSendMessage)
		r.Post("/sessions/{id}/voice", s.handleVoice)
	})
	return r
}

// FailNext makes the next request matching method and path answer with
// status and a {"detail": detail} body.
func (s *Server) FailNext(method, path string, status int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{method: method, path: path, status: status, detail: detail})
}

// ExpireAccessTokens invalidates every issued access token.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]string)
}

// RevokeRefreshTokens invalidates every issued refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = make(map[string]string)
}

// Count returns how many requests hit "METHOD /path".
func (s *Server) Count(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[method+" "+path]
}

// SeedUser registers an account directly.
func (s *Server) SeedUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.users[username] = &account{id: s.nextID, password: password}
}

// IssueTokens logs username in without a request and returns the pair.
func (s *Server) IssueTokens(username string) models.AuthTokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(username)
}

// SeedAgent creates an agent owned by username.
func (s *Server) SeedAgent(username, name, prompt string) models.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	agent := models.Agent{ID: s.nextID, Name: name, Prompt: prompt, CreatedAt: s.tickLocked()}
	s.agents[agent.ID] = agent
	s.owners[agent.ID] = username
	return agent
}

// RemoveAgent deletes an agent behind the client's back.
func (s *Server) RemoveAgent(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
	delete(s.owners, id)
}

// SeedMessage appends a stored message to a session.
func (s *Server) SeedMessage(sessionID int64, content string, isUser bool) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendMessageLocked(sessionID, content, isUser, "")
}

// Messages returns the stored messages of a session.
func (s *Server) Messages(sessionID int64) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages[sessionID]...)
}

func (s *Server) issueLocked(username string) models.AuthTokens {
	s.nextID++
	tokens := models.AuthTokens{
		AccessToken:  fmt.Sprintf("access-%d", s.nextID),
		RefreshToken: fmt.Sprintf("refresh-%d", s.nextID),
		TokenType:    "bearer",
	}
	s.access[tokens.AccessToken] = username
	s.refresh[tokens.RefreshToken] = username
	return tokens
}

func (s *Server) tickLocked() models.Timestamp {
	s.clock = s.clock.Add(time.Second)
	return models.NewTimestamp(s.clock)
}

func (s *Server) appendMessageLocked(sessionID int64, content string, isUser bool, agentName string) models.Message {
	s.nextID++
	msg := models.Message{
		ID:        s.nextID,
		SessionID: sessionID,
		Content:   content,
		IsUser:    isUser,
		CreatedAt: s.tickLocked(),
		AgentName: agentName,
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return msg
}

type ctxKey struct{}

func contextWithUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, ctxKey{}, username)
}

func userFrom(r *http.Request) string {
	username, _ := r.Context().Value(ctxKey{}).(string)
	return username
}

func bearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.counts[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		for i, f := range s.failures {
			if f.method == r.Method && f.path == r.URL.Path {
				s.failures = append(s.failures[:i], s.failures[i+1:]...)
				s.mu.Unlock()
				writeDetail(w, f.status, f.detail)
				return
			}
		}
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		username, ok := s.access[bearer(r)]
		s.mu.Unlock()
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithUser(r.Context(), username)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Username == "" || creds.Password == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]string{{"msg": "Field required"}},
		})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[creds.Username]; exists {
		writeDetail(w, http.StatusBadRequest, "Username already exists")
		return
	}
	s.nextID++
	s.users[creds.Username] = &account{id: s.nextID, password: creds.Password}
	writeJSON(w, http.StatusOK, models.User{ID: s.nextID, Username: creds.Username, CreatedAt: s.tickLocked()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[creds.Username]
	if !ok || user.password != creds.Password {
		writeDetail(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, s.issueLocked(creds.Username))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.BeforeRefresh != nil {
		s.BeforeRefresh()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	token := bearer(r)
	username, ok := s.refresh[token]
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	delete(s.refresh, token)
	writeJSON(w, http.StatusOK, s.issueLocked(username))
}

func (s *Server) ownedAgentLocked(username string, id int64) (models.Agent, bool) {
	agent, ok := s.agents[id]
	if !ok || s.owners[id] != username {
		return models.Agent{}, false
	}
	return agent, true
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	username := userFrom(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	agents := []models.Agent{}
	for id, agent := range s.agents {
		if s.owners[id] == username {
			agents = append(agents, agent)
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var create models.AgentCreate
	if err := json.NewDecoder(r.Body).Decode(&create); err != nil || create.Name == "" || create.Prompt == "" {
		writeDetail(w, http.StatusBadRequest, "Name and prompt are required")
		return
	}
	username := userFrom(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	agent := models.Agent{ID: s.nextID, Name: create.Name, Prompt: create.Prompt, CreatedAt: s.tickLocked()}
	s.agents[agent.ID] = agent
	s.owners[agent.ID] = username
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.ownedAgentLocked(userFrom(r), id)
	if !ok {
		writeDetail(w, http.StatusNotFound, "Agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	var update models.AgentUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.ownedAgentLocked(userFrom(r), id)
	if !ok {
		writeDetail(w, http.StatusNotFound, "Agent not found")
		return
	}
	if update.Name != nil {
		agent.Name = *update.Name
	}
	if update.Prompt != nil {
		agent.Prompt = *update.Prompt
	}
	s.agents[id] = agent
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.ownedAgentLocked(userFrom(r), id)
	if !ok {
		writeDetail(w, http.StatusNotFound, "Agent not found")
		return
	}
	delete(s.agents, id)
	delete(s.owners, id)
	for sid, session := range s.sessions {
		if session.AgentID == id {
			delete(s.sessions, sid)
			delete(s.messages, sid)
		}
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	username := userFrom(r)
	var agentID int64
	if raw := r.URL.Query().Get("agent_id"); raw != "" {
		agentID, _ = strconv.ParseInt(raw, 10, 64)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := []models.ChatSession{}
	for _, session := range s.sessions {
		if s.owners[session.AgentID] != username {
			continue
		}
		if agentID != 0 && session.AgentID != agentID {
			continue
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID int64 `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ownedAgentLocked(userFrom(r), body.AgentID); !ok {
		writeDetail(w, http.StatusNotFound, "Agent not found or not owned by user")
		return
	}
	s.nextID++
	session := models.ChatSession{ID: s.nextID, AgentID: body.AgentID, CreatedAt: s.tickLocked()}
	s.sessions[session.ID] = session
	writeJSON(w, http.StatusOK, session)
}

// ownedSessionLocked resolves a session id from the path for the caller.
func (s *Server) ownedSessionLocked(r *http.Request) (models.ChatSession, bool) {
	id, ok := pathID(r)
	if !ok {
		return models.ChatSession{}, false
	}
	session, ok := s.sessions[id]
	if !ok || s.owners[session.AgentID] != userFrom(r) {
		return models.ChatSession{}, false
	}
	return session, true
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.ownedSessionLocked(r)
	if !ok {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	delete(s.sessions, session.ID)
	delete(s.messages, session.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.ownedSessionLocked(r)
	if !ok {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	messages := append([]models.Message{}, s.messages[session.ID]...)
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "Malformed body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.ownedSessionLocked(r)
	if !ok {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	agentName := s.agents[session.AgentID].Name
	s.appendMessageLocked(session.ID, body.Content, true, "")
	reply := s.appendMessageLocked(session.ID, s.Reply(body.Content), false, agentName)
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]string{{"msg": "Field required"}},
		})
		return
	}
	defer file.Close()
	contentType := header.Header.Get("Content-Type")
	if contentType != "audio/mpeg" && contentType != "audio/wav" {
		writeDetail(w, http.StatusBadRequest, "Invalid audio format. Use MP3 or WAV.")
		return
	}
	audio, err := io.ReadAll(file)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Failed to process voice message. Please try again.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.ownedSessionLocked(r)
	if !ok {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	agentName := s.agents[session.AgentID].Name
	userMsg := s.appendMessageLocked(session.ID, s.Transcribe(header.Filename, audio), true, "")
	agentMsg := s.appendMessageLocked(session.ID, s.Reply(userMsg.Content), false, agentName)
	audioURL := fmt.Sprintf("/static/voice_%d.mp3", agentMsg.ID)

	switch s.Voice {
	case VoiceWrapped:
		writeJSON(w, http.StatusOK, map[string]any{"message": agentMsg, "audio_url": audioURL})
	case VoiceBare:
		agentMsg.AudioURL = audioURL
		writeJSON(w, http.StatusOK, agentMsg)
	default:
		agentMsg.AudioURL = audioURL
		writeJSON(w, http.StatusOK, map[string]any{"user_message": userMsg, "agent_message": agentMsg})
	}
}
