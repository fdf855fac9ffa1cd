// Package chat keeps the message list of the open session in step with the
// backend.
//
// A Synchronizer moves through Idle, Loading, Ready, Sending and
// SendingVoice. Sends are split in two so a UI can show the optimistic
// entries before the request goes out: Begin* inserts them and returns a
// ticket, Deliver performs the request and reconciles the list. Every
// ticket carries the generation it was issued in; selecting another session
// bumps the generation, cancels the old requests and makes their results
// stale.
package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"agentchat/internal/api"
	"agentchat/internal/models"

	"github.com/google/uuid"
)

const (
	PlaceholderText  = "generating response..."
	PlaceholderVoice = "sending voice message..."
	FailedText       = "Failed to get response. Please try again."
	FailedVoice      = "Voice message failed to send."

	// voiceContent stands in for the user entry when the server does not
	// echo the transcribed message back.
	voiceContent = "voice message"
)

var (
	ErrBusy         = errors.New("chat: a message is already being sent")
	ErrNoSession    = errors.New("chat: no session selected")
	ErrNotReady     = errors.New("chat: messages are still loading")
	ErrStale        = errors.New("chat: result belongs to a superseded session")
	ErrEmptyMessage = errors.New("chat: message is empty")
)

type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateSending
	StateSendingVoice
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateSending:
		return "sending"
	case StateSendingVoice:
		return "sending_voice"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status tracks an entry's reconciliation with the server.
type Status int

const (
	StatusConfirmed Status = iota
	StatusPending
	StatusFailed
	// StatusUnsent marks a user entry whose send failed. It stays in the
	// list so the text is not lost.
	StatusUnsent
)

// Entry is one row of the message list. CorrelationID is set for entries
// the client created; server messages loaded from history have none.
type Entry struct {
	models.Message
	CorrelationID string
	Status        Status
}

// MessageAPI is the part of the transport the synchronizer needs.
// *api.Client satisfies it.
type MessageAPI interface {
	ListMessages(ctx context.Context, sessionID int64) ([]models.Message, error)
	SendMessage(ctx context.Context, sessionID int64, content string) (*models.Message, error)
	SendVoice(ctx context.Context, sessionID int64, filename string, audio io.Reader) (*models.VoiceReply, error)
}

type Config struct {
	API MessageAPI
	// Now defaults to time.Now.
	Now func() time.Time
	// NewID generates correlation ids. Defaults to uuid.NewString.
	NewID  func() string
	Logger *slog.Logger
}

type Synchronizer struct {
	api    MessageAPI
	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	mu         sync.Mutex
	sessionID  int64
	entries    []Entry
	state      State
	generation uint64
	genCtx     context.Context
	cancelGen  context.CancelFunc
	localSeq   int64
}

func New(config Config) *Synchronizer {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	newID := config.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	genCtx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		api:       config.API,
		now:       now,
		newID:     newID,
		logger:    logger,
		state:     StateIdle,
		genCtx:    genCtx,
		cancelGen: cancel,
	}
}

// LoadTicket is returned by Select and consumed by Load.
type LoadTicket struct {
	SessionID  int64
	generation uint64
	genCtx     context.Context
}

type sendKind int

const (
	sendText sendKind = iota
	sendVoice
)

// SendTicket is returned by BeginText and BeginVoice and consumed by
// Deliver.
type SendTicket struct {
	SessionID int64
	// Placeholder is the correlation id of the entry Deliver will resolve.
	Placeholder string
	// User is the correlation id of the optimistic user entry (text only).
	User string

	kind       sendKind
	content    string
	filename   string
	audio      []byte
	generation uint64
	genCtx     context.Context
}

// Snapshot is a copy of the synchronizer's state.
type Snapshot struct {
	SessionID  int64
	State      State
	Entries    []Entry
	Pending    bool
	Generation uint64
}

func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:  s.sessionID,
		State:      s.state,
		Entries:    append([]Entry(nil), s.entries...),
		Pending:    s.pendingLocked(),
		Generation: s.generation,
	}
}

func (s *Synchronizer) SessionID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Synchronizer) pendingLocked() bool {
	return s.state == StateSending || s.state == StateSendingVoice
}

// Select switches to sessionID, or to no session when it is 0. Whatever
// was in flight for the previous session is canceled and its results will
// be discarded.
func (s *Synchronizer) Select(sessionID int64) LoadTicket {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelGen()
	s.genCtx, s.cancelGen = context.WithCancel(context.Background())
	s.generation++
	s.sessionID = sessionID
	s.entries = nil
	if sessionID == 0 {
		s.state = StateIdle
	} else {
		s.state = StateLoading
	}
	s.logger.Debug("session selected", "session_id", sessionID, "generation", s.generation)
	return LoadTicket{SessionID: sessionID, generation: s.generation, genCtx: s.genCtx}
}

// Load fetches the ticket's session history. On failure the list is left
// empty, the synchronizer becomes Ready and the error is returned.
func (s *Synchronizer) Load(ctx context.Context, ticket LoadTicket) error {
	if ticket.SessionID == 0 {
		return nil
	}
	ctx, cancel := bind(ctx, ticket.genCtx)
	defer cancel()

	messages, err := s.api.ListMessages(ctx, ticket.SessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket.generation != s.generation {
		s.logger.Debug("dropping stale history", "session_id", ticket.SessionID)
		return ErrStale
	}
	s.state = StateReady
	if err != nil {
		s.entries = nil
		return fmt.Errorf("chat: load session %d: %w", ticket.SessionID, err)
	}
	s.entries = make([]Entry, 0, len(messages))
	for _, msg := range messages {
		s.entries = append(s.entries, Entry{Message: msg, Status: StatusConfirmed})
	}
	return nil
}

// Open is Select followed by Load.
func (s *Synchronizer) Open(ctx context.Context, sessionID int64) error {
	return s.Load(ctx, s.Select(sessionID))
}

// guardLocked reports why a send cannot start.
func (s *Synchronizer) guardLocked() error {
	switch {
	case s.sessionID == 0:
		return ErrNoSession
	case s.pendingLocked():
		return ErrBusy
	case s.state == StateLoading:
		return ErrNotReady
	}
	return nil
}

func (s *Synchronizer) localEntryLocked(content string, isUser bool, now time.Time) Entry {
	s.localSeq--
	return Entry{
		Message: models.Message{
			ID:        s.localSeq,
			SessionID: s.sessionID,
			Content:   content,
			IsUser:    isUser,
			CreatedAt: models.NewTimestamp(now),
		},
		CorrelationID: s.newID(),
		Status:        StatusPending,
	}
}

// BeginText appends the user entry and the agent placeholder and moves to
// Sending.
func (s *Synchronizer) BeginText(content string) (SendTicket, error) {
	if strings.TrimSpace(content) == "" {
		return SendTicket{}, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardLocked(); err != nil {
		return SendTicket{}, err
	}

	now := s.now()
	user := s.localEntryLocked(content, true, now)
	placeholder := s.localEntryLocked(PlaceholderText, false, now)
	s.entries = append(s.entries, user, placeholder)
	s.state = StateSending

	return SendTicket{
		SessionID:   s.sessionID,
		Placeholder: placeholder.CorrelationID,
		User:        user.CorrelationID,
		kind:        sendText,
		content:     content,
		generation:  s.generation,
		genCtx:      s.genCtx,
	}, nil
}

// BeginVoice appends a single user placeholder for the voice note and
// moves to SendingVoice.
func (s *Synchronizer) BeginVoice(filename string, audio []byte) (SendTicket, error) {
	if len(audio) == 0 {
		return SendTicket{}, ErrEmptyMessage
	}
	if _, err := api.VoiceContentType(filename); err != nil {
		return SendTicket{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardLocked(); err != nil {
		return SendTicket{}, err
	}

	placeholder := s.localEntryLocked(PlaceholderVoice, true, s.now())
	s.entries = append(s.entries, placeholder)
	s.state = StateSendingVoice

	return SendTicket{
		SessionID:   s.sessionID,
		Placeholder: placeholder.CorrelationID,
		kind:        sendVoice,
		filename:    filename,
		audio:       audio,
		generation:  s.generation,
		genCtx:      s.genCtx,
	}, nil
}

// Deliver performs the ticket's request and resolves its placeholder. It
// returns ErrStale without touching the list if the session changed in the
// meantime.
func (s *Synchronizer) Deliver(ctx context.Context, ticket SendTicket) error {
	ctx, cancel := bind(ctx, ticket.genCtx)
	defer cancel()

	switch ticket.kind {
	case sendVoice:
		reply, err := s.api.SendVoice(ctx, ticket.SessionID, ticket.filename, bytes.NewReader(ticket.audio))
		return s.finishVoice(ticket, reply, err)
	default:
		reply, err := s.api.SendMessage(ctx, ticket.SessionID, ticket.content)
		return s.finishText(ticket, reply, err)
	}
}

func (s *Synchronizer) finishText(ticket SendTicket, reply *models.Message, sendErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket.generation != s.generation {
		s.logger.Debug("dropping stale reply", "session_id", ticket.SessionID)
		return ErrStale
	}
	s.state = StateReady

	userIdx := s.indexLocked(ticket.User)
	idx := s.indexLocked(ticket.Placeholder)

	if sendErr != nil {
		if userIdx >= 0 {
			s.entries[userIdx].Status = StatusUnsent
		}
		if idx >= 0 {
			s.entries[idx].Content = FailedText
			s.entries[idx].Status = StatusFailed
		}
		return fmt.Errorf("chat: send message: %w", sendErr)
	}

	if userIdx >= 0 {
		s.entries[userIdx].Status = StatusConfirmed
	}
	if idx < 0 {
		s.logger.Warn("placeholder gone, dropping reply", "session_id", ticket.SessionID, "message_id", reply.ID)
		return nil
	}
	s.entries[idx] = Entry{Message: *reply, CorrelationID: ticket.Placeholder, Status: StatusConfirmed}
	return nil
}

func (s *Synchronizer) finishVoice(ticket SendTicket, reply *models.VoiceReply, sendErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket.generation != s.generation {
		s.logger.Debug("dropping stale voice reply", "session_id", ticket.SessionID)
		return ErrStale
	}
	s.state = StateReady

	idx := s.indexLocked(ticket.Placeholder)
	if sendErr != nil {
		if idx >= 0 {
			s.entries[idx].Content = FailedVoice
			s.entries[idx].Status = StatusFailed
		}
		return fmt.Errorf("chat: send voice: %w", sendErr)
	}

	var user Entry
	if reply.UserMessage != nil {
		user = Entry{Message: *reply.UserMessage, CorrelationID: ticket.Placeholder, Status: StatusConfirmed}
	} else if idx >= 0 {
		user = s.entries[idx]
		user.Content = voiceContent
		user.Status = StatusConfirmed
	} else {
		user = s.localEntryLocked(voiceContent, true, s.now())
		user.Status = StatusConfirmed
	}
	agent := Entry{Message: reply.AgentMessage, Status: StatusConfirmed}

	if idx < 0 {
		s.entries = append(s.entries, user, agent)
		return nil
	}
	s.entries[idx] = user
	s.entries = append(s.entries[:idx+1], append([]Entry{agent}, s.entries[idx+1:]...)...)
	return nil
}

func (s *Synchronizer) indexLocked(correlationID string) int {
	if correlationID == "" {
		return -1
	}
	for i := range s.entries {
		if s.entries[i].CorrelationID == correlationID {
			return i
		}
	}
	return -1
}

// SendText runs BeginText and Deliver in one blocking call.
func (s *Synchronizer) SendText(ctx context.Context, content string) error {
	ticket, err := s.BeginText(content)
	if err != nil {
		return err
	}
	return s.Deliver(ctx, ticket)
}

// SendVoice reads the audio and runs BeginVoice and Deliver.
func (s *Synchronizer) SendVoice(ctx context.Context, filename string, audio io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(audio, api.MaxVoiceBytes+1))
	if err != nil {
		return fmt.Errorf("chat: read audio: %w", err)
	}
	if len(data) > api.MaxVoiceBytes {
		return api.Invalid("Audio file is too large")
	}
	ticket, err := s.BeginVoice(filename, data)
	if err != nil {
		return err
	}
	return s.Deliver(ctx, ticket)
}

// bind derives a context from ctx that is also canceled when gen is.
func bind(ctx context.Context, gen context.Context) (context.Context, context.CancelFunc) {
	if gen == nil {
		return context.WithCancel(ctx)
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(gen, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
