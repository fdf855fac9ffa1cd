package sessions

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"agentchat/internal/api"
	"agentchat/internal/apitest"
	"agentchat/internal/chat"
	"agentchat/internal/models"
)

func setup(t *testing.T) (*apitest.Server, *api.Client) {
	t.Helper()
	server := apitest.New(t)
	server.SeedUser("alice", "secret")
	client, err := api.NewClient(api.ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if _, err := client.Login(context.Background(), "alice", "secret"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return server, client
}

func TestCreateInEmptyAgentSelectsNewSession(t *testing.T) {
	server, client := setup(t)
	agent := server.SeedAgent("alice", "A", "prompt")
	store := New(client, nil)
	synchronizer := chat.New(chat.Config{API: client})
	ctx := context.Background()

	if err := store.SetAgent(ctx, agent.ID); err != nil {
		t.Fatalf("SetAgent failed: %v", err)
	}
	if len(store.Sessions()) != 0 {
		t.Fatalf("expected no sessions, got %+v", store.Sessions())
	}

	session, err := store.Create(ctx, agent.ID)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := synchronizer.Open(ctx, store.Selected()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	sessions := store.Sessions()
	if len(sessions) != 1 || sessions[0].ID != session.ID || sessions[0].AgentID != agent.ID {
		t.Fatalf("expected exactly one session for agent A, got %+v", sessions)
	}
	if store.Selected() != session.ID {
		t.Fatalf("expected new session selected, got %d", store.Selected())
	}
	snap := synchronizer.Snapshot()
	if snap.SessionID != session.ID || len(snap.Entries) != 0 {
		t.Fatalf("expected empty message list for new session, got %+v", snap)
	}
}

func TestDeleteSelectedSessionClearsSelection(t *testing.T) {
	server, client := setup(t)
	agent := server.SeedAgent("alice", "A", "prompt")
	store := New(client, nil)
	synchronizer := chat.New(chat.Config{API: client})
	ctx := context.Background()

	if err := store.SetAgent(ctx, agent.ID); err != nil {
		t.Fatalf("SetAgent failed: %v", err)
	}
	keep, _ := store.Create(ctx, agent.ID)
	doomed, _ := store.Create(ctx, agent.ID)
	server.SeedMessage(doomed.ID, "hello", true)
	if err := synchronizer.Open(ctx, doomed.ID); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := store.Delete(ctx, doomed.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	synchronizer.Select(store.Selected())

	if store.Selected() != 0 {
		t.Fatalf("expected selection cleared, got %d", store.Selected())
	}
	if snap := synchronizer.Snapshot(); snap.SessionID != 0 || len(snap.Entries) != 0 {
		t.Fatalf("expected empty message list, got %+v", snap)
	}

	listed, err := store.List(ctx, agent.ID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != keep.ID {
		t.Fatalf("deleted session still listed: %+v", listed)
	}
}

func TestDeleteOtherSessionKeepsSelection(t *testing.T) {
	server, client := setup(t)
	agent := server.SeedAgent("alice", "A", "prompt")
	store := New(client, nil)
	ctx := context.Background()

	_ = store.SetAgent(ctx, agent.ID)
	other, _ := store.Create(ctx, agent.ID)
	open, _ := store.Create(ctx, agent.ID)

	if err := store.Delete(ctx, other.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if store.Selected() != open.ID {
		t.Fatalf("expected selection kept on %d, got %d", open.ID, store.Selected())
	}
}

func TestDeleteMissingSessionClearsSelection(t *testing.T) {
	server, client := setup(t)
	agent := server.SeedAgent("alice", "A", "prompt")
	store := New(client, nil)
	ctx := context.Background()

	_ = store.SetAgent(ctx, agent.ID)
	session, _ := store.Create(ctx, agent.ID)
	server.FailNext(http.MethodDelete, "/sessions/"+itoa(session.ID), http.StatusNotFound, "Session not found")

	err := store.Delete(ctx, session.ID)
	if api.Kind(err) != api.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if store.Selected() != 0 {
		t.Fatal("expected selection of missing session to be cleared")
	}
}

func TestSetAgentClearsSelectionAndScopesList(t *testing.T) {
	server, client := setup(t)
	a := server.SeedAgent("alice", "A", "prompt")
	b := server.SeedAgent("alice", "B", "prompt")
	store := New(client, nil)
	ctx := context.Background()

	_ = store.SetAgent(ctx, a.ID)
	_, _ = store.Create(ctx, a.ID)
	_ = store.SetAgent(ctx, b.ID)
	bSession, _ := store.Create(ctx, b.ID)

	_ = store.SetAgent(ctx, a.ID)
	if store.Selected() != 0 {
		t.Fatalf("expected no selection after agent switch, got %d", store.Selected())
	}
	for _, session := range store.Sessions() {
		if session.AgentID != a.ID || session.ID == bSession.ID {
			t.Fatalf("session %+v does not belong to agent A", session)
		}
	}
	if store.Select(bSession.ID) {
		t.Fatal("selecting another agent's session must fail")
	}
}

func TestCreateRequiresAgent(t *testing.T) {
	_, client := setup(t)
	store := New(client, nil)
	if _, err := store.Create(context.Background(), 0); !errors.Is(err, api.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSortSessions(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	sessions := []models.ChatSession{
		{ID: 3, CreatedAt: models.NewTimestamp(base.Add(time.Minute))},
		{ID: 2, CreatedAt: models.NewTimestamp(base)},
		{ID: 1, CreatedAt: models.NewTimestamp(base)},
	}
	sortSessions(sessions)
	for i, want := range []int64{1, 2, 3} {
		if sessions[i].ID != want {
			t.Fatalf("position %d: got %d, want %d", i, sessions[i].ID, want)
		}
	}
}

type fakeAPI struct {
	API
	lists map[int64][]models.ChatSession
}

func (f *fakeAPI) ListSessions(ctx context.Context, agentID int64) ([]models.ChatSession, error) {
	return append([]models.ChatSession(nil), f.lists[agentID]...), nil
}

func TestListForPreviousAgentDoesNotReplaceCache(t *testing.T) {
	fake := &fakeAPI{lists: map[int64][]models.ChatSession{
		1: {{ID: 10, AgentID: 1}},
		2: {{ID: 20, AgentID: 2}},
	}}
	store := New(fake, nil)
	ctx := context.Background()

	_ = store.SetAgent(ctx, 2)
	if _, err := store.List(ctx, 1); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	got := store.Sessions()
	if len(got) != 1 || got[0].ID != 20 {
		t.Fatalf("cache replaced by another agent's list: %+v", got)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
