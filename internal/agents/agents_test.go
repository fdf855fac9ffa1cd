package agents

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"agentchat/internal/api"
	"agentchat/internal/apitest"
	"agentchat/internal/models"
)

func setup(t *testing.T) (*apitest.Server, *Directory) {
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
	return server, New(client, nil)
}

func ptr(s string) *string { return &s }

func TestRefreshSelectsFirstAgent(t *testing.T) {
	server, dir := setup(t)
	ctx := context.Background()

	if err := dir.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if _, ok := dir.Selected(); ok {
		t.Fatal("expected no selection for empty directory")
	}

	first := server.SeedAgent("alice", "First", "p1")
	server.SeedAgent("alice", "Second", "p2")
	server.SeedAgent("bob", "NotMine", "p3")

	if err := dir.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if len(dir.Agents()) != 2 {
		t.Fatalf("expected only alice's agents, got %+v", dir.Agents())
	}
	if got, _ := dir.Selected(); got.ID != first.ID {
		t.Fatalf("expected first agent selected, got %+v", got)
	}
}

func TestSelectionPreservedAcrossRefresh(t *testing.T) {
	server, dir := setup(t)
	ctx := context.Background()
	server.SeedAgent("alice", "First", "p1")
	second := server.SeedAgent("alice", "Second", "p2")

	_ = dir.Refresh(ctx)
	if !dir.Select(second.ID) {
		t.Fatal("Select failed")
	}

	updated, err := dir.Update(ctx, second.ID, models.AgentUpdate{Name: ptr("Renamed")})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	selected, _ := dir.Selected()
	if selected.ID != second.ID || selected.Name != "Renamed" || updated.Name != "Renamed" {
		t.Fatalf("expected fresh record of selected agent, got %+v", selected)
	}
	if selected.Prompt != "p2" {
		t.Fatalf("prompt must be untouched by a name-only patch, got %q", selected.Prompt)
	}
}

func TestDeleteSelectedFallsBackToFirst(t *testing.T) {
	server, dir := setup(t)
	ctx := context.Background()
	first := server.SeedAgent("alice", "First", "p1")
	second := server.SeedAgent("alice", "Second", "p2")

	_ = dir.Refresh(ctx)
	dir.Select(second.ID)
	if err := dir.Delete(ctx, second.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got, _ := dir.Selected(); got.ID != first.ID {
		t.Fatalf("expected fallback to first agent, got %+v", got)
	}

	if err := dir.Delete(ctx, first.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := dir.Selected(); ok || dir.SelectedID() != 0 {
		t.Fatal("expected no selection after deleting every agent")
	}
}

func TestCreateValidatesLocally(t *testing.T) {
	server, dir := setup(t)
	ctx := context.Background()

	cases := []struct{ name, prompt string }{
		{"", "prompt"},
		{"name", "   "},
	}
	for _, tc := range cases {
		_, err := dir.Create(ctx, tc.name, tc.prompt)
		if !errors.Is(err, api.ErrValidation) {
			t.Fatalf("Create(%q, %q): expected validation error, got %v", tc.name, tc.prompt, err)
		}
	}
	if server.Count(http.MethodPost, "/agents/") != 0 {
		t.Fatal("invalid agents must not be sent")
	}

	agent, err := dir.Create(ctx, "  Helper ", " Be helpful ")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if agent.Name != "Helper" || agent.Prompt != "Be helpful" {
		t.Fatalf("expected trimmed fields, got %+v", agent)
	}
	if len(dir.Agents()) != 1 {
		t.Fatalf("expected refetch after create, got %+v", dir.Agents())
	}
}

func TestUpdateValidatesLocally(t *testing.T) {
	_, dir := setup(t)
	ctx := context.Background()

	if _, err := dir.Update(ctx, 1, models.AgentUpdate{}); !errors.Is(err, api.ErrValidation) {
		t.Fatalf("expected validation error for empty patch, got %v", err)
	}
	if _, err := dir.Update(ctx, 1, models.AgentUpdate{Prompt: ptr(" ")}); !errors.Is(err, api.ErrValidation) {
		t.Fatalf("expected validation error for blank prompt, got %v", err)
	}
}

func TestMissingAgentClearsSelection(t *testing.T) {
	server, dir := setup(t)
	ctx := context.Background()
	keep := server.SeedAgent("alice", "Keep", "p")
	gone := server.SeedAgent("alice", "Gone", "p")
	_ = dir.Refresh(ctx)
	dir.Select(gone.ID)

	server.RemoveAgent(gone.ID)

	_, err := dir.Update(ctx, gone.ID, models.AgentUpdate{Name: ptr("x")})
	if api.Kind(err) != api.KindNotFound || api.Notice(err) != "Agent not found" {
		t.Fatalf("expected agent not found, got %v", err)
	}
	if dir.SelectedID() != keep.ID {
		t.Fatalf("expected selection to fall back to %d, got %d", keep.ID, dir.SelectedID())
	}
	for _, agent := range dir.Agents() {
		if agent.ID == gone.ID {
			t.Fatal("missing agent still listed")
		}
	}
	if _, err := dir.Get(ctx, gone.ID); api.Kind(err) != api.KindNotFound {
		t.Fatalf("expected not found from Get, got %v", err)
	}
}
