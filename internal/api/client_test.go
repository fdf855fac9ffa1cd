package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentchat/internal/apitest"
	"agentchat/internal/auth"
	"agentchat/internal/models"
)

func newTestClient(t *testing.T, server *apitest.Server, onExpired func()) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/", OnAuthExpired: onExpired})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func loggedInClient(t *testing.T, server *apitest.Server, onExpired func()) *Client {
	t.Helper()
	server.SeedUser("alice", "secret")
	client := newTestClient(t, server, onExpired)
	if _, err := client.Login(context.Background(), "alice", "secret"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return client
}

func TestNewClient(t *testing.T) {
	t.Run("valid URL", func(t *testing.T) {
		client, err := NewClient(ClientConfig{BaseURL: "http://localhost:8000/"})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client.baseURL != "http://localhost:8000" {
			t.Fatalf("expected trailing slash stripped, got %q", client.baseURL)
		}
	})

	t.Run("empty URL", func(t *testing.T) {
		if _, err := NewClient(ClientConfig{}); err == nil {
			t.Fatal("expected error for empty URL")
		}
	})

	t.Run("non-http scheme", func(t *testing.T) {
		if _, err := NewClient(ClientConfig{BaseURL: "ftp://example.com"}); err == nil {
			t.Fatal("expected error for ftp scheme")
		}
	})
}

func TestLoginStoresCredentials(t *testing.T) {
	server := apitest.New(t)
	client := loggedInClient(t, server, nil)

	tokens := client.Credentials().Tokens()
	if tokens.Access == "" || tokens.Refresh == "" {
		t.Fatalf("expected tokens to be stored, got %+v", tokens)
	}
	if client.Credentials().Username() != "alice" {
		t.Fatalf("expected username alice, got %q", client.Credentials().Username())
	}

	if _, err := client.ListAgents(context.Background()); err != nil {
		t.Fatalf("authenticated call failed: %v", err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	server := apitest.New(t)
	server.SeedUser("alice", "secret")
	client := newTestClient(t, server, nil)

	_, err := client.Login(context.Background(), "alice", "wrong")
	if Kind(err) != KindValidation {
		t.Fatalf("expected validation kind, got %v (%v)", Kind(err), err)
	}
	if Notice(err) != "Invalid credentials" {
		t.Fatalf("unexpected notice %q", Notice(err))
	}
	if client.Credentials().LoggedIn() {
		t.Fatal("failed login must not store tokens")
	}
	if server.Count(http.MethodPost, "/auth/refresh") != 0 {
		t.Fatal("login 401 must not trigger a refresh")
	}
}

func TestRegisterAndLogin(t *testing.T) {
	server := apitest.New(t)
	client := newTestClient(t, server, nil)

	user, err := client.RegisterAndLogin(context.Background(), "bob", "pw")
	if err != nil {
		t.Fatalf("RegisterAndLogin failed: %v", err)
	}
	if user.Username != "bob" || !client.Credentials().LoggedIn() {
		t.Fatalf("expected bob to be logged in, got %+v", user)
	}

	_, err = client.Register(context.Background(), "bob", "pw")
	if Notice(err) != "Username already exists" {
		t.Fatalf("expected duplicate username notice, got %q (%v)", Notice(err), err)
	}
}

func TestRegisterValidatesLocally(t *testing.T) {
	server := apitest.New(t)
	client := newTestClient(t, server, nil)

	_, err := client.Register(context.Background(), "  ", "pw")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if server.Count(http.MethodPost, "/auth/register") != 0 {
		t.Fatal("invalid input must not reach the server")
	}
}

func TestRefreshAndRetryOnExpiredAccessToken(t *testing.T) {
	server := apitest.New(t)
	client := loggedInClient(t, server, nil)
	before := client.Credentials().Tokens()

	server.ExpireAccessTokens()

	if _, err := client.ListAgents(context.Background()); err != nil {
		t.Fatalf("expected transparent refresh, got %v", err)
	}
	if got := server.Count(http.MethodPost, "/auth/refresh"); got != 1 {
		t.Fatalf("expected exactly one refresh, got %d", got)
	}
	if got := server.Count(http.MethodGet, "/agents/"); got != 2 {
		t.Fatalf("expected original request plus one replay, got %d", got)
	}
	after := client.Credentials().Tokens()
	if after.Access == before.Access || after.Refresh == before.Refresh {
		t.Fatalf("expected rotated tokens, before=%+v after=%+v", before, after)
	}
}

func TestSecond401AfterRefreshExpiresSession(t *testing.T) {
	server := apitest.New(t)
	var expired atomic.Int32
	client := loggedInClient(t, server, func() { expired.Add(1) })

	server.FailNext(http.MethodGet, "/agents/", http.StatusUnauthorized, "Could not validate credentials")
	server.FailNext(http.MethodGet, "/agents/", http.StatusUnauthorized, "Could not validate credentials")

	_, err := client.ListAgents(context.Background())
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if Kind(err) != KindAuthExpired || Notice(err) != NoticeAuthExpired {
		t.Fatalf("unexpected classification %v / %q", Kind(err), Notice(err))
	}
	if got := server.Count(http.MethodPost, "/auth/refresh"); got != 1 {
		t.Fatalf("expected exactly one refresh attempt, got %d", got)
	}
	if got := server.Count(http.MethodGet, "/agents/"); got != 2 {
		t.Fatalf("expected no retry beyond the single replay, got %d requests", got)
	}
	if client.Credentials().LoggedIn() {
		t.Fatal("expected credentials to be cleared")
	}
	if expired.Load() != 1 {
		t.Fatalf("expected OnAuthExpired once, got %d", expired.Load())
	}
}

func TestRefreshFailureExpiresSession(t *testing.T) {
	server := apitest.New(t)
	var expired atomic.Int32
	client := loggedInClient(t, server, func() { expired.Add(1) })

	server.ExpireAccessTokens()
	server.RevokeRefreshTokens()

	_, err := client.ListSessions(context.Background(), 0)
	if Kind(err) != KindAuthExpired {
		t.Fatalf("expected auth expired, got %v", err)
	}
	if got := server.Count(http.MethodGet, "/sessions/"); got != 1 {
		t.Fatalf("failed refresh must not replay, got %d requests", got)
	}
	if expired.Load() != 1 || client.Credentials().LoggedIn() {
		t.Fatal("expected forced logout")
	}
}

func TestConcurrent401sShareOneRefresh(t *testing.T) {
	server := apitest.New(t)
	client := loggedInClient(t, server, nil)
	server.ExpireAccessTokens()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.ListAgents(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
	}
	if got := server.Count(http.MethodPost, "/auth/refresh"); got != 1 {
		t.Fatalf("expected a single shared refresh, got %d", got)
	}
}

// holdRefresh blocks /auth/refresh until the returned release is called.
// entered receives once per refresh request that reaches the server.
func holdRefresh(t *testing.T, server *apitest.Server) (entered <-chan struct{}, release func()) {
	t.Helper()
	reached := make(chan struct{}, 16)
	gate := make(chan struct{})
	server.BeforeRefresh = func() {
		reached <- struct{}{}
		<-gate
	}
	release = sync.OnceFunc(func() { close(gate) })
	t.Cleanup(release)
	return reached, release
}

func waitForCount(t *testing.T, server *apitest.Server, method, path string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for server.Count(method, path) < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %s %s requests, got %d", want, method, path, server.Count(method, path))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCanceledCallerDoesNotFailSharedRefresh(t *testing.T) {
	server := apitest.New(t)
	var expired atomic.Int32
	client := loggedInClient(t, server, func() { expired.Add(1) })
	entered, release := holdRefresh(t, server)
	server.ExpireAccessTokens()

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := client.ListAgents(firstCtx)
		firstErr <- err
	}()
	<-entered

	secondErr := make(chan error, 1)
	go func() {
		_, err := client.ListSessions(context.Background(), 0)
		secondErr <- err
	}()
	waitForCount(t, server, http.MethodGet, "/sessions/", 1)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the canceled caller to see context.Canceled, got %v", err)
	}

	release()
	if err := <-secondErr; err != nil {
		t.Fatalf("expected the other caller to succeed after the refresh, got %v", err)
	}
	if got := server.Count(http.MethodPost, "/auth/refresh"); got != 1 {
		t.Fatalf("expected a single refresh, got %d", got)
	}
	if got := server.Count(http.MethodGet, "/sessions/"); got != 2 {
		t.Fatalf("expected the rejected request to be replayed once, got %d", got)
	}
	if !client.Credentials().LoggedIn() || expired.Load() != 0 {
		t.Fatal("expected the session to survive the canceled caller")
	}
}

func TestConcurrentFailedRefreshExpiresOnce(t *testing.T) {
	server := apitest.New(t)
	var expired atomic.Int32
	client := loggedInClient(t, server, func() { expired.Add(1) })
	_, release := holdRefresh(t, server)
	server.ExpireAccessTokens()
	server.RevokeRefreshTokens()

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.ListAgents(context.Background())
			errs <- err
		}()
	}
	waitForCount(t, server, http.MethodGet, "/agents/", callers)
	release()
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, ErrAuthExpired) {
			t.Fatalf("expected ErrAuthExpired, got %v", err)
		}
	}
	if got := server.Count(http.MethodPost, "/auth/refresh"); got != 1 {
		t.Fatalf("expected a single refresh, got %d", got)
	}
	if got := expired.Load(); got != 1 {
		t.Fatalf("expected OnAuthExpired once, got %d", got)
	}
	if client.Credentials().LoggedIn() {
		t.Fatal("expected credentials to be cleared")
	}
}

func TestLateRejectionKeepsNewerLogin(t *testing.T) {
	ctx := context.Background()
	store, err := auth.NewStore(ctx, nil, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	_ = store.SetTokens(ctx, models.AuthTokens{AccessToken: "a2", RefreshToken: "r2"})
	var expired atomic.Int32
	client, err := NewClient(ClientConfig{
		BaseURL:       "http://localhost:1",
		Credentials:   store,
		OnAuthExpired: func() { expired.Add(1) },
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	client.expire(ctx, "a1", errors.New("401"))
	if !store.LoggedIn() || expired.Load() != 0 {
		t.Fatal("a rejection for an old token must not clear newer credentials")
	}
	client.expire(ctx, "a2", errors.New("401"))
	client.expire(ctx, "a2", errors.New("401"))
	if store.LoggedIn() || expired.Load() != 1 {
		t.Fatalf("expected one clear and one notification, got logged in=%v notified=%d", store.LoggedIn(), expired.Load())
	}
}

func TestRefreshSendsRefreshTokenAsBearer(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/refresh" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a2","refresh_token":"","token_type":"bearer"}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	_ = client.Credentials().SetTokens(context.Background(), models.AuthTokens{AccessToken: "a1", RefreshToken: "r1"})

	if _, err := client.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if gotAuth != "Bearer r1" {
		t.Fatalf("expected refresh token bearer, got %q", gotAuth)
	}
	tokens := client.Credentials().Tokens()
	if tokens.Access != "a2" || tokens.Refresh != "r1" {
		t.Fatalf("expected new access and kept refresh token, got %+v", tokens)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	server := apitest.New(t)
	client := loggedInClient(t, server, nil)
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		_, err := client.ListMessages(ctx, 999)
		if Kind(err) != KindNotFound {
			t.Fatalf("expected not found, got %v", err)
		}
		if Notice(err) != "Session not found" {
			t.Fatalf("unexpected notice %q", Notice(err))
		}
	})

	t.Run("validation detail list", func(t *testing.T) {
		server.FailNext(http.MethodPost, "/agents/", http.StatusBadRequest, "Name and prompt are required")
		_, err := client.CreateAgent(ctx, models.AgentCreate{Name: "x", Prompt: "y"})
		if Kind(err) != KindValidation || Notice(err) != "Name and prompt are required" {
			t.Fatalf("unexpected classification %v / %q", Kind(err), Notice(err))
		}
	})

	t.Run("server error", func(t *testing.T) {
		server.FailNext(http.MethodGet, "/agents/", http.StatusInternalServerError, "boom")
		_, err := client.ListAgents(ctx)
		if Kind(err) != KindNetwork || Notice(err) != NoticeNetwork {
			t.Fatalf("unexpected classification %v / %q", Kind(err), Notice(err))
		}
	})

	t.Run("canceled", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := client.ListAgents(canceled)
		if Kind(err) != KindCanceled || Notice(err) != "" {
			t.Fatalf("unexpected classification %v / %q", Kind(err), Notice(err))
		}
	})
}

func TestUnreachableServerIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client, err := NewClient(ClientConfig{BaseURL: url})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	_, err = client.ListAgents(context.Background())
	if Kind(err) != KindNetwork {
		t.Fatalf("expected network kind, got %v", err)
	}
}

func TestDecodeDetail(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"detail":"Session not found"}`, "Session not found"},
		{`{"detail":[{"msg":"Field required"},{"msg":"Too short"}]}`, "Field required; Too short"},
		{`Internal Server Error`, "Internal Server Error"},
	}
	for _, tc := range cases {
		if got := decodeDetail([]byte(tc.body)); got != tc.want {
			t.Errorf("decodeDetail(%s) = %q, want %q", tc.body, got, tc.want)
		}
	}
}

func TestSessionAndMessageEndpoints(t *testing.T) {
	server := apitest.New(t)
	client := loggedInClient(t, server, nil)
	ctx := context.Background()

	agent, err := client.CreateAgent(ctx, models.AgentCreate{Name: "Helper", Prompt: "Be helpful"})
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	session, err := client.CreateSession(ctx, agent.ID)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.AgentID != agent.ID {
		t.Fatalf("session belongs to %d, want %d", session.AgentID, agent.ID)
	}

	reply, err := client.SendMessage(ctx, session.ID, "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if reply.IsUser || reply.Content != "echo: hello" || reply.AgentName != "Helper" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	first, err := client.ListMessages(ctx, session.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	second, err := client.ListMessages(ctx, session.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 messages, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Content != second[i].Content {
			t.Fatalf("message lists differ at %d: %+v vs %+v", i, first[i], second[i])
		}
	}

	if err := client.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	sessions, err := client.ListSessions(ctx, agent.ID)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions after delete, got %+v", sessions)
	}
}

func TestSendVoice(t *testing.T) {
	server := apitest.New(t)
	client := loggedInClient(t, server, nil)
	ctx := context.Background()
	agent, _ := client.CreateAgent(ctx, models.AgentCreate{Name: "Helper", Prompt: "p"})
	session, _ := client.CreateSession(ctx, agent.ID)

	t.Run("paired response", func(t *testing.T) {
		reply, err := client.SendVoice(ctx, session.ID, "note.mp3", strings.NewReader("ID3 fake audio"))
		if err != nil {
			t.Fatalf("SendVoice failed: %v", err)
		}
		if reply.UserMessage == nil || reply.UserMessage.Content != "voice note note.mp3" {
			t.Fatalf("unexpected user message %+v", reply.UserMessage)
		}
		if reply.AgentMessage.AudioURL == "" {
			t.Fatalf("expected audio url on agent reply, got %+v", reply.AgentMessage)
		}
	})

	t.Run("wrapped response", func(t *testing.T) {
		server.Voice = apitest.VoiceWrapped
		defer func() { server.Voice = apitest.VoicePaired }()
		reply, err := client.SendVoice(ctx, session.ID, "note.wav", strings.NewReader("RIFF"))
		if err != nil {
			t.Fatalf("SendVoice failed: %v", err)
		}
		if reply.UserMessage != nil || reply.AgentMessage.AudioURL == "" {
			t.Fatalf("unexpected reply %+v", reply)
		}
	})

	t.Run("unsupported format rejected locally", func(t *testing.T) {
		before := server.Count(http.MethodPost, "/sessions/"+itoa(session.ID)+"/voice")
		_, err := client.SendVoice(ctx, session.ID, "note.ogg", strings.NewReader("OggS"))
		if Notice(err) != "Invalid audio format. Use MP3 or WAV." {
			t.Fatalf("unexpected notice %q", Notice(err))
		}
		if server.Count(http.MethodPost, "/sessions/"+itoa(session.ID)+"/voice") != before {
			t.Fatal("unsupported format must not be uploaded")
		}
	})

	t.Run("empty audio", func(t *testing.T) {
		_, err := client.SendVoice(ctx, session.ID, "note.mp3", strings.NewReader(""))
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
