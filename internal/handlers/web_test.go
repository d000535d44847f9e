package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/gorilla/securecookie"
	"github.com/labstack/echo/v4"
	"github.com/ytakahashi/firebase-todo-web/internal/models"
	"github.com/ytakahashi/firebase-todo-web/internal/services"
	"github.com/ytakahashi/firebase-todo-web/internal/session"
	"github.com/ytakahashi/firebase-todo-web/internal/testutil"
)

type webFixture struct {
	e        *echo.Echo
	store    *services.MemoryStore
	identity *testutil.FakeIdentity
	google   *testutil.FakeFederated
	registry *session.Registry
}

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()

	identity := testutil.NewFakeIdentity()
	identity.AddUser("ada@example.com", "secret", "Ada")
	identity.AddFederatedUser("google-id-token", models.Identity{ID: "g1", DisplayName: "Grace", Email: "grace@example.com"})
	google := testutil.NewFakeFederated("google-id-token")
	mem := services.NewMemoryStore()
	var store services.TaskStore = mem
	store = services.LoggingMiddleware(log.NewNopLogger())(store)
	store = services.InstrumentingMiddleware(discard.NewCounter(), discard.NewHistogram(), discard.NewGauge())(store)

	registry := session.NewRegistry(session.RegistryConfig{
		HashKey:   securecookie.GenerateRandomKey(32),
		BlockKey:  securecookie.GenerateRandomKey(32),
		Identity:  identity,
		Federated: map[string]services.FederatedProvider{"google": google},
		Store:     store,
		Logger:    log.NewNopLogger(),
	})
	t.Cleanup(registry.Close)

	renderer, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	e := echo.New()
	e.Renderer = renderer
	NewWebHandler(registry, []string{"google"}, log.NewNopLogger()).Register(e, 0)

	return &webFixture{e: e, store: mem, identity: identity, google: google, registry: registry}
}

// browser replays the session cookie like a real client would.
type browser struct {
	t      *testing.T
	f      *webFixture
	cookie *http.Cookie
}

func (f *webFixture) browser(t *testing.T) *browser {
	return &browser{t: t, f: f}
}

func (b *browser) do(method, target string, form url.Values) *httptest.ResponseRecorder {
	b.t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if b.cookie != nil {
		req.AddCookie(b.cookie)
	}

	rec := httptest.NewRecorder()
	b.f.e.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName {
			b.cookie = c
		}
	}
	return rec
}

func (b *browser) page() string {
	b.t.Helper()
	rec := b.do(http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK {
		b.t.Fatalf("GET /: expected 200, got %d", rec.Code)
	}
	return rec.Body.String()
}

func (b *browser) signIn() {
	b.t.Helper()
	rec := b.do(http.MethodPost, "/login", url.Values{"email": {"ada@example.com"}, "password": {"secret"}})
	if rec.Code != http.StatusSeeOther {
		b.t.Fatalf("POST /login: expected 303, got %d", rec.Code)
	}
}

func (b *browser) apiTasks() []models.Task {
	b.t.Helper()
	rec := b.do(http.MethodGet, "/api/tasks", nil)
	if rec.Code != http.StatusOK {
		b.t.Fatalf("GET /api/tasks: expected 200, got %d", rec.Code)
	}
	var body struct {
		OwnerID string        `json:"ownerId"`
		Tasks   []models.Task `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		b.t.Fatalf("invalid JSON: %v", err)
	}
	return body.Tasks
}

func TestIndex_ShowsLoginForm(t *testing.T) {
	f := newWebFixture(t)
	b := f.browser(t)

	body := b.page()
	if !strings.Contains(body, `action="/login"`) || !strings.Contains(body, "Login with Google") {
		t.Errorf("expected login form with Google button, got %s", body)
	}
	if b.cookie == nil {
		t.Error("expected a session cookie")
	}
}

func TestSignIn_ShowsTaskList(t *testing.T) {
	f := newWebFixture(t)
	b := f.browser(t)

	b.page()
	b.signIn()

	body := b.page()
	if !strings.Contains(body, "To-Do List") || !strings.Contains(body, "Ada") {
		t.Errorf("expected task list for Ada, got %s", body)
	}
}

func TestSignIn_WrongPassword(t *testing.T) {
	f := newWebFixture(t)
	b := f.browser(t)

	b.do(http.MethodPost, "/login", url.Values{"email": {"ada@example.com"}, "password": {"nope"}})
	body := b.page()
	if !strings.Contains(body, "Invalid email or password") {
		t.Errorf("expected error message, got %s", body)
	}
	if !strings.Contains(body, `value="ada@example.com"`) {
		t.Error("expected email to be kept in the form")
	}
}

func TestSignUp_NewAccount(t *testing.T) {
	f := newWebFixture(t)
	b := f.browser(t)

	b.do(http.MethodPost, "/signup", url.Values{"email": {"new@example.com"}, "password": {"secret1"}})
	if body := b.page(); !strings.Contains(body, "To-Do List") {
		t.Errorf("expected task list after sign up, got %s", body)
	}

	other := f.browser(t)
	other.do(http.MethodPost, "/signup", url.Values{"email": {"new@example.com"}, "password": {"secret1"}})
	if body := other.page(); !strings.Contains(body, "Failed to create account") {
		t.Errorf("expected sign up failure, got %s", body)
	}
}

func TestTasks_CreateToggleDelete(t *testing.T) {
	f := newWebFixture(t)
	b := f.browser(t)
	b.signIn()

	rec := b.do(http.MethodPost, "/tasks", url.Values{
		"text":     {"buy milk"},
		"dueDate":  {"2024-06-01"},
		"priority": {"high"},
		"tags":     {"a, b ,,c"},
	})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("POST /tasks: expected 303, got %d", rec.Code)
	}

	var tasks []models.Task
	testutil.WaitFor(t, "created task", func() bool {
		tasks = b.apiTasks()
		return len(tasks) == 1
	})
	task := tasks[0]
	if task.Text != "buy milk" || task.OwnerID != "uid-ada@example.com" || strings.Join(task.Tags, "|") != "a|b|c" {
		t.Errorf("unexpected task %+v", task)
	}

	b.do(http.MethodPost, "/tasks/"+task.ID+"/toggle", url.Values{})
	testutil.WaitFor(t, "completed task", func() bool {
		tasks = b.apiTasks()
		return len(tasks) == 1 && tasks[0].Completed
	})

	b.do(http.MethodPost, "/tasks/"+task.ID+"/delete", url.Values{})
	testutil.WaitFor(t, "deleted task", func() bool { return len(b.apiTasks()) == 0 })
}

func TestTasks_BlankTextIsIgnored(t *testing.T) {
	f := newWebFixture(t)
	b := f.browser(t)
	b.signIn()

	b.do(http.MethodPost, "/tasks", url.Values{"text": {"   "}})
	if f.store.CallCount("CreateTask") != 0 {
		t.Errorf("expected no write, got %d", f.store.CallCount("CreateTask"))
	}
}

func TestTasks_RequireSignIn(t *testing.T) {
	f := newWebFixture(t)
	b := f.browser(t)

	if rec := b.do(http.MethodGet, "/api/tasks", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	b.do(http.MethodPost, "/tasks", url.Values{"text": {"milk"}})
	if f.store.CallCount("CreateTask") != 0 {
		t.Error("expected no write while signed out")
	}
	if rec := b.do(http.MethodGet, "/tasks/events", nil); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 for the event stream, got %d", rec.Code)
	}
}

func TestTasks_OtherUsersTasksAreHidden(t *testing.T) {
	f := newWebFixture(t)
	f.store.CreateTask(context.Background(), models.Task{Text: "secret", OwnerID: "someone-else"})

	b := f.browser(t)
	b.signIn()
	testutil.WaitFor(t, "loaded list", func() bool {
		rec := b.do(http.MethodGet, "/api/tasks", nil)
		return strings.Contains(rec.Body.String(), `"loaded":true`)
	})
	if tasks := b.apiTasks(); len(tasks) != 0 {
		t.Errorf("expected no foreign tasks, got %+v", tasks)
	}
}

func TestTasks_ExpiredTokenIsRefreshed(t *testing.T) {
	f := newWebFixture(t)
	f.identity.TokenTTL = 0
	b := f.browser(t)
	b.signIn()

	b.apiTasks()
	if f.identity.CallCount("Refresh") == 0 {
		t.Error("expected the expired token to be refreshed")
	}
}

func TestTasks_RevokedSessionIsSignedOut(t *testing.T) {
	f := newWebFixture(t)
	f.identity.TokenTTL = 0
	b := f.browser(t)
	b.signIn()
	f.identity.Revoke("uid-ada@example.com")

	if rec := b.do(http.MethodGet, "/api/tasks", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if body := b.page(); !strings.Contains(body, `action="/login"`) {
		t.Errorf("expected login form after a failed refresh, got %s", body)
	}
	if f.store.Subscribers() != 0 {
		t.Errorf("expected the live query to be released, got %d", f.store.Subscribers())
	}
}

func TestSignOut(t *testing.T) {
	f := newWebFixture(t)
	b := f.browser(t)
	b.signIn()

	if rec := b.do(http.MethodPost, "/logout", url.Values{}); rec.Code != http.StatusSeeOther {
		t.Fatalf("POST /logout: expected 303, got %d", rec.Code)
	}
	if body := b.page(); !strings.Contains(body, `action="/login"`) {
		t.Errorf("expected login form after sign out, got %s", body)
	}
	if f.store.Subscribers() != 0 {
		t.Errorf("expected the live query to be released, got %d", f.store.Subscribers())
	}
}

func TestFederatedSignIn(t *testing.T) {
	f := newWebFixture(t)
	b := f.browser(t)

	rec := b.do(http.MethodGet, "/auth/google", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect to consent page, got %d", rec.Code)
	}
	consent, _ := url.Parse(rec.Header().Get(echo.HeaderLocation))
	state := consent.Query().Get("state")

	q := url.Values{"state": {state}, "code": {f.google.CodeFor(state)}}
	if rec := b.do(http.MethodGet, "/auth/google/callback?"+q.Encode(), nil); rec.Code != http.StatusSeeOther {
		t.Fatalf("callback: expected 303, got %d", rec.Code)
	}
	if body := b.page(); !strings.Contains(body, "To-Do List") || !strings.Contains(body, "Grace") {
		t.Errorf("expected Grace's task list, got %s", body)
	}
}

func TestFederatedSignIn_ConsentDenied(t *testing.T) {
	f := newWebFixture(t)
	b := f.browser(t)

	b.do(http.MethodGet, "/auth/google", nil)
	q := url.Values{"state": {f.google.LastState()}, "error": {"access_denied"}}
	b.do(http.MethodGet, "/auth/google/callback?"+q.Encode(), nil)

	body := b.page()
	if !strings.Contains(body, "Failed to authenticate with Google. Please try again.") {
		t.Errorf("expected failure toast, got %s", body)
	}
	if !strings.Contains(body, `action="/login"`) {
		t.Error("expected to stay on the login screen")
	}
}

func TestFederatedSignIn_UnknownProvider(t *testing.T) {
	f := newWebFixture(t)
	b := f.browser(t)

	rec := b.do(http.MethodGet, "/auth/github", nil)
	if rec.Code != http.StatusSeeOther || rec.Header().Get(echo.HeaderLocation) != "/" {
		t.Errorf("expected redirect home, got %d %q", rec.Code, rec.Header().Get(echo.HeaderLocation))
	}
}

func TestTaskEvents_StreamsSnapshots(t *testing.T) {
	f := newWebFixture(t)
	b := f.browser(t)
	b.signIn()
	b.do(http.MethodPost, "/tasks", url.Values{"text": {"streamed task"}})

	srv := httptest.NewServer(f.e)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/tasks/events", nil)
	req.AddCookie(b.cookie)

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /tasks/events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	sawEvent := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: snapshot" {
			sawEvent = true
		}
		if sawEvent && strings.Contains(line, "streamed task") {
			return
		}
	}
	t.Fatalf("expected a snapshot event with the task (scan err: %v)", scanner.Err())
}

func TestRateLimitedSignIn(t *testing.T) {
	f := newWebFixture(t)
	e := echo.New()
	e.Renderer = f.e.Renderer
	NewWebHandler(f.registry, nil, log.NewNopLogger()).Register(e, 0.001)

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("email=x&password=y"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusSeeOther {
			t.Fatalf("expected redirect, got %d", rec.Code)
		}
	}
	if got := f.identity.CallCount("SignIn"); got != 1 {
		t.Errorf("expected only the first attempt to reach the identity service, got %d", got)
	}
}
