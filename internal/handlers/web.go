package handlers

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/ytakahashi/firebase-todo-web/internal/models"
	"github.com/ytakahashi/firebase-todo-web/internal/session"
	"github.com/ytakahashi/firebase-todo-web/internal/views"
	"golang.org/x/time/rate"
)

// heartbeatInterval keeps idle event streams open through proxies.
const heartbeatInterval = 25 * time.Second

type WebHandler struct {
	registry  *session.Registry
	providers []string
	logger    log.Logger
}

// NewWebHandler serves the browser UI. providers lists the federated
// sign-in buttons to show.
func NewWebHandler(registry *session.Registry, providers []string, logger log.Logger) *WebHandler {
	return &WebHandler{
		registry:  registry,
		providers: providers,
		logger:    log.With(logger, "component", "web"),
	}
}

// Register mounts the routes. authRate limits sign-in attempts per client
// IP; zero disables the limit.
func (h *WebHandler) Register(e *echo.Echo, authRate rate.Limit) {
	var limit []echo.MiddlewareFunc
	if authRate > 0 {
		burst := int(authRate)
		if burst < 1 {
			burst = 1
		}
		limit = append(limit, middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:  authRate,
				Burst: burst,
			}),
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				level.Warn(h.logger).Log("msg", "sign-in rate limited", "client", identifier)
				return c.Redirect(http.StatusSeeOther, "/")
			},
		}))
	}

	e.GET("/", h.Index)
	e.POST("/login", h.SignIn, limit...)
	e.POST("/signup", h.SignUp, limit...)
	e.GET("/auth/:provider", h.BeginFederated, limit...)
	e.GET("/auth/:provider/callback", h.CompleteFederated)
	e.POST("/logout", h.SignOut)
	e.POST("/tasks", h.CreateTask)
	e.POST("/tasks/:id/toggle", h.ToggleTask)
	e.POST("/tasks/:id/delete", h.DeleteTask)
	e.GET("/tasks/events", h.TaskEvents)
	e.GET("/api/tasks", h.ListTasks)
}

type pageData struct {
	Authenticating bool
	Login          views.LoginSnapshot
	Identity       *models.Identity
	Tasks          *views.TaskListSnapshot
	Providers      []string
	CSRF           string
}

func csrfToken(c echo.Context) string {
	token, _ := c.Get(middleware.DefaultCSRFConfig.ContextKey).(string)
	return token
}

// session resolves the browser's session and refreshes its cookie.
func (h *WebHandler) session(c echo.Context) *session.Session {
	s, _ := h.registry.Get(c.Request().Context(), c.Request())
	h.persist(c, s)
	return s
}

func (h *WebHandler) persist(c echo.Context, s *session.Session) {
	if err := h.registry.Persist(c.Response(), s); err != nil {
		level.Error(h.logger).Log("msg", "failed to write session cookie", "session_id", s.ID, "err", err)
	}
}

func (h *WebHandler) home(c echo.Context) error {
	return c.Redirect(http.StatusSeeOther, "/")
}

func (h *WebHandler) Index(c echo.Context) error {
	s := h.session(c)

	data := pageData{
		Providers: h.providers,
		CSRF:      csrfToken(c),
	}
	switch s.Root.Current() {
	case views.ScreenAuthenticating:
		data.Authenticating = true
	case views.ScreenTasks:
		if tasks := s.Root.Tasks(); tasks != nil {
			snapshot := tasks.Snapshot()
			data.Tasks = &snapshot
		}
	}
	data.Login = s.Root.Login().Snapshot()
	data.Identity = data.Login.Identity

	return c.Render(http.StatusOK, "page", data)
}

func (h *WebHandler) SignIn(c echo.Context) error {
	s, _ := h.registry.Get(c.Request().Context(), c.Request())
	err := s.Root.Login().SignIn(c.Request().Context(), c.FormValue("email"), c.FormValue("password"))
	h.logAuth("sign in", s, err)
	h.persist(c, s)
	return h.home(c)
}

func (h *WebHandler) SignUp(c echo.Context) error {
	s, _ := h.registry.Get(c.Request().Context(), c.Request())
	err := s.Root.Login().SignUp(c.Request().Context(), c.FormValue("email"), c.FormValue("password"))
	h.logAuth("sign up", s, err)
	h.persist(c, s)
	return h.home(c)
}

func (h *WebHandler) BeginFederated(c echo.Context) error {
	s := h.session(c)
	url, err := s.Root.Login().BeginFederated(c.Param("provider"))
	if err != nil {
		h.logAuth("federated sign in", s, err)
		return h.home(c)
	}
	return c.Redirect(http.StatusFound, url)
}

func (h *WebHandler) CompleteFederated(c echo.Context) error {
	s, _ := h.registry.Get(c.Request().Context(), c.Request())
	err := s.Root.Login().CompleteFederated(
		c.Request().Context(),
		c.Param("provider"),
		c.QueryParam("state"),
		c.QueryParam("code"),
		c.QueryParam("error"),
	)
	h.logAuth("federated sign in", s, err)
	h.persist(c, s)
	return h.home(c)
}

func (h *WebHandler) SignOut(c echo.Context) error {
	s, _ := h.registry.Get(c.Request().Context(), c.Request())
	s.Root.Login().SignOut()
	h.persist(c, s)
	return h.home(c)
}

func (h *WebHandler) logAuth(op string, s *session.Session, err error) {
	if err == nil || errors.Is(err, views.ErrBusy) {
		return
	}
	var aerr *models.AuthError
	if errors.As(err, &aerr) {
		level.Info(h.logger).Log("msg", "authentication failed", "op", op, "session_id", s.ID, "code", aerr.Code)
		return
	}
	level.Error(h.logger).Log("msg", "authentication failed", "op", op, "session_id", s.ID, "err", err)
}

// tasks returns the mounted task list, or nil when the session is signed out.
// The session token is refreshed first; a session whose refresh fails is
// signed out before the request touches the store.
func (h *WebHandler) tasks(c echo.Context) (*session.Session, *views.TaskListView) {
	ctx := c.Request().Context()
	s, _ := h.registry.Get(ctx, c.Request())
	if s.Root.Tasks() != nil {
		if _, err := s.Provider.Token(ctx); err != nil {
			h.logAuth("token refresh", s, err)
			h.persist(c, s)
			return s, nil
		}
	}
	h.persist(c, s)
	return s, s.Root.Tasks()
}

// CreateTask and the other mutations answer with a redirect whatever the
// outcome: the list only changes when the store pushes a snapshot.
func (h *WebHandler) CreateTask(c echo.Context) error {
	_, tasks := h.tasks(c)
	if tasks == nil {
		return h.home(c)
	}
	_ = tasks.CreateTask(c.Request().Context(), views.TaskForm{
		Text:     c.FormValue("text"),
		DueDate:  c.FormValue("dueDate"),
		Priority: c.FormValue("priority"),
		TagsCSV:  c.FormValue("tags"),
	})
	return h.home(c)
}

func (h *WebHandler) ToggleTask(c echo.Context) error {
	_, tasks := h.tasks(c)
	if tasks == nil {
		return h.home(c)
	}
	if task, ok := tasks.Task(c.Param("id")); ok {
		_ = tasks.ToggleTask(c.Request().Context(), task)
	}
	return h.home(c)
}

func (h *WebHandler) DeleteTask(c echo.Context) error {
	_, tasks := h.tasks(c)
	if tasks == nil {
		return h.home(c)
	}
	_ = tasks.DeleteTask(c.Request().Context(), c.Param("id"))
	return h.home(c)
}

func (h *WebHandler) ListTasks(c echo.Context) error {
	_, tasks := h.tasks(c)
	if tasks == nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "not signed in"})
	}
	snapshot := tasks.Snapshot()
	if snapshot.Tasks == nil {
		snapshot.Tasks = []models.Task{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ownerId": snapshot.OwnerID,
		"loaded":  snapshot.Loaded,
		"tasks":   snapshot.Tasks,
	})
}

// TaskEvents streams the rendered task list as Server-Sent Events, one
// "snapshot" event per push, until the client leaves or the list unmounts.
func (h *WebHandler) TaskEvents(c echo.Context) error {
	s, tasks := h.tasks(c)
	if tasks == nil {
		return c.NoContent(http.StatusNoContent)
	}

	detach := s.Attach()
	defer detach()
	snapshots, cancel := tasks.Watch()
	defer cancel()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	csrf := csrfToken(c)
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := res.Write([]byte(": keep-alive\n\n")); err != nil {
				return nil
			}
			res.Flush()
		case list, ok := <-snapshots:
			if !ok {
				return nil
			}
			var buf bytes.Buffer
			data := pageData{Tasks: &views.TaskListSnapshot{Tasks: list, Loaded: true}, CSRF: csrf}
			if err := c.Echo().Renderer.Render(&buf, "items", data, c); err != nil {
				level.Error(h.logger).Log("msg", "failed to render task list", "err", err)
				return nil
			}
			if err := writeEvent(res, "snapshot", buf.Bytes()); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data []byte) error {
	var buf bytes.Buffer
	buf.WriteString("event: " + event + "\n")
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
