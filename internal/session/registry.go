package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/ytakahashi/firebase-todo-web/internal/models"
	"github.com/ytakahashi/firebase-todo-web/internal/services"
	"github.com/ytakahashi/firebase-todo-web/internal/views"
)

const (
	CookieName   = "todo_session"
	cookieMaxAge = 30 * 24 * time.Hour
)

// Session is the state of one browser: its identity provider and the root
// view observing it.
type Session struct {
	ID       string
	Provider *Provider
	Root     *views.RootView

	mu       sync.Mutex
	lastSeen time.Time
	streams  int
}

// Attach marks a long-lived connection (an event stream) so the session is
// not evicted while it is open. The returned func detaches it.
func (s *Session) Attach() func() {
	s.mu.Lock()
	s.streams++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.streams--
			s.lastSeen = time.Now()
			s.mu.Unlock()
		})
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idle(now time.Time, maxIdle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams == 0 && now.Sub(s.lastSeen) > maxIdle
}

// cookieValue is what the browser keeps between visits.
type cookieValue struct {
	ID           string `json:"id"`
	RefreshToken string `json:"rt,omitempty"`
}

type RegistryConfig struct {
	HashKey   []byte
	BlockKey  []byte
	Secure    bool
	Identity  services.IdentityService
	Federated map[string]services.FederatedProvider
	Store     services.TaskStore
	Logger    log.Logger
}

// Registry maps browser cookies to sessions. Sessions are created on first
// use and restored from the cookie's refresh token after a restart.
type Registry struct {
	codec     *securecookie.SecureCookie
	secure    bool
	identity  services.IdentityService
	federated map[string]services.FederatedProvider
	store     services.TaskStore
	logger    log.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(cfg RegistryConfig) *Registry {
	codec := securecookie.New(cfg.HashKey, cfg.BlockKey)
	codec.MaxAge(int(cookieMaxAge.Seconds()))
	codec.SetSerializer(securecookie.JSONEncoder{})

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &Registry{
		codec:     codec,
		secure:    cfg.Secure,
		identity:  cfg.Identity,
		federated: cfg.Federated,
		store:     cfg.Store,
		logger:    log.With(logger, "component", "registry"),
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
}

// Get returns the session of the browser that sent r, creating it if needed.
// The second result reports whether the session is new, in which case the
// caller must Persist it.
func (reg *Registry) Get(ctx context.Context, r *http.Request) (*Session, bool) {
	var value cookieValue
	if c, err := r.Cookie(CookieName); err == nil {
		if err := reg.codec.Decode(CookieName, c.Value, &value); err != nil {
			level.Debug(reg.logger).Log("msg", "ignoring undecodable session cookie", "err", err)
			value = cookieValue{}
		}
	}

	reg.mu.Lock()
	if s, ok := reg.sessions[value.ID]; ok && value.ID != "" {
		reg.mu.Unlock()
		s.touch(reg.now())
		return s, false
	}
	if value.ID == "" {
		value.ID = uuid.New().String()
	}
	s := reg.newSessionLocked(value.ID)
	reg.mu.Unlock()

	var persisted *models.Token
	if value.RefreshToken != "" {
		persisted = &models.Token{RefreshToken: value.RefreshToken}
	}
	s.Provider.Resolve(ctx, persisted)
	return s, true
}

func (reg *Registry) newSessionLocked(id string) *Session {
	provider := NewProvider(reg.identity, reg.federated, log.With(reg.logger, "session_id", id))
	s := &Session{
		ID:       id,
		Provider: provider,
		Root:     views.NewRootView(provider, reg.store, log.With(reg.logger, "session_id", id)),
		lastSeen: reg.now(),
	}
	reg.sessions[id] = s
	return s
}

// Persist writes the session cookie, carrying the current refresh token.
func (reg *Registry) Persist(w http.ResponseWriter, s *Session) error {
	value := cookieValue{ID: s.ID, RefreshToken: s.Provider.PersistedToken().RefreshToken}
	encoded, err := reg.codec.Encode(CookieName, value)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   reg.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Len returns the number of live sessions.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.sessions)
}

// Sweep unmounts sessions idle for longer than maxIdle. Their cookies still
// restore them on the next visit.
func (reg *Registry) Sweep(maxIdle time.Duration) int {
	now := reg.now()

	reg.mu.Lock()
	var evicted []*Session
	for id, s := range reg.sessions {
		if s.idle(now, maxIdle) {
			evicted = append(evicted, s)
			delete(reg.sessions, id)
		}
	}
	reg.mu.Unlock()

	for _, s := range evicted {
		s.Root.Unmount()
	}
	if len(evicted) > 0 {
		level.Debug(reg.logger).Log("msg", "evicted idle sessions", "count", len(evicted))
	}
	return len(evicted)
}

// Run sweeps idle sessions every interval until ctx is done.
func (reg *Registry) Run(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.Sweep(maxIdle)
		}
	}
}

// Close unmounts every session.
func (reg *Registry) Close() {
	reg.mu.Lock()
	sessions := reg.sessions
	reg.sessions = make(map[string]*Session)
	reg.mu.Unlock()

	for _, s := range sessions {
		s.Root.Unmount()
	}
}
