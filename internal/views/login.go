// Package views holds the screen state of one browser session: the login
// form, the live task list, and the root that switches between them.
package views

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/ytakahashi/firebase-todo-web/internal/models"
)

// ErrBusy is returned when a form is submitted while its previous
// submission is still in flight.
var ErrBusy = errors.New("request already in progress")

// Authenticator is the part of the session provider the views use.
type Authenticator interface {
	SignInWithCredentials(ctx context.Context, email, password string) (models.Identity, error)
	SignUpWithCredentials(ctx context.Context, email, password string) (models.Identity, error)
	BeginFederated(providerName string) (string, error)
	CompleteFederated(ctx context.Context, state, code, providerError string) (models.Identity, error)
	SignOut()
	ObserveIdentity(cb func(*models.Identity)) func()
}

type LoginState int

const (
	Authenticating LoginState = iota
	Unauthenticated
	Authenticated
)

func (s LoginState) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("LoginState(%d)", int(s))
	}
}

// LoginSnapshot is what the login screen renders.
type LoginSnapshot struct {
	State    LoginState
	Identity *models.Identity
	Email    string
	Error    string
	Toast    string
	Loading  bool
}

// LoginView collects credentials and tracks whether the session has a
// usable identity. It leaves Authenticating on the first identity callback
// and never returns to it.
type LoginView struct {
	auth   Authenticator
	logger log.Logger

	mu       sync.Mutex
	state    LoginState
	identity *models.Identity
	email    string
	formErr  string
	toast    string
	loading  bool
}

func NewLoginView(auth Authenticator, logger log.Logger) *LoginView {
	return &LoginView{
		auth:   auth,
		logger: log.With(logger, "component", "login"),
		state:  Authenticating,
	}
}

// onIdentity is driven by the root's identity observer.
func (v *LoginView) onIdentity(identity *models.Identity) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if identity == nil {
		v.state = Unauthenticated
		v.identity = nil
		return
	}
	if err := identity.Validate(); err != nil {
		level.Error(v.logger).Log("msg", "refusing unusable identity", "email", identity.Email, "err", err)
		v.state = Unauthenticated
		v.identity = nil
		v.formErr = "Could not verify your account. Please sign in again."
		return
	}

	v.state = Authenticated
	v.identity = identity
	v.formErr = ""
}

func (v *LoginView) State() LoginState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Snapshot returns the form state. The toast is shown once.
func (v *LoginView) Snapshot() LoginSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := LoginSnapshot{
		State:   v.state,
		Email:   v.email,
		Error:   v.formErr,
		Toast:   v.toast,
		Loading: v.loading,
	}
	if v.identity != nil {
		id := *v.identity
		s.Identity = &id
	}
	v.toast = ""
	return s
}

func (v *LoginView) SignIn(ctx context.Context, email, password string) error {
	return v.submit(email, "Invalid email or password", "", func() error {
		_, err := v.auth.SignInWithCredentials(ctx, email, password)
		return err
	})
}

func (v *LoginView) SignUp(ctx context.Context, email, password string) error {
	return v.submit(email, "Failed to create account", "", func() error {
		_, err := v.auth.SignUpWithCredentials(ctx, email, password)
		return err
	})
}

// BeginFederated returns the consent URL of the named provider.
func (v *LoginView) BeginFederated(providerName string) (string, error) {
	url, err := v.auth.BeginFederated(providerName)
	if err != nil {
		v.fail(err, federatedMessage(providerName), federatedToast(providerName))
		return "", err
	}
	return url, nil
}

func (v *LoginView) CompleteFederated(ctx context.Context, providerName, state, code, providerError string) error {
	return v.submit("", federatedMessage(providerName), federatedToast(providerName), func() error {
		_, err := v.auth.CompleteFederated(ctx, state, code, providerError)
		return err
	})
}

func (v *LoginView) SignOut() {
	v.auth.SignOut()
}

// submit runs call with the loading flag held, so a second submission of
// the form is refused until the first one returns.
func (v *LoginView) submit(email, message, toast string, call func() error) error {
	v.mu.Lock()
	if v.loading {
		v.mu.Unlock()
		return ErrBusy
	}
	v.loading = true
	v.formErr = ""
	if email != "" {
		v.email = strings.TrimSpace(email)
	}
	v.mu.Unlock()

	err := call()

	v.mu.Lock()
	v.loading = false
	v.mu.Unlock()

	if err != nil {
		v.fail(err, message, toast)
		return err
	}
	return nil
}

func (v *LoginView) fail(err error, message, toast string) {
	level.Info(v.logger).Log("msg", "authentication failed", "err", err)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.formErr = message
	if toast != "" {
		v.toast = toast
	}
}

// ProviderLabel is the display name of a federated provider.
func ProviderLabel(name string) string {
	switch name {
	case "google", "google.com":
		return "Google"
	default:
		return name
	}
}

func federatedMessage(name string) string {
	return "Failed to authenticate with " + ProviderLabel(name)
}

func federatedToast(name string) string {
	return "Failed to authenticate with " + ProviderLabel(name) + ". Please try again."
}
