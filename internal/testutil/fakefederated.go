package testutil

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/ytakahashi/firebase-todo-web/internal/models"
)

// FakeFederated is an implementation of services.FederatedProvider that
// hands out a fixed ID token for any code it has issued.
type FakeFederated struct {
	ID       string
	Redirect string

	mu        sync.Mutex
	codes     map[string]string // code -> verifier
	idToken   string
	lastState string

	ExchangeErr error
}

func NewFakeFederated(idToken string) *FakeFederated {
	return &FakeFederated{
		ID:       "google.com",
		Redirect: "http://localhost:8080/auth/google/callback",
		codes:    make(map[string]string),
		idToken:  idToken,
	}
}

func (f *FakeFederated) ProviderID() string  { return f.ID }
func (f *FakeFederated) RedirectURL() string { return f.Redirect }

func (f *FakeFederated) AuthCodeURL(state, verifier string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastState = state
	code := "code-" + state
	f.codes[code] = verifier

	q := url.Values{}
	q.Set("state", state)
	q.Set("redirect_uri", f.Redirect)
	return "https://accounts.example.com/o/oauth2/auth?" + q.Encode()
}

// LastState returns the state of the most recent consent URL.
func (f *FakeFederated) LastState() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastState
}

// CodeFor returns the authorization code the consent page would hand back.
func (f *FakeFederated) CodeFor(state string) string {
	return "code-" + state
}

func (f *FakeFederated) Exchange(_ context.Context, code, verifier string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ExchangeErr != nil {
		return "", f.ExchangeErr
	}
	expected, ok := f.codes[code]
	if !ok || expected != verifier {
		return "", &models.AuthError{Op: "federated sign in", Code: "INVALID_GRANT", Err: errors.New("code or verifier mismatch")}
	}
	delete(f.codes, code)
	return f.idToken, nil
}
