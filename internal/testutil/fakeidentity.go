// Package testutil provides testing utilities.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ytakahashi/firebase-todo-web/internal/models"
)

// FakeIdentity is an in-memory implementation of services.IdentityService
// for testing. Tokens are opaque strings mapped back to their user.
type FakeIdentity struct {
	mu       sync.Mutex
	users    map[string]fakeUser // email -> user
	idTokens map[string]string   // id token -> user id
	refresh  map[string]string   // refresh token -> user id
	idp      map[string]models.Identity
	calls    map[string]int

	// TokenTTL is the lifetime of issued ID tokens. Defaults to one hour.
	TokenTTL time.Duration

	// Error injection for testing
	SignInErr        error
	SignUpErr        error
	SignInWithIDPErr error
	LookupErr        error
	RefreshErr       error

	// BlankIDs makes every issued identity lack an id.
	BlankIDs bool
}

type fakeUser struct {
	identity models.Identity
	password string
}

func NewFakeIdentity() *FakeIdentity {
	return &FakeIdentity{
		users:    make(map[string]fakeUser),
		idTokens: make(map[string]string),
		refresh:  make(map[string]string),
		idp:      make(map[string]models.Identity),
		calls:    make(map[string]int),
		TokenTTL: time.Hour,
	}
}

// AddUser registers an email/password account and returns its identity.
func (f *FakeIdentity) AddUser(email, password, displayName string) models.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity := models.Identity{ID: "uid-" + email, DisplayName: displayName, Email: email}
	f.users[email] = fakeUser{identity: identity, password: password}
	return identity
}

// AddFederatedUser maps a provider ID token to an identity.
func (f *FakeIdentity) AddFederatedUser(idToken string, identity models.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idp[idToken] = identity
}

// CallCount returns how many times op ran.
func (f *FakeIdentity) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Revoke invalidates every refresh token of the user.
func (f *FakeIdentity) Revoke(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for token, id := range f.refresh {
		if id == userID {
			delete(f.refresh, token)
		}
	}
}

func (f *FakeIdentity) SignIn(_ context.Context, email, password string) (models.Identity, models.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["SignIn"]++

	if f.SignInErr != nil {
		return models.Identity{}, models.Token{}, f.SignInErr
	}
	user, ok := f.users[email]
	if !ok {
		return models.Identity{}, models.Token{}, &models.AuthError{Op: "sign in", Code: "EMAIL_NOT_FOUND", Err: errors.New("no such user")}
	}
	if user.password != password {
		return models.Identity{}, models.Token{}, &models.AuthError{Op: "sign in", Code: "INVALID_PASSWORD", Err: errors.New("wrong password")}
	}
	return f.issueLocked(user.identity)
}

func (f *FakeIdentity) SignUp(_ context.Context, email, password string) (models.Identity, models.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["SignUp"]++

	if f.SignUpErr != nil {
		return models.Identity{}, models.Token{}, f.SignUpErr
	}
	if _, ok := f.users[email]; ok {
		return models.Identity{}, models.Token{}, &models.AuthError{Op: "sign up", Code: "EMAIL_EXISTS", Err: errors.New("account exists")}
	}
	if len(password) < 6 {
		return models.Identity{}, models.Token{}, &models.AuthError{Op: "sign up", Code: "WEAK_PASSWORD", Err: errors.New("password too short")}
	}
	identity := models.Identity{ID: "uid-" + email, Email: email}
	f.users[email] = fakeUser{identity: identity, password: password}
	return f.issueLocked(identity)
}

func (f *FakeIdentity) SignInWithIDP(_ context.Context, providerID, idToken, requestURI string) (models.Identity, models.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["SignInWithIDP"]++

	if f.SignInWithIDPErr != nil {
		return models.Identity{}, models.Token{}, f.SignInWithIDPErr
	}
	if _, err := url.Parse(requestURI); err != nil || requestURI == "" {
		return models.Identity{}, models.Token{}, &models.AuthError{Op: "federated sign in", Code: "INVALID_REQUEST_URI", Err: fmt.Errorf("bad request uri %q", requestURI)}
	}
	identity, ok := f.idp[idToken]
	if !ok {
		return models.Identity{}, models.Token{}, &models.AuthError{Op: "federated sign in", Code: "INVALID_IDP_RESPONSE", Err: fmt.Errorf("%s rejected the token", providerID)}
	}
	return f.issueLocked(identity)
}

func (f *FakeIdentity) Lookup(_ context.Context, idToken string) (models.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Lookup"]++

	if f.LookupErr != nil {
		return models.Identity{}, f.LookupErr
	}
	userID, ok := f.idTokens[idToken]
	if !ok {
		return models.Identity{}, &models.AuthError{Op: "lookup", Code: "INVALID_ID_TOKEN", Err: errors.New("unknown token")}
	}
	identity, ok := f.findLocked(userID)
	if !ok {
		return models.Identity{}, &models.AuthError{Op: "lookup", Code: "USER_NOT_FOUND", Err: errors.New("no account for token")}
	}
	return identity, nil
}

func (f *FakeIdentity) Refresh(_ context.Context, refreshToken string) (models.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Refresh"]++

	if f.RefreshErr != nil {
		return models.Token{}, f.RefreshErr
	}
	userID, ok := f.refresh[refreshToken]
	if !ok {
		return models.Token{}, &models.AuthError{Op: "refresh", Code: "INVALID_REFRESH_TOKEN", Err: errors.New("unknown refresh token")}
	}
	idToken := "id-" + uuid.New().String()
	f.idTokens[idToken] = userID
	return models.Token{IDToken: idToken, RefreshToken: refreshToken, ExpiresAt: time.Now().Add(f.TokenTTL)}, nil
}

func (f *FakeIdentity) issueLocked(identity models.Identity) (models.Identity, models.Token, error) {
	if f.BlankIDs {
		identity.ID = ""
	}
	token := models.Token{
		IDToken:      "id-" + uuid.New().String(),
		RefreshToken: "rt-" + uuid.New().String(),
		ExpiresAt:    time.Now().Add(f.TokenTTL),
	}
	f.idTokens[token.IDToken] = identity.ID
	f.refresh[token.RefreshToken] = identity.ID
	return identity, token, nil
}

func (f *FakeIdentity) findLocked(userID string) (models.Identity, bool) {
	for _, user := range f.users {
		if user.identity.ID == userID {
			return user.identity, true
		}
	}
	for _, identity := range f.idp {
		if identity.ID == userID {
			return identity, true
		}
	}
	return models.Identity{}, false
}
