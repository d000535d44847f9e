// Package session keeps the signed-in identity of each browser and the
// session token that proves it.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/ytakahashi/firebase-todo-web/internal/models"
	"github.com/ytakahashi/firebase-todo-web/internal/services"
	"golang.org/x/oauth2"
)

// federatedFlowTTL bounds how long a consent round trip may take.
const federatedFlowTTL = 10 * time.Minute

// Provider is the single source of truth for who is signed in. Views never
// keep their own copy of the identity; they observe it here.
type Provider struct {
	identity  services.IdentityService
	federated map[string]services.FederatedProvider
	logger    log.Logger
	now       func() time.Time

	// notifyMu orders observer callbacks: an observer sees the initial
	// state first and then every change, never out of order.
	notifyMu sync.Mutex

	mu           sync.Mutex
	resolved     bool
	current      *models.Identity
	token        models.Token
	observers    map[int]func(*models.Identity)
	nextObserver int
	flows        map[string]federatedFlow
}

type federatedFlow struct {
	provider services.FederatedProvider
	verifier string
	expires  time.Time
}

// NewProvider creates an unresolved provider. Observers registered before
// Resolve is called get their first callback from Resolve.
func NewProvider(identity services.IdentityService, federated map[string]services.FederatedProvider, logger log.Logger) *Provider {
	if federated == nil {
		federated = map[string]services.FederatedProvider{}
	}
	return &Provider{
		identity:  identity,
		federated: federated,
		logger:    log.With(logger, "component", "session"),
		now:       time.Now,
		observers: make(map[int]func(*models.Identity)),
		flows:     make(map[string]federatedFlow),
	}
}

// Resolve settles the initial state, restoring the session held by persisted
// when it still refreshes. Calling it again is a no-op.
func (p *Provider) Resolve(ctx context.Context, persisted *models.Token) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	var (
		identity *models.Identity
		token    models.Token
	)
	if persisted != nil && persisted.RefreshToken != "" {
		id, tok, err := p.restore(ctx, persisted.RefreshToken)
		if err != nil {
			level.Info(p.logger).Log("msg", "stored session could not be restored", "err", err)
		} else {
			identity, token = &id, tok
		}
	}

	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.resolved = true
	p.current = identity
	p.token = token
	observers := p.observersLocked()
	p.mu.Unlock()

	p.notify(observers, identity)
}

func (p *Provider) restore(ctx context.Context, refreshToken string) (models.Identity, models.Token, error) {
	token, err := p.identity.Refresh(ctx, refreshToken)
	if err != nil {
		return models.Identity{}, models.Token{}, err
	}
	identity, err := p.identity.Lookup(ctx, token.IDToken)
	if err != nil {
		return models.Identity{}, models.Token{}, err
	}
	if err := identity.Validate(); err != nil {
		return models.Identity{}, models.Token{}, &models.AuthError{Op: "restore", Code: "INVALID_IDENTITY", Err: err}
	}
	return identity, token, nil
}

// ObserveIdentity registers cb. It is called with the current identity (nil
// when signed out) once the provider is resolved, and again on every
// sign-in and sign-out. The returned func deregisters cb.
func (p *Provider) ObserveIdentity(cb func(*models.Identity)) func() {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	id := p.nextObserver
	p.nextObserver++
	p.observers[id] = cb
	resolved := p.resolved
	current := cloneIdentity(p.current)
	p.mu.Unlock()

	if resolved {
		cb(current)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.observers, id)
			p.mu.Unlock()
		})
	}
}

// Current returns the signed-in identity, or nil.
func (p *Provider) Current() *models.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneIdentity(p.current)
}

// Resolved reports whether the initial state is known.
func (p *Provider) Resolved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved
}

// PersistedToken returns the credential to keep in durable browser storage.
func (p *Provider) PersistedToken() models.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// Token returns a valid session token, refreshing it when it has expired.
// A session whose refresh fails is signed out.
func (p *Provider) Token(ctx context.Context) (models.Token, error) {
	p.mu.Lock()
	token := p.token
	signedIn := p.current != nil
	p.mu.Unlock()

	if !signedIn {
		return models.Token{}, &models.AuthError{Op: "token", Code: "NOT_SIGNED_IN", Err: errors.New("no active session")}
	}
	if !token.Expired(p.now()) {
		return token, nil
	}

	fresh, err := p.identity.Refresh(ctx, token.RefreshToken)
	if err != nil {
		level.Warn(p.logger).Log("msg", "session refresh failed, signing out", "err", err)
		p.SignOut()
		return models.Token{}, err
	}

	p.mu.Lock()
	if p.current != nil && p.token.RefreshToken == token.RefreshToken {
		p.token = fresh
	}
	p.mu.Unlock()
	return fresh, nil
}

func (p *Provider) SignInWithCredentials(ctx context.Context, email, password string) (models.Identity, error) {
	identity, token, err := p.identity.SignIn(ctx, email, password)
	if err != nil {
		return models.Identity{}, err
	}
	return p.accept("sign in", identity, token)
}

func (p *Provider) SignUpWithCredentials(ctx context.Context, email, password string) (models.Identity, error) {
	identity, token, err := p.identity.SignUp(ctx, email, password)
	if err != nil {
		return models.Identity{}, err
	}
	return p.accept("sign up", identity, token)
}

// BeginFederated starts a consent flow with the named provider and returns
// the URL the browser must visit.
func (p *Provider) BeginFederated(providerName string) (string, error) {
	fp, ok := p.federated[providerName]
	if !ok {
		return "", &models.AuthError{Op: "federated sign in", Code: "UNSUPPORTED_PROVIDER", Err: errors.New("unknown provider " + providerName)}
	}

	state := uuid.New().String()
	verifier := oauth2.GenerateVerifier()

	p.mu.Lock()
	now := p.now()
	for s, flow := range p.flows {
		if now.After(flow.expires) {
			delete(p.flows, s)
		}
	}
	p.flows[state] = federatedFlow{provider: fp, verifier: verifier, expires: now.Add(federatedFlowTTL)}
	p.mu.Unlock()

	return fp.AuthCodeURL(state, verifier), nil
}

// CompleteFederated finishes the flow identified by state. providerError is
// the error the provider redirected with, e.g. access_denied when the user
// closed the consent page.
func (p *Provider) CompleteFederated(ctx context.Context, state, code, providerError string) (models.Identity, error) {
	p.mu.Lock()
	flow, ok := p.flows[state]
	delete(p.flows, state)
	p.mu.Unlock()

	if !ok || p.now().After(flow.expires) {
		return models.Identity{}, &models.AuthError{Op: "federated sign in", Code: "INVALID_STATE", Err: errors.New("unknown or expired sign-in attempt")}
	}
	if providerError != "" {
		return models.Identity{}, &models.AuthError{Op: "federated sign in", Code: providerError, Err: errors.New("consent was not granted")}
	}
	if code == "" {
		return models.Identity{}, &models.AuthError{Op: "federated sign in", Code: "MISSING_CODE", Err: errors.New("no authorization code in callback")}
	}

	idToken, err := flow.provider.Exchange(ctx, code, flow.verifier)
	if err != nil {
		return models.Identity{}, err
	}
	identity, token, err := p.identity.SignInWithIDP(ctx, flow.provider.ProviderID(), idToken, flow.provider.RedirectURL())
	if err != nil {
		return models.Identity{}, err
	}
	return p.accept("federated sign in", identity, token)
}

// SignOut forgets the identity and its token.
func (p *Provider) SignOut() {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	p.current = nil
	p.token = models.Token{}
	p.resolved = true
	observers := p.observersLocked()
	p.mu.Unlock()

	p.notify(observers, nil)
}

// accept makes identity current. An identity without an id is refused: it
// could not scope any task query.
func (p *Provider) accept(op string, identity models.Identity, token models.Token) (models.Identity, error) {
	if err := identity.Validate(); err != nil {
		level.Error(p.logger).Log("msg", "identity service returned an unusable identity", "op", op, "email", identity.Email)
		return models.Identity{}, &models.AuthError{Op: op, Code: "INVALID_IDENTITY", Err: err}
	}

	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	p.current = cloneIdentity(&identity)
	p.token = token
	p.resolved = true
	observers := p.observersLocked()
	p.mu.Unlock()

	level.Info(p.logger).Log("msg", "signed in", "op", op, "user_id", identity.ID)
	p.notify(observers, &identity)
	return identity, nil
}

func (p *Provider) observersLocked() []func(*models.Identity) {
	observers := make([]func(*models.Identity), 0, len(p.observers))
	for i := 0; i < p.nextObserver; i++ {
		if cb, ok := p.observers[i]; ok {
			observers = append(observers, cb)
		}
	}
	return observers
}

func (p *Provider) notify(observers []func(*models.Identity), identity *models.Identity) {
	for _, cb := range observers {
		cb(cloneIdentity(identity))
	}
}

func cloneIdentity(identity *models.Identity) *models.Identity {
	if identity == nil {
		return nil
	}
	c := *identity
	return &c
}
