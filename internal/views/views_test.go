package views

import (
	"context"
	"errors"
	"sync"

	"github.com/ytakahashi/firebase-todo-web/internal/models"
	"github.com/ytakahashi/firebase-todo-web/internal/services"
)

// fakeAuth is an Authenticator whose identity is set by the test.
type fakeAuth struct {
	mu        sync.Mutex
	observers map[int]func(*models.Identity)
	next      int

	signInErr   error
	signUpErr   error
	beginErr    error
	completeErr error
	identity    models.Identity
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{observers: make(map[int]func(*models.Identity))}
}

func (a *fakeAuth) emit(identity *models.Identity) {
	a.mu.Lock()
	observers := make([]func(*models.Identity), 0, len(a.observers))
	for _, cb := range a.observers {
		observers = append(observers, cb)
	}
	a.mu.Unlock()
	for _, cb := range observers {
		cb(identity)
	}
}

func (a *fakeAuth) ObserveIdentity(cb func(*models.Identity)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	a.observers[id] = cb
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.observers, id)
	}
}

func (a *fakeAuth) observerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.observers)
}

func (a *fakeAuth) SignInWithCredentials(_ context.Context, email, _ string) (models.Identity, error) {
	if a.signInErr != nil {
		return models.Identity{}, a.signInErr
	}
	identity := a.identity
	identity.Email = email
	a.emit(&identity)
	return identity, nil
}

func (a *fakeAuth) SignUpWithCredentials(ctx context.Context, email, password string) (models.Identity, error) {
	if a.signUpErr != nil {
		return models.Identity{}, a.signUpErr
	}
	return a.SignInWithCredentials(ctx, email, password)
}

func (a *fakeAuth) BeginFederated(providerName string) (string, error) {
	if a.beginErr != nil {
		return "", a.beginErr
	}
	return "https://accounts.example.com/?provider=" + providerName, nil
}

func (a *fakeAuth) CompleteFederated(_ context.Context, _, _, _ string) (models.Identity, error) {
	if a.completeErr != nil {
		return models.Identity{}, a.completeErr
	}
	identity := a.identity
	a.emit(&identity)
	return identity, nil
}

func (a *fakeAuth) SignOut() {
	a.emit(nil)
}

// blockingStore holds CreateTask until release is closed.
type blockingStore struct {
	*services.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		MemoryStore: services.NewMemoryStore(),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
}

func (s *blockingStore) CreateTask(ctx context.Context, task models.Task) (string, error) {
	s.entered <- struct{}{}
	select {
	case <-s.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return s.MemoryStore.CreateTask(ctx, task)
}

var errUnavailable = errors.New("unavailable")
