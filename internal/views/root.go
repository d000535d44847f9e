package views

import (
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/ytakahashi/firebase-todo-web/internal/models"
	"github.com/ytakahashi/firebase-todo-web/internal/services"
)

type Screen int

const (
	ScreenAuthenticating Screen = iota
	ScreenLogin
	ScreenTasks
)

// RootView owns the only identity observer of a session. It shows the login
// view until a usable identity arrives, then a task list scoped to that
// identity's id.
type RootView struct {
	login  *LoginView
	store  services.TaskStore
	logger log.Logger

	mu        sync.Mutex
	tasks     *TaskListView
	ownerID   string
	unmounted bool
	stop      func()
}

func NewRootView(auth Authenticator, store services.TaskStore, logger log.Logger) *RootView {
	r := &RootView{
		login:  NewLoginView(auth, logger),
		store:  store,
		logger: logger,
	}
	stop := auth.ObserveIdentity(r.onIdentity)

	r.mu.Lock()
	r.stop = stop
	r.mu.Unlock()
	return r
}

func (r *RootView) onIdentity(identity *models.Identity) {
	r.login.onIdentity(identity)

	owner := ""
	if r.login.State() == Authenticated && identity != nil {
		owner = identity.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unmounted || owner == r.ownerID {
		return
	}

	// The previous owner's subscription is gone before the next one opens.
	if r.tasks != nil {
		r.tasks.Unmount()
		r.tasks = nil
	}
	r.ownerID = owner
	if owner == "" {
		return
	}

	tasks := NewTaskListView(r.store, r.logger)
	if err := tasks.Subscribe(owner); err != nil {
		level.Error(r.logger).Log("msg", "task list could not subscribe", "owner_id", owner, "err", err)
	}
	r.tasks = tasks
}

func (r *RootView) Login() *LoginView { return r.login }

// Tasks returns the mounted task list, or nil when signed out.
func (r *RootView) Tasks() *TaskListView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks
}

func (r *RootView) Current() Screen {
	switch r.login.State() {
	case Authenticating:
		return ScreenAuthenticating
	case Authenticated:
		if r.Tasks() != nil {
			return ScreenTasks
		}
		return ScreenAuthenticating
	default:
		return ScreenLogin
	}
}

// Unmount detaches the identity observer and the task list.
func (r *RootView) Unmount() {
	r.mu.Lock()
	if r.unmounted {
		r.mu.Unlock()
		return
	}
	r.unmounted = true
	stop := r.stop
	tasks := r.tasks
	r.tasks = nil
	r.ownerID = ""
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	if tasks != nil {
		tasks.Unmount()
	}
}
