package views

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/ytakahashi/firebase-todo-web/internal/models"
	"github.com/ytakahashi/firebase-todo-web/internal/services"
)

// DueDateLayout is the format of the due date form field.
const DueDateLayout = "2006-01-02"

// ErrUnmounted is returned by a task list that has been torn down.
var ErrUnmounted = errors.New("task list is unmounted")

// TaskForm is the draft of the "add task" form.
type TaskForm struct {
	Text     string
	DueDate  string
	Priority string
	TagsCSV  string
}

// TaskListSnapshot is what the task screen renders.
type TaskListSnapshot struct {
	OwnerID  string
	Tasks    []models.Task
	Loaded   bool
	Draft    TaskForm
	Creating bool
}

// TaskListView shows the live task list of one owner. The list changes only
// when the store pushes a snapshot; mutations never edit it locally, so a
// failed write simply never shows up.
type TaskListView struct {
	store  services.TaskStore
	logger log.Logger

	// lifecycle serializes Subscribe and Unmount so that at most one live
	// query is open at a time.
	lifecycle sync.Mutex

	mu          sync.Mutex
	ownerID     string
	tasks       []models.Task
	loaded      bool
	unsub       services.Unsubscribe
	generation  uint64
	unmounted   bool
	draft       TaskForm
	creating    bool
	watchers    map[int]chan []models.Task
	nextWatcher int
}

func NewTaskListView(store services.TaskStore, logger log.Logger) *TaskListView {
	return &TaskListView{
		store:    store,
		logger:   log.With(logger, "component", "tasklist"),
		watchers: make(map[int]chan []models.Task),
	}
}

// Subscribe opens the live query for ownerID, releasing the previous one
// first. An empty owner is refused without touching the store.
func (v *TaskListView) Subscribe(ownerID string) error {
	if ownerID == "" {
		level.Error(v.logger).Log("msg", "refusing to subscribe without an owner")
		return &models.ValidationError{Field: "ownerId", Err: models.ErrMissingOwner}
	}

	v.lifecycle.Lock()
	defer v.lifecycle.Unlock()

	v.mu.Lock()
	if v.unmounted {
		v.mu.Unlock()
		return ErrUnmounted
	}
	previous := v.unsub
	v.unsub = nil
	v.generation++
	generation := v.generation
	v.ownerID = ownerID
	v.tasks = nil
	v.loaded = false
	v.mu.Unlock()

	if previous != nil {
		previous()
	}

	unsub, err := v.store.Subscribe(context.Background(), ownerID,
		func(tasks []models.Task) { v.apply(generation, tasks) },
		func(err error) { v.listenFailed(generation, err) },
	)
	if err != nil {
		level.Error(v.logger).Log("msg", "failed to subscribe to tasks", "owner_id", ownerID, "err", err)
		return err
	}

	v.mu.Lock()
	v.unsub = unsub
	v.mu.Unlock()
	return nil
}

// Unmount releases the live query and closes every watcher. Pushes that
// race with it are dropped.
func (v *TaskListView) Unmount() {
	v.lifecycle.Lock()
	defer v.lifecycle.Unlock()

	v.mu.Lock()
	if v.unmounted {
		v.mu.Unlock()
		return
	}
	v.unmounted = true
	v.generation++
	unsub := v.unsub
	v.unsub = nil
	for id, ch := range v.watchers {
		close(ch)
		delete(v.watchers, id)
	}
	v.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (v *TaskListView) apply(generation uint64, tasks []models.Task) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.unmounted || generation != v.generation {
		return
	}
	v.tasks = tasks
	v.loaded = true
	for _, ch := range v.watchers {
		offer(ch, cloneTasks(tasks))
	}
}

func (v *TaskListView) listenFailed(generation uint64, err error) {
	v.mu.Lock()
	current := !v.unmounted && generation == v.generation
	owner := v.ownerID
	v.mu.Unlock()

	if current {
		level.Error(v.logger).Log("msg", "task listener stopped", "owner_id", owner, "err", err)
	}
}

// offer replaces any unread snapshot in ch with tasks.
func offer(ch chan []models.Task, tasks []models.Task) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- tasks:
	default:
	}
}

// Watch returns a channel receiving every accepted snapshot, the latest one
// winning when the reader falls behind. It is closed on Unmount or cancel.
func (v *TaskListView) Watch() (<-chan []models.Task, func()) {
	ch := make(chan []models.Task, 1)

	v.mu.Lock()
	if v.unmounted {
		v.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := v.nextWatcher
	v.nextWatcher++
	v.watchers[id] = ch
	if v.loaded {
		ch <- cloneTasks(v.tasks)
	}
	v.mu.Unlock()

	return ch, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if _, ok := v.watchers[id]; ok {
			close(ch)
			delete(v.watchers, id)
		}
	}
}

func (v *TaskListView) Snapshot() TaskListSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return TaskListSnapshot{
		OwnerID:  v.ownerID,
		Tasks:    cloneTasks(v.tasks),
		Loaded:   v.loaded,
		Draft:    v.draft,
		Creating: v.creating,
	}
}

// Task looks up a task in the current snapshot.
func (v *TaskListView) Task(taskID string) (models.Task, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, task := range v.tasks {
		if task.ID == taskID {
			return task, true
		}
	}
	return models.Task{}, false
}

// CreateTask persists the form as a new, not completed task. Blank text or
// a missing owner is refused before any store call. The draft is cleared
// only when the write succeeds.
func (v *TaskListView) CreateTask(ctx context.Context, form TaskForm) error {
	v.mu.Lock()
	if v.creating {
		v.mu.Unlock()
		return ErrBusy
	}
	v.draft = form
	task, err := buildTask(v.ownerID, form)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	v.creating = true
	v.mu.Unlock()

	id, err := v.store.CreateTask(ctx, task)

	v.mu.Lock()
	v.creating = false
	if err == nil {
		v.draft = TaskForm{}
	}
	v.mu.Unlock()

	if err != nil {
		return v.persistenceFailed("create", "", err)
	}
	level.Debug(v.logger).Log("msg", "task added", "task_id", id)
	return nil
}

// ToggleTask flips completed on task and writes nothing else.
func (v *TaskListView) ToggleTask(ctx context.Context, task models.Task) error {
	owner, err := v.owner()
	if err != nil {
		return err
	}
	if err := v.store.SetCompleted(ctx, owner, task.ID, !task.Completed); err != nil {
		return v.persistenceFailed("toggle", task.ID, err)
	}
	return nil
}

// DeleteTask removes the task permanently.
func (v *TaskListView) DeleteTask(ctx context.Context, taskID string) error {
	owner, err := v.owner()
	if err != nil {
		return err
	}
	if err := v.store.DeleteTask(ctx, owner, taskID); err != nil {
		return v.persistenceFailed("delete", taskID, err)
	}
	return nil
}

func (v *TaskListView) owner() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ownerID == "" {
		return "", &models.ValidationError{Field: "ownerId", Err: models.ErrMissingOwner}
	}
	return v.ownerID, nil
}

// persistenceFailed logs a failed write. Nothing is retried or rolled back.
func (v *TaskListView) persistenceFailed(op, taskID string, err error) error {
	perr := &models.PersistenceError{Op: op, TaskID: taskID, Err: err}
	level.Error(v.logger).Log("msg", "task write failed", "op", op, "task_id", taskID, "err", err)
	return perr
}

func buildTask(owner string, form TaskForm) (models.Task, error) {
	if strings.TrimSpace(form.Text) == "" {
		return models.Task{}, &models.ValidationError{Field: "text", Err: models.ErrEmptyText}
	}
	if owner == "" {
		return models.Task{}, &models.ValidationError{Field: "ownerId", Err: models.ErrMissingOwner}
	}

	priority, err := models.ParsePriority(form.Priority)
	if err != nil {
		return models.Task{}, err
	}

	var due *time.Time
	if s := strings.TrimSpace(form.DueDate); s != "" {
		d, err := time.Parse(DueDateLayout, s)
		if err != nil {
			return models.Task{}, &models.ValidationError{Field: "dueDate", Err: fmt.Errorf("%w: %q", models.ErrInvalidDueDate, s)}
		}
		due = &d
	}

	return models.Task{
		Text:      form.Text,
		Completed: false,
		OwnerID:   owner,
		DueDate:   due,
		Priority:  priority,
		Tags:      models.ParseTags(form.TagsCSV),
	}, nil
}

func cloneTasks(tasks []models.Task) []models.Task {
	if tasks == nil {
		return nil
	}
	out := make([]models.Task, len(tasks))
	copy(out, tasks)
	return out
}
