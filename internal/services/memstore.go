package services

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/ytakahashi/firebase-todo-web/internal/models"
)

var errStoreClosed = errors.New("store is closed")

// MemoryStore is an in-process TaskStore with live queries. It backs local
// development (STORE_BACKEND=memory) and the test suites.
//
// The *Err fields inject failures into the matching operation.
type MemoryStore struct {
	mu     sync.Mutex
	tasks  map[string]models.Task
	order  []string
	subs   map[int]*memorySubscription
	nextID int
	closed bool

	SubscribeErr    error
	CreateTaskErr   error
	SetCompletedErr error
	DeleteTaskErr   error

	// Calls counts store operations by name, for assertions.
	Calls map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]models.Task),
		subs:  make(map[int]*memorySubscription),
		Calls: make(map[string]int),
	}
}

// CallCount returns how many times op ran.
func (m *MemoryStore) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[op]
}

// Get returns a stored task regardless of owner.
func (m *MemoryStore) Get(taskID string) (models.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	return cloneTask(task), ok
}

// Subscribers returns the number of open live queries.
func (m *MemoryStore) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *MemoryStore) Subscribe(_ context.Context, ownerID string, onSnapshot SnapshotFunc, onError func(error)) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["Subscribe"]++

	if ownerID == "" {
		return nil, &models.ValidationError{Field: "ownerId", Err: models.ErrMissingOwner}
	}
	if m.closed {
		return nil, errStoreClosed
	}
	if m.SubscribeErr != nil {
		return nil, m.SubscribeErr
	}

	id := m.nextID
	m.nextID++
	sub := newMemorySubscription(ownerID, onSnapshot)
	m.subs[id] = sub
	sub.push(m.snapshotLocked(ownerID))

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			sub.stop()
		})
	}, nil
}

func (m *MemoryStore) CreateTask(_ context.Context, task models.Task) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["CreateTask"]++

	if task.OwnerID == "" {
		return "", &models.ValidationError{Field: "ownerId", Err: models.ErrMissingOwner}
	}
	if m.CreateTaskErr != nil {
		return "", m.CreateTaskErr
	}

	task = cloneTask(task)
	task.ID = uuid.New().String()
	m.tasks[task.ID] = task
	m.order = append(m.order, task.ID)
	m.publishLocked(task.OwnerID)

	return task.ID, nil
}

func (m *MemoryStore) SetCompleted(_ context.Context, ownerID, taskID string, completed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["SetCompleted"]++

	if m.SetCompletedErr != nil {
		return m.SetCompletedErr
	}
	task, err := m.ownedLocked(ownerID, taskID)
	if err != nil {
		return err
	}

	task.Completed = completed
	m.tasks[taskID] = task
	m.publishLocked(ownerID)
	return nil
}

func (m *MemoryStore) DeleteTask(_ context.Context, ownerID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["DeleteTask"]++

	if m.DeleteTaskErr != nil {
		return m.DeleteTaskErr
	}
	if _, err := m.ownedLocked(ownerID, taskID); err != nil {
		return err
	}

	delete(m.tasks, taskID)
	for i, id := range m.order {
		if id == taskID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.publishLocked(ownerID)
	return nil
}

// Close stops every open live query.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[int]*memorySubscription)
	m.closed = true
	m.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (m *MemoryStore) ownedLocked(ownerID, taskID string) (models.Task, error) {
	if ownerID == "" {
		return models.Task{}, &models.ValidationError{Field: "ownerId", Err: models.ErrMissingOwner}
	}
	task, ok := m.tasks[taskID]
	if !ok || task.OwnerID != ownerID {
		return models.Task{}, models.ErrNotFound
	}
	return task, nil
}

func (m *MemoryStore) snapshotLocked(ownerID string) []models.Task {
	tasks := []models.Task{}
	for _, id := range m.order {
		if task := m.tasks[id]; task.OwnerID == ownerID {
			tasks = append(tasks, cloneTask(task))
		}
	}
	return tasks
}

func (m *MemoryStore) publishLocked(ownerID string) {
	for _, sub := range m.subs {
		if sub.ownerID == ownerID {
			sub.push(m.snapshotLocked(ownerID))
		}
	}
}

func cloneTask(task models.Task) models.Task {
	if task.Tags != nil {
		task.Tags = append([]string{}, task.Tags...)
	}
	if task.DueDate != nil {
		due := *task.DueDate
		task.DueDate = &due
	}
	return task
}

// memorySubscription delivers snapshots in order on its own goroutine, the
// way a remote listener would.
type memorySubscription struct {
	ownerID string
	fn      SnapshotFunc

	mu      sync.Mutex
	pending [][]models.Task
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}

	stopOnce sync.Once
}

func newMemorySubscription(ownerID string, fn SnapshotFunc) *memorySubscription {
	s := &memorySubscription{
		ownerID: ownerID,
		fn:      fn,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *memorySubscription) push(tasks []models.Task) {
	s.mu.Lock()
	s.pending = append(s.pending, tasks)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case <-s.quit:
				return
			default:
			}
			s.fn(next)
		}
	}
}

func (s *memorySubscription) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.done
}
