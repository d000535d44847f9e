package services

import (
	"context"

	"github.com/ytakahashi/firebase-todo-web/internal/models"
)

// SnapshotFunc receives the full result set of a live query every time it
// changes. The slice is owned by the receiver.
type SnapshotFunc func(tasks []models.Task)

// Unsubscribe stops a live query. It returns only after the last push has
// been delivered, so no SnapshotFunc runs once it has returned.
type Unsubscribe func()

// TaskStore is the document store holding the "todos" collection.
// Every read and every write is scoped to the owner id.
type TaskStore interface {
	// Subscribe opens a live query for all tasks of ownerID. onSnapshot is
	// invoked once with the initial result and again after every change.
	// onError is invoked at most once if the query terminates abnormally.
	Subscribe(ctx context.Context, ownerID string, onSnapshot SnapshotFunc, onError func(error)) (Unsubscribe, error)

	// CreateTask inserts task and returns the id assigned by the store.
	CreateTask(ctx context.Context, task models.Task) (string, error)

	// SetCompleted writes only the completed field of the task.
	SetCompleted(ctx context.Context, ownerID, taskID string, completed bool) error

	// DeleteTask removes the task permanently.
	DeleteTask(ctx context.Context, ownerID, taskID string) error

	Close() error
}
