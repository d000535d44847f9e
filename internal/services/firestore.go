package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/ytakahashi/firebase-todo-web/internal/models"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const todosCollection = "todos"

// FirestoreService implements TaskStore on Cloud Firestore. The emulator is
// picked up automatically when FIRESTORE_EMULATOR_HOST is set.
type FirestoreService struct {
	client *firestore.Client
	logger log.Logger
}

func NewFirestoreService(ctx context.Context, projectID string, logger log.Logger, opts ...option.ClientOption) (*FirestoreService, error) {
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &FirestoreService{
		client: client,
		logger: logger,
	}, nil
}

func (fs *FirestoreService) Close() error {
	return fs.client.Close()
}

func (fs *FirestoreService) Subscribe(ctx context.Context, ownerID string, onSnapshot SnapshotFunc, onError func(error)) (Unsubscribe, error) {
	if ownerID == "" {
		return nil, &models.ValidationError{Field: "ownerId", Err: models.ErrMissingOwner}
	}

	// The query outlives the request that opened it.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	iter := fs.client.Collection(todosCollection).
		Where("userId", "==", ownerID).
		Snapshots(subCtx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer iter.Stop()

		for {
			snap, err := iter.Next()
			if err != nil {
				if subCtx.Err() == nil && !isStopped(err) && onError != nil {
					onError(fmt.Errorf("failed to listen for todos: %w", err))
				}
				return
			}

			docs, err := snap.Documents.GetAll()
			if err != nil {
				if subCtx.Err() == nil && onError != nil {
					onError(fmt.Errorf("failed to read todo snapshot: %w", err))
				}
				return
			}

			tasks := make([]models.Task, 0, len(docs))
			for _, doc := range docs {
				task, err := decodeTask(doc)
				if err != nil {
					// A malformed document must not hide the rest of the list.
					level.Error(fs.logger).Log("msg", "skipping unreadable todo", "owner_id", ownerID, "task_id", doc.Ref.ID, "err", err)
					continue
				}
				tasks = append(tasks, task)
			}

			if subCtx.Err() != nil {
				return
			}
			onSnapshot(tasks)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (fs *FirestoreService) CreateTask(ctx context.Context, task models.Task) (string, error) {
	if task.OwnerID == "" {
		return "", &models.ValidationError{Field: "ownerId", Err: models.ErrMissingOwner}
	}
	if task.Tags == nil {
		task.Tags = []string{}
	}

	ref, _, err := fs.client.Collection(todosCollection).Add(ctx, task)
	if err != nil {
		return "", fmt.Errorf("failed to create todo: %w", err)
	}

	return ref.ID, nil
}

func (fs *FirestoreService) SetCompleted(ctx context.Context, ownerID, taskID string, completed bool) error {
	return fs.ownedWrite(ctx, ownerID, taskID, func(tx *firestore.Transaction, ref *firestore.DocumentRef) error {
		return tx.Update(ref, []firestore.Update{
			{Path: "completed", Value: completed},
		})
	})
}

func (fs *FirestoreService) DeleteTask(ctx context.Context, ownerID, taskID string) error {
	return fs.ownedWrite(ctx, ownerID, taskID, func(tx *firestore.Transaction, ref *firestore.DocumentRef) error {
		return tx.Delete(ref)
	})
}

// ownedWrite runs write in a transaction after checking that the document
// belongs to ownerID. Foreign and missing documents both report ErrNotFound.
func (fs *FirestoreService) ownedWrite(ctx context.Context, ownerID, taskID string, write func(*firestore.Transaction, *firestore.DocumentRef) error) error {
	if ownerID == "" {
		return &models.ValidationError{Field: "ownerId", Err: models.ErrMissingOwner}
	}
	if taskID == "" {
		return models.ErrNotFound
	}

	ref := fs.client.Collection(todosCollection).Doc(taskID)
	return fs.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return models.ErrNotFound
			}
			return fmt.Errorf("failed to read todo: %w", err)
		}

		owner, err := doc.DataAt("userId")
		if err != nil || owner != ownerID {
			return models.ErrNotFound
		}

		return write(tx, ref)
	})
}

// taskDocument is the stored shape of a todo. dueDate is decoded by hand
// because older clients wrote it as an ISO 8601 string, not a timestamp.
type taskDocument struct {
	Text      string      `firestore:"text"`
	Completed bool        `firestore:"completed"`
	UserID    string      `firestore:"userId"`
	DueDate   interface{} `firestore:"dueDate"`
	Priority  string      `firestore:"priority"`
	Tags      []string    `firestore:"tags"`
}

func (d taskDocument) task(id string) (models.Task, error) {
	due, err := parseDueDate(d.DueDate)
	if err != nil {
		return models.Task{}, err
	}
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	return models.Task{
		ID:        id,
		Text:      d.Text,
		Completed: d.Completed,
		OwnerID:   d.UserID,
		DueDate:   due,
		Priority:  models.Priority(d.Priority),
		Tags:      tags,
	}, nil
}

// parseDueDate accepts a Firestore timestamp, an RFC 3339 string or a bare
// calendar date. Null and empty values mean no due date.
func parseDueDate(v interface{}) (*time.Time, error) {
	switch due := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &due, nil
	case *time.Time:
		return due, nil
	case string:
		if due == "" {
			return nil, nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
			if t, err := time.Parse(layout, due); err == nil {
				return &t, nil
			}
		}
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidDueDate, due)
	default:
		return nil, fmt.Errorf("%w: unexpected type %T", models.ErrInvalidDueDate, v)
	}
}

func decodeTask(doc *firestore.DocumentSnapshot) (models.Task, error) {
	var d taskDocument
	if err := doc.DataTo(&d); err != nil {
		return models.Task{}, fmt.Errorf("failed to unmarshal todo %s: %w", doc.Ref.ID, err)
	}
	return d.task(doc.Ref.ID)
}

func isStopped(err error) bool {
	if errors.Is(err, iterator.Done) || errors.Is(err, context.Canceled) {
		return true
	}
	return status.Code(err) == codes.Canceled
}
