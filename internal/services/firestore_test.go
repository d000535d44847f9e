package services

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/ytakahashi/firebase-todo-web/internal/models"
	"github.com/ytakahashi/firebase-todo-web/internal/testutil"
)

func TestParseDueDate(t *testing.T) {
	stamp := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		in      interface{}
		want    *time.Time
		wantErr bool
	}{
		{name: "null", in: nil},
		{name: "empty string", in: ""},
		{name: "timestamp", in: stamp, want: &stamp},
		{name: "iso string", in: "2024-05-01T09:30:00.000Z", want: &stamp},
		{name: "calendar date", in: "2024-05-01", want: timePtr(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))},
		{name: "garbage", in: "next tuesday", wantErr: true},
		{name: "number", in: int64(12), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDueDate(tt.in)
			if tt.wantErr {
				if !errors.Is(err, models.ErrInvalidDueDate) {
					t.Fatalf("expected ErrInvalidDueDate, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			if got != nil && !got.Equal(*tt.want) {
				t.Errorf("expected %v, got %v", *tt.want, *got)
			}
		})
	}
}

func TestTaskDocument_StringDueDate(t *testing.T) {
	doc := taskDocument{
		Text:     "Buy milk",
		UserID:   "u1",
		DueDate:  "2024-05-01T00:00:00.000Z",
		Priority: "high",
	}

	task, err := doc.task("t1")
	if err != nil {
		t.Fatalf("expected legacy document to decode, got %v", err)
	}
	if task.ID != "t1" || task.OwnerID != "u1" || task.Text != "Buy milk" {
		t.Errorf("unexpected task %+v", task)
	}
	if task.DueDate == nil || !task.DueDate.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected due date 2024-05-01, got %v", task.DueDate)
	}
	if task.Priority != models.PriorityHigh {
		t.Errorf("expected priority high, got %q", task.Priority)
	}
	if task.Tags == nil || len(task.Tags) != 0 {
		t.Errorf("expected empty tags, got %#v", task.Tags)
	}
}

func timePtr(t time.Time) *time.Time { return &t }

// newEmulatorService connects to the Firestore emulator, skipping the test
// when none is running.
func newEmulatorService(t *testing.T) *FirestoreService {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	fs, err := NewFirestoreService(context.Background(), "demo-todo", log.NewNopLogger())
	if err != nil {
		t.Fatalf("NewFirestoreService: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs
}

func TestFirestoreService_OwnedWrites(t *testing.T) {
	fs := newEmulatorService(t)
	ctx := context.Background()
	owner, other := "u-"+uuid.NewString(), "u-"+uuid.NewString()

	id, err := fs.CreateTask(ctx, models.Task{Text: "Buy milk", OwnerID: owner})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := fs.SetCompleted(ctx, other, id, true); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for a foreign toggle, got %v", err)
	}
	if err := fs.DeleteTask(ctx, other, id); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for a foreign delete, got %v", err)
	}
	if err := fs.SetCompleted(ctx, owner, "missing-"+uuid.NewString(), true); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for a missing task, got %v", err)
	}

	doc, err := fs.client.Collection(todosCollection).Doc(id).Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if completed, _ := doc.DataAt("completed"); completed != false {
		t.Errorf("foreign toggle must not change the task, got completed=%v", completed)
	}

	if err := fs.SetCompleted(ctx, owner, id, true); err != nil {
		t.Fatalf("SetCompleted: %v", err)
	}
	if err := fs.DeleteTask(ctx, owner, id); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if err := fs.DeleteTask(ctx, owner, id); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFirestoreService_SubscribeReadsLegacyDocuments(t *testing.T) {
	fs := newEmulatorService(t)
	ctx := context.Background()
	owner := "u-" + uuid.NewString()

	_, _, err := fs.client.Collection(todosCollection).Add(ctx, map[string]interface{}{
		"text":      "Legacy",
		"completed": false,
		"userId":    owner,
		"dueDate":   "2024-05-01T00:00:00.000Z",
		"createdAt": time.Now(),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	var rec recorder
	unsub, err := fs.Subscribe(ctx, owner, rec.push, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if _, err := fs.CreateTask(ctx, models.Task{Text: "Current", OwnerID: owner}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	testutil.WaitFor(t, "both tasks", func() bool { return len(rec.last()) == 2 })

	for _, task := range rec.last() {
		if task.Text == "Legacy" && (task.DueDate == nil || task.DueDate.Year() != 2024) {
			t.Errorf("expected legacy due date to decode, got %v", task.DueDate)
		}
	}
}
