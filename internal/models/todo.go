package models

import (
	"fmt"
	"strings"
	"time"
)

// Priority is the optional urgency of a task. The zero value means unset.
type Priority string

const (
	PriorityNone   Priority = ""
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority accepts "", "low", "medium" or "high" (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityNone, PriorityLow, PriorityMedium, PriorityHigh:
		return p, nil
	default:
		return PriorityNone, &ValidationError{Field: "priority", Err: fmt.Errorf("%w: %q", ErrInvalidPriority, s)}
	}
}

// Task represents a todo item owned by a single identity.
// OwnerID is stored under "userId" so documents written by earlier clients
// of the same collection stay readable.
type Task struct {
	ID        string     `firestore:"-" json:"id"`
	Text      string     `firestore:"text" json:"text"`
	Completed bool       `firestore:"completed" json:"completed"`
	OwnerID   string     `firestore:"userId" json:"ownerId"`
	DueDate   *time.Time `firestore:"dueDate" json:"dueDate,omitempty"`
	Priority  Priority   `firestore:"priority" json:"priority,omitempty"`
	Tags      []string   `firestore:"tags" json:"tags"`
}

// ParseTags splits a comma-separated list, trimming every piece and
// dropping empty ones. Order is preserved.
func ParseTags(csv string) []string {
	tags := []string{}
	for _, piece := range strings.Split(csv, ",") {
		if tag := strings.TrimSpace(piece); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
