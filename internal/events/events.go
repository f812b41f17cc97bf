// Package events is the durable broker layer between the task service, the
// notification consumer, and the delivery gateway. Topics are Redis
// streams; delivery is at-least-once, so every consumer is expected to be
// idempotent.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	TopicTaskCreated      = "task.created"
	TopicTaskUpdated      = "task.updated"
	TopicCommentCreated   = "comment.created"
	TopicNotificationSend = "notification.send"
)

// MutationTopics are the streams the notification consumer subscribes to.
var MutationTopics = []string{TopicTaskCreated, TopicTaskUpdated, TopicCommentCreated}

// NotificationEvent describes one committed mutation from the point of view
// of a single recipient. It carries no identity of its own; consumers derive
// one with DedupKey.
type NotificationEvent struct {
	UserID     string         `json:"userId"`
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	TaskID     string         `json:"taskId,omitempty"`
	CommentID  string         `json:"commentId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt int64          `json:"occurredAt"`
}

// DedupKey derives the stable identity used for idempotent consumption:
// redelivering the same event yields the same key, distinct mutations
// (different task, comment, recipient, or commit time) yield distinct keys.
func (e NotificationEvent) DedupKey(topic string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d", topic, e.TaskID, e.CommentID, e.UserID, e.OccurredAt)))
	return hex.EncodeToString(sum[:])
}

// Notification is the materialized record carried on notification.send,
// including the persisted id, for the delivery gateway to push as-is.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	TaskID    string         `json:"taskId,omitempty"`
	CommentID string         `json:"commentId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"createdAt"`
}
