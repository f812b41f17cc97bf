package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

const (
	PriorityLow    = "LOW"
	PriorityMedium = "MEDIUM"
	PriorityHigh   = "HIGH"
	PriorityUrgent = "URGENT"
)

const (
	StatusTodo       = "TODO"
	StatusInProgress = "IN_PROGRESS"
	StatusReview     = "REVIEW"
	StatusDone       = "DONE"
)

type Task struct {
	ID          string
	Title       string
	Description string
	DueDate     *time.Time
	Priority    string
	Status      string
	CreatorID   string
	AssigneeIDs []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Comment struct {
	ID        string
	TaskID    string
	AuthorID  string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskHistoryEntry is one append-only audit record. Entries are created in
// the same logical operation as the mutation they describe and are never
// updated or reordered afterwards.
type TaskHistoryEntry struct {
	ID        string
	TaskID    string
	UserID    string
	Action    string
	Changes   map[string]any
	CreatedAt time.Time
}

const (
	ActionCreated      = "CREATED"
	ActionUpdated      = "UPDATED"
	ActionCommentAdded = "COMMENT_ADDED"
)

const (
	NotificationTaskAssigned      = "TASK_ASSIGNED"
	NotificationTaskStatusChanged = "TASK_STATUS_CHANGED"
	NotificationNewComment        = "NEW_COMMENT"
)

// Notification is owned exclusively by the notification store. TaskID and
// CommentID are opaque references into the task service's world; they are
// never joined and may dangle after a task is deleted.
type Notification struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Message   string
	TaskID    string
	CommentID string
	Metadata  map[string]any
	Read      bool
	DedupKey  string
	CreatedAt time.Time
}

// TaskFilter narrows ListTasks. Zero values mean "no constraint".
type TaskFilter struct {
	UserID     string // creator or assignee scope
	Status     string
	Priority   string
	AssigneeID string
	Search     string
	Page       int
	Size       int
}
