// Package policy decides which task operations an actor may perform.
// It is pure: the caller loads the task and maps a denial to its own
// Forbidden error. A missing task is NotFound territory and never
// reaches this package.
package policy

type Operation string

const (
	OpRead    Operation = "read"
	OpComment Operation = "comment"
	OpUpdate  Operation = "update"
	OpDelete  Operation = "delete"
)

// Allows reports whether actorID may perform op on a task owned by
// creatorID with the given assignee set. An empty actorID marks an
// internal service-to-service call and is always permitted.
func Allows(creatorID string, assigneeIDs []string, actorID string, op Operation) bool {
	if actorID == "" {
		return true
	}
	switch op {
	case OpRead, OpComment:
		return actorID == creatorID || isAssignee(assigneeIDs, actorID)
	case OpUpdate, OpDelete:
		// Assignees may view and discuss; only the creator mutates.
		return actorID == creatorID
	default:
		return false
	}
}

func isAssignee(assigneeIDs []string, userID string) bool {
	for _, id := range assigneeIDs {
		if id == userID {
			return true
		}
	}
	return false
}
