// Package tasks implements the task mutation pipeline: policy check,
// structural diff, append-only history, and event emission. Everything
// that changes a task flows through this service.
package tasks

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"taskflow/api/internal/diff"
	"taskflow/api/internal/events"
	"taskflow/api/internal/identity"
	"taskflow/api/internal/policy"
	"taskflow/api/internal/search"
	"taskflow/api/internal/store"
	"taskflow/api/internal/util"
)

var (
	ErrNotFound     = errors.New("task not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
)

// Store is the persistence boundary of the task service.
type Store interface {
	GetTask(context.Context, string) (store.Task, error)
	InsertTask(context.Context, store.Task) error
	ListTasks(context.Context, store.TaskFilter) ([]store.Task, int, error)
	UpdateTask(context.Context, store.Task) error
	ReplaceAssignees(context.Context, string, []string) error
	DeleteTask(context.Context, string) error
	InsertComment(context.Context, store.Comment) (store.Comment, error)
	ListComments(context.Context, string, int, int) ([]store.Comment, int, error)
	InsertHistory(context.Context, store.TaskHistoryEntry) error
	ListHistory(context.Context, string) ([]store.TaskHistoryEntry, error)
}

// Publisher hands mutation events to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Index receives task snapshots for full-text search. Indexing is a side
// channel; it never fails a mutation.
type Index interface {
	IndexTask(record search.TaskRecord)
	RemoveTask(taskID string)
}

type Service struct {
	store    Store
	bus      Publisher
	resolver identity.Resolver
	index    Index
}

func New(dataStore Store, bus Publisher, resolver identity.Resolver, index Index) *Service {
	return &Service{store: dataStore, bus: bus, resolver: resolver, index: index}
}

type CreateTaskInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	DueDate     string   `json:"dueDate"`
	Priority    string   `json:"priority"`
	Status      string   `json:"status"`
	AssigneeIDs []string `json:"assigneeIds"`
}

// UpdateTaskInput is a partial patch: an absent field is left untouched.
// For description, dueDate, and assigneeIds an explicit JSON null is the
// same as the empty value and clears what is stored. Title, priority, and
// status cannot be cleared, so null there is treated as absent.
type UpdateTaskInput struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	DueDate     *string   `json:"dueDate"`
	Priority    *string   `json:"priority"`
	Status      *string   `json:"status"`
	AssigneeIDs *[]string `json:"assigneeIds"`
}

func (p *UpdateTaskInput) UnmarshalJSON(data []byte) error {
	type plain UpdateTaskInput
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	// Pointer fields cannot tell null from absent, so look at the raw
	// document for the clearable ones.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if isJSONNull(fields["description"]) {
		decoded.Description = new(string)
	}
	if isJSONNull(fields["dueDate"]) {
		decoded.DueDate = new(string)
	}
	if isJSONNull(fields["assigneeIds"]) {
		decoded.AssigneeIDs = new([]string)
	}
	*p = UpdateTaskInput(decoded)
	return nil
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) > 0 && bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

type TaskView struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	DueDate     *time.Time          `json:"dueDate,omitempty"`
	Priority    string              `json:"priority"`
	Status      string              `json:"status"`
	CreatorID   string              `json:"creatorId"`
	Assignees   []identity.Identity `json:"assignees"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

type CommentView struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"taskId"`
	AuthorID  string            `json:"authorId"`
	Author    identity.Identity `json:"author"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type HistoryView struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"taskId"`
	UserID    string            `json:"userId"`
	User      identity.Identity `json:"user"`
	Action    string            `json:"action"`
	Changes   map[string]any    `json:"changes"`
	CreatedAt time.Time         `json:"createdAt"`
}

type PageMeta struct {
	Page       int `json:"page"`
	Size       int `json:"size"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type TaskPage struct {
	Data []TaskView `json:"data"`
	Meta PageMeta   `json:"meta"`
}

type CommentPage struct {
	Data []CommentView `json:"data"`
	Meta PageMeta      `json:"meta"`
}

type ListInput struct {
	Status     string
	Priority   string
	AssigneeID string
	Search     string
	Page       int
	Size       int
}

func (s *Service) CreateTask(ctx context.Context, input CreateTaskInput, creatorID string) (TaskView, error) {
	if strings.TrimSpace(input.Title) == "" {
		return TaskView{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}

	dueDate, err := parseDueDate(input.DueDate)
	if err != nil {
		return TaskView{}, err
	}

	task := store.Task{
		ID:          util.NewID("task"),
		Title:       input.Title,
		Description: input.Description,
		DueDate:     dueDate,
		Priority:    defaultString(input.Priority, store.PriorityMedium),
		Status:      defaultString(input.Status, store.StatusTodo),
		CreatorID:   creatorID,
		AssigneeIDs: dedupeIDs(input.AssigneeIDs),
	}

	if err := s.store.InsertTask(ctx, task); err != nil {
		return TaskView{}, err
	}

	if err := s.store.InsertHistory(ctx, store.TaskHistoryEntry{
		ID:     util.NewID("his"),
		TaskID: task.ID,
		UserID: creatorID,
		Action: store.ActionCreated,
		Changes: map[string]any{
			"task": map[string]any{
				"title":       task.Title,
				"description": task.Description,
				"dueDate":     formatDueDate(task.DueDate),
				"priority":    task.Priority,
				"status":      task.Status,
			},
		},
	}); err != nil {
		return TaskView{}, err
	}

	s.publishTaskCreated(ctx, task)
	s.indexTask(task)

	return s.reload(ctx, task.ID)
}

func (s *Service) GetTask(ctx context.Context, taskID, actorID string) (TaskView, error) {
	task, err := s.load(ctx, taskID)
	if err != nil {
		return TaskView{}, err
	}
	if !policy.Allows(task.CreatorID, task.AssigneeIDs, actorID, policy.OpRead) {
		return TaskView{}, ErrForbidden
	}
	return s.toTaskView(ctx, task), nil
}

func (s *Service) ListTasks(ctx context.Context, input ListInput, actorID string) (TaskPage, error) {
	tasks, total, err := s.store.ListTasks(ctx, store.TaskFilter{
		UserID:     actorID,
		Status:     input.Status,
		Priority:   input.Priority,
		AssigneeID: input.AssigneeID,
		Search:     input.Search,
		Page:       input.Page,
		Size:       input.Size,
	})
	if err != nil {
		return TaskPage{}, err
	}

	views := make([]TaskView, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, s.toTaskView(ctx, task))
	}
	return TaskPage{Data: views, Meta: pageMeta(input.Page, input.Size, 10, total)}, nil
}

// UpdateTask applies a partial patch: policy check, field-level diff,
// persist, history append, event emission. A patch that changes nothing
// produces no history entry and no event.
func (s *Service) UpdateTask(ctx context.Context, taskID string, patch UpdateTaskInput, actorID string) (TaskView, error) {
	task, err := s.load(ctx, taskID)
	if err != nil {
		return TaskView{}, err
	}
	if !policy.Allows(task.CreatorID, task.AssigneeIDs, actorID, policy.OpUpdate) {
		return TaskView{}, ErrForbidden
	}

	changes := diff.Changes{}

	if patch.Title != nil {
		changes.Set("title", task.Title, *patch.Title)
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		changes.Set("description", task.Description, *patch.Description)
		task.Description = *patch.Description
	}
	if patch.DueDate != nil {
		newDue, err := parseDueDate(*patch.DueDate)
		if err != nil {
			return TaskView{}, err
		}
		changes.Set("dueDate", formatDueDate(task.DueDate), formatDueDate(newDue))
		task.DueDate = newDue
	}
	if patch.Priority != nil {
		changes.Set("priority", task.Priority, *patch.Priority)
		task.Priority = *patch.Priority
	}
	// The status value is not validated against a transition graph: any
	// status may follow any other.
	if patch.Status != nil {
		changes.Set("status", task.Status, *patch.Status)
		task.Status = *patch.Status
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return TaskView{}, err
	}

	if patch.AssigneeIDs != nil {
		newAssignees := dedupeIDs(*patch.AssigneeIDs)
		if err := s.store.ReplaceAssignees(ctx, task.ID, newAssignees); err != nil {
			return TaskView{}, err
		}
		changes.SetIDSet("assignees", task.AssigneeIDs, newAssignees)
		task.AssigneeIDs = newAssignees
	}

	if len(changes) > 0 {
		if err := s.store.InsertHistory(ctx, store.TaskHistoryEntry{
			ID:      util.NewID("his"),
			TaskID:  task.ID,
			UserID:  actorID,
			Action:  store.ActionUpdated,
			Changes: changesPayload(changes),
		}); err != nil {
			return TaskView{}, err
		}
		s.publishTaskUpdated(ctx, task, actorID, changes)
	}

	s.indexTask(task)

	return s.reload(ctx, task.ID)
}

// DeleteTask removes the task and, by cascade, its comments, history, and
// assignee links. No event is emitted: notifications referencing the task
// are left in place and simply stop resolving.
func (s *Service) DeleteTask(ctx context.Context, taskID, actorID string) error {
	task, err := s.load(ctx, taskID)
	if err != nil {
		return err
	}
	if !policy.Allows(task.CreatorID, task.AssigneeIDs, actorID, policy.OpDelete) {
		return ErrForbidden
	}

	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	if s.index != nil {
		s.index.RemoveTask(taskID)
	}
	return nil
}

func (s *Service) CreateComment(ctx context.Context, taskID, content, authorID string) (CommentView, error) {
	if strings.TrimSpace(content) == "" {
		return CommentView{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}

	task, err := s.load(ctx, taskID)
	if err != nil {
		return CommentView{}, err
	}
	if !policy.Allows(task.CreatorID, task.AssigneeIDs, authorID, policy.OpComment) {
		return CommentView{}, ErrForbidden
	}

	comment, err := s.store.InsertComment(ctx, store.Comment{
		ID:       util.NewID("cmt"),
		TaskID:   taskID,
		AuthorID: authorID,
		Content:  content,
	})
	if err != nil {
		return CommentView{}, err
	}

	if err := s.store.InsertHistory(ctx, store.TaskHistoryEntry{
		ID:     util.NewID("his"),
		TaskID: taskID,
		UserID: authorID,
		Action: store.ActionCommentAdded,
		Changes: map[string]any{
			"commentId": comment.ID,
			"content":   content,
		},
	}); err != nil {
		return CommentView{}, err
	}

	s.publishCommentCreated(ctx, task, comment)

	return s.toCommentView(ctx, comment), nil
}

func (s *Service) ListComments(ctx context.Context, taskID string, page, size int, actorID string) (CommentPage, error) {
	task, err := s.load(ctx, taskID)
	if err != nil {
		return CommentPage{}, err
	}
	if !policy.Allows(task.CreatorID, task.AssigneeIDs, actorID, policy.OpRead) {
		return CommentPage{}, ErrForbidden
	}

	comments, total, err := s.store.ListComments(ctx, taskID, page, size)
	if err != nil {
		return CommentPage{}, err
	}

	views := make([]CommentView, 0, len(comments))
	for _, comment := range comments {
		views = append(views, s.toCommentView(ctx, comment))
	}
	return CommentPage{Data: views, Meta: pageMeta(page, size, 10, total)}, nil
}

// History returns the audit trail newest-first with resolved actor
// identities.
func (s *Service) History(ctx context.Context, taskID, actorID string) ([]HistoryView, error) {
	task, err := s.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !policy.Allows(task.CreatorID, task.AssigneeIDs, actorID, policy.OpRead) {
		return nil, ErrForbidden
	}

	entries, err := s.store.ListHistory(ctx, taskID)
	if err != nil {
		return nil, err
	}

	views := make([]HistoryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, HistoryView{
			ID:        entry.ID,
			TaskID:    entry.TaskID,
			UserID:    entry.UserID,
			User:      s.resolveOne(ctx, entry.UserID),
			Action:    entry.Action,
			Changes:   entry.Changes,
			CreatedAt: entry.CreatedAt,
		})
	}
	return views, nil
}

func (s *Service) load(ctx context.Context, taskID string) (store.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Task{}, ErrNotFound
	}
	if err != nil {
		return store.Task{}, err
	}
	return task, nil
}

func (s *Service) reload(ctx context.Context, taskID string) (TaskView, error) {
	task, err := s.load(ctx, taskID)
	if err != nil {
		return TaskView{}, err
	}
	return s.toTaskView(ctx, task), nil
}

// Event emission is a best-effort side channel. A publish failure is
// logged and swallowed: the mutation already committed and the pull
// endpoints remain the recovery path.

func (s *Service) publishTaskCreated(ctx context.Context, task store.Task) {
	occurredAt := time.Now().UnixMilli()
	for _, userID := range recipients(task.AssigneeIDs, "", task.CreatorID) {
		s.publish(ctx, events.TopicTaskCreated, events.NotificationEvent{
			UserID:     userID,
			Type:       store.NotificationTaskAssigned,
			Title:      "New Task Assigned",
			Message:    fmt.Sprintf("You have been assigned to task: %s", task.Title),
			TaskID:     task.ID,
			Metadata:   map[string]any{"creatorId": task.CreatorID},
			OccurredAt: occurredAt,
		})
	}
}

func (s *Service) publishTaskUpdated(ctx context.Context, task store.Task, actorID string, changes diff.Changes) {
	occurredAt := time.Now().UnixMilli()
	for _, userID := range recipients(task.AssigneeIDs, task.CreatorID, actorID) {
		s.publish(ctx, events.TopicTaskUpdated, events.NotificationEvent{
			UserID:     userID,
			Type:       store.NotificationTaskStatusChanged,
			Title:      "Task Updated",
			Message:    fmt.Sprintf("Task %q has been updated", task.Title),
			TaskID:     task.ID,
			Metadata:   map[string]any{"updatedBy": actorID, "changes": changesPayload(changes)},
			OccurredAt: occurredAt,
		})
	}
}

func (s *Service) publishCommentCreated(ctx context.Context, task store.Task, comment store.Comment) {
	occurredAt := time.Now().UnixMilli()
	for _, userID := range recipients(task.AssigneeIDs, task.CreatorID, comment.AuthorID) {
		s.publish(ctx, events.TopicCommentCreated, events.NotificationEvent{
			UserID:     userID,
			Type:       store.NotificationNewComment,
			Title:      "New Comment",
			Message:    fmt.Sprintf("New comment on task: %s", task.Title),
			TaskID:     task.ID,
			CommentID:  comment.ID,
			Metadata:   map[string]any{"authorId": comment.AuthorID},
			OccurredAt: occurredAt,
		})
	}
}

func (s *Service) publish(ctx context.Context, topic string, evt events.NotificationEvent) {
	if err := s.bus.Publish(ctx, topic, evt); err != nil {
		log.Printf("tasks: publish %s for %s: %v", topic, evt.UserID, err)
	}
}

func (s *Service) indexTask(task store.Task) {
	if s.index == nil {
		return
	}
	s.index.IndexTask(search.TaskRecord{
		ID:          task.ID,
		Title:       task.Title,
		Description: task.Description,
		Status:      task.Status,
		Priority:    task.Priority,
		CreatorID:   task.CreatorID,
		AssigneeIDs: task.AssigneeIDs,
	})
}

func (s *Service) toTaskView(ctx context.Context, task store.Task) TaskView {
	assignees := make([]identity.Identity, 0, len(task.AssigneeIDs))
	for _, userID := range task.AssigneeIDs {
		assignees = append(assignees, s.resolveOne(ctx, userID))
	}
	return TaskView{
		ID:          task.ID,
		Title:       task.Title,
		Description: task.Description,
		DueDate:     task.DueDate,
		Priority:    task.Priority,
		Status:      task.Status,
		CreatorID:   task.CreatorID,
		Assignees:   assignees,
		CreatedAt:   task.CreatedAt,
		UpdatedAt:   task.UpdatedAt,
	}
}

func (s *Service) toCommentView(ctx context.Context, comment store.Comment) CommentView {
	return CommentView{
		ID:        comment.ID,
		TaskID:    comment.TaskID,
		AuthorID:  comment.AuthorID,
		Author:    s.resolveOne(ctx, comment.AuthorID),
		Content:   comment.Content,
		CreatedAt: comment.CreatedAt,
		UpdatedAt: comment.UpdatedAt,
	}
}

// resolveOne never fails: an unresolvable id degrades to the Unknown
// placeholder so identity lookups cannot break the primary operation.
func (s *Service) resolveOne(ctx context.Context, userID string) identity.Identity {
	ident, ok, err := s.resolver.Resolve(ctx, userID)
	if err != nil {
		log.Printf("tasks: resolve identity %s: %v", userID, err)
		return identity.Unknown(userID)
	}
	if !ok {
		return identity.Unknown(userID)
	}
	return ident
}

// recipients is the notification audience: assignees plus the creator
// (when given), minus the acting user. Nobody is told about their own
// action.
func recipients(assigneeIDs []string, creatorID, actorID string) []string {
	seen := make(map[string]struct{}, len(assigneeIDs)+1)
	out := make([]string, 0, len(assigneeIDs)+1)
	add := func(id string) {
		if id == "" || id == actorID {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range assigneeIDs {
		add(id)
	}
	add(creatorID)
	sort.Strings(out)
	return out
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func changesPayload(changes diff.Changes) map[string]any {
	payload := make(map[string]any, len(changes))
	for field, change := range changes {
		payload[field] = map[string]any{"old": change.Old, "new": change.New}
	}
	return payload
}

func parseDueDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: dueDate must be RFC 3339", ErrInvalidInput)
	}
	return &parsed, nil
}

func formatDueDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func pageMeta(page, size, defaultSize, total int) PageMeta {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultSize
	}
	if size > 100 {
		size = 100
	}
	totalPages := (total + size - 1) / size
	return PageMeta{Page: page, Size: size, Total: total, TotalPages: totalPages}
}
