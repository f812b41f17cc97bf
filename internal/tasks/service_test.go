package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"

	"taskflow/api/internal/events"
	"taskflow/api/internal/identity"
	"taskflow/api/internal/search"
	"taskflow/api/internal/store"
)

type fakeStore struct {
	getTaskFn          func(context.Context, string) (store.Task, error)
	insertTaskFn       func(context.Context, store.Task) error
	listTasksFn        func(context.Context, store.TaskFilter) ([]store.Task, int, error)
	updateTaskFn       func(context.Context, store.Task) error
	replaceAssigneesFn func(context.Context, string, []string) error
	deleteTaskFn       func(context.Context, string) error
	insertCommentFn    func(context.Context, store.Comment) (store.Comment, error)
	listCommentsFn     func(context.Context, string, int, int) ([]store.Comment, int, error)
	insertHistoryFn    func(context.Context, store.TaskHistoryEntry) error
	listHistoryFn      func(context.Context, string) ([]store.TaskHistoryEntry, error)

	history []store.TaskHistoryEntry
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (store.Task, error) {
	if f.getTaskFn != nil {
		return f.getTaskFn(ctx, id)
	}
	return store.Task{}, sql.ErrNoRows
}

func (f *fakeStore) InsertTask(ctx context.Context, task store.Task) error {
	if f.insertTaskFn != nil {
		return f.insertTaskFn(ctx, task)
	}
	return nil
}

func (f *fakeStore) ListTasks(ctx context.Context, filter store.TaskFilter) ([]store.Task, int, error) {
	if f.listTasksFn != nil {
		return f.listTasksFn(ctx, filter)
	}
	return nil, 0, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, task store.Task) error {
	if f.updateTaskFn != nil {
		return f.updateTaskFn(ctx, task)
	}
	return nil
}

func (f *fakeStore) ReplaceAssignees(ctx context.Context, taskID string, userIDs []string) error {
	if f.replaceAssigneesFn != nil {
		return f.replaceAssigneesFn(ctx, taskID, userIDs)
	}
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, taskID string) error {
	if f.deleteTaskFn != nil {
		return f.deleteTaskFn(ctx, taskID)
	}
	return nil
}

func (f *fakeStore) InsertComment(ctx context.Context, comment store.Comment) (store.Comment, error) {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, comment)
	}
	return comment, nil
}

func (f *fakeStore) ListComments(ctx context.Context, taskID string, page, size int) ([]store.Comment, int, error) {
	if f.listCommentsFn != nil {
		return f.listCommentsFn(ctx, taskID, page, size)
	}
	return nil, 0, nil
}

func (f *fakeStore) InsertHistory(ctx context.Context, entry store.TaskHistoryEntry) error {
	f.history = append(f.history, entry)
	if f.insertHistoryFn != nil {
		return f.insertHistoryFn(ctx, entry)
	}
	return nil
}

func (f *fakeStore) ListHistory(ctx context.Context, taskID string) ([]store.TaskHistoryEntry, error) {
	if f.listHistoryFn != nil {
		return f.listHistoryFn(ctx, taskID)
	}
	return nil, nil
}

type publishedEvent struct {
	topic string
	event events.NotificationEvent
}

type fakeBus struct {
	published []publishedEvent
	err       error
}

func (f *fakeBus) Publish(_ context.Context, topic string, payload any) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedEvent{topic: topic, event: payload.(events.NotificationEvent)})
	return nil
}

type fakeResolver struct {
	resolveFn func(context.Context, string) (identity.Identity, bool, error)
}

func (f *fakeResolver) Resolve(ctx context.Context, userID string) (identity.Identity, bool, error) {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, userID)
	}
	return identity.Identity{ID: userID, DisplayName: "User " + userID, Email: userID + "@example.com"}, true, nil
}

func (f *fakeResolver) ResolveMany(ctx context.Context, userIDs []string) ([]identity.Identity, error) {
	out := make([]identity.Identity, 0, len(userIDs))
	for _, id := range userIDs {
		ident, ok, err := f.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ident)
		}
	}
	return out, nil
}

type fakeIndex struct {
	indexed []search.TaskRecord
	removed []string
}

func (f *fakeIndex) IndexTask(record search.TaskRecord) { f.indexed = append(f.indexed, record) }
func (f *fakeIndex) RemoveTask(taskID string)           { f.removed = append(f.removed, taskID) }

func baseTask() store.Task {
	return store.Task{
		ID:          "task-1",
		Title:       "Ship release",
		Description: "Cut and tag",
		Priority:    store.PriorityHigh,
		Status:      store.StatusTodo,
		CreatorID:   "user-creator",
		AssigneeIDs: []string{"user-a1", "user-a2"},
		CreatedAt:   time.Now().Add(-time.Hour),
		UpdatedAt:   time.Now().Add(-time.Hour),
	}
}

func newTestService(fs *fakeStore, bus *fakeBus) *Service {
	return New(fs, bus, &fakeResolver{}, &fakeIndex{})
}

func staticTaskStore(task store.Task) *fakeStore {
	return &fakeStore{
		getTaskFn: func(_ context.Context, id string) (store.Task, error) {
			if id != task.ID {
				return store.Task{}, sql.ErrNoRows
			}
			return task, nil
		},
	}
}

func strPtr(s string) *string { return &s }

func TestUpdateTaskOnlyCreatorMayUpdate(t *testing.T) {
	task := baseTask()
	bus := &fakeBus{}
	svc := newTestService(staticTaskStore(task), bus)

	_, err := svc.UpdateTask(context.Background(), task.ID, UpdateTaskInput{Title: strPtr("New")}, "user-a1")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for assignee update, got %v", err)
	}

	_, err = svc.UpdateTask(context.Background(), task.ID, UpdateTaskInput{Title: strPtr("New")}, "user-x")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for stranger update, got %v", err)
	}

	if len(bus.published) != 0 {
		t.Fatalf("no events expected on denied updates, got %d", len(bus.published))
	}
}

func TestUpdateTaskNotFound(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeBus{})
	_, err := svc.UpdateTask(context.Background(), "missing", UpdateTaskInput{Title: strPtr("X")}, "user-creator")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateTaskDiffRecordsSingleChange(t *testing.T) {
	task := baseTask()
	task.Title = "Y"
	fs := staticTaskStore(task)
	bus := &fakeBus{}
	svc := newTestService(fs, bus)

	_, err := svc.UpdateTask(context.Background(), task.ID, UpdateTaskInput{Title: strPtr("X")}, task.CreatorID)
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	if len(fs.history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(fs.history))
	}
	entry := fs.history[0]
	if entry.Action != store.ActionUpdated {
		t.Fatalf("expected UPDATED action, got %s", entry.Action)
	}
	if len(entry.Changes) != 1 {
		t.Fatalf("expected exactly one changed field, got %+v", entry.Changes)
	}
	change, ok := entry.Changes["title"].(map[string]any)
	if !ok {
		t.Fatalf("expected title change, got %+v", entry.Changes)
	}
	if change["old"] != "Y" || change["new"] != "X" {
		t.Fatalf("unexpected title change: %+v", change)
	}
}

func TestUpdatePatchJSONNullClearsClearableFields(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	task := baseTask()
	task.DueDate = &due
	fs := staticTaskStore(task)
	var saved store.Task
	fs.updateTaskFn = func(_ context.Context, updated store.Task) error {
		saved = updated
		return nil
	}
	svc := newTestService(fs, &fakeBus{})

	var patch UpdateTaskInput
	if err := json.Unmarshal([]byte(`{"dueDate": null}`), &patch); err != nil {
		t.Fatalf("unmarshal patch: %v", err)
	}
	if _, err := svc.UpdateTask(context.Background(), task.ID, patch, task.CreatorID); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if saved.DueDate != nil {
		t.Fatalf("expected cleared due date, got %v", saved.DueDate)
	}
	if len(fs.history) != 1 {
		t.Fatalf("expected one history entry, got %d", len(fs.history))
	}

	// Fields that cannot be cleared treat null as absent.
	patch = UpdateTaskInput{}
	if err := json.Unmarshal([]byte(`{"title": null, "status": null}`), &patch); err != nil {
		t.Fatalf("unmarshal patch: %v", err)
	}
	if patch.Title != nil || patch.Status != nil {
		t.Fatalf("null title/status should decode as absent: %+v", patch)
	}

	// Absent fields stay absent.
	patch = UpdateTaskInput{}
	if err := json.Unmarshal([]byte(`{"title": "X"}`), &patch); err != nil {
		t.Fatalf("unmarshal patch: %v", err)
	}
	if patch.DueDate != nil || patch.Description != nil || patch.AssigneeIDs != nil {
		t.Fatalf("unexpected decoded fields: %+v", patch)
	}
}

func TestUpdateTaskNoOpSuppressesHistoryAndEvents(t *testing.T) {
	task := baseTask()
	fs := staticTaskStore(task)
	updated := false
	fs.updateTaskFn = func(context.Context, store.Task) error {
		updated = true
		return nil
	}
	bus := &fakeBus{}
	svc := newTestService(fs, bus)

	// Resubmit every field with its current value, assignees included but
	// reordered.
	_, err := svc.UpdateTask(context.Background(), task.ID, UpdateTaskInput{
		Title:       strPtr(task.Title),
		Description: strPtr(task.Description),
		Priority:    strPtr(task.Priority),
		Status:      strPtr(task.Status),
		AssigneeIDs: &[]string{"user-a2", "user-a1"},
	}, task.CreatorID)
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	if len(fs.history) != 0 {
		t.Fatalf("no-op update must append no history, got %+v", fs.history)
	}
	if len(bus.published) != 0 {
		t.Fatalf("no-op update must publish no events, got %d", len(bus.published))
	}
	if !updated {
		t.Fatal("the patch itself is still persisted on a no-op update")
	}
}

func TestUpdateTaskNotifiesEveryoneButActor(t *testing.T) {
	task := baseTask()
	bus := &fakeBus{}
	svc := newTestService(staticTaskStore(task), bus)

	_, err := svc.UpdateTask(context.Background(), task.ID, UpdateTaskInput{Status: strPtr(store.StatusDone)}, task.CreatorID)
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	got := make([]string, 0, len(bus.published))
	for _, p := range bus.published {
		if p.topic != events.TopicTaskUpdated {
			t.Fatalf("expected topic %s, got %s", events.TopicTaskUpdated, p.topic)
		}
		if p.event.Type != store.NotificationTaskStatusChanged {
			t.Fatalf("expected type %s, got %s", store.NotificationTaskStatusChanged, p.event.Type)
		}
		got = append(got, p.event.UserID)
	}
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"user-a1", "user-a2"}) {
		t.Fatalf("expected recipients [user-a1 user-a2], got %v", got)
	}
}

func TestUpdateTaskAllowsArbitraryStatusTransitions(t *testing.T) {
	// There is no validated transition graph: DONE can go straight back
	// to TODO, REVIEW can skip to IN_PROGRESS, anything goes.
	for _, transition := range [][2]string{
		{store.StatusDone, store.StatusTodo},
		{store.StatusTodo, store.StatusDone},
		{store.StatusReview, store.StatusInProgress},
	} {
		task := baseTask()
		task.Status = transition[0]
		svc := newTestService(staticTaskStore(task), &fakeBus{})

		view, err := svc.UpdateTask(context.Background(), task.ID, UpdateTaskInput{Status: strPtr(transition[1])}, task.CreatorID)
		if err != nil {
			t.Fatalf("transition %s -> %s failed: %v", transition[0], transition[1], err)
		}
		_ = view
	}
}

func TestUpdateTaskReplacesAssigneeSet(t *testing.T) {
	task := baseTask()
	fs := staticTaskStore(task)
	var replaced []string
	fs.replaceAssigneesFn = func(_ context.Context, _ string, userIDs []string) error {
		replaced = userIDs
		return nil
	}
	bus := &fakeBus{}
	svc := newTestService(fs, bus)

	_, err := svc.UpdateTask(context.Background(), task.ID, UpdateTaskInput{
		AssigneeIDs: &[]string{"user-a1", "user-a3", "user-a3"},
	}, task.CreatorID)
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	if !reflect.DeepEqual(replaced, []string{"user-a1", "user-a3"}) {
		t.Fatalf("expected deduplicated replacement set, got %v", replaced)
	}
	if len(fs.history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(fs.history))
	}
	if _, ok := fs.history[0].Changes["assignees"]; !ok {
		t.Fatalf("expected assignees change entry, got %+v", fs.history[0].Changes)
	}

	// Recipients come from the new assignee set plus the creator, and the
	// acting creator is excluded.
	got := make([]string, 0, len(bus.published))
	for _, p := range bus.published {
		got = append(got, p.event.UserID)
	}
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"user-a1", "user-a3"}) {
		t.Fatalf("expected recipients [user-a1 user-a3], got %v", got)
	}
}

func TestUpdateTaskSurvivesPublishFailure(t *testing.T) {
	task := baseTask()
	bus := &fakeBus{err: errors.New("broker down")}
	svc := newTestService(staticTaskStore(task), bus)

	view, err := svc.UpdateTask(context.Background(), task.ID, UpdateTaskInput{Status: strPtr(store.StatusDone)}, task.CreatorID)
	if err != nil {
		t.Fatalf("publish failure must not fail the mutation: %v", err)
	}
	if view.ID != task.ID {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestCreateTaskNotifiesAssigneesExceptCreator(t *testing.T) {
	created := make(map[string]store.Task)
	fs := &fakeStore{
		insertTaskFn: func(_ context.Context, task store.Task) error {
			created[task.ID] = task
			return nil
		},
	}
	fs.getTaskFn = func(_ context.Context, id string) (store.Task, error) {
		task, ok := created[id]
		if !ok {
			return store.Task{}, sql.ErrNoRows
		}
		return task, nil
	}
	bus := &fakeBus{}
	svc := newTestService(fs, bus)

	view, err := svc.CreateTask(context.Background(), CreateTaskInput{
		Title:       "Ship release",
		AssigneeIDs: []string{"user-a1", "user-creator", "user-a2"},
	}, "user-creator")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if view.Status != store.StatusTodo || view.Priority != store.PriorityMedium {
		t.Fatalf("expected defaults applied, got %+v", view)
	}

	if len(fs.history) != 1 || fs.history[0].Action != store.ActionCreated {
		t.Fatalf("expected one CREATED history entry, got %+v", fs.history)
	}

	got := make([]string, 0, len(bus.published))
	for _, p := range bus.published {
		if p.topic != events.TopicTaskCreated {
			t.Fatalf("expected topic %s, got %s", events.TopicTaskCreated, p.topic)
		}
		got = append(got, p.event.UserID)
	}
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"user-a1", "user-a2"}) {
		t.Fatalf("creator must not be notified of their own create, got %v", got)
	}
}

func TestCreateTaskRequiresTitle(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeBus{})
	_, err := svc.CreateTask(context.Background(), CreateTaskInput{Title: "  "}, "user-creator")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDeleteTaskCreatorOnlyAndSilent(t *testing.T) {
	task := baseTask()
	fs := staticTaskStore(task)
	deleted := false
	fs.deleteTaskFn = func(context.Context, string) error {
		deleted = true
		return nil
	}
	bus := &fakeBus{}
	svc := newTestService(fs, bus)

	if err := svc.DeleteTask(context.Background(), task.ID, "user-a1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for assignee delete, got %v", err)
	}
	if deleted {
		t.Fatal("store delete must not run on denied request")
	}

	if err := svc.DeleteTask(context.Background(), task.ID, task.CreatorID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if !deleted {
		t.Fatal("expected store delete to run")
	}
	// Deletion is not propagated cross-service.
	if len(bus.published) != 0 {
		t.Fatalf("delete must publish no events, got %d", len(bus.published))
	}
}

func TestCreateCommentPolicyAndFanout(t *testing.T) {
	task := baseTask()
	fs := staticTaskStore(task)
	bus := &fakeBus{}
	svc := newTestService(fs, bus)

	if _, err := svc.CreateComment(context.Background(), task.ID, "hi", "user-x"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-participant comment, got %v", err)
	}

	comment, err := svc.CreateComment(context.Background(), task.ID, "On it", "user-a1")
	if err != nil {
		t.Fatalf("CreateComment failed: %v", err)
	}
	if comment.Content != "On it" || comment.Author.ID != "user-a1" {
		t.Fatalf("unexpected comment view: %+v", comment)
	}

	if len(fs.history) != 1 || fs.history[0].Action != store.ActionCommentAdded {
		t.Fatalf("expected COMMENT_ADDED history, got %+v", fs.history)
	}

	got := make([]string, 0, len(bus.published))
	for _, p := range bus.published {
		if p.topic != events.TopicCommentCreated {
			t.Fatalf("expected topic %s, got %s", events.TopicCommentCreated, p.topic)
		}
		if p.event.Type != store.NotificationNewComment {
			t.Fatalf("expected NEW_COMMENT, got %s", p.event.Type)
		}
		got = append(got, p.event.UserID)
	}
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"user-a2", "user-creator"}) {
		t.Fatalf("expected recipients [user-a2 user-creator], got %v", got)
	}
}

func TestHistoryResolvesActorsNewestFirst(t *testing.T) {
	task := baseTask()
	fs := staticTaskStore(task)
	now := time.Now()
	fs.listHistoryFn = func(context.Context, string) ([]store.TaskHistoryEntry, error) {
		return []store.TaskHistoryEntry{
			{ID: "his-2", TaskID: task.ID, UserID: "user-a1", Action: store.ActionUpdated, CreatedAt: now},
			{ID: "his-1", TaskID: task.ID, UserID: "user-gone", Action: store.ActionCreated, CreatedAt: now.Add(-time.Minute)},
		}, nil
	}
	svc := New(fs, &fakeBus{}, &fakeResolver{
		resolveFn: func(_ context.Context, userID string) (identity.Identity, bool, error) {
			if userID == "user-gone" {
				return identity.Identity{}, false, nil
			}
			return identity.Identity{ID: userID, DisplayName: "User " + userID}, true, nil
		},
	}, &fakeIndex{})

	views, err := svc.History(context.Background(), task.ID, "user-a2")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(views))
	}
	if views[0].ID != "his-2" {
		t.Fatalf("expected newest entry first, got %s", views[0].ID)
	}
	if views[1].User.DisplayName != "Unknown" {
		t.Fatalf("expected Unknown placeholder for missing user, got %+v", views[1].User)
	}
}

func TestHistoryDeniedForOutsider(t *testing.T) {
	task := baseTask()
	svc := newTestService(staticTaskStore(task), &fakeBus{})
	if _, err := svc.History(context.Background(), task.ID, "user-x"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestGetTaskResolverFailureDegradesToUnknown(t *testing.T) {
	task := baseTask()
	svc := New(staticTaskStore(task), &fakeBus{}, &fakeResolver{
		resolveFn: func(context.Context, string) (identity.Identity, bool, error) {
			return identity.Identity{}, false, errors.New("resolver down")
		},
	}, &fakeIndex{})

	view, err := svc.GetTask(context.Background(), task.ID, task.CreatorID)
	if err != nil {
		t.Fatalf("resolver failure must not fail the read: %v", err)
	}
	for _, assignee := range view.Assignees {
		if assignee.DisplayName != "Unknown" {
			t.Fatalf("expected Unknown placeholder, got %+v", assignee)
		}
	}
}
