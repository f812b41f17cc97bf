package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// TaskStore owns tasks, assignee links, comments, task history, and the
// users table. Notifications live in their own store; the two never share
// a query.
type TaskStore struct {
	db *sql.DB
}

func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

func (s *TaskStore) DB() *sql.DB {
	return s.db
}

func (s *TaskStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *TaskStore) EnsureUserByName(ctx context.Context, id, name string) (User, error) {
	const findUser = `SELECT id, display_name, email FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	const insertUser = `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '@local.taskflow.dev'))
		RETURNING id, display_name, email
	`
	if err := s.db.QueryRowContext(ctx, insertUser, id, name).Scan(&user.ID, &user.DisplayName, &user.Email); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *TaskStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, email FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *TaskStore) InsertTask(ctx context.Context, task Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert task: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, due_date, priority, status, creator_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, task.ID, task.Title, task.Description, task.DueDate, task.Priority, task.Status, task.CreatorID); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	for _, userID := range task.AssigneeIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_assignees (task_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (task_id, user_id) DO NOTHING
		`, task.ID, userID); err != nil {
			return fmt.Errorf("insert assignee: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert task: %w", err)
	}
	return nil
}

func (s *TaskStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, due_date, priority, status, creator_id, created_at, updated_at
		FROM tasks
		WHERE id=$1
	`, taskID).Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.DueDate,
		&task.Priority,
		&task.Status,
		&task.CreatorID,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}

	task.AssigneeIDs, err = s.listAssignees(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *TaskStore) listAssignees(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM task_assignees WHERE task_id=$1 ORDER BY user_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list assignees: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan assignee: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignees: %w", err)
	}
	return ids, nil
}

func (s *TaskStore) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, int, error) {
	const conditions = `
		($1 = '' OR t.creator_id = $1 OR EXISTS (
			SELECT 1 FROM task_assignees a WHERE a.task_id = t.id AND a.user_id = $1))
		AND ($2 = '' OR t.status = $2)
		AND ($3 = '' OR t.priority = $3)
		AND ($4 = '' OR EXISTS (
			SELECT 1 FROM task_assignees a WHERE a.task_id = t.id AND a.user_id = $4))
		AND ($5 = '' OR t.title ILIKE '%' || $5 || '%' OR t.description ILIKE '%' || $5 || '%')
	`

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks t WHERE `+conditions,
		filter.UserID, filter.Status, filter.Priority, filter.AssigneeID, filter.Search,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	page, size := normalizePage(filter.Page, filter.Size, 10)
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.title, t.description, t.due_date, t.priority, t.status, t.creator_id, t.created_at, t.updated_at
		FROM tasks t
		WHERE `+conditions+`
		ORDER BY t.created_at DESC
		LIMIT $6 OFFSET $7
	`, filter.UserID, filter.Status, filter.Priority, filter.AssigneeID, filter.Search, size, (page-1)*size)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]Task, 0)
	for rows.Next() {
		var task Task
		if err := rows.Scan(
			&task.ID,
			&task.Title,
			&task.Description,
			&task.DueDate,
			&task.Priority,
			&task.Status,
			&task.CreatorID,
			&task.CreatedAt,
			&task.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	for i := range tasks {
		assignees, err := s.listAssignees(ctx, tasks[i].ID)
		if err != nil {
			return nil, 0, err
		}
		tasks[i].AssigneeIDs = assignees
	}
	return tasks, total, nil
}

func (s *TaskStore) UpdateTask(ctx context.Context, task Task) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET title=$2, description=$3, due_date=$4, priority=$5, status=$6, updated_at=NOW()
		WHERE id=$1
	`, task.ID, task.Title, task.Description, task.DueDate, task.Priority, task.Status)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// ReplaceAssignees swaps the full assignee set for a task: delete-all then
// re-insert, in one transaction.
func (s *TaskStore) ReplaceAssignees(ctx context.Context, taskID string, userIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace assignees: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_assignees WHERE task_id=$1`, taskID); err != nil {
		return fmt.Errorf("clear assignees: %w", err)
	}
	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_assignees (task_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (task_id, user_id) DO NOTHING
		`, taskID, userID); err != nil {
			return fmt.Errorf("insert assignee: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace assignees: %w", err)
	}
	return nil
}

// DeleteTask removes the task row; comments, history, and assignee links
// go with it via ON DELETE CASCADE.
func (s *TaskStore) DeleteTask(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *TaskStore) InsertComment(ctx context.Context, comment Comment) (Comment, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (id, task_id, author_id, content)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, comment.ID, comment.TaskID, comment.AuthorID, comment.Content).
		Scan(&comment.CreatedAt, &comment.UpdatedAt)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return comment, nil
}

func (s *TaskStore) ListComments(ctx context.Context, taskID string, page, size int) ([]Comment, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments WHERE task_id=$1`, taskID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count comments: %w", err)
	}

	page, size = normalizePage(page, size, 10)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author_id, content, created_at, updated_at
		FROM comments
		WHERE task_id=$1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, taskID, size, (page-1)*size)
	if err != nil {
		return nil, 0, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	comments := make([]Comment, 0)
	for rows.Next() {
		var comment Comment
		if err := rows.Scan(&comment.ID, &comment.TaskID, &comment.AuthorID, &comment.Content, &comment.CreatedAt, &comment.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate comments: %w", err)
	}
	return comments, total, nil
}

// InsertHistory appends one audit entry. History rows are write-once: no
// update or reorder path exists anywhere in this store.
func (s *TaskStore) InsertHistory(ctx context.Context, entry TaskHistoryEntry) error {
	changes, err := json.Marshal(entry.Changes)
	if err != nil {
		return fmt.Errorf("marshal history changes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (id, task_id, user_id, action, changes)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, entry.TaskID, entry.UserID, entry.Action, changes); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (s *TaskStore) ListHistory(ctx context.Context, taskID string) ([]TaskHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, user_id, action, changes, created_at
		FROM task_history
		WHERE task_id=$1
		ORDER BY created_at DESC, id DESC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := make([]TaskHistoryEntry, 0)
	for rows.Next() {
		var entry TaskHistoryEntry
		var changes []byte
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.UserID, &entry.Action, &changes, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &entry.Changes); err != nil {
				return nil, fmt.Errorf("unmarshal history changes: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

func normalizePage(page, size, defaultSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultSize
	}
	if size > 100 {
		size = 100
	}
	return page, size
}
