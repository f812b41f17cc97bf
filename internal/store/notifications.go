package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// NotificationStore owns the notifications table. It is deliberately blind
// to tasks and comments: the ids it stores are opaque references into
// another service's state.
type NotificationStore struct {
	db *sql.DB
}

func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

func (s *NotificationStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertNotification persists a notification keyed by its dedup key.
// Returns inserted=false without error when a row with the same dedup key
// already exists, which is how redelivered broker messages collapse into a
// single persisted notification.
func (s *NotificationStore) InsertNotification(ctx context.Context, n Notification) (Notification, bool, error) {
	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return Notification{}, false, fmt.Errorf("marshal notification metadata: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, task_id, comment_id, metadata, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING created_at
	`, n.ID, n.UserID, n.Type, n.Title, n.Message, n.TaskID, n.CommentID, metadata, n.DedupKey).
		Scan(&n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, false, nil
	}
	if err != nil {
		return Notification{}, false, fmt.Errorf("insert notification: %w", err)
	}
	n.Read = false
	return n, true, nil
}

func (s *NotificationStore) GetNotification(ctx context.Context, notificationID string) (Notification, error) {
	var n Notification
	var metadata []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, title, message, task_id, comment_id, metadata, read, created_at
		FROM notifications
		WHERE id=$1
	`, notificationID).Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.TaskID, &n.CommentID, &metadata, &n.Read, &n.CreatedAt)
	if err != nil {
		return Notification{}, err
	}
	if err := unmarshalMetadata(metadata, &n); err != nil {
		return Notification{}, err
	}
	return n, nil
}

func (s *NotificationStore) ListNotifications(ctx context.Context, userID string, page, size int) ([]Notification, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id=$1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	page, size = normalizePage(page, size, 20)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, title, message, task_id, comment_id, metadata, read, created_at
		FROM notifications
		WHERE user_id=$1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, size, (page-1)*size)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		var metadata []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.TaskID, &n.CommentID, &metadata, &n.Read, &n.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan notification: %w", err)
		}
		if err := unmarshalMetadata(metadata, &n); err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, total, nil
}

func (s *NotificationStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id=$1 AND read=FALSE`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

func (s *NotificationStore) MarkRead(ctx context.Context, notificationID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE notifications SET read=TRUE WHERE id=$1`, notificationID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark read result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *NotificationStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE notifications SET read=TRUE WHERE user_id=$1 AND read=FALSE`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark all read result: %w", err)
	}
	return affected, nil
}

func (s *NotificationStore) DeleteNotification(ctx context.Context, notificationID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id=$1`, notificationID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete notification result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func unmarshalMetadata(raw []byte, n *Notification) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &n.Metadata); err != nil {
		return fmt.Errorf("unmarshal notification metadata: %w", err)
	}
	return nil
}
