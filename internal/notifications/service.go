// Package notifications persists mutation events as user notifications and
// serves the pull API. Consumption is idempotent: every event carries a
// derived dedup key, and a redelivered event that already produced a row is
// acknowledged without a second insert or a second push.
package notifications

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"

	"taskflow/api/internal/events"
	"taskflow/api/internal/store"
	"taskflow/api/internal/util"
)

var (
	ErrNotFound  = errors.New("notification not found")
	ErrForbidden = errors.New("forbidden")
)

// Store is the persistence boundary. InsertNotification reports whether the
// row was created or an earlier delivery already owns the dedup key.
type Store interface {
	InsertNotification(ctx context.Context, n store.Notification) (store.Notification, bool, error)
	GetNotification(ctx context.Context, notificationID string) (store.Notification, error)
	ListNotifications(ctx context.Context, userID string, page, size int) ([]store.Notification, int, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, notificationID string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	DeleteNotification(ctx context.Context, notificationID string) error
}

// Publisher forwards stored notifications to the delivery stream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

type Service struct {
	store Store
	bus   Publisher
}

func New(dataStore Store, bus Publisher) *Service {
	return &Service{store: dataStore, bus: bus}
}

// HandleMutationEvent is the consumer handler for the task mutation topics.
// A payload that cannot be decoded is poison and is dropped; a storage
// failure leaves the message pending so the broker redelivers it.
func (s *Service) HandleMutationEvent(ctx context.Context, topic string, payload []byte) error {
	var evt events.NotificationEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		log.Printf("notifications: dropping undecodable event on %s: %v", topic, err)
		return events.ErrDrop
	}
	if evt.UserID == "" {
		log.Printf("notifications: dropping event without recipient on %s", topic)
		return events.ErrDrop
	}

	stored, inserted, err := s.store.InsertNotification(ctx, store.Notification{
		ID:        util.NewID("ntf"),
		UserID:    evt.UserID,
		Type:      evt.Type,
		Title:     evt.Title,
		Message:   evt.Message,
		TaskID:    evt.TaskID,
		CommentID: evt.CommentID,
		Metadata:  evt.Metadata,
		DedupKey:  evt.DedupKey(topic),
	})
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	if !inserted {
		// Redelivery of an event we already consumed.
		return nil
	}

	if err := s.bus.Publish(ctx, events.TopicNotificationSend, events.Notification{
		ID:        stored.ID,
		UserID:    stored.UserID,
		Type:      stored.Type,
		Title:     stored.Title,
		Message:   stored.Message,
		TaskID:    stored.TaskID,
		CommentID: stored.CommentID,
		Metadata:  stored.Metadata,
		Read:      stored.Read,
		CreatedAt: stored.CreatedAt,
	}); err != nil {
		// The row is durable; push delivery is best effort.
		log.Printf("notifications: publish %s for %s failed: %v", events.TopicNotificationSend, stored.ID, err)
	}
	return nil
}

// PageMeta mirrors the pagination envelope the HTTP layer returns.
type PageMeta struct {
	Page       int `json:"page"`
	Size       int `json:"size"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type Page struct {
	Data []store.Notification `json:"data"`
	Meta PageMeta             `json:"meta"`
}

func (s *Service) List(ctx context.Context, userID string, page, size int) (Page, error) {
	items, total, err := s.store.ListNotifications(ctx, userID, page, size)
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []store.Notification{}
	}
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	return Page{
		Data: items,
		Meta: PageMeta{
			Page:       page,
			Size:       size,
			Total:      total,
			TotalPages: int(math.Ceil(float64(total) / float64(size))),
		},
	}, nil
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.store.UnreadCount(ctx, userID)
}

// MarkRead flips one notification. Only the recipient may touch it.
func (s *Service) MarkRead(ctx context.Context, notificationID, userID string) (store.Notification, error) {
	n, err := s.owned(ctx, notificationID, userID)
	if err != nil {
		return store.Notification{}, err
	}
	if err := s.store.MarkRead(ctx, notificationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Notification{}, ErrNotFound
		}
		return store.Notification{}, err
	}
	n.Read = true
	return n, nil
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.store.MarkAllRead(ctx, userID)
}

func (s *Service) Delete(ctx context.Context, notificationID, userID string) error {
	if _, err := s.owned(ctx, notificationID, userID); err != nil {
		return err
	}
	if err := s.store.DeleteNotification(ctx, notificationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Service) owned(ctx context.Context, notificationID, userID string) (store.Notification, error) {
	n, err := s.store.GetNotification(ctx, notificationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Notification{}, ErrNotFound
		}
		return store.Notification{}, err
	}
	if n.UserID != userID {
		return store.Notification{}, ErrForbidden
	}
	return n, nil
}
