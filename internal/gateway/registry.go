// Package gateway fans stored notifications out to connected WebSocket
// clients. Connections are tracked per user; a user may hold several at
// once (multiple tabs) and every one of them receives each push.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"taskflow/api/internal/events"
	"taskflow/api/internal/store"
)

// Client-facing event names. The payload type decides which one a
// notification is delivered under.
const (
	EventTaskUpdated  = "task:updated"
	EventCommentNew   = "comment:new"
	EventNotification = "notification"
)

// sender is one live client connection. Writes are serialized by the
// session that owns the underlying socket.
type sender interface {
	Send(payload []byte) error
	Close() error
}

// Envelope is the frame written to clients.
type Envelope struct {
	Event string              `json:"event"`
	Data  events.Notification `json:"data"`
}

type Registry struct {
	mu    sync.Mutex
	conns map[string]map[sender]struct{}
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]map[sender]struct{})}
}

func (r *Registry) register(userID string, c sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[userID]
	if !ok {
		set = make(map[sender]struct{})
		r.conns[userID] = set
	}
	set[c] = struct{}{}
}

func (r *Registry) unregister(userID string, c sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[userID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.conns, userID)
	}
}

// ConnectionCount reports the live connections for one user.
func (r *Registry) ConnectionCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[userID])
}

// HandleNotificationEvent is the consumer handler for the delivery stream.
// A user with no open connection is not an error; the notification is
// already durable and waits in the pull API.
func (r *Registry) HandleNotificationEvent(_ context.Context, topic string, payload []byte) error {
	var n events.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		log.Printf("gateway: dropping undecodable payload on %s: %v", topic, err)
		return events.ErrDrop
	}
	if n.UserID == "" {
		return events.ErrDrop
	}

	frame, err := json.Marshal(Envelope{Event: eventName(n.Type), Data: n})
	if err != nil {
		return events.ErrDrop
	}

	for _, c := range r.snapshot(n.UserID) {
		if err := c.Send(frame); err != nil {
			// A dead socket only costs its own delivery.
			log.Printf("gateway: write to %s failed, dropping connection: %v", n.UserID, err)
			r.unregister(n.UserID, c)
			c.Close()
		}
	}
	return nil
}

// snapshot copies the connection set so writes happen outside the lock.
func (r *Registry) snapshot(userID string) []sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.conns[userID]
	out := make([]sender, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func eventName(notificationType string) string {
	switch notificationType {
	case store.NotificationTaskAssigned, store.NotificationTaskStatusChanged:
		return EventTaskUpdated
	case store.NotificationNewComment:
		return EventCommentNew
	default:
		return EventNotification
	}
}
