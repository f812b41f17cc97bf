package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"taskflow/api/internal/events"
	"taskflow/api/internal/store"
)

type fakeConn struct {
	frames [][]byte
	err    error
	closed bool
}

func (f *fakeConn) Send(payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, payload)
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func deliveryPayload(t *testing.T, n events.Notification) []byte {
	t.Helper()
	raw, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	return raw
}

func TestFanOutReachesEveryConnectionOfRecipientOnly(t *testing.T) {
	r := NewRegistry()
	tab1 := &fakeConn{}
	tab2 := &fakeConn{}
	other := &fakeConn{}
	r.register("user-a1", tab1)
	r.register("user-a1", tab2)
	r.register("user-b", other)

	payload := deliveryPayload(t, events.Notification{
		ID:     "ntf-1",
		UserID: "user-a1",
		Type:   store.NotificationNewComment,
		Title:  "New Comment",
	})
	if err := r.HandleNotificationEvent(context.Background(), events.TopicNotificationSend, payload); err != nil {
		t.Fatalf("HandleNotificationEvent failed: %v", err)
	}

	for i, conn := range []*fakeConn{tab1, tab2} {
		if len(conn.frames) != 1 {
			t.Fatalf("connection %d expected 1 frame, got %d", i, len(conn.frames))
		}
		var env Envelope
		if err := json.Unmarshal(conn.frames[0], &env); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if env.Event != EventCommentNew || env.Data.ID != "ntf-1" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	}
	if len(other.frames) != 0 {
		t.Fatalf("other user must receive nothing, got %d frames", len(other.frames))
	}
}

func TestEventNameMapping(t *testing.T) {
	for notificationType, want := range map[string]string{
		store.NotificationTaskAssigned:      EventTaskUpdated,
		store.NotificationTaskStatusChanged: EventTaskUpdated,
		store.NotificationNewComment:        EventCommentNew,
		"SOMETHING_ELSE":                    EventNotification,
	} {
		if got := eventName(notificationType); got != want {
			t.Fatalf("eventName(%s) = %s, want %s", notificationType, got, want)
		}
	}
}

func TestNoConnectionIsNotAnError(t *testing.T) {
	r := NewRegistry()
	payload := deliveryPayload(t, events.Notification{ID: "ntf-1", UserID: "user-offline"})
	if err := r.HandleNotificationEvent(context.Background(), events.TopicNotificationSend, payload); err != nil {
		t.Fatalf("offline recipient must ack cleanly: %v", err)
	}
}

func TestDeadConnectionIsEvicted(t *testing.T) {
	r := NewRegistry()
	dead := &fakeConn{err: errors.New("broken pipe")}
	live := &fakeConn{}
	r.register("user-a1", dead)
	r.register("user-a1", live)

	payload := deliveryPayload(t, events.Notification{ID: "ntf-1", UserID: "user-a1"})
	if err := r.HandleNotificationEvent(context.Background(), events.TopicNotificationSend, payload); err != nil {
		t.Fatalf("HandleNotificationEvent failed: %v", err)
	}

	if !dead.closed {
		t.Fatal("expected dead connection to be closed")
	}
	if len(live.frames) != 1 {
		t.Fatalf("live connection still gets its frame, got %d", len(live.frames))
	}
	if r.ConnectionCount("user-a1") != 1 {
		t.Fatalf("expected 1 remaining connection, got %d", r.ConnectionCount("user-a1"))
	}
}

func TestUnregisterDropsEmptyUserEntry(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}
	r.register("user-a1", conn)
	r.unregister("user-a1", conn)
	if r.ConnectionCount("user-a1") != 0 {
		t.Fatalf("expected 0 connections, got %d", r.ConnectionCount("user-a1"))
	}
}

func TestPoisonPayloadDropped(t *testing.T) {
	r := NewRegistry()
	if err := r.HandleNotificationEvent(context.Background(), events.TopicNotificationSend, []byte("{bad")); !errors.Is(err, events.ErrDrop) {
		t.Fatalf("expected ErrDrop, got %v", err)
	}
	payload := deliveryPayload(t, events.Notification{ID: "ntf-1"})
	if err := r.HandleNotificationEvent(context.Background(), events.TopicNotificationSend, payload); !errors.Is(err, events.ErrDrop) {
		t.Fatalf("expected ErrDrop for missing recipient, got %v", err)
	}
}
