package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"taskflow/api/internal/auth"
)

// registerMessage is the first frame a client must send after the upgrade.
// The userId must match the authenticated subject.
type registerMessage struct {
	Event  string `json:"event"`
	UserID string `json:"userId"`
}

// wsSession wraps one upgraded socket. The write lock keeps broadcast
// frames from interleaving with handshake replies.
type wsSession struct {
	mu   sync.Mutex
	conn net.Conn
}

func (s *wsSession) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wsutil.WriteServerText(s.conn, payload)
}

func (s *wsSession) Close() error {
	return s.conn.Close()
}

// Handler upgrades HTTP requests to WebSocket connections and keeps them
// in the registry until the peer goes away.
type Handler struct {
	registry *Registry
	secret   []byte
}

func NewHandler(registry *Registry, secret []byte) *Handler {
	return &Handler{registry: registry, secret: secret}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("gateway: upgrade failed: %v", err)
		return
	}

	go h.serve(conn, claims)
}

// Browsers cannot set headers on WebSocket requests, so the token is also
// accepted as a query parameter.
func (h *Handler) authenticate(r *http.Request) (auth.Claims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		token, _ = strings.CutPrefix(header, "Bearer ")
	}
	return auth.ParseToken(h.secret, token)
}

func (h *Handler) serve(conn net.Conn, claims auth.Claims) {
	session := &wsSession{conn: conn}
	registered := false
	defer func() {
		if registered {
			h.registry.unregister(claims.Sub, session)
		}
		conn.Close()
	}()

	for {
		payload, err := wsutil.ReadClientText(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.As(err, new(wsutil.ClosedError)) {
				log.Printf("gateway: read from %s failed: %v", claims.Sub, err)
			}
			return
		}

		var msg registerMessage
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Event != "register" {
			continue
		}
		if msg.UserID != claims.Sub {
			// A client may only subscribe as itself.
			return
		}
		if !registered {
			h.registry.register(claims.Sub, session)
			registered = true
		}
	}
}
