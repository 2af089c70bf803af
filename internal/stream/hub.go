// Package stream pushes newly sequenced changes to connected sync clients
// over websockets. Delivery is best effort: a client whose buffer is full
// misses changes and recovers them with its next pull.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hyperengineering/concord/internal/session"
	concordsync "github.com/hyperengineering/concord/internal/sync"
	"github.com/hyperengineering/concord/internal/syncsvc"
)

// Message types.
const (
	TypeChange = "change"
	TypeError  = "error"
)

// Config configures the hub.
type Config struct {
	BufferSize   int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the default hub configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:   256,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Message is the JSON frame sent to clients.
type Message struct {
	Type   string                  `json:"type"`
	Change *concordsync.SyncChange `json:"change,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

// Subscriber is one connected session.
type Subscriber struct {
	ID      string
	session session.Session
	ch      chan concordsync.SyncChange
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// C returns the subscriber's change channel.
func (s *Subscriber) C() <-chan concordsync.SyncChange { return s.ch }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub fans published log entries out to subscribers.
type Hub struct {
	sessions *session.Manager
	cfg      Config
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	nextID uint64
}

// NewHub creates a hub that authenticates connections against sessions.
func NewHub(sessions *session.Manager, cfg Config) *Hub {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Hub{
		sessions: sessions,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: make(map[string]*Subscriber),
	}
}

// Subscribe registers a session for live changes.
func (h *Hub) Subscribe(sess session.Session) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscriber{
		ID:      fmt.Sprintf("sub-%d", h.nextID),
		session: sess,
		ch:      make(chan concordsync.SyncChange, h.cfg.BufferSize),
		done:    make(chan struct{}),
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Publish implements replication.Publisher.
func (h *Hub) Publish(entries []concordsync.LogEntry) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, e := range entries {
		for _, sub := range h.subs {
			if !syncsvc.Visible(&sub.session, e) {
				continue
			}
			select {
			case sub.ch <- syncsvc.ToChange(e):
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Handler upgrades GET ?session_id= requests to a change stream.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := h.sessions.Get(r.URL.Query().Get("session_id"))
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, session.ErrSessionNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}

		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed",
				"component", "stream",
				"action", "upgrade",
				"error", err,
			)
			return
		}
		defer func() { _ = conn.Close() }()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sub := h.Subscribe(sess)
		defer h.Unsubscribe(sub.ID)

		slog.Info("stream connected",
			"component", "stream",
			"action", "connect",
			"device_id", sess.DeviceID,
			"subscriber", sub.ID,
		)

		// Clients only send control frames; reading detects disconnects.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		h.forward(ctx, conn, sub)

		slog.Info("stream disconnected",
			"component", "stream",
			"action", "disconnect",
			"device_id", sess.DeviceID,
			"subscriber", sub.ID,
		)
	}
}

func (h *Hub) forward(ctx context.Context, conn *websocket.Conn, sub *Subscriber) {
	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()

	var reported uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-ping.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case c := <-sub.ch:
			if n := sub.dropped.Load(); n > reported {
				reported = n
				msg := Message{Type: TypeError, Error: fmt.Sprintf("%d changes dropped, pull to resync", n)}
				if err := h.write(conn, msg); err != nil {
					return
				}
			}
			if err := h.write(conn, Message{Type: TypeChange, Change: &c}); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
