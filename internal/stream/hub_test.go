package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hyperengineering/concord/internal/session"
	concordsync "github.com/hyperengineering/concord/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(seq uint64, node, coll, key, data string) concordsync.LogEntry {
	return concordsync.LogEntry{
		Sequence:       seq,
		NodeID:         node,
		OriginNode:     node,
		OriginSequence: seq,
		Database:       "app",
		Collection:     coll,
		Operation:      concordsync.OpInsert,
		Key:            key,
		Data:           json.RawMessage(data),
	}
}

func TestPublish_RoutesBySubscription(t *testing.T) {
	m := session.NewManager("")
	hub := NewHub(m, Config{BufferSize: 4})

	users, err := m.Register("phone", "", []string{"users"}, "")
	require.NoError(t, err)
	all, err := m.Register("tablet", "", nil, "")
	require.NoError(t, err)

	subUsers := hub.Subscribe(*users)
	subAll := hub.Subscribe(*all)
	assert.Equal(t, 2, hub.Count())

	hub.Publish([]concordsync.LogEntry{
		entry(1, "server", "users", "u1", `{}`),
		entry(2, "server", "orders", "o1", `{}`),
		entry(3, "tablet", "users", "u2", `{}`),
	})

	assert.Len(t, subUsers.C(), 2)
	assert.Len(t, subAll.C(), 3)

	c := <-subUsers.C()
	assert.Equal(t, "u1", c.DocumentKey)
	assert.Equal(t, uint64(1), c.Vector.Get("server"))

	hub.Unsubscribe(subUsers.ID)
	hub.Unsubscribe(subUsers.ID)
	assert.Equal(t, 1, hub.Count())
}

func TestPublish_FullBufferDrops(t *testing.T) {
	m := session.NewManager("")
	hub := NewHub(m, Config{BufferSize: 1})
	s, err := m.Register("phone", "", nil, "")
	require.NoError(t, err)
	sub := hub.Subscribe(*s)

	hub.Publish([]concordsync.LogEntry{
		entry(1, "server", "users", "u1", `{}`),
		entry(2, "server", "users", "u2", `{}`),
	})
	assert.Len(t, sub.C(), 1)
	assert.Equal(t, uint64(1), sub.dropped.Load())
}

func TestHandler_StreamsChanges(t *testing.T) {
	m := session.NewManager("secret")
	hub := NewHub(m, Config{})
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	s, err := m.Register("phone", "key", nil, `doc.keep == true`)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?session_id=" + s.ID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish([]concordsync.LogEntry{
		entry(1, "server", "notes", "skip", `{"keep":false}`),
		entry(2, "server", "notes", "n1", `{"keep":true}`),
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, TypeChange, msg.Type)
	require.NotNil(t, msg.Change)
	assert.Equal(t, "n1", msg.Change.DocumentKey)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_RejectsUnknownSession(t *testing.T) {
	m := session.NewManager("")
	hub := NewHub(m, Config{})
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?session_id=phone-00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	secured := NewHub(session.NewManager("secret"), Config{})
	srv2 := httptest.NewServer(secured.Handler())
	defer srv2.Close()

	resp2, err := http.Get(srv2.URL + "?session_id=forged")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestClose_DisconnectsSubscribers(t *testing.T) {
	m := session.NewManager("")
	hub := NewHub(m, Config{})
	s, _ := m.Register("phone", "", nil, "")
	sub := hub.Subscribe(*s)

	hub.Close()
	assert.Zero(t, hub.Count())
	select {
	case <-sub.done:
	default:
		t.Fatal("subscriber not closed")
	}
}
