// Package session tracks client sync sessions. Session ids are bound to the
// device and API key that opened them with an HMAC when a secret is set.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	concordsync "github.com/hyperengineering/concord/internal/sync"
	"github.com/hyperengineering/concord/internal/vclock"
)

// DefaultTTL is how long an idle session lives.
const DefaultTTL = 7 * 24 * time.Hour

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSession  = errors.New("invalid session")
)

const (
	macHexLen = sha256.Size * 2
	uuidLen   = 36
)

// Session is one registered client.
type Session struct {
	ID            string                   `json:"session_id"`
	DeviceID      string                   `json:"device_id"`
	APIKey        string                   `json:"-"`
	LastVector    vclock.VersionVector     `json:"last_vector"`
	LastSequence  uint64                   `json:"last_sequence"`
	FilterQuery   string                   `json:"filter_query,omitempty"`
	Subscriptions []string                 `json:"subscriptions"`
	CreatedAt     time.Time                `json:"created_at"`
	LastActivity  time.Time                `json:"last_activity"`
	IsOnline      bool                     `json:"is_online"`
	Capabilities  concordsync.Capabilities `json:"capabilities"`
}

func (s *Session) clone() Session {
	c := *s
	c.LastVector = s.LastVector.Clone()
	c.Subscriptions = append([]string(nil), s.Subscriptions...)
	return c
}

// Subscribed reports whether the session wants changes for a collection.
// An empty subscription list matches everything. Entries are either a
// collection name or "database/collection".
func (s *Session) Subscribed(database, collection string) bool {
	if len(s.Subscriptions) == 0 {
		return true
	}
	for _, sub := range s.Subscriptions {
		if sub == "*" || sub == collection || sub == database+"/"+collection || sub == database+"/*" {
			return true
		}
	}
	return false
}

// Manager holds active sessions.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	byDevice map[string]map[string]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the idle expiry window.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager. An empty secret issues unsigned ids.
func NewManager(secret string, opts ...Option) *Manager {
	m := &Manager{
		secret:   []byte(secret),
		ttl:      DefaultTTL,
		now:      time.Now,
		sessions: make(map[string]*Session),
		byDevice: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the idle expiry window.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Register opens a session for a device.
func (m *Manager) Register(deviceID, apiKey string, subscriptions []string, filterQuery string) (*Session, error) {
	if deviceID == "" {
		return nil, errors.New("device id is required")
	}

	id := newSessionID(deviceID, apiKey, m.secret)
	now := m.now().UTC()
	s := &Session{
		ID:            id,
		DeviceID:      deviceID,
		APIKey:        apiKey,
		LastVector:    vclock.New(),
		FilterQuery:   filterQuery,
		Subscriptions: append([]string(nil), subscriptions...),
		CreatedAt:     now,
		LastActivity:  now,
		IsOnline:      true,
		Capabilities:  concordsync.ServerCapabilities(),
	}

	m.mu.Lock()
	m.sessions[id] = s
	if m.byDevice[deviceID] == nil {
		m.byDevice[deviceID] = make(map[string]struct{})
	}
	m.byDevice[deviceID][id] = struct{}{}
	m.mu.Unlock()

	c := s.clone()
	return &c, nil
}

func newSessionID(deviceID, apiKey string, secret []byte) string {
	nonce := uuid.NewString()
	if len(secret) == 0 {
		return deviceID + "-" + nonce
	}
	return deviceID + "-" + nonce + "-" + sign(deviceID, nonce, apiKey, secret)
}

func sign(deviceID, nonce, apiKey string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(deviceID))
	mac.Write([]byte(nonce))
	mac.Write([]byte(apiKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// parseSignedID splits device-nonce-mac.
func parseSignedID(id string) (device, nonce, mac string, ok bool) {
	if len(id) < macHexLen+uuidLen+3 {
		return "", "", "", false
	}
	mac = id[len(id)-macHexLen:]
	rest := id[:len(id)-macHexLen]
	if !strings.HasSuffix(rest, "-") {
		return "", "", "", false
	}
	if _, err := hex.DecodeString(mac); err != nil {
		return "", "", "", false
	}
	rest = rest[:len(rest)-1]
	device, nonce, ok = splitNonce(rest)
	return device, nonce, mac, ok
}

// splitNonce splits device-uuid.
func splitNonce(id string) (device, nonce string, ok bool) {
	if len(id) < uuidLen+2 {
		return "", "", false
	}
	nonce = id[len(id)-uuidLen:]
	if _, err := uuid.Parse(nonce); err != nil {
		return "", "", false
	}
	if id[len(id)-uuidLen-1] != '-' {
		return "", "", false
	}
	return id[:len(id)-uuidLen-1], nonce, true
}

// VerifySessionID reports whether id was signed for apiKey under secret.
func VerifySessionID(id, apiKey, secret string) bool {
	device, nonce, mac, ok := parseSignedID(id)
	if !ok {
		return false
	}
	want := sign(device, nonce, apiKey, []byte(secret))
	return hmac.Equal([]byte(mac), []byte(want))
}

// ExtractDeviceID returns the device portion of a session id. Device ids
// may themselves contain dashes.
func ExtractDeviceID(id string) (string, bool) {
	if device, _, _, ok := parseSignedID(id); ok {
		return device, true
	}
	device, _, ok := splitNonce(id)
	return device, ok
}

// Get returns a copy of the session.
func (m *Manager) Get(id string) (Session, error) {
	if len(m.secret) > 0 {
		if _, _, _, ok := parseSignedID(id); !ok {
			return Session{}, ErrInvalidSession
		}
	}

	m.mu.RLock()
	s, ok := m.sessions[id]
	var c Session
	if ok {
		c = s.clone()
	}
	m.mu.RUnlock()

	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if len(m.secret) > 0 && !VerifySessionID(id, c.APIKey, string(m.secret)) {
		return Session{}, ErrInvalidSession
	}
	return c, nil
}

// Update runs fn on the stored session and records activity.
func (m *Manager) Update(id string, fn func(*Session)) (Session, error) {
	if _, err := m.Get(id); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	fn(s)
	s.LastActivity = m.now().UTC()
	return s.clone(), nil
}

// Touch records activity and marks the session online.
func (m *Manager) Touch(id string) error {
	_, err := m.Update(id, func(s *Session) { s.IsOnline = true })
	return err
}

// SessionsForDevice returns copies of every session opened by a device.
func (m *Manager) SessionsForDevice(deviceID string) []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byDevice[deviceID]
	out := make([]Session, 0, len(ids))
	for id := range ids {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s.clone())
		}
	}
	return out
}

// Remove deletes a session.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

func (m *Manager) removeLocked(id string) {
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	if ids := m.byDevice[s.DeviceID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(m.byDevice, s.DeviceID)
		}
	}
}

// ExpireInactive removes sessions idle since before now minus the TTL and
// returns how many were removed.
func (m *Manager) ExpireInactive(now time.Time) int {
	cutoff := now.Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			m.removeLocked(id)
			removed++
		}
	}
	return removed
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// All returns copies of every session.
func (m *Manager) All() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	return out
}
