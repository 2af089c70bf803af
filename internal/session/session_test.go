package session

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_SignedIDRoundTrip(t *testing.T) {
	m := NewManager("s3cret")

	s, err := m.Register("phone", "key-1", []string{"users"}, "")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(s.ID, "phone-"))
	assert.True(t, VerifySessionID(s.ID, "key-1", "s3cret"))
	assert.False(t, VerifySessionID(s.ID, "key-2", "s3cret"), "different api key")
	assert.False(t, VerifySessionID(s.ID, "key-1", "other"), "different secret")

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "phone", got.DeviceID)
	assert.Equal(t, []string{"users"}, got.Subscriptions)
	assert.True(t, got.IsOnline)
}

func TestVerifySessionID_DetectsTampering(t *testing.T) {
	m := NewManager("s3cret")
	s, err := m.Register("phone", "key-1", nil, "")
	require.NoError(t, err)

	// Flip the last hex digit of the MAC.
	last := s.ID[len(s.ID)-1]
	flipped := byte('0')
	if last == '0' {
		flipped = '1'
	}
	tampered := s.ID[:len(s.ID)-1] + string(flipped)
	assert.False(t, VerifySessionID(tampered, "key-1", "s3cret"))

	// Swap the device portion.
	forged := "tablet" + strings.TrimPrefix(s.ID, "phone")
	assert.False(t, VerifySessionID(forged, "key-1", "s3cret"))

	assert.False(t, VerifySessionID("garbage", "key-1", "s3cret"))
}

func TestGet_Errors(t *testing.T) {
	m := NewManager("s3cret")

	_, err := m.Get("not-a-session")
	assert.ErrorIs(t, err, ErrInvalidSession)

	other := NewManager("s3cret")
	s, err := other.Register("phone", "key-1", nil, "")
	require.NoError(t, err)

	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExtractDeviceID_DeviceWithDashes(t *testing.T) {
	for _, secret := range []string{"", "s3cret"} {
		m := NewManager(secret)
		s, err := m.Register("my-old-laptop", "k", nil, "")
		require.NoError(t, err)

		device, ok := ExtractDeviceID(s.ID)
		require.True(t, ok, "secret=%q", secret)
		assert.Equal(t, "my-old-laptop", device)
	}

	_, ok := ExtractDeviceID("nodashes")
	assert.False(t, ok)
}

func TestUnsignedSessions(t *testing.T) {
	m := NewManager("")
	s, err := m.Register("phone", "", nil, "")
	require.NoError(t, err)

	parts := strings.SplitN(s.ID, "-", 2)
	assert.Equal(t, "phone", parts[0])
	assert.Len(t, parts[1], 36)

	_, err = m.Get(s.ID)
	require.NoError(t, err)
}

func TestRegister_RequiresDevice(t *testing.T) {
	_, err := NewManager("").Register("", "k", nil, "")
	assert.Error(t, err)
}

func TestUpdate_MutatesAndTouches(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager("", WithClock(func() time.Time { return now }))
	s, err := m.Register("phone", "", nil, "")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	updated, err := m.Update(s.ID, func(s *Session) {
		s.LastSequence = 42
		s.LastVector.Increment("server")
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), updated.LastSequence)
	assert.Equal(t, now, updated.LastActivity)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.LastVector.Get("server"))

	// Returned copies do not alias the stored session.
	got.LastVector.Increment("server")
	again, _ := m.Get(s.ID)
	assert.Equal(t, uint64(1), again.LastVector.Get("server"))

	_, err = m.Update("phone-00000000-0000-0000-0000-000000000000", func(*Session) {})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionsForDevice_AndRemove(t *testing.T) {
	m := NewManager("")
	a, _ := m.Register("phone", "", nil, "")
	b, _ := m.Register("phone", "", nil, "")
	_, _ = m.Register("tablet", "", nil, "")

	assert.Len(t, m.SessionsForDevice("phone"), 2)
	assert.Equal(t, 3, m.Count())

	m.Remove(a.ID)
	m.Remove(a.ID)
	sessions := m.SessionsForDevice("phone")
	require.Len(t, sessions, 1)
	assert.Equal(t, b.ID, sessions[0].ID)

	m.Remove(b.ID)
	assert.Empty(t, m.SessionsForDevice("phone"))
	assert.Equal(t, 1, m.Count())
}

func TestExpireInactive(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager("", WithClock(func() time.Time { return now }))
	assert.Equal(t, DefaultTTL, m.TTL())

	stale, _ := m.Register("phone", "", nil, "")
	now = now.Add(6 * 24 * time.Hour)
	fresh, _ := m.Register("tablet", "", nil, "")

	removed := m.ExpireInactive(now.Add(2 * 24 * time.Hour))
	assert.Equal(t, 1, removed)

	_, err := m.Get(stale.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Get(fresh.ID)
	assert.NoError(t, err)
}

func TestSubscribed(t *testing.T) {
	s := Session{}
	assert.True(t, s.Subscribed("app", "users"))

	s.Subscriptions = []string{"users", "app/orders", "other/*"}
	assert.True(t, s.Subscribed("app", "users"))
	assert.True(t, s.Subscribed("app", "orders"))
	assert.False(t, s.Subscribed("shop", "orders"))
	assert.True(t, s.Subscribed("other", "anything"))
	assert.False(t, s.Subscribed("app", "items"))
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager("s3cret")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Register("phone", "k", nil, "")
			if !assert.NoError(t, err) {
				return
			}
			_, err = m.Update(s.ID, func(s *Session) { s.LastSequence++ })
			assert.NoError(t, err)
			m.SessionsForDevice("phone")
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, m.Count())
}
