package lease

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() (*Manager, clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return NewManager(time.Minute, WithClock(clock)), clock
}

func TestAcquireTwiceConflicts(t *testing.T) {
	m, _ := newTestManager()

	token, err := m.Acquire("app")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, m.Locked("app"))

	_, err = m.Acquire("app")
	assert.ErrorIs(t, err, ErrAlreadyLocked)
	assert.True(t, IsLeaseError(err))

	_, err = m.Acquire("other")
	assert.NoError(t, err)
}

func TestAcquireAfterTTL(t *testing.T) {
	m, clock := newTestManager()

	first, err := m.Acquire("app")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.False(t, m.Locked("app"))

	second, err := m.Acquire("app")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.ErrorIs(t, m.Touch("app", first), ErrInvalidToken)
}

func TestTouchRenews(t *testing.T) {
	m, clock := newTestManager()
	token, err := m.Acquire("app")
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	require.NoError(t, m.Touch("app", token))
	clock.Advance(50 * time.Second)
	require.NoError(t, m.Touch("app", token))

	clock.Advance(time.Minute)
	assert.ErrorIs(t, m.Touch("app", token), ErrLeaseExpired)
	assert.ErrorIs(t, m.Touch("app", token), ErrNoSuchLease)
}

func TestTouchValidation(t *testing.T) {
	m, _ := newTestManager()
	assert.ErrorIs(t, m.Touch("app", "x"), ErrNoSuchLease)

	_, err := m.Acquire("app")
	require.NoError(t, err)
	assert.ErrorIs(t, m.Touch("app", "wrong"), ErrInvalidToken)
}

func TestRelease(t *testing.T) {
	m, _ := newTestManager()
	token, err := m.Acquire("app")
	require.NoError(t, err)

	assert.ErrorIs(t, m.Release("app", "wrong"), ErrInvalidToken)
	require.NoError(t, m.Release("app", token))
	assert.False(t, m.Locked("app"))
	assert.ErrorIs(t, m.Release("app", token), ErrNoSuchLease)

	_, err = m.Acquire("app")
	assert.NoError(t, err)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m, _ := newTestManager()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire("app"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestGet(t *testing.T) {
	m, clock := newTestManager()
	_, ok := m.Get("app")
	assert.False(t, ok)

	token, err := m.Acquire("app")
	require.NoError(t, err)
	l, ok := m.Get("app")
	require.True(t, ok)
	assert.Equal(t, token, l.Token)
	assert.Equal(t, clock.Now(), l.LastRenewedAt)
}
