package op

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opkit/backauth/pkg/oidc"
)

func newStoredRequest(id string, expiry time.Time, interval time.Duration) *BackchannelRequest {
	return &BackchannelRequest{
		ID:           id,
		ClientID:     "client",
		Issuer:       testIssuer,
		DeliveryMode: oidc.DeliveryModePoll,
		Subject:      "subject-tim",
		Expiry:       expiry,
		Interval:     interval,
		CreatedAt:    time.Now(),
	}
}

func TestBackchannelRequest_Transitions(t *testing.T) {
	now := time.Now()
	tokens := &oidc.AccessTokenResponse{AccessToken: "token"}

	t.Run("grant wins once", func(t *testing.T) {
		r := newStoredRequest("r1", now.Add(time.Minute), time.Second)
		state, won := r.grant(tokens, 3, now)
		require.True(t, won)
		require.Equal(t, StateGranted, state)
		assert.Equal(t, tokens, r.Tokens())
		idx, ok := r.StatusIndex()
		require.True(t, ok)
		assert.Equal(t, uint64(3), idx)

		state, won = r.deny(now)
		assert.False(t, won)
		assert.Equal(t, StateGranted, state)
	})

	t.Run("deny is terminal", func(t *testing.T) {
		r := newStoredRequest("r2", now.Add(time.Minute), time.Second)
		state, won := r.deny(now)
		require.True(t, won)
		require.Equal(t, StateDenied, state)

		state, won = r.grant(tokens, 0, now)
		assert.False(t, won)
		assert.Equal(t, StateDenied, state)
		assert.Nil(t, r.Tokens())
	})

	t.Run("expire only past deadline", func(t *testing.T) {
		r := newStoredRequest("r3", now.Add(time.Minute), time.Second)
		assert.False(t, r.expire(now))
		assert.Equal(t, StatePending, r.State())
		assert.True(t, r.expire(now.Add(2*time.Minute)))
		assert.Equal(t, StateExpired, r.State())

		state, won := r.grant(tokens, 0, now)
		assert.False(t, won)
		assert.Equal(t, StateExpired, state)
	})
}

func TestBackchannelRequest_Poll(t *testing.T) {
	now := time.Now()

	t.Run("pending with interval", func(t *testing.T) {
		r := newStoredRequest("r1", now.Add(time.Minute), 5*time.Second)

		result := r.poll(now)
		assert.Equal(t, StatePending, result.state)
		assert.False(t, result.slowDown)

		// too early, and the rejected poll must not move the window
		result = r.poll(now.Add(2 * time.Second))
		assert.True(t, result.slowDown)
		result = r.poll(now.Add(4 * time.Second))
		assert.True(t, result.slowDown)

		result = r.poll(now.Add(5 * time.Second))
		assert.False(t, result.slowDown)
	})

	t.Run("granted ignores interval", func(t *testing.T) {
		r := newStoredRequest("r2", now.Add(time.Minute), 5*time.Second)
		r.poll(now)
		tokens := &oidc.AccessTokenResponse{AccessToken: "token"}
		_, won := r.grant(tokens, 0, now)
		require.True(t, won)

		result := r.poll(now.Add(time.Second))
		assert.Equal(t, StateGranted, result.state)
		assert.Equal(t, tokens, result.tokens)
	})

	t.Run("expiry checked at read time", func(t *testing.T) {
		r := newStoredRequest("r3", now.Add(time.Minute), time.Second)
		result := r.poll(now.Add(2 * time.Minute))
		assert.Equal(t, StateExpired, result.state)
		assert.Equal(t, StateExpired, r.State())
	})
}

func TestBackchannelRequest_ConcurrentComplete(t *testing.T) {
	const attempts = 32
	r := newStoredRequest("r1", time.Now().Add(time.Minute), time.Second)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			now := time.Now()
			var won bool
			if i%2 == 0 {
				_, won = r.grant(&oidc.AccessTokenResponse{AccessToken: "token"}, uint64(i), now)
			} else {
				_, won = r.deny(now)
			}
			if won {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	state := r.State()
	assert.True(t, state.terminal())
	if state == StateGranted {
		assert.NotNil(t, r.Tokens())
	} else {
		assert.Nil(t, r.Tokens())
	}
}

func TestRequestStore_Sweep(t *testing.T) {
	now := time.Now()
	store := newRequestStore(time.Minute)

	pending := newStoredRequest("pending", now.Add(time.Hour), time.Second)
	overdue := newStoredRequest("overdue", now.Add(-time.Second), time.Second)
	decided := newStoredRequest("decided", now.Add(time.Hour), time.Second)
	decided.deny(now.Add(-2 * time.Minute))
	for _, r := range []*BackchannelRequest{pending, overdue, decided} {
		store.put(r)
	}

	expired := store.sweep(now)
	assert.Equal(t, 1, expired)
	assert.Equal(t, StateExpired, overdue.State())
	assert.Equal(t, StatePending, pending.State())

	// overdue was just decided, only the old denial is past grace
	_, ok := store.get("decided")
	assert.False(t, ok)
	_, ok = store.get("overdue")
	assert.True(t, ok)
	_, ok = store.get("pending")
	assert.True(t, ok)
	assert.Equal(t, 2, store.len())

	expired = store.sweep(now.Add(2 * time.Minute))
	assert.Zero(t, expired)
	_, ok = store.get("overdue")
	assert.False(t, ok)
	assert.Equal(t, 1, store.len())
}

func TestRequestStore_SweepIdempotent(t *testing.T) {
	now := time.Now()
	store := newRequestStore(time.Hour)
	for i := 0; i < 10; i++ {
		store.put(newStoredRequest(fmt.Sprintf("r%d", i), now.Add(-time.Second), time.Second))
	}
	assert.Equal(t, 10, store.sweep(now))
	assert.Zero(t, store.sweep(now))
	assert.Equal(t, 10, store.len())
}
