package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_validate(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   Config
	}{
		{
			name:   "valid",
			config: Config{Requests: 5, Period: time.Second},
			want:   Config{Requests: 5, Period: time.Second},
		},
		{
			name:   "zero requests",
			config: Config{Requests: 0, Period: time.Second},
			want:   DefaultConfig,
		},
		{
			name:   "negative period",
			config: Config{Requests: 5, Period: -time.Second},
			want:   DefaultConfig,
		},
		{
			name:   "empty",
			config: Config{},
			want:   DefaultConfig,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.config.validate())
		})
	}
}

func TestLimiter_Check(t *testing.T) {
	l := New(Config{Requests: 3, Period: time.Hour})
	defer l.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Check("client-a"), "request %d", i)
	}
	err := l.Check("client-a")
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, "client-a", limited.Key)
	assert.Equal(t, ErrorTypeTooManyRequests, limited.Type)

	// an unrelated key has its own bucket
	require.NoError(t, l.Check("client-b"))
}

func TestLimiter_CheckConcurrent(t *testing.T) {
	const capacity = 16
	l := New(Config{Requests: capacity, Period: time.Hour})
	defer l.Close()

	var admitted, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < capacity+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Check("burst"); err != nil {
				rejected.Add(1)
			} else {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(capacity), admitted.Load())
	assert.Equal(t, int32(1), rejected.Load())
}

func TestLimiter_Refill(t *testing.T) {
	l := New(Config{Requests: 2, Period: 100 * time.Millisecond})
	defer l.Close()

	require.NoError(t, l.Check("k"))
	require.NoError(t, l.Check("k"))
	require.Error(t, l.Check("k"))

	time.Sleep(120 * time.Millisecond)
	assert.NoError(t, l.Check("k"))
}

func TestLimiter_Eviction(t *testing.T) {
	l := New(Config{Requests: 1, Period: time.Hour})
	defer l.Close()

	now := time.Now()
	l.clock = func() time.Time { return now }

	require.NoError(t, l.Check("stale"))
	require.Equal(t, 1, l.Len())

	now = now.Add(l.ttl + time.Second)
	l.evict()
	assert.Equal(t, 0, l.Len())

	// the key is admitted again with a fresh bucket
	assert.NoError(t, l.Check("stale"))
}

func TestMiddleware(t *testing.T) {
	l := New(Config{Requests: 2, Period: time.Hour})
	defer l.Close()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware(l, nil)(next)

	do := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/bc-authorize", strings.NewReader("client_id=web"))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusOK, do().Code)
	assert.Equal(t, http.StatusOK, do().Code)

	w := do()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error": "Too many requests"}`, w.Body.String())
}

func TestClientFingerprint(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("client_id=web"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	assert.Equal(t, "web", ClientFingerprint(r))

	r = httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "203.0.113.7:49152"
	assert.Equal(t, "203.0.113.7", ClientFingerprint(r))
}
