package op

import (
	"sync"
	"time"

	"github.com/opkit/backauth/pkg/oidc"
	"github.com/opkit/backauth/pkg/tokenbinding"
)

// BackchannelRequestState is the lifecycle state of an authentication
// request. pending is the only non-terminal state; no transition ever
// leaves a terminal state.
type BackchannelRequestState int

const (
	StatePending BackchannelRequestState = iota
	StateGranted
	StateDenied
	StateExpired
)

func (s BackchannelRequestState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateGranted:
		return "granted"
	case StateDenied:
		return "denied"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

func (s BackchannelRequestState) terminal() bool {
	return s != StatePending
}

// BackchannelRequest is one pending or recently decided authentication
// request. All mutable fields are guarded by the per-request mutex, so
// unrelated requests never contend on a shared lock.
type BackchannelRequest struct {
	ID                      string
	ClientID                string
	Issuer                  string
	Scopes                  []string
	DeliveryMode            oidc.DeliveryMode
	Subject                 string
	BindingMessage          string
	ClientNotificationToken string
	NotificationEndpoint    string
	Expiry                  time.Time
	Interval                time.Duration
	CreatedAt               time.Time

	// BoundChannel is the token binding ID presented at initiate, if any.
	// Polls must then present a matching binding.
	BoundChannel *tokenbinding.ID

	mu         sync.Mutex
	state      BackchannelRequestState
	decidedAt  time.Time
	lastPolled time.Time
	tokens     *oidc.AccessTokenResponse
	statusIdx  uint64
	hasStatus  bool
}

// State returns the current state.
func (r *BackchannelRequest) State() BackchannelRequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Tokens returns the response minted on grant, or nil.
func (r *BackchannelRequest) Tokens() *oidc.AccessTokenResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens
}

// StatusIndex returns the status list slot of the minted tokens.
func (r *BackchannelRequest) StatusIndex() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusIdx, r.hasStatus
}

// grant attempts the pending → granted transition, attaching the minted
// tokens in the same critical section so no reader can observe a granted
// request without them. It reports the resulting state and whether this
// call won the transition.
func (r *BackchannelRequest) grant(tokens *oidc.AccessTokenResponse, statusIdx uint64, now time.Time) (BackchannelRequestState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.terminal() {
		return r.state, false
	}
	r.state = StateGranted
	r.decidedAt = now
	r.tokens = tokens
	r.statusIdx = statusIdx
	r.hasStatus = true
	return r.state, true
}

// deny attempts the pending → denied transition.
func (r *BackchannelRequest) deny(now time.Time) (BackchannelRequestState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.terminal() {
		return r.state, false
	}
	r.state = StateDenied
	r.decidedAt = now
	return r.state, true
}

// expire attempts the pending → expired transition. It only succeeds when
// the deadline has actually passed, so the sweep is idempotent and safe to
// race with complete.
func (r *BackchannelRequest) expire(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.terminal() || now.Before(r.Expiry) {
		return false
	}
	r.state = StateExpired
	r.decidedAt = now
	return true
}

// pollResult is what the token endpoint needs to answer a poll.
type pollResult struct {
	state    BackchannelRequestState
	tokens   *oidc.AccessTokenResponse
	slowDown bool
}

// poll reads the state for a token request. The expiry deadline is checked
// at read time, so an overdue request reports expired even before the sweep
// ran. The minimum interval is enforced against the last admitted poll; a
// rejected poll does not advance it.
func (r *BackchannelRequest) poll(now time.Time) pollResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StatePending && !now.Before(r.Expiry) {
		r.state = StateExpired
		r.decidedAt = now
	}

	switch r.state {
	case StateGranted:
		return pollResult{state: StateGranted, tokens: r.tokens}
	case StateDenied, StateExpired:
		return pollResult{state: r.state}
	}

	if !r.lastPolled.IsZero() && now.Sub(r.lastPolled) < r.Interval {
		return pollResult{state: StatePending, slowDown: true}
	}
	r.lastPolled = now
	return pollResult{state: StatePending}
}

func (r *BackchannelRequest) gcEligible(now time.Time, grace time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.terminal() && now.Sub(r.decidedAt) > grace
}

// requestStore holds the live authentication requests. The map lock only
// guards membership; request state is guarded per request.
type requestStore struct {
	grace time.Duration

	mu       sync.RWMutex
	requests map[string]*BackchannelRequest
}

func newRequestStore(grace time.Duration) *requestStore {
	return &requestStore{
		grace:    grace,
		requests: make(map[string]*BackchannelRequest),
	}
}

func (s *requestStore) put(r *BackchannelRequest) {
	s.mu.Lock()
	s.requests[r.ID] = r
	s.mu.Unlock()
}

func (s *requestStore) get(id string) (*BackchannelRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	return r, ok
}

func (s *requestStore) remove(id string) {
	s.mu.Lock()
	delete(s.requests, id)
	s.mu.Unlock()
}

func (s *requestStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

// sweep transitions overdue pending requests to expired and drops terminal
// requests past the grace period. It returns the number of requests newly
// expired.
func (s *requestStore) sweep(now time.Time) (expired int) {
	s.mu.RLock()
	snapshot := make([]*BackchannelRequest, 0, len(s.requests))
	for _, r := range s.requests {
		snapshot = append(snapshot, r)
	}
	s.mu.RUnlock()

	var gc []string
	for _, r := range snapshot {
		if r.expire(now) {
			expired++
		}
		if r.gcEligible(now, s.grace) {
			gc = append(gc, r.ID)
		}
	}

	if len(gc) > 0 {
		s.mu.Lock()
		for _, id := range gc {
			delete(s.requests, id)
		}
		s.mu.Unlock()
	}
	return expired
}
