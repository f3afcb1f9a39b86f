package transport

import (
	"sync"
	"time"
)

// Reconnect defaults.
const (
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 60 * time.Second
)

// ReconnectPolicy controls automatic reconnection after an unsolicited
// disconnect or a failed connect.
type ReconnectPolicy struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// MaxAttempts bounds the failed attempts in one sequence. Zero or
	// negative means unlimited.
	MaxAttempts int
}

// DefaultReconnectPolicy retries forever with 1s-60s backoff.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:      true,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
	}
}

// Delay returns min(InitialDelay * 2^attempt, MaxDelay).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = DefaultMaxDelay
	}
	if ceiling < initial {
		ceiling = initial
	}
	if attempt < 0 {
		attempt = 0
	}

	d := initial
	for i := 0; i < attempt; i++ {
		// Doubling past the ceiling is where overflow would start.
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	return min(d, ceiling)
}

// Exhausted reports whether no retry may follow the given number of failures.
func (p ReconnectPolicy) Exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures >= p.MaxAttempts
}

// retryTimer owns the single outstanding retry. A timer that fires after
// being replaced or cancelled does nothing. fn receives the generation it
// was scheduled under so callers can recheck it with current once they hold
// their own lock.
type retryTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func (r *retryTimer) schedule(d time.Duration, fn func(gen uint64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.timer = time.AfterFunc(d, func() {
		r.mu.Lock()
		if r.gen != gen {
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.mu.Unlock()
		fn(gen)
	})
}

// current reports whether gen is still the latest scheduled generation.
func (r *retryTimer) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen == gen
}

func (r *retryTimer) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
}

func (r *retryTimer) pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}
