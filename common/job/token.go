package job

import (
	"sync"
	"sync/atomic"
)

// cancelCause records who asked for cancellation and why.
type cancelCause struct {
	Reason  string
	Timeout bool
}

// Token is the per-job cancellation flag. Any goroutine may set it; only the
// owning worker observes it and unwinds. Reads are lock-free so job bodies
// can poll it from hot loops.
type Token struct {
	fired atomic.Bool
	cause atomic.Pointer[cancelCause]
	done  chan struct{}
	once  sync.Once
}

// NewToken creates an unfired cancellation token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// RequestCancel sets the flag. The first caller wins; later calls are no-ops
// and return false. timeout distinguishes a watchdog firing from a user
// request so the terminal state can report TimedOut rather than Cancelled.
func (t *Token) RequestCancel(reason string, timeout bool) bool {
	first := false
	t.once.Do(func() {
		t.cause.Store(&cancelCause{Reason: reason, Timeout: timeout})
		t.fired.Store(true)
		close(t.done)
		first = true
	})
	return first
}

// IsCancelled is a cheap read for checkpoint polling.
func (t *Token) IsCancelled() bool {
	return t.fired.Load()
}

// Done returns a channel closed on the first RequestCancel, for select-based
// waits such as retry backoff sleeps.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Cause returns the recorded reason. ok is false if the token never fired.
func (t *Token) Cause() (reason string, timeout bool, ok bool) {
	c := t.cause.Load()
	if c == nil {
		return "", false, false
	}
	return c.Reason, c.Timeout, true
}

// Err converts a fired token into the matching taxonomy error, nil otherwise.
func (t *Token) Err() error {
	c := t.cause.Load()
	if c == nil {
		return nil
	}
	if c.Timeout {
		return NewTimeoutError(c.Reason)
	}
	return NewCancellationError(c.Reason)
}
