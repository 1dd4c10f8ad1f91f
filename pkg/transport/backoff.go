package transport

import (
	"sync"
	"time"
)

// ReconnectPolicy is an opt-in capped exponential backoff. A redial fires only
// while the connection generation that scheduled it is still current, so an
// explicit Connect, Disconnect or credential change cancels it.
type ReconnectPolicy struct {
	Enabled bool
	Initial time.Duration
	Max     time.Duration
	// MaxAttempts stops redialing after this many consecutive failures.
	// Zero means no limit.
	MaxAttempts int
}

// Delay returns min(Initial * 2^attempt, Max).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	d := p.Initial
	if d <= 0 {
		d = time.Second
	}
	for range attempt {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// mailbox is an unbounded FIFO, so pushing from under the session lock never
// blocks on a slow handler.
type mailbox struct {
	mu    sync.Mutex
	items []delivery
	wake  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) push(d delivery) {
	m.mu.Lock()
	m.items = append(m.items, d)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}
