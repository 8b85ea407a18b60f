package replication

import (
	"context"
	"sync"
	"time"
)

// orphanSignalTTL bounds how long a signal waits for a put that has not
// started locally.
const orphanSignalTTL = 5 * time.Second

type bufferedSignal struct {
	keep    bool
	expires time.Time
}

// mailbox matches keep/discard signals to local puts by filename in FIFO
// order. A signal that arrives before its put registers is buffered until
// ttl passes. Signals carry no put identity, so a signal buffered while no
// put of the file is in flight only lives for orphanTTL; otherwise it could
// be taken by a later, unrelated put of the same name.
type mailbox struct {
	ttl       time.Duration
	orphanTTL time.Duration
	now       func() time.Time

	mu      sync.Mutex
	queued  map[string][]bufferedSignal
	waiters map[string][]chan bool
}

func newMailbox(ttl, orphanTTL time.Duration) *mailbox {
	if orphanTTL <= 0 || orphanTTL > ttl {
		orphanTTL = ttl
	}
	return &mailbox{
		ttl:       ttl,
		orphanTTL: orphanTTL,
		now:       time.Now,
		queued:  make(map[string][]bufferedSignal),
		waiters: make(map[string][]chan bool),
	}
}

// Deliver hands the signal to the oldest waiter for filename, or buffers it.
// receiving reports whether a put of filename is in flight locally.
func (m *mailbox) Deliver(filename string, keep, receiving bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ws := m.waiters[filename]; len(ws) > 0 {
		ch := ws[0]
		m.setWaiters(filename, ws[1:])
		ch <- keep
		return
	}
	ttl := m.ttl
	if !receiving {
		ttl = m.orphanTTL
	}
	m.queued[filename] = append(m.pruneLocked(filename), bufferedSignal{keep: keep, expires: m.now().Add(ttl)})
}

// Wait returns the next signal for filename. It gives up after timeout.
func (m *mailbox) Wait(ctx context.Context, filename string, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	if q := m.pruneLocked(filename); len(q) > 0 {
		sig := q[0]
		m.setQueued(filename, q[1:])
		m.mu.Unlock()
		return sig.keep, nil
	}
	m.setQueued(filename, nil)
	ch := make(chan bool, 1)
	m.waiters[filename] = append(m.waiters[filename], ch)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case keep := <-ch:
		return keep, nil
	case <-timer.C:
		cause = ErrSignalTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeWaiterLocked(filename, ch) {
		return false, cause
	}
	// delivered while we were giving up
	return <-ch, nil
}

// pruneLocked drops expired signals of filename and returns the rest in order.
func (m *mailbox) pruneLocked(filename string) []bufferedSignal {
	q := m.queued[filename]
	now := m.now()
	live := q[:0]
	for _, sig := range q {
		if now.Before(sig.expires) {
			live = append(live, sig)
		}
	}
	return live
}

func (m *mailbox) removeWaiterLocked(filename string, ch chan bool) bool {
	ws := m.waiters[filename]
	for i, w := range ws {
		if w == ch {
			m.setWaiters(filename, append(ws[:i:i], ws[i+1:]...))
			return true
		}
	}
	return false
}

func (m *mailbox) setQueued(filename string, q []bufferedSignal) {
	if len(q) == 0 {
		delete(m.queued, filename)
		return
	}
	m.queued[filename] = q
}

func (m *mailbox) setWaiters(filename string, ws []chan bool) {
	if len(ws) == 0 {
		delete(m.waiters, filename)
		return
	}
	m.waiters[filename] = ws
}

func (m *mailbox) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queued {
		n += len(q)
	}
	return n
}
