package session

import (
	"sync"
	"time"
)

type qrOutcome int

const (
	// qrProceed: emit a qr event with the current attempt number.
	qrProceed qrOutcome = iota
	// qrExhausted: the bound was just hit, emit qr_max_retries exactly once.
	qrExhausted
	// qrSuppressed: already exhausted, emit nothing until refresh.
	qrSuppressed
)

// qrCoordinator bounds how many QR regenerations one authentication cycle may
// produce. The platform reissues a fresh code on a fixed cadence while
// unscanned; without the bound a session that nobody scans would regenerate
// codes forever and mask a platform-side problem.
type qrCoordinator struct {
	mu        sync.Mutex
	attempts  int
	max       int
	startedAt time.Time
	exhausted bool
}

func newQRCoordinator(max int) *qrCoordinator {
	if max <= 0 {
		max = defaultQRMaxAttempts
	}
	return &qrCoordinator{max: max}
}

// onIssued records one QR regeneration and decides what the caller emits.
// elapsed is the total time since the cycle's first code, reported on
// exhaustion.
func (q *qrCoordinator) onIssued() (attempt int, outcome qrOutcome, elapsed time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.exhausted {
		return q.attempts, qrSuppressed, 0
	}
	if q.attempts == 0 {
		q.startedAt = time.Now()
	}
	q.attempts++
	if q.attempts >= q.max {
		q.exhausted = true
		return q.attempts, qrExhausted, time.Since(q.startedAt)
	}
	return q.attempts, qrProceed, 0
}

// reset starts a fresh cycle: called on authenticated, ready, auth_failure
// and explicit refresh.
func (q *qrCoordinator) reset() {
	q.mu.Lock()
	q.attempts = 0
	q.exhausted = false
	q.startedAt = time.Time{}
	q.mu.Unlock()
}

func (q *qrCoordinator) state() (attempts int, max int, exhausted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.attempts, q.max, q.exhausted
}
