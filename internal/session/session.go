package session

import (
	"context"
	"sync"
	"time"

	"github.com/mkarsa/wa-dispatch-gateway/internal/engine"
)

// Status is one state of the per-session authentication state machine:
// created → awaiting_qr → authenticated → ready ⇄ disconnected, with
// awaiting_qr → auth_failed terminal until an explicit restart.
type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusAwaitingQR    Status = "awaiting_qr"
	StatusAuthenticated Status = "authenticated"
	StatusReady         Status = "ready"
	StatusDisconnected  Status = "disconnected"
	StatusAuthFailed    Status = "auth_failed"
)

// Config carries per-session engine options. Kept for restart-with-previous-
// configuration semantics even when empty.
type Config struct {
	Label    string            `json:"label,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Summary is the read-only listing shape for one session.
type Summary struct {
	Key       string              `json:"key"`
	Status    Status              `json:"status"`
	Ready     bool                `json:"ready"`
	HasQR     bool                `json:"has_qr"`
	Account   *engine.AccountInfo `json:"account,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// Session is one managed connection to a single platform account. The
// Manager is the sole mutator; everything exported here is read-only or
// delegates to the engine client.
type Session struct {
	key       string
	cfg       Config
	client    engine.Client
	dataDir   string
	createdAt time.Time
	qrRetry   *qrCoordinator

	mu             sync.RWMutex
	status         Status
	qr             string
	account        *engine.AccountInfo
	disconnectedAt time.Time
}

func (s *Session) Key() string { return s.key }

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) Ready() bool {
	return s.Status() == StatusReady
}

// QR returns the last unexpired QR payload, if the session is waiting on one.
func (s *Session) QR() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusAwaitingQR || s.qr == "" {
		return "", false
	}
	return s.qr, true
}

// QRState reports the attempt counter of the current pairing cycle.
func (s *Session) QRState() (attempts int, max int, exhausted bool) {
	return s.qrRetry.state()
}

func (s *Session) Account() *engine.AccountInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

func (s *Session) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Summary{
		Key:       s.key,
		Status:    s.status,
		Ready:     s.status == StatusReady,
		HasQR:     s.status == StatusAwaitingQR && s.qr != "",
		Account:   s.account,
		CreatedAt: s.createdAt,
	}
}

// Send delivers one message through this session's engine and returns the
// provider-assigned message id.
func (s *Session) Send(ctx context.Context, destination string, body string) (string, error) {
	if !s.Ready() {
		return "", ErrNotReady
	}
	return s.client.Send(ctx, destination, body)
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	if status == StatusDisconnected {
		s.disconnectedAt = time.Now()
	}
	if status != StatusAwaitingQR {
		s.qr = ""
	}
	s.mu.Unlock()
}

func (s *Session) setQR(payload string) {
	s.mu.Lock()
	s.status = StatusAwaitingQR
	s.qr = payload
	s.mu.Unlock()
}

func (s *Session) setAccount(account *engine.AccountInfo) {
	if account == nil {
		return
	}
	s.mu.Lock()
	s.account = account
	s.mu.Unlock()
}

func (s *Session) disconnectedSince() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusDisconnected {
		return time.Time{}, false
	}
	return s.disconnectedAt, true
}
