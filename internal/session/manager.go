package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mkarsa/wa-dispatch-gateway/internal/engine"
	"github.com/mkarsa/wa-dispatch-gateway/internal/event"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/env"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/log"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/validation"
)

var (
	ErrInvalidKey       = errors.New("session key is invalid")
	ErrDuplicateSession = errors.New("session already exists for this key")
	ErrNotFound         = errors.New("session not found")
	ErrNotReady         = errors.New("session is not ready")
)

const (
	defaultQRMaxAttempts = 5
	defaultQRLifetime    = 20 * time.Second
	// A disconnected session gets a managed reconnect attempt once it has
	// been down longer than this, instead of waiting indefinitely for the
	// engine's own silent reconnection.
	defaultDisconnectGrace = 90 * time.Second
)

// Manager owns the key→session map and is its sole mutator. It is constructed
// once at process start and passed by reference to the dispatch pipeline and
// the event bridge; there is no package-level singleton.
type Manager struct {
	factory       engine.Factory
	sink          event.Sink
	dataRoot      string
	qrMaxAttempts int
	qrLifetime    time.Duration
	grace         time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

func NewManager(factory engine.Factory, sink event.Sink) *Manager {
	if sink == nil {
		sink = event.Discard{}
	}
	return &Manager{
		factory:       factory,
		sink:          sink,
		dataRoot:      env.GetEnvStringOrDefault("WA_SESSIONS_DIR", "./sessions"),
		qrMaxAttempts: env.GetEnvIntOrDefault("WA_QR_MAX_ATTEMPTS", defaultQRMaxAttempts),
		qrLifetime:    env.GetEnvDurationOrDefault("WA_QR_LIFETIME", defaultQRLifetime),
		grace:         env.GetEnvDurationOrDefault("WA_DISCONNECT_GRACE", defaultDisconnectGrace),
		sessions:      make(map[string]*Session),
	}
}

// Create allocates and asynchronously starts a new session. All state changes
// after the synchronous return arrive via the engine's event stream.
func (m *Manager) Create(key string, cfg Config) (Summary, error) {
	if err := validation.ValidateSessionKey(key); err != nil {
		return Summary{}, fmt.Errorf("%w: %s", ErrInvalidKey, err.Error())
	}

	m.mu.Lock()
	if _, exists := m.sessions[key]; exists {
		m.mu.Unlock()
		return Summary{}, ErrDuplicateSession
	}

	dataDir := filepath.Join(m.dataRoot, key)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		m.mu.Unlock()
		return Summary{}, fmt.Errorf("creating session data dir: %w", err)
	}
	clearStaleLocks(dataDir)

	client, err := m.factory(key, dataDir)
	if err != nil {
		m.mu.Unlock()
		return Summary{}, fmt.Errorf("creating engine client: %w", err)
	}

	sess := &Session{
		key:       key,
		cfg:       cfg,
		client:    client,
		dataDir:   dataDir,
		createdAt: time.Now(),
		status:    StatusInitializing,
		qrRetry:   newQRCoordinator(m.qrMaxAttempts),
	}
	m.sessions[key] = sess
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watch(sess)

	go func() {
		if err := client.Initialize(context.Background()); err != nil {
			log.SessionOp(key, "initialize").WithError(err).Error("Engine initialization failed")
			sess.setStatus(StatusAuthFailed)
			m.publishState(sess, err.Error())
		}
	}()

	log.SessionOp(key, "create").Info("Session created")
	return sess.Summary(), nil
}

// Get returns a send-capable handle. Callers needing to send messages only
// ever receive a handle once the session is authenticated and ready.
func (m *Manager) Get(key string) (*Session, error) {
	sess, err := m.Peek(key)
	if err != nil {
		return nil, err
	}
	if !sess.Ready() {
		return nil, ErrNotReady
	}
	return sess, nil
}

// Peek returns the session regardless of readiness, for status and QR reads.
func (m *Manager) Peek(key string) (*Session, error) {
	m.mu.RLock()
	sess := m.sessions[key]
	m.mu.RUnlock()
	if sess == nil {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (m *Manager) List() []Summary {
	m.mu.RLock()
	summaries := make([]Summary, 0, len(m.sessions))
	for _, sess := range m.sessions {
		summaries = append(summaries, sess.Summary())
	}
	m.mu.RUnlock()
	return summaries
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Destroy tears down the engine instance and removes tracking. Teardown is
// idempotent at the engine level.
func (m *Manager) Destroy(key string) error {
	m.mu.Lock()
	sess := m.sessions[key]
	if sess == nil {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sessions, key)
	m.mu.Unlock()

	sess.client.Destroy()
	log.SessionOp(key, "destroy").Info("Session destroyed")
	return nil
}

// Restart is destroy followed by create with the previous configuration.
func (m *Manager) Restart(key string) (Summary, error) {
	sess, err := m.Peek(key)
	if err != nil {
		return Summary{}, err
	}
	cfg := sess.cfg
	if err := m.Destroy(key); err != nil {
		return Summary{}, err
	}
	return m.Create(key, cfg)
}

// Refresh is the max-retry escape hatch and the user-initiated "log out and
// rescan": it logs the account out best-effort, resets the QR attempt counter
// and restarts the session.
func (m *Manager) Refresh(ctx context.Context, key string) (Summary, error) {
	sess, err := m.Peek(key)
	if err != nil {
		return Summary{}, err
	}

	sess.qrRetry.reset()
	if err := sess.client.Logout(ctx); err != nil {
		log.SessionOp(key, "refresh").WithError(err).Warn("Logout before restart failed")
	}
	return m.Restart(key)
}

// ReconnectStale retries sessions stuck in disconnected longer than the
// grace period. Called from the health sweep; one attempt per sweep.
func (m *Manager) ReconnectStale(ctx context.Context) {
	m.mu.RLock()
	stale := make([]*Session, 0)
	for _, sess := range m.sessions {
		if since, ok := sess.disconnectedSince(); ok && time.Since(since) > m.grace {
			stale = append(stale, sess)
		}
	}
	m.mu.RUnlock()

	for _, sess := range stale {
		log.SessionOp(sess.key, "reconnect").Warn("Session disconnected beyond grace, retrying")
		if err := sess.client.Initialize(ctx); err != nil {
			log.SessionOp(sess.key, "reconnect").WithError(err).Warn("Managed reconnect failed")
		}
	}
}

// Shutdown destroys every session and waits for the event watchers to drain.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.client.Destroy()
	}
	m.wg.Wait()
}

// watch consumes the session's typed event stream until the engine closes it.
func (m *Manager) watch(sess *Session) {
	defer m.wg.Done()
	for evt := range sess.client.Events() {
		m.apply(sess, evt)
	}
}

func (m *Manager) apply(sess *Session, evt engine.Event) {
	switch evt.Kind {
	case engine.KindQR:
		m.applyQR(sess, evt)
	case engine.KindAuthenticated:
		sess.qrRetry.reset()
		sess.setAccount(evt.Account)
		sess.setStatus(StatusAuthenticated)
		log.SessionOp(sess.key, "auth").Info("Session authenticated")
		m.sink.Broadcast(event.TopicSessionAuthenticated, m.statePayload(sess, ""))
		m.publishState(sess, "")
	case engine.KindReady:
		sess.qrRetry.reset()
		sess.setAccount(evt.Account)
		sess.setStatus(StatusReady)
		log.SessionOp(sess.key, "ready").Info("Session ready")
		m.sink.Broadcast(event.TopicClientReady, m.statePayload(sess, ""))
		m.publishState(sess, "")
	case engine.KindDisconnected:
		// Not terminal: the engine may reconnect on its own and a later
		// ready event returns the session to ready without recreation.
		sess.setStatus(StatusDisconnected)
		log.SessionOp(sess.key, "disconnect").Warn("Session disconnected: " + evt.Reason)
		m.sink.Broadcast(event.TopicClientDisconnected, m.statePayload(sess, evt.Reason))
		m.publishState(sess, evt.Reason)
	case engine.KindAuthFailure:
		sess.qrRetry.reset()
		sess.setStatus(StatusAuthFailed)
		log.SessionOp(sess.key, "auth").Error("Authentication failed: " + evt.Reason)
		m.sink.Broadcast(event.TopicAuthFailure, m.statePayload(sess, evt.Reason))
		m.publishState(sess, evt.Reason)
	case engine.KindMessage:
		log.Evt("session", "inbound", "key", sess.key, "from", evt.From)
	}
}

func (m *Manager) applyQR(sess *Session, evt engine.Event) {
	attempt, outcome, elapsed := sess.qrRetry.onIssued()
	switch outcome {
	case qrSuppressed:
		return
	case qrExhausted:
		// Reported, not retried: an explicit refresh is required so an
		// endless QR-regeneration loop cannot mask a platform-side problem.
		sess.setStatus(StatusAuthFailed)
		log.SessionOp(sess.key, "qr").Error(fmt.Sprintf("QR retry bound hit after %d attempts", attempt))
		m.sink.Broadcast(event.TopicQRMaxRetries, event.QRMaxRetries{
			Key:            sess.key,
			Attempts:       attempt,
			ElapsedSeconds: int64(elapsed.Seconds()),
		})
		m.publishState(sess, "qr max retries reached")
	case qrProceed:
		sess.setQR(evt.QRCode)
		log.SessionOp(sess.key, "qr").Info(fmt.Sprintf("QR issued, attempt %d/%d", attempt, m.qrMaxAttempts))
		m.sink.Broadcast(event.TopicQRCode, event.QRCode{
			Key:        sess.key,
			QR:         evt.QRCode,
			Attempt:    attempt,
			MaxAttempt: m.qrMaxAttempts,
			ExpiresIn:  int(m.qrLifetime.Seconds()),
		})
	}
}

func (m *Manager) publishState(sess *Session, reason string) {
	m.sink.Broadcast(event.TopicSessionState, m.statePayload(sess, reason))
}

func (m *Manager) statePayload(sess *Session, reason string) event.SessionState {
	summary := sess.Summary()
	payload := event.SessionState{
		Key:       summary.Key,
		Status:    string(summary.Status),
		Ready:     summary.Ready,
		HasQR:     summary.HasQR,
		Reason:    reason,
		Timestamp: time.Now().Unix(),
	}
	if summary.Account != nil {
		payload.Phone = summary.Account.Phone
		payload.Name = summary.Account.Name
		payload.Platform = summary.Account.Platform
	}
	return payload
}

// clearStaleLocks removes process-lock artifacts a crashed run may have left
// behind; the new engine instance must be able to take exclusive ownership of
// the directory.
func clearStaleLocks(dataDir string) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".lock") || name == "SingletonLock" || name == "SingletonCookie" {
			_ = os.Remove(filepath.Join(dataDir, name))
		}
	}
}
