package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mkarsa/wa-dispatch-gateway/internal/engine"
	"github.com/mkarsa/wa-dispatch-gateway/internal/event"
)

type scriptedClient struct {
	mu        sync.Mutex
	events    chan engine.Event
	destroyed bool
	logouts   int
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{events: make(chan engine.Event, 16)}
}

func (c *scriptedClient) Initialize(ctx context.Context) error { return nil }

func (c *scriptedClient) Send(ctx context.Context, destination string, body string) (string, error) {
	return "MSG-1", nil
}

func (c *scriptedClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.logouts++
	c.mu.Unlock()
	return nil
}

func (c *scriptedClient) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	close(c.events)
}

func (c *scriptedClient) State() engine.State         { return engine.StateConnected }
func (c *scriptedClient) Events() <-chan engine.Event { return c.events }

// emit pushes an event into the manager's watch loop.
func (c *scriptedClient) emit(evt engine.Event) {
	c.events <- evt
}

type capturingSink struct {
	mu     sync.Mutex
	topics []event.Topic
	data   map[event.Topic][]interface{}
}

func newCapturingSink() *capturingSink {
	return &capturingSink{data: make(map[event.Topic][]interface{})}
}

func (s *capturingSink) Broadcast(topic event.Topic, data interface{}) {
	s.mu.Lock()
	s.topics = append(s.topics, topic)
	s.data[topic] = append(s.data[topic], data)
	s.mu.Unlock()
}

func (s *capturingSink) count(topic event.Topic) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data[topic])
}

func (s *capturingSink) last(topic event.Topic) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.data[topic]
	if len(items) == 0 {
		return nil
	}
	return items[len(items)-1]
}

type fixture struct {
	manager *Manager
	sink    *capturingSink

	mu      sync.Mutex
	clients []*scriptedClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("WA_SESSIONS_DIR", t.TempDir())
	f := &fixture{sink: newCapturingSink()}
	factory := func(key string, dataDir string) (engine.Client, error) {
		c := newScriptedClient()
		f.mu.Lock()
		f.clients = append(f.clients, c)
		f.mu.Unlock()
		return c, nil
	}
	f.manager = NewManager(factory, f.sink)
	t.Cleanup(f.manager.Shutdown)
	return f
}

func (f *fixture) client(i int) *scriptedClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[i]
}

func (f *fixture) clientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateRejectsDuplicateKey(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager.Create("acct1", Config{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.manager.Create("acct1", Config{}); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("duplicate create: err = %v, want ErrDuplicateSession", err)
	}
	if f.manager.Count() != 1 {
		t.Errorf("count = %d, want 1", f.manager.Count())
	}
}

func TestCreateRejectsInvalidKey(t *testing.T) {
	f := newFixture(t)
	for _, key := range []string{"", "has space", "../escape", "-leading"} {
		if _, err := f.manager.Create(key, Config{}); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key %q: err = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestQRBoundEmitsMaxRetriesOnce(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager.Create("acct1", Config{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	client := f.client(0)

	for i := 0; i < 4; i++ {
		client.emit(engine.Event{Kind: engine.KindQR, QRCode: "qr-payload"})
	}
	waitFor(t, "4 qr broadcasts", func() bool { return f.sink.count(event.TopicQRCode) == 4 })

	sess, _ := f.manager.Peek("acct1")
	if sess.Status() != StatusAwaitingQR {
		t.Fatalf("status = %s, want awaiting_qr", sess.Status())
	}
	if _, ok := sess.QR(); !ok {
		t.Fatal("QR payload not exposed while awaiting scan")
	}

	// The 5th regeneration trips the bound; further ones are silent.
	for i := 0; i < 3; i++ {
		client.emit(engine.Event{Kind: engine.KindQR, QRCode: "qr-payload"})
	}
	waitFor(t, "qr_max_retries", func() bool { return f.sink.count(event.TopicQRMaxRetries) == 1 })
	time.Sleep(20 * time.Millisecond)

	if got := f.sink.count(event.TopicQRMaxRetries); got != 1 {
		t.Fatalf("qr_max_retries broadcasts = %d, want exactly 1", got)
	}
	if got := f.sink.count(event.TopicQRCode); got != 4 {
		t.Fatalf("qr_code broadcasts = %d, want 4 (bound hit on 5th, suppressed after)", got)
	}
	if sess.Status() != StatusAuthFailed {
		t.Errorf("status = %s, want auth_failed until refresh", sess.Status())
	}
	if _, ok := sess.QR(); ok {
		t.Error("QR still exposed after exhaustion")
	}
}

func TestAuthenticationResetsQRCycle(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager.Create("acct1", Config{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	client := f.client(0)

	client.emit(engine.Event{Kind: engine.KindQR, QRCode: "qr-1"})
	client.emit(engine.Event{Kind: engine.KindQR, QRCode: "qr-2"})
	client.emit(engine.Event{Kind: engine.KindAuthenticated, Account: &engine.AccountInfo{Phone: "628111"}})
	client.emit(engine.Event{Kind: engine.KindReady, Account: &engine.AccountInfo{Phone: "628111", Platform: "android"}})

	waitFor(t, "ready", func() bool {
		sess, err := f.manager.Peek("acct1")
		return err == nil && sess.Ready()
	})

	if _, err := f.manager.Get("acct1"); err != nil {
		t.Fatalf("Get after ready: %v", err)
	}
	if f.sink.count(event.TopicSessionAuthenticated) != 1 || f.sink.count(event.TopicClientReady) != 1 {
		t.Error("missing authenticated/ready broadcasts")
	}

	sess, _ := f.manager.Peek("acct1")
	if attempts, _, exhausted := sess.qrRetry.state(); attempts != 0 || exhausted {
		t.Errorf("qr cycle not reset on authentication: attempts=%d exhausted=%v", attempts, exhausted)
	}
	if acct := sess.Account(); acct == nil || acct.Phone != "628111" {
		t.Errorf("account = %+v", acct)
	}
}

func TestGetRequiresReady(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager.Create("acct1", Config{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.manager.Get("acct1"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Get before ready: err = %v, want ErrNotReady", err)
	}
	if _, err := f.manager.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get unknown: err = %v, want ErrNotFound", err)
	}
	if _, err := f.manager.Peek("acct1"); err != nil {
		t.Fatalf("Peek before ready: %v", err)
	}
}

func TestDisconnectIsNotTerminal(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager.Create("acct1", Config{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	client := f.client(0)

	client.emit(engine.Event{Kind: engine.KindReady, Account: &engine.AccountInfo{Phone: "628111"}})
	waitFor(t, "ready", func() bool {
		sess, _ := f.manager.Peek("acct1")
		return sess.Ready()
	})

	client.emit(engine.Event{Kind: engine.KindDisconnected, Reason: "network"})
	waitFor(t, "disconnected", func() bool {
		sess, _ := f.manager.Peek("acct1")
		return sess.Status() == StatusDisconnected
	})
	if _, err := f.manager.Get("acct1"); !errors.Is(err, ErrNotReady) {
		t.Fatal("disconnected session still handed out for sending")
	}

	// The engine reconnects on its own; no recreation required.
	client.emit(engine.Event{Kind: engine.KindReady})
	waitFor(t, "ready again", func() bool {
		sess, _ := f.manager.Peek("acct1")
		return sess.Ready()
	})
	if f.clientCount() != 1 {
		t.Errorf("clients created = %d, want 1 (no recreation)", f.clientCount())
	}
}

func TestDestroyTearsDownClient(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager.Create("acct1", Config{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.manager.Destroy("acct1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := f.manager.Destroy("acct1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second destroy: err = %v, want ErrNotFound", err)
	}
	client := f.client(0)
	client.mu.Lock()
	destroyed := client.destroyed
	client.mu.Unlock()
	if !destroyed {
		t.Error("engine client not destroyed")
	}
	if _, err := f.manager.Peek("acct1"); !errors.Is(err, ErrNotFound) {
		t.Error("session still tracked after destroy")
	}
}

func TestRefreshLogsOutAndRestartsWithFreshQRCycle(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager.Create("acct1", Config{Label: "primary"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	client := f.client(0)

	// Exhaust the QR cycle first.
	client.emit(engine.Event{Kind: engine.KindQR, QRCode: "qr"})
	client.emit(engine.Event{Kind: engine.KindQR, QRCode: "qr"})
	client.emit(engine.Event{Kind: engine.KindQR, QRCode: "qr"})
	client.emit(engine.Event{Kind: engine.KindQR, QRCode: "qr"})
	client.emit(engine.Event{Kind: engine.KindQR, QRCode: "qr"})
	waitFor(t, "exhaustion", func() bool { return f.sink.count(event.TopicQRMaxRetries) == 1 })

	if _, err := f.manager.Refresh(context.Background(), "acct1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if f.clientCount() != 2 {
		t.Fatalf("clients created = %d, want 2 after refresh", f.clientCount())
	}
	client.mu.Lock()
	logouts := client.logouts
	client.mu.Unlock()
	if logouts != 1 {
		t.Errorf("logouts = %d, want 1", logouts)
	}

	// The replacement session accepts QR codes again.
	replacement := f.client(1)
	replacement.emit(engine.Event{Kind: engine.KindQR, QRCode: "fresh"})
	waitFor(t, "fresh qr", func() bool { return f.sink.count(event.TopicQRCode) == 5 })

	sess, err := f.manager.Peek("acct1")
	if err != nil {
		t.Fatalf("Peek after refresh: %v", err)
	}
	if sess.cfg.Label != "primary" {
		t.Errorf("config not carried through refresh: %+v", sess.cfg)
	}
}

func TestShutdownClosesEverySession(t *testing.T) {
	f := newFixture(t)
	for _, key := range []string{"a1", "a2", "a3"} {
		if _, err := f.manager.Create(key, Config{}); err != nil {
			t.Fatalf("Create %s: %v", key, err)
		}
	}
	f.manager.Shutdown()
	if f.manager.Count() != 0 {
		t.Errorf("count = %d after shutdown", f.manager.Count())
	}
	for i := 0; i < 3; i++ {
		client := f.client(i)
		client.mu.Lock()
		destroyed := client.destroyed
		client.mu.Unlock()
		if !destroyed {
			t.Errorf("client %d not destroyed", i)
		}
	}
}
