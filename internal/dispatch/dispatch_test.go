package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mkarsa/wa-dispatch-gateway/internal/engine"
	"github.com/mkarsa/wa-dispatch-gateway/internal/event"
	"github.com/mkarsa/wa-dispatch-gateway/internal/queue"
	"github.com/mkarsa/wa-dispatch-gateway/internal/session"
)

type sentMessage struct {
	To   string
	Body string
}

type fakeClient struct {
	mu        sync.Mutex
	events    chan engine.Event
	sent      []sentMessage
	failTo    map[string]error
	silent    bool
	destroyed bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan engine.Event, 16), failTo: make(map[string]error)}
}

func (f *fakeClient) Initialize(ctx context.Context) error {
	if f.silent {
		return nil
	}
	f.events <- engine.Event{Kind: engine.KindReady, Account: &engine.AccountInfo{Phone: "628111", Name: "tester"}}
	return nil
}

func (f *fakeClient) Send(ctx context.Context, destination string, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failTo[destination]; err != nil {
		return "", err
	}
	f.sent = append(f.sent, sentMessage{To: destination, Body: body})
	return fmt.Sprintf("MSG-%d", len(f.sent)), nil
}

func (f *fakeClient) Logout(ctx context.Context) error { return nil }

func (f *fakeClient) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}
	f.destroyed = true
	close(f.events)
}

func (f *fakeClient) State() engine.State         { return engine.StateLoggedIn }
func (f *fakeClient) Events() <-chan engine.Event { return f.events }

func (f *fakeClient) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

type recordedEvent struct {
	Topic event.Topic
	Data  interface{}
}

type recorderSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorderSink) Broadcast(topic event.Topic, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Topic: topic, Data: data})
}

func (r *recorderSink) count(topic event.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Topic == topic {
			n++
		}
	}
	return n
}

func testEnv(t *testing.T) {
	t.Helper()
	t.Setenv("WA_SESSIONS_DIR", t.TempDir())
	t.Setenv("WA_SEND_DELAY", "1ms")
	t.Setenv("WA_QUEUE_POLL_INTERVAL", "10ms")
	t.Setenv("WA_JOB_BACKOFF_BASE", "10ms")
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *session.Manager, *queue.Queue, *fakeClient, *recorderSink) {
	t.Helper()
	testEnv(t)
	client := newFakeClient()
	factory := func(key string, dataDir string) (engine.Client, error) { return client, nil }
	sink := &recorderSink{}
	manager := session.NewManager(factory, sink)
	q := queue.New(queue.NewMemStore(), sink)
	d := New(manager, q, sink)
	t.Cleanup(func() {
		q.Stop()
		manager.Shutdown()
	})
	return d, manager, q, client, sink
}

func createReadySession(t *testing.T, m *session.Manager, key string) {
	t.Helper()
	if _, err := m.Create(key, session.Config{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := m.Get(key); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never became ready", key)
}

func entries(n int) []queue.Entry {
	out := make([]queue.Entry, n)
	for i := range out {
		out[i] = queue.Entry{To: fmt.Sprintf("62811%04d", i), Data: map[string]string{"name": fmt.Sprintf("user%d", i)}}
	}
	return out
}

func TestDispatchInstantBatch(t *testing.T) {
	d, m, _, client, sink := newTestDispatcher(t)
	createReadySession(t, m, "acct1")

	outcome, err := d.Dispatch(context.Background(), "acct1", Request{
		Template: "Hi {name}",
		Entries:  entries(3),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome.Mode != ModeInstant {
		t.Fatalf("mode = %s, want instant", outcome.Mode)
	}
	if len(outcome.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(outcome.Results))
	}
	for i, res := range outcome.Results {
		if !res.Success || res.MessageID == "" {
			t.Errorf("result %d: success=%v id=%q", i, res.Success, res.MessageID)
		}
	}
	sent := client.sentMessages()
	if len(sent) != 3 {
		t.Fatalf("sent = %d, want 3", len(sent))
	}
	if sent[0].Body != "Hi user0" {
		t.Errorf("body = %q, want per-recipient render", sent[0].Body)
	}
	if got := sink.count(event.TopicMessageSent); got != 3 {
		t.Errorf("message_sent events = %d, want 3", got)
	}
}

func TestDispatchOverThresholdQueues(t *testing.T) {
	d, m, q, client, _ := newTestDispatcher(t)
	createReadySession(t, m, "acct1")

	outcome, err := d.Dispatch(context.Background(), "acct1", Request{
		Template: "bulk {name}",
		Entries:  entries(11),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome.Mode != ModeQueue {
		t.Fatalf("mode = %s, want queue", outcome.Mode)
	}
	if outcome.JobID == "" {
		t.Fatal("queued outcome has no job id")
	}
	if outcome.ETA <= 0 {
		t.Fatal("queued outcome has no eta")
	}
	if len(client.sentMessages()) != 0 {
		t.Fatal("queued dispatch must not send synchronously")
	}
	job, err := q.Get(context.Background(), outcome.JobID)
	if err != nil {
		t.Fatalf("Get job: %v", err)
	}
	if job.State != queue.StateWaiting {
		t.Errorf("job state = %s, want waiting", job.State)
	}
}

func TestDispatchForcedQueueMode(t *testing.T) {
	d, m, _, client, _ := newTestDispatcher(t)
	createReadySession(t, m, "acct1")

	outcome, err := d.Dispatch(context.Background(), "acct1", Request{
		Template: "x",
		Entries:  entries(2),
		Mode:     ModeQueue,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome.Mode != ModeQueue || outcome.JobID == "" {
		t.Fatalf("small batch with queue override not queued: %+v", outcome)
	}
	if len(client.sentMessages()) != 0 {
		t.Fatal("forced queue mode must not send synchronously")
	}
}

func TestDispatchNotReadySession(t *testing.T) {
	testEnv(t)
	factory := func(key string, dataDir string) (engine.Client, error) {
		c := newFakeClient()
		c.silent = true
		return c, nil
	}

	manager := session.NewManager(factory, nil)
	q := queue.New(queue.NewMemStore(), nil)
	d := New(manager, q, nil)
	t.Cleanup(manager.Shutdown)

	if _, err := manager.Create("pending", session.Config{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Readiness gates every mode at dispatch time. The runner's own
	// re-resolution only matters once a job is already in the store.
	requests := []Request{
		{Template: "x", Entries: entries(1)},
		{Template: "x", Entries: entries(1), Mode: ModeQueue},
		{Template: "x", Entries: entries(11)},
	}
	for i, req := range requests {
		if _, err := d.Dispatch(context.Background(), "pending", req); !errors.Is(err, ErrSessionNotReady) {
			t.Errorf("request %d: err = %v, want ErrSessionNotReady", i, err)
		}
	}
	if jobs, err := q.ListRecent(context.Background(), 10); err != nil || len(jobs) != 0 {
		t.Fatalf("jobs = %d (err %v), nothing should have been enqueued", len(jobs), err)
	}
}

func TestDispatchUnknownSession(t *testing.T) {
	d, _, _, _, _ := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), "ghost", Request{Template: "x", Entries: entries(1)})
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDispatchPartialFailureContinues(t *testing.T) {
	d, m, _, client, sink := newTestDispatcher(t)
	createReadySession(t, m, "acct1")

	batch := entries(3)
	client.failTo[batch[1].To] = errors.New("recipient unreachable")

	outcome, err := d.Dispatch(context.Background(), "acct1", Request{Template: "x", Entries: batch})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(outcome.Results) != 3 {
		t.Fatalf("results = %d, want 3 despite mid-batch failure", len(outcome.Results))
	}
	if outcome.Results[0].Success != true || outcome.Results[2].Success != true {
		t.Error("surrounding sends should have succeeded")
	}
	failed := outcome.Results[1]
	if failed.Success || !strings.Contains(failed.Error, "unreachable") {
		t.Errorf("failed result = %+v", failed)
	}
	if got := sink.count(event.TopicMessageFailed); got != 1 {
		t.Errorf("message_failed events = %d, want 1", got)
	}
}

func TestDispatchRejectsBadInput(t *testing.T) {
	d, m, _, _, _ := newTestDispatcher(t)
	createReadySession(t, m, "acct1")

	if _, err := d.Dispatch(context.Background(), "acct1", Request{Template: "x"}); !errors.Is(err, ErrNoRecipients) {
		t.Errorf("empty recipients: err = %v", err)
	}
	if _, err := d.Dispatch(context.Background(), "acct1", Request{Entries: entries(1)}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("empty template: err = %v", err)
	}
	bad := Request{Template: "x", Entries: []queue.Entry{{To: "not-a-number"}}}
	if _, err := d.Dispatch(context.Background(), "acct1", bad); err == nil {
		t.Error("invalid destination accepted")
	}
}

func TestQueuedJobRunsToCompletion(t *testing.T) {
	d, m, q, client, sink := newTestDispatcher(t)
	createReadySession(t, m, "acct1")
	if err := q.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	outcome, err := d.Dispatch(context.Background(), "acct1", Request{
		Template: "bulk {name}",
		Entries:  entries(15),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	var job *queue.Job
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err = q.Get(context.Background(), outcome.JobID)
		if err != nil {
			t.Fatalf("Get job: %v", err)
		}
		if job.Finished() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job == nil || job.State != queue.StateCompleted {
		t.Fatalf("job never completed: %+v", job)
	}
	if job.Progress != 100 {
		t.Errorf("progress = %d, want 100", job.Progress)
	}
	if len(job.Results) != 15 {
		t.Errorf("results = %d, want 15", len(job.Results))
	}
	if len(client.sentMessages()) != 15 {
		t.Errorf("sent = %d, want 15", len(client.sentMessages()))
	}
	if sink.count(event.TopicJobCompleted) != 1 {
		t.Error("missing job_completed event")
	}
	if sink.count(event.TopicJobProgress) == 0 {
		t.Error("missing job_progress events")
	}
}

func TestStopMidJobResumesAfterRestart(t *testing.T) {
	testEnv(t)
	t.Setenv("WA_SEND_DELAY", "40ms")
	client := newFakeClient()
	factory := func(key string, dataDir string) (engine.Client, error) { return client, nil }
	manager := session.NewManager(factory, nil)
	t.Cleanup(manager.Shutdown)
	store := queue.NewMemStore()

	q1 := queue.New(store, nil)
	d1 := New(manager, q1, nil)
	createReadySession(t, manager, "acct1")
	if err := q1.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	outcome, err := d1.Dispatch(context.Background(), "acct1", Request{
		Template: "bulk {name}",
		Entries:  entries(12),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Wait for a couple of recipients, then pull the plug mid-job.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q1.Get(context.Background(), outcome.JobID)
		if err != nil {
			t.Fatalf("Get job: %v", err)
		}
		if len(job.Results) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	q1.Stop()

	job, err := q1.Get(context.Background(), outcome.JobID)
	if err != nil {
		t.Fatalf("Get job: %v", err)
	}
	if job.State == queue.StateCompleted {
		t.Fatalf("interrupted job marked completed with %d of 12 results", len(job.Results))
	}
	if job.State != queue.StateActive {
		t.Fatalf("job state = %s, want active for resume", job.State)
	}
	if len(job.Results) >= 12 {
		t.Fatalf("results = %d, expected a partial list", len(job.Results))
	}

	// A fresh queue over the same store requeues the orphan and finishes it.
	t.Setenv("WA_SEND_DELAY", "1ms")
	q2 := queue.New(store, nil)
	New(manager, q2, nil)
	if err := q2.Start(); err != nil {
		t.Fatalf("restart Start: %v", err)
	}
	t.Cleanup(q2.Stop)

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err = q2.Get(context.Background(), outcome.JobID)
		if err != nil {
			t.Fatalf("Get job: %v", err)
		}
		if job.Finished() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.State != queue.StateCompleted {
		t.Fatalf("resumed job never completed: %+v", job)
	}
	if job.Progress != 100 || len(job.Results) != 12 {
		t.Errorf("progress = %d results = %d, want 100 and 12", job.Progress, len(job.Results))
	}
}

func TestDispatchRejectsOverlongRender(t *testing.T) {
	t.Setenv("WA_MAX_MESSAGE_LENGTH", "20")
	d, m, _, client, sink := newTestDispatcher(t)
	createReadySession(t, m, "acct1")

	batch := []queue.Entry{
		{To: "628110001", Data: map[string]string{"name": strings.Repeat("a", 40)}},
		{To: "628110002", Data: map[string]string{"name": "ok"}},
	}
	outcome, err := d.Dispatch(context.Background(), "acct1", Request{Template: "Hi {name}", Entries: batch})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(outcome.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(outcome.Results))
	}
	long := outcome.Results[0]
	if long.Success || !strings.Contains(long.Error, "limit") {
		t.Errorf("overlong result = %+v, want length rejection", long)
	}
	if !outcome.Results[1].Success {
		t.Error("short message should have been sent")
	}
	if got := client.sentMessages(); len(got) != 1 {
		t.Errorf("sent = %d, the overlong message must not reach the engine", len(got))
	}
	if got := sink.count(event.TopicMessageFailed); got != 1 {
		t.Errorf("message_failed events = %d, want 1", got)
	}
}
