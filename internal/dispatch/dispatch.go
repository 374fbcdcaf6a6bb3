package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mkarsa/wa-dispatch-gateway/internal/event"
	"github.com/mkarsa/wa-dispatch-gateway/internal/queue"
	"github.com/mkarsa/wa-dispatch-gateway/internal/session"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/env"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/log"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/template"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/validation"
)

const (
	defaultInstantThreshold = 10
	defaultSendDelay        = 2 * time.Second
	defaultMaxLength        = 4096
	previewLength           = 48
)

var (
	ErrSessionNotReady = errors.New("session is not ready to send messages")
	ErrNoRecipients    = errors.New("recipient list is empty")
	ErrEmptyMessage    = errors.New("message body is empty")
)

// Mode selects between the synchronous path and the durable queue.
type Mode string

const (
	ModeAuto    Mode = ""
	ModeInstant Mode = "instant"
	ModeQueue   Mode = "queue"
)

// Request is one batched send submitted through the HTTP surface.
type Request struct {
	Template string
	Entries  []queue.Entry
	Mode     Mode
	Priority int
}

// Outcome reports what the dispatcher did with a request. Exactly one of
// Results (instant) or JobID (queued) is populated.
type Outcome struct {
	Mode    Mode           `json:"mode"`
	Results []queue.Result `json:"results,omitempty"`
	JobID   string         `json:"job_id,omitempty"`
	ETA     time.Duration  `json:"-"`
	ETAText string         `json:"eta,omitempty"`
}

// Dispatcher routes send requests to the instant path or the job queue and
// owns per-session pacing. One limiter per session key is shared by both
// paths so an instant batch and a draining job never interleave faster than
// the configured delay.
type Dispatcher struct {
	sessions  *session.Manager
	queue     *queue.Queue
	sink      event.Sink
	threshold int
	pace      time.Duration
	maxLength int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(sessions *session.Manager, q *queue.Queue, sink event.Sink) *Dispatcher {
	if sink == nil {
		sink = event.Discard{}
	}
	d := &Dispatcher{
		sessions:  sessions,
		queue:     q,
		sink:      sink,
		threshold: env.GetEnvIntOrDefault("WA_INSTANT_THRESHOLD", defaultInstantThreshold),
		pace:      env.GetEnvDurationOrDefault("WA_SEND_DELAY", defaultSendDelay),
		maxLength: env.GetEnvIntOrDefault("WA_MAX_MESSAGE_LENGTH", defaultMaxLength),
		limiters:  make(map[string]*rate.Limiter),
	}
	q.SetRunner(d.runJob)
	return d
}

// Dispatch validates the request and either sends synchronously or enqueues.
// Anything above the instant threshold is always queued; an explicit queue
// mode forces the durable path regardless of size.
func (d *Dispatcher) Dispatch(ctx context.Context, key string, req Request) (*Outcome, error) {
	if len(req.Entries) == 0 {
		return nil, ErrNoRecipients
	}
	if req.Template == "" {
		return nil, ErrEmptyMessage
	}
	for _, entry := range req.Entries {
		if err := validation.ValidateDestination(entry.To); err != nil {
			return nil, fmt.Errorf("recipient %q: %w", entry.To, err)
		}
	}

	// Every mode requires a ready session at dispatch time. The runner
	// still re-resolves per attempt, so a session that drops after
	// enqueue retries instead of failing permanently.
	sess, err := d.resolve(key)
	if err != nil {
		return nil, err
	}

	if req.Mode != ModeQueue && len(req.Entries) <= d.threshold {
		log.DispatchOp(key, string(ModeInstant), len(req.Entries)).Info("dispatching batch")
		results, err := d.sendBatch(ctx, sess, "", req.Template, req.Entries, nil)
		if err != nil {
			return nil, err
		}
		return &Outcome{Mode: ModeInstant, Results: results}, nil
	}

	job, err := d.queue.Enqueue(ctx, key, req.Template, req.Entries, req.Priority)
	if err != nil {
		return nil, err
	}
	eta := time.Duration(len(req.Entries)) * d.pace
	log.DispatchOp(key, string(ModeQueue), len(req.Entries)).
		WithField("job_id", job.ID).Info("batch queued")
	return &Outcome{Mode: ModeQueue, JobID: job.ID, ETA: eta, ETAText: eta.String()}, nil
}

// Pace returns the configured inter-message delay.
func (d *Dispatcher) Pace() time.Duration { return d.pace }

// InstantThreshold returns the largest batch size the synchronous path takes.
func (d *Dispatcher) InstantThreshold() int { return d.threshold }

func (d *Dispatcher) resolve(key string) (*session.Session, error) {
	sess, err := d.sessions.Get(key)
	if err != nil {
		if errors.Is(err, session.ErrNotReady) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotReady, key)
		}
		return nil, err
	}
	return sess, nil
}

// runJob is the queue runner. The session is re-resolved on every attempt so
// a batch queued against a disconnected session succeeds once it reconnects.
func (d *Dispatcher) runJob(ctx context.Context, job *queue.Job, report func(progress int, results []queue.Result)) ([]queue.Result, error) {
	sess, err := d.resolve(job.SessionKey)
	if err != nil {
		return nil, err
	}
	log.JobOp(job.ID, job.SessionKey).
		WithField("recipients", len(job.Entries)).
		WithField("attempt", job.Attempts).
		Info("running job")
	return d.sendBatch(ctx, sess, job.ID, job.Template, job.Entries, func(done int, results []queue.Result) {
		report(done*100/len(job.Entries), results)
	})
}

// sendBatch renders and sends the template to every entry in order, pacing
// through the session's limiter. Per-recipient failures are recorded and the
// loop continues. Context cancellation stops the loop and is returned as an
// error so a queued job is never marked completed on a partial result list.
func (d *Dispatcher) sendBatch(ctx context.Context, sess *session.Session, jobID string, body string, entries []queue.Entry, report func(done int, results []queue.Result)) ([]queue.Result, error) {
	limiter := d.limiter(sess.Key())
	results := make([]queue.Result, 0, len(entries))
	for i, entry := range entries {
		if err := limiter.Wait(ctx); err != nil {
			return results, err
		}
		rendered := template.Expand(body, entry.Data)
		var messageID string
		err := d.checkLength(rendered)
		if err == nil {
			log.DispatchOp(sess.Key(), modeLabel(jobID), len(entries)).
				WithField("to", entry.To).
				WithField("preview", template.Preview(rendered, previewLength)).
				Debug("sending message")
			messageID, err = sess.Send(ctx, entry.To, rendered)
		}
		result := queue.Result{
			To:        entry.To,
			Success:   err == nil,
			MessageID: messageID,
			Timestamp: time.Now().UTC(),
		}
		if err != nil {
			result.Error = err.Error()
			log.DispatchOp(sess.Key(), modeLabel(jobID), len(entries)).
				WithField("to", entry.To).Warn("send failed: ", err)
			d.sink.Broadcast(event.TopicMessageFailed, event.MessageOutcome{
				Key: sess.Key(), JobID: jobID, To: entry.To, Error: err.Error(),
			})
		} else {
			d.sink.Broadcast(event.TopicMessageSent, event.MessageOutcome{
				Key: sess.Key(), JobID: jobID, To: entry.To, MessageID: messageID,
			})
		}
		results = append(results, result)
		if report != nil {
			report(i+1, results)
		}
		if ctx.Err() != nil && i < len(entries)-1 {
			return results, ctx.Err()
		}
	}
	return results, nil
}

// checkLength bounds rendered messages to the platform limit, measured in
// grapheme clusters.
func (d *Dispatcher) checkLength(rendered string) error {
	if n := template.RenderedLength(rendered); n > d.maxLength {
		return fmt.Errorf("message is %d characters, limit is %d", n, d.maxLength)
	}
	return nil
}

// limiter returns the per-session pacer, creating it on first use. The
// first send of a batch is admitted immediately; subsequent sends wait out
// the configured delay.
func (d *Dispatcher) limiter(key string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(d.pace), 1)
		d.limiters[key] = lim
	}
	return lim
}

// Forget drops the pacer for a destroyed session.
func (d *Dispatcher) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.limiters, key)
}

func modeLabel(jobID string) string {
	if jobID == "" {
		return string(ModeInstant)
	}
	return string(ModeQueue)
}
