package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mkarsa/wa-dispatch-gateway/internal/event"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/env"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/log"
)

const (
	defaultMaxAttempts   = 3
	defaultBackoffBase   = 2 * time.Second
	defaultPollInterval  = time.Second
	defaultKeepCompleted = 100
	defaultKeepFailed    = 200
)

// Runner executes one claimed job and returns the final per-recipient result
// list. report is called after every recipient with the running progress. A
// non-nil error means the whole job errored (worker-level failure) and the
// queue applies its backoff/retry policy; per-recipient send failures are not
// job errors and must be recorded in the results instead.
type Runner func(ctx context.Context, job *Job, report func(progress int, results []Result)) ([]Result, error)

// Queue drains the durable store with a single worker, serializing job
// execution so per-session pacing is never violated by parallel batches for
// the same session.
type Queue struct {
	store         Store
	sink          event.Sink
	maxAttempts   int
	backoffBase   time.Duration
	pollInterval  time.Duration
	keepCompleted int
	keepFailed    int

	runner Runner
	paused atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store Store, sink event.Sink) *Queue {
	if sink == nil {
		sink = event.Discard{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:         store,
		sink:          sink,
		maxAttempts:   env.GetEnvIntOrDefault("WA_JOB_MAX_ATTEMPTS", defaultMaxAttempts),
		backoffBase:   env.GetEnvDurationOrDefault("WA_JOB_BACKOFF_BASE", defaultBackoffBase),
		pollInterval:  env.GetEnvDurationOrDefault("WA_QUEUE_POLL_INTERVAL", defaultPollInterval),
		keepCompleted: env.GetEnvIntOrDefault("WA_JOB_KEEP_COMPLETED", defaultKeepCompleted),
		keepFailed:    env.GetEnvIntOrDefault("WA_JOB_KEEP_FAILED", defaultKeepFailed),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetRunner wires the dispatch pipeline's per-recipient loop in. Must be
// called before Start.
func (q *Queue) SetRunner(runner Runner) {
	q.runner = runner
}

// Start requeues jobs orphaned by a previous run and begins draining.
func (q *Queue) Start() error {
	if q.runner == nil {
		return errors.New("queue runner is not configured")
	}
	resumed, err := q.store.ResetActive(q.ctx)
	if err != nil {
		return err
	}
	if resumed > 0 {
		log.Evt("queue", "resume", "jobs", strconv.FormatInt(resumed, 10))
	}

	q.wg.Add(1)
	go q.work()
	return nil
}

// Stop halts the worker. An active job finishes its current recipient loop
// only up to context cancellation; its durable state lets the next run resume.
func (q *Queue) Stop() {
	q.cancel()
	q.wg.Wait()
}

// Pause halts new job starts; an active job runs to completion.
func (q *Queue) Pause()       { q.paused.Store(true) }
func (q *Queue) Resume()      { q.paused.Store(false) }
func (q *Queue) Paused() bool { return q.paused.Load() }

// Enqueue stores a new waiting job and returns it.
func (q *Queue) Enqueue(ctx context.Context, sessionKey string, template string, entries []Entry, priority int) (*Job, error) {
	if len(entries) == 0 {
		return nil, errors.New("job must have at least one recipient")
	}
	job := &Job{
		ID:          uuid.NewString(),
		SessionKey:  sessionKey,
		Template:    template,
		Entries:     entries,
		Priority:    priority,
		State:       StateWaiting,
		MaxAttempts: q.maxAttempts,
		CreatedAt:   time.Now(),
	}
	if err := q.store.Insert(ctx, job); err != nil {
		return nil, err
	}
	q.sink.Broadcast(event.TopicJobQueued, event.JobProgress{
		JobID:  job.ID,
		Key:    job.SessionKey,
		Total:  len(job.Entries),
		Status: string(StateWaiting),
	})
	return job, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

func (q *Queue) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	return q.store.ListRecent(ctx, limit)
}

func (q *Queue) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return q.store.PurgeOlderThan(ctx, age)
}

func (q *Queue) work() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			if q.paused.Load() {
				continue
			}
			q.drainOnce()
		}
	}
}

// drainOnce claims and runs jobs until the store is empty or the queue is
// paused/stopped, so a burst does not wait one poll interval per job.
func (q *Queue) drainOnce() {
	for {
		if q.paused.Load() || q.ctx.Err() != nil {
			return
		}
		job, err := q.store.Claim(q.ctx)
		if err != nil {
			log.SysErr("queue-claim", err)
			return
		}
		if job == nil {
			return
		}
		q.run(job)
	}
}

func (q *Queue) run(job *Job) {
	log.JobOp(job.ID, job.SessionKey).WithField("attempt", job.Attempts).Info("Job started")

	report := func(progress int, results []Result) {
		if err := q.store.UpdateProgress(q.ctx, job.ID, progress, results); err != nil {
			log.SysErr("queue-progress", err)
		}
		q.sink.Broadcast(event.TopicJobProgress, event.JobProgress{
			JobID:     job.ID,
			Key:       job.SessionKey,
			Progress:  progress,
			Processed: len(results),
			Total:     len(job.Entries),
			Status:    string(StateActive),
		})
	}

	results, err := q.runner(q.ctx, job, report)
	if err != nil && q.ctx.Err() != nil {
		// Shutdown interrupted the job. Leave it active instead of
		// completing or rescheduling; ResetActive requeues it on the
		// next start.
		log.JobOp(job.ID, job.SessionKey).Warn("Job interrupted by shutdown, left for resume")
		return
	}
	if err == nil {
		if err := q.store.MarkCompleted(q.ctx, job.ID, results); err != nil {
			log.SysErr("queue-complete", err)
		}
		q.sink.Broadcast(event.TopicJobCompleted, event.JobProgress{
			JobID:     job.ID,
			Key:       job.SessionKey,
			Progress:  100,
			Processed: len(results),
			Total:     len(job.Entries),
			Status:    string(StateCompleted),
		})
		log.JobOp(job.ID, job.SessionKey).Info("Job completed")
		q.trim()
		return
	}

	if job.Attempts >= job.MaxAttempts {
		if markErr := q.store.MarkFailed(q.ctx, job.ID, err.Error(), results); markErr != nil {
			log.SysErr("queue-fail", markErr)
		}
		q.sink.Broadcast(event.TopicJobFailed, event.JobProgress{
			JobID:     job.ID,
			Key:       job.SessionKey,
			Processed: len(results),
			Total:     len(job.Entries),
			Status:    string(StateFailed),
		})
		log.JobOp(job.ID, job.SessionKey).WithError(err).Error("Job failed permanently")
		q.trim()
		return
	}

	// Exponential backoff per whole-job attempt: base, 2x, 4x...
	backoff := q.backoffBase << (job.Attempts - 1)
	nextRun := time.Now().Add(backoff)
	if err := q.store.Reschedule(q.ctx, job.ID, err.Error(), nextRun); err != nil {
		log.SysErr("queue-reschedule", err)
	}
	log.JobOp(job.ID, job.SessionKey).WithError(err).
		WithField("backoff", backoff.String()).
		Warn("Job errored, rescheduled")
}

func (q *Queue) trim() {
	if n, err := q.store.TrimFinished(q.ctx, q.keepCompleted, q.keepFailed); err != nil {
		log.SysErr("queue-trim", err)
	} else if n > 0 {
		log.Evt("queue", "trim", "reclaimed", strconv.FormatInt(n, 10))
	}
}
