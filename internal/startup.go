package internal

import (
	"context"
	mathrand "math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mkarsa/wa-dispatch-gateway/internal/bridge"
	"github.com/mkarsa/wa-dispatch-gateway/internal/dispatch"
	"github.com/mkarsa/wa-dispatch-gateway/internal/engine"
	"github.com/mkarsa/wa-dispatch-gateway/internal/event"
	"github.com/mkarsa/wa-dispatch-gateway/internal/queue"
	"github.com/mkarsa/wa-dispatch-gateway/internal/session"
	"github.com/mkarsa/wa-dispatch-gateway/internal/webhook"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/auth"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/env"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/log"
)

// Gateway bundles the long-lived components. Constructed once in main and
// passed by reference; no package-level singletons.
type Gateway struct {
	Manager    *session.Manager
	Dispatcher *dispatch.Dispatcher
	Queue      *queue.Queue
	Hub        *bridge.Hub
	Forwarder  *webhook.Forwarder
}

// Build wires every component together. The hub is both the event sink for
// the manager/queue/dispatcher and a state reader over the manager, so it is
// created first and bound to the manager afterwards.
func Build(ctx context.Context) (*Gateway, error) {
	if err := auth.Require(); err != nil {
		return nil, err
	}

	factory, err := engine.NewWhatsmeowFactory(ctx)
	if err != nil {
		return nil, err
	}

	hub := bridge.NewHub(nil)
	forwarder := webhook.NewFromEnv()
	sink := event.Fanout{hub}
	if forwarder != nil {
		sink = append(sink, forwarder)
	}

	manager := session.NewManager(factory, sink)
	hub.BindState(manager)

	var store queue.Store
	if dsn := env.GetEnvStringOrDefault("WA_QUEUE_DSN", ""); dsn != "" {
		pgStore, err := queue.NewPgStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		store = pgStore
	} else {
		log.Print(nil).Warn("WA_QUEUE_DSN not set, jobs are held in memory and lost on restart")
		store = queue.NewMemStore()
	}

	q := queue.New(store, sink)
	dispatcher := dispatch.New(manager, q, sink)

	return &Gateway{
		Manager:    manager,
		Dispatcher: dispatcher,
		Queue:      q,
		Hub:        hub,
		Forwarder:  forwarder,
	}, nil
}

func jitterSleep(max time.Duration) {
	if max <= 0 {
		return
	}
	ms := mathrand.Int64N(max.Milliseconds() + 1)
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// Startup restores the sessions a previous run left on disk and starts the
// queue worker. Restores run concurrently under a semaphore with per-session
// jitter so a process restart does not stampede the platform.
func (gw *Gateway) Startup(ctx context.Context) {
	log.Print(nil).Info("Running Startup Tasks")

	if err := gw.Queue.Start(); err != nil {
		log.Print(nil).Fatal("Failed to start job queue: " + err.Error())
	}

	dataRoot := env.GetEnvStringOrDefault("WA_SESSIONS_DIR", "./sessions")
	entries, err := os.ReadDir(dataRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Print(nil).Warn("Failed to scan session directory: " + err.Error())
		}
		return
	}

	maxConcurrent := int64(env.GetEnvIntOrDefault("WA_STARTUP_RESTORE_CONCURRENCY", 10))
	jitterMax := env.GetEnvDurationOrDefault("WA_STARTUP_RESTORE_JITTER_MAX", 5*time.Second)

	sem := semaphore.NewWeighted(maxConcurrent)
	var restored, failed int64

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		key := entry.Name()
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		go func(key string) {
			defer sem.Release(1)
			jitterSleep(jitterMax)
			log.SessionOp(key, "restore").Info("Restoring session")
			if _, err := gw.Manager.Create(key, session.Config{}); err != nil {
				log.SessionOp(key, "restore").WithError(err).Warn("Failed to restore session")
				atomic.AddInt64(&failed, 1)
				return
			}
			atomic.AddInt64(&restored, 1)
		}(key)
	}

	// Drain the semaphore so the completion log is accurate.
	if err := sem.Acquire(ctx, maxConcurrent); err == nil {
		sem.Release(maxConcurrent)
	}

	log.Print(nil).
		WithField("restored", atomic.LoadInt64(&restored)).
		WithField("failed", atomic.LoadInt64(&failed)).
		WithField("concurrency", maxConcurrent).
		Info("Startup restore pass complete")
}

// Shutdown tears everything down in dependency order.
func (gw *Gateway) Shutdown() {
	gw.Queue.Stop()
	gw.Manager.Shutdown()
	gw.Hub.ShutdownAll()
	if gw.Forwarder != nil {
		gw.Forwarder.Shutdown()
	}
}
