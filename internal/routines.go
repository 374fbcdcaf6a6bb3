package internal

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mkarsa/wa-dispatch-gateway/pkg/env"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/log"
)

// Routines registers the periodic maintenance jobs: a health sweep that
// retries stale disconnected sessions every five minutes and a nightly purge
// of finished jobs past the retention age.
func (gw *Gateway) Routines(c *cron.Cron) {
	log.Print(nil).Info("Running Routine Tasks")

	if env.GetEnvBoolOrDefault("WA_ENABLE_HEALTH_CHECK_CRON", true) {
		_, err := c.AddFunc("0 */5 * * * *", func() {
			if gw.Manager.Count() == 0 {
				return
			}
			for _, summary := range gw.Manager.List() {
				if summary.Ready {
					continue
				}
				log.SessionOp(summary.Key, "health").Warn("Session unhealthy: " + string(summary.Status))
			}
			gw.Manager.ReconnectStale(context.Background())
		})
		if err != nil {
			log.Print(nil).WithField("error", err.Error()).Error("Failed to add health check cron job")
		}
	} else {
		log.Print(nil).Info("Health check cron disabled; relying on engine event handlers")
	}

	purgeAge := env.GetEnvDurationOrDefault("WA_JOB_PURGE_AGE", 7*24*time.Hour)
	_, err := c.AddFunc("0 0 3 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := gw.Queue.PurgeOlderThan(ctx, purgeAge)
		if err != nil {
			log.SysErr("job-purge", err)
			return
		}
		if n > 0 {
			log.Print(nil).WithField("purged", n).Info("Purged old finished jobs")
		}
	})
	if err != nil {
		log.Print(nil).WithField("error", err.Error()).Error("Failed to add job purge cron job")
	}

	c.Start()
}
