package admin

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mkarsa/wa-dispatch-gateway/internal/queue"
	"github.com/mkarsa/wa-dispatch-gateway/internal/session"
	"github.com/mkarsa/wa-dispatch-gateway/internal/types"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/auth"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/router"
)

// BridgeStats is the slice of the event bridge the admin surface reads.
type BridgeStats interface {
	ConnectionCount() int
}

type Controller struct {
	Manager *session.Manager
	Queue   *queue.Queue
	Bridge  BridgeStats

	startedAt time.Time
}

func NewController(manager *session.Manager, q *queue.Queue, bridge BridgeStats) *Controller {
	return &Controller{Manager: manager, Queue: q, Bridge: bridge, startedAt: time.Now()}
}

func (ct *Controller) GetStats(c *fiber.Ctx) error {
	summaries := ct.Manager.List()
	stats := make([]types.SessionStat, 0, len(summaries))
	for _, summary := range summaries {
		stats = append(stats, types.SessionStat{
			Key:    summary.Key,
			Status: string(summary.Status),
			Ready:  summary.Ready,
		})
	}

	return router.ResponseSuccessWithData(c, "Success get stats", types.ResponseStats{
		Sessions:      stats,
		SessionCount:  len(stats),
		BridgeClients: ct.Bridge.ConnectionCount(),
		QueuePaused:   ct.Queue.Paused(),
		UptimeSeconds: int64(time.Since(ct.startedAt).Seconds()),
	})
}

func (ct *Controller) GetHealth(c *fiber.Ctx) error {
	return router.ResponseSuccessWithData(c, "Healthy", fiber.Map{
		"status":   "ok",
		"sessions": ct.Manager.Count(),
	})
}

// ReconnectAll forces a reconnect sweep instead of waiting for the cron.
func (ct *Controller) ReconnectAll(c *fiber.Ctx) error {
	ct.Manager.ReconnectStale(c.UserContext())
	return router.ResponseSuccess(c, "Reconnect sweep triggered")
}

// GenerateToken mints a replacement access token for an existing session.
func (ct *Controller) GenerateToken(c *fiber.Ctx) error {
	var req types.RequestAccessToken
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "Failed parse body request")
	}
	req.SessionKey = strings.TrimSpace(req.SessionKey)
	if req.SessionKey == "" {
		return router.ResponseBadRequest(c, "Session key is required")
	}
	if _, err := ct.Manager.Peek(req.SessionKey); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return router.ResponseNotFound(c, "Session not found")
		}
		return router.ResponseInternalError(c, err.Error())
	}

	token, err := auth.GenerateAccessToken(req.Name, req.SessionKey)
	if err != nil {
		return router.ResponseInternalError(c, "Failed to generate access token")
	}
	return router.ResponseSuccessWithData(c, "Success generate access token", fiber.Map{
		"access_token": token,
		"session_key":  req.SessionKey,
	})
}
