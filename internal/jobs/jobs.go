package jobs

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mkarsa/wa-dispatch-gateway/internal/queue"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/router"
)

// Controller exposes read access to the durable job queue plus the admin
// pause switch.
type Controller struct {
	Queue *queue.Queue
}

func NewController(q *queue.Queue) *Controller {
	return &Controller{Queue: q}
}

func (ct *Controller) Get(c *fiber.Ctx) error {
	job, err := ct.Queue.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return router.ResponseNotFound(c, "Job not found")
		}
		return router.ResponseInternalError(c, err.Error())
	}

	// Tokens stay scoped to their session's jobs; admins see everything.
	if bound, ok := c.Locals("token_session_key").(string); ok && bound != "" && bound != job.SessionKey {
		return router.ResponseNotFound(c, "Job not found")
	}
	return router.ResponseSuccessWithData(c, "Success get job", job)
}

func (ct *Controller) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	jobsList, err := ct.Queue.ListRecent(c.UserContext(), limit)
	if err != nil {
		return router.ResponseInternalError(c, err.Error())
	}
	return router.ResponseSuccessWithData(c, "Success get job list", jobsList)
}

func (ct *Controller) Pause(c *fiber.Ctx) error {
	ct.Queue.Pause()
	return router.ResponseSuccess(c, "Queue paused")
}

func (ct *Controller) Resume(c *fiber.Ctx) error {
	ct.Queue.Resume()
	return router.ResponseSuccess(c, "Queue resumed")
}
