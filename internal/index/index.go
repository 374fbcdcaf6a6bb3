package index

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mkarsa/wa-dispatch-gateway/pkg/router"
)

func Index(c *fiber.Ctx) error {
	return router.ResponseSuccess(c, "WA Dispatch Gateway is running")
}
