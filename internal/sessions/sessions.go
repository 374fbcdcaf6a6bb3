package sessions

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/mkarsa/wa-dispatch-gateway/internal/dispatch"
	"github.com/mkarsa/wa-dispatch-gateway/internal/queue"
	"github.com/mkarsa/wa-dispatch-gateway/internal/session"
	"github.com/mkarsa/wa-dispatch-gateway/internal/types"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/auth"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/router"
)

// Controller exposes session lifecycle and dispatch over HTTP. It holds no
// state of its own; everything lives in the manager and the queue.
type Controller struct {
	Manager    *session.Manager
	Dispatcher *dispatch.Dispatcher
}

func NewController(manager *session.Manager, dispatcher *dispatch.Dispatcher) *Controller {
	return &Controller{Manager: manager, Dispatcher: dispatcher}
}

// Create registers a session and mints the access token bound to it.
func (ct *Controller) Create(c *fiber.Ctx) error {
	var req types.RequestCreateSession
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "Failed parse body request")
	}
	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" {
		return router.ResponseBadRequest(c, "Session key is required")
	}

	summary, err := ct.Manager.Create(req.Key, session.Config{
		Label:    req.Label,
		Metadata: req.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidKey):
			return router.ResponseBadRequest(c, err.Error())
		case errors.Is(err, session.ErrDuplicateSession):
			return router.ResponseConflict(c, "Session already exists: "+req.Key)
		default:
			return router.ResponseInternalError(c, err.Error())
		}
	}

	token, err := auth.GenerateAccessToken(req.Label, req.Key)
	if err != nil {
		return router.ResponseInternalError(c, "Failed to generate access token")
	}

	return router.ResponseCreatedWithData(c, "Session created", types.ResponseCreateSession{
		Key:         summary.Key,
		Status:      string(summary.Status),
		AccessToken: token,
	})
}

func (ct *Controller) List(c *fiber.Ctx) error {
	return router.ResponseSuccessWithData(c, "Success get session list", ct.Manager.List())
}

func (ct *Controller) Get(c *fiber.Ctx) error {
	sess, err := ct.Manager.Peek(c.Params("key"))
	if err != nil {
		return router.ResponseNotFound(c, "Session not found")
	}
	return router.ResponseSuccessWithData(c, "Success get session", sess.Summary())
}

// GetQR serves the active pairing challenge. The qr query parameter selects
// between the JSON payload and an inline HTML page for scanning off a
// browser tab.
func (ct *Controller) GetQR(c *fiber.Ctx) error {
	key := c.Params("key")
	sess, err := ct.Manager.Peek(key)
	if err != nil {
		return router.ResponseNotFound(c, "Session not found")
	}

	attempts, max, exhausted := sess.QRState()
	qr, ok := sess.QR()
	if !ok {
		if exhausted {
			return router.ResponseConflict(c, "QR retry bound reached, refresh the session to scan again")
		}
		return router.ResponseNotFound(c, "No active QR challenge")
	}

	if strings.TrimSpace(c.Query("output")) == "html" {
		htmlContent := `
		<html>
			<head>
				<title>Session Pairing</title>
				<meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no" />
			</head>
			<body>
				<img src="` + qr + `" />
				<p><b>Scan to pair session ` + key + `</b></p>
			</body>
		</html>
		`
		c.Set("Content-Type", "text/html")
		return c.SendString(htmlContent)
	}

	return router.ResponseSuccessWithData(c, "Success get QR code", types.ResponseQR{
		Key:      key,
		QR:       qr,
		Attempts: attempts,
		Max:      max,
	})
}

func (ct *Controller) Restart(c *fiber.Ctx) error {
	summary, err := ct.Manager.Restart(c.Params("key"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return router.ResponseNotFound(c, "Session not found")
		}
		return router.ResponseInternalError(c, err.Error())
	}
	return router.ResponseSuccessWithData(c, "Session restarted", summary)
}

// Refresh logs the account out and restarts with a fresh QR cycle. This is
// the only way out of the qr-exhausted state.
func (ct *Controller) Refresh(c *fiber.Ctx) error {
	summary, err := ct.Manager.Refresh(c.UserContext(), c.Params("key"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return router.ResponseNotFound(c, "Session not found")
		}
		return router.ResponseInternalError(c, err.Error())
	}
	return router.ResponseSuccessWithData(c, "Session refreshed", summary)
}

func (ct *Controller) Destroy(c *fiber.Ctx) error {
	key := c.Params("key")
	if err := ct.Manager.Destroy(key); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return router.ResponseNotFound(c, "Session not found")
		}
		return router.ResponseInternalError(c, err.Error())
	}
	ct.Dispatcher.Forget(key)
	return router.ResponseSuccess(c, "Session destroyed")
}

// Dispatch submits a batched send for this session.
func (ct *Controller) Dispatch(c *fiber.Ctx) error {
	key := c.Params("key")

	var req types.RequestDispatch
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "Failed parse body request")
	}

	entries := make([]queue.Entry, 0, len(req.Recipients))
	for _, recipient := range req.Recipients {
		entries = append(entries, queue.Entry{
			To:   strings.TrimSpace(recipient.To),
			Data: recipient.Data,
		})
	}

	outcome, err := ct.Dispatcher.Dispatch(c.UserContext(), key, dispatch.Request{
		Template: req.Message,
		Entries:  entries,
		Mode:     dispatch.Mode(req.Mode),
		Priority: req.Priority,
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			return router.ResponseNotFound(c, "Session not found")
		case errors.Is(err, dispatch.ErrSessionNotReady):
			return router.ResponseUnavailable(c, "Session is not ready to send messages")
		case errors.Is(err, dispatch.ErrNoRecipients), errors.Is(err, dispatch.ErrEmptyMessage):
			return router.ResponseBadRequest(c, err.Error())
		default:
			return router.ResponseBadRequest(c, err.Error())
		}
	}

	if outcome.Mode == dispatch.ModeQueue {
		return router.ResponseAccepted(c, "Batch queued for dispatch", outcome)
	}
	return router.ResponseSuccessWithData(c, "Batch dispatched", outcome)
}
