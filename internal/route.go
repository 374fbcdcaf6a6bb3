package internal

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mkarsa/wa-dispatch-gateway/pkg/auth"
	"github.com/mkarsa/wa-dispatch-gateway/pkg/router"

	ctlAdmin "github.com/mkarsa/wa-dispatch-gateway/internal/admin"
	ctlIndex "github.com/mkarsa/wa-dispatch-gateway/internal/index"
	ctlJobs "github.com/mkarsa/wa-dispatch-gateway/internal/jobs"
	ctlSessions "github.com/mkarsa/wa-dispatch-gateway/internal/sessions"
)

// Routes mounts the full HTTP surface onto the fiber app.
func Routes(app *fiber.App, gw *Gateway) {
	sessions := ctlSessions.NewController(gw.Manager, gw.Dispatcher)
	jobs := ctlJobs.NewController(gw.Queue)
	admin := ctlAdmin.NewController(gw.Manager, gw.Queue, gw.Hub)

	// Route for Index
	// ---------------------------------------------
	if router.BaseURL == "" {
		app.Get("/", ctlIndex.Index)
	} else {
		app.Get(router.BaseURL, ctlIndex.Index)
		app.Get(router.BaseURL+"/", ctlIndex.Index)
	}

	// ============================================================
	// ADMIN ROUTES (X-Admin-Secret authentication)
	// ============================================================
	adminMiddleware := auth.AdminAuth()

	// Stats tolerate a short cache window; everything else is live.
	app.Get(router.BaseURL+"/admin/stats", adminMiddleware,
		router.HttpCacheInMemory(router.CacheTTLSeconds), admin.GetStats)
	app.Get(router.BaseURL+"/admin/health", adminMiddleware, admin.GetHealth)
	app.Post(router.BaseURL+"/admin/reconnect", adminMiddleware, admin.ReconnectAll)
	app.Post(router.BaseURL+"/admin/tokens", adminMiddleware, admin.GenerateToken)

	// Session lifecycle is an admin concern; per-session operations below
	// run under the session-scoped bearer token.
	app.Post(router.BaseURL+"/sessions", adminMiddleware, sessions.Create)
	app.Get(router.BaseURL+"/sessions", adminMiddleware, sessions.List)
	app.Delete(router.BaseURL+"/sessions/:key", adminMiddleware, sessions.Destroy)

	// Queue administration
	app.Get(router.BaseURL+"/admin/jobs", adminMiddleware, jobs.List)
	app.Post(router.BaseURL+"/admin/queue/pause", adminMiddleware, jobs.Pause)
	app.Post(router.BaseURL+"/admin/queue/resume", adminMiddleware, jobs.Resume)

	// ============================================================
	// SESSION OPERATIONS (JWT Bearer token authentication)
	// ============================================================
	apiMiddleware := auth.APIAuth()
	scopeMiddleware := auth.SessionScope()

	app.Get(router.BaseURL+"/sessions/:key", apiMiddleware, scopeMiddleware, sessions.Get)
	app.Get(router.BaseURL+"/sessions/:key/qr", apiMiddleware, scopeMiddleware, sessions.GetQR)
	app.Post(router.BaseURL+"/sessions/:key/restart", apiMiddleware, scopeMiddleware, sessions.Restart)
	app.Post(router.BaseURL+"/sessions/:key/refresh", apiMiddleware, scopeMiddleware, sessions.Refresh)
	app.Post(router.BaseURL+"/sessions/:key/messages", apiMiddleware, scopeMiddleware, sessions.Dispatch)

	// Job status for the owning session
	app.Get(router.BaseURL+"/jobs/:id", apiMiddleware, jobs.Get)

	// ============================================================
	// EVENT BRIDGE (pre-shared key, upgraded to WebSocket)
	// ============================================================
	app.Get(router.BaseURL+"/ws", gw.Hub.UpgradeGuard(), gw.Hub.Handler())
}
