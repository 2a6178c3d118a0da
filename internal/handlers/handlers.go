// Package handlers is the HTTP surface: authentication, payload
// validation, dispatch and job status lookups.
package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/media-toolkit/internal/logging"
	"github.com/codebuildervaibhav/media-toolkit/internal/processing"
	"github.com/codebuildervaibhav/media-toolkit/internal/queue"
	"github.com/codebuildervaibhav/media-toolkit/internal/storage"
	"github.com/codebuildervaibhav/media-toolkit/internal/types"
	"github.com/codebuildervaibhav/media-toolkit/internal/upload"
)

// Version is reported by /health
const Version = "1.0.0"

// Dispatcher is the part of queue.Dispatcher the routes use
type Dispatcher interface {
	Submit(ctx context.Context, req queue.Request) (*types.Envelope, error)
	Stats() map[string]queue.FamilyStats
	MaxQueueLength() int
}

// Deps are the collaborators of the HTTP layer
type Deps struct {
	APIKey     string
	Dispatcher Dispatcher
	Registry   *processing.Registry
	Ledger     storage.Ledger
	Broker     *queue.Broker
	// Uploader is reported by /health, with its circuit state when it has one
	Uploader upload.Uploader
	Logs     *logging.LogBuffer
	// StaticDir is served under /static when set
	StaticDir   string
	BodyLimitMB int
	Logger      *logrus.Logger
}

// Route binds a path to an operation
type Route struct {
	Path      string
	Operation string
}

// Routes lists the job endpoints
var Routes = []Route{
	{"/v1/media/convert", processing.OpMediaConvert},
	{"/v1/media/convert/mp3", processing.OpMediaConvertMP3},
	{"/v1/media/metadata", processing.OpMediaMetadata},
	{"/v1/media/transcribe", processing.OpTranscribe},
	{"/v1/media/upload", processing.OpMediaUpload},
	{"/v1/image/screenshot/webpage", processing.OpScreenshot},
	{"/v1/text/chunks", processing.OpTextChunks},
	{"/v1/string/transform/chunks", processing.OpTextChunks},
	{"/v1/toolkit/test", processing.OpToolkitTest},
	{"/v1/toolkit/authenticate", processing.OpAuthenticate},
}

// Server holds the route handlers
type Server struct {
	deps     Deps
	pipeline *Pipeline
	log      *logrus.Entry
}

// NewServer creates the handlers
func NewServer(deps Deps) *Server {
	return &Server{
		deps:     deps,
		pipeline: NewPipeline(deps.Registry, deps.Dispatcher),
		log:      deps.Logger.WithField("component", "http"),
	}
}

// NewApp builds the Fiber app with middleware and every route registered
func NewApp(deps Deps) *fiber.App {
	limit := deps.BodyLimitMB
	if limit <= 0 {
		limit = 50
	}
	app := fiber.New(fiber.Config{
		BodyLimit:             limit * 1024 * 1024,
		DisableStartupMessage: true,
		ReadTimeout:           60 * time.Second,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{Output: deps.Logger.Writer()}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, X-API-Key",
	}))

	NewServer(deps).Register(app)
	return app
}

// Register mounts every route on app
func (s *Server) Register(app *fiber.App) {
	app.Get("/health", s.health)

	if s.deps.StaticDir != "" {
		app.Static("/static", s.deps.StaticDir)
	}

	auth := RequireAPIKey(s.deps.APIKey)
	app.Get("/logs", auth, s.logs)

	for _, r := range Routes {
		app.Post(r.Path, auth, s.pipeline.Handler(r.Operation))
	}

	app.Get("/job/:job_id/status", auth, s.jobStatus)
	app.Get("/v1/job/:job_id/status", auth, s.jobStatus)
	app.Post("/v1/toolkit/job/status", auth, s.jobStatusBody)
	app.Post("/v1/toolkit/jobs/status", auth, s.jobsStatus)

	app.Use("/v1/toolkit/jobs/stream", auth, requireUpgrade)
	app.Get("/v1/toolkit/jobs/stream", websocket.New(s.streamEvents))
}

func (s *Server) health(c *fiber.Ctx) error {
	body := fiber.Map{
		"status":           "healthy",
		"version":          Version,
		"families":         s.deps.Dispatcher.Stats(),
		"max_queue_length": s.deps.Dispatcher.MaxQueueLength(),
	}
	if up := s.deps.Uploader; up != nil {
		info := fiber.Map{"provider": up.Name()}
		if b, ok := up.(interface{ State() string }); ok {
			info["breaker"] = b.State()
		}
		body["upload"] = info
	}
	if counts, err := s.deps.Ledger.CountByStatus(c.UserContext()); err == nil {
		body["jobs"] = counts
	} else {
		s.log.WithError(err).Warn("Failed to count jobs")
	}
	return c.JSON(body)
}

func (s *Server) logs(c *fiber.Ctx) error {
	var lines []string
	if s.deps.Logs != nil {
		lines = s.deps.Logs.GetLogs()
	}
	return c.JSON(fiber.Map{"logs": lines})
}
