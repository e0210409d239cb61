// Package http serves the read-only ops surface. It exposes daemon state,
// provider health and the DLQ for operators; nothing here mutates the
// pipeline. The server only runs when an address is configured.
package http

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/core/service/health"
	"collabiq/pkg/resilience"
	"collabiq/pkg/response"
)

const dlqListLimit = 200

// Options carries the read-only views the server renders.
type Options struct {
	State    out.StateStore
	DLQ      out.DLQStore
	Tracker  *health.Tracker
	Breakers *resilience.Registry

	// Probe reports whether the data directory is still writable.
	Probe func(context.Context) error
}

type Server struct {
	app       *fiber.App
	opts      Options
	log       zerolog.Logger
	startedAt time.Time
}

func NewServer(opts Options, log zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler:          errorHandler(),
	})
	app.Use(fiberrecover.New())
	app.Use(requestLog(log))

	s := &Server{app: app, opts: opts, log: log, startedAt: time.Now()}

	app.Get("/health", s.health)
	app.Get("/status", s.status)
	app.Get("/dlq", s.dlqList)
	app.Get("/dlq/:id", s.dlqShow)

	return s
}

// Listen blocks serving the ops API on addr.
func (s *Server) Listen(addr string) error {
	s.log.Info().
		Str("component", "ops_server").
		Str("operation", "listen").
		Dict("context", zerolog.Dict().Str("addr", addr)).
		Msg("ops server started")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) health(c *fiber.Ctx) error {
	status := "ok"
	code := fiber.StatusOK
	if s.opts.Probe != nil {
		if err := s.opts.Probe(c.Context()); err != nil {
			// 파일 저장소가 죽으면 데몬 전체가 죽은 것과 같다
			status = "degraded: " + err.Error()
			code = fiber.StatusServiceUnavailable
		}
	}
	return c.Status(code).JSON(fiber.Map{
		"status":         status,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) status(c *fiber.Ctx) error {
	state, err := s.opts.State.Load(c.Context())
	if err != nil {
		return response.FromAppError(c, err)
	}
	return response.OK(c, fiber.Map{
		"daemon":    state,
		"providers": s.opts.Tracker.SnapshotAll(),
		"breakers":  s.opts.Breakers.Snapshots(),
	})
}

func (s *Server) dlqList(c *fiber.Ctx) error {
	filter := out.DLQFilter{Limit: c.QueryInt("limit", dlqListLimit)}

	if op := c.Query("op"); op != "" {
		if !domain.ValidOperationType(op) {
			return response.Error(c, fiber.StatusBadRequest, "VALIDATION_FAILED", "unknown operation type "+op)
		}
		filter.OperationType = domain.OperationType(op)
	}
	if st := c.Query("status"); st != "" {
		filter.Status = domain.DLQStatus(st)
	}

	entries, err := s.opts.DLQ.List(c.Context(), filter)
	if err != nil {
		return response.FromAppError(c, err)
	}
	return response.OKWithMeta(c, entries, &response.Meta{Total: len(entries)})
}

func (s *Server) dlqShow(c *fiber.Ctx) error {
	entry, err := s.opts.DLQ.Get(c.Context(), c.Params("id"))
	if err != nil {
		return response.FromAppError(c, err)
	}
	return response.OK(c, entry)
}
