package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	casework "github.com/goliatone/go-casework"
	"github.com/goliatone/go-casework/engine"
	"github.com/goliatone/go-casework/journal"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// Engine is the part of the engine the HTTP intake drives.
type Engine interface {
	Emit(ctx context.Context, name string, data any, opts ...engine.EmitOption) (string, error)
	Resume(ctx context.Context, runID string) error
}

// RunReader reads runs and their steps for inspection.
type RunReader interface {
	LoadRun(ctx context.Context, id string) (*journal.Run, error)
	ListRuns(ctx context.Context, filter journal.RunFilter) ([]journal.Run, error)
	ListSteps(ctx context.Context, runID string) ([]journal.StepRecord, error)
}

// HealthChecker reports dispatch health.
type HealthChecker interface {
	Health(ctx context.Context) engine.PollerHealth
}

// PayloadValidator checks an event payload before it is accepted.
type PayloadValidator func(name string, raw json.RawMessage) error

const defaultListLimit = 50

// Server exposes event intake and run inspection over HTTP.
type Server struct {
	echo      *echo.Echo
	engine    Engine
	runs      RunReader
	health    HealthChecker
	validate  PayloadValidator
	logger    casework.Logger
	service   string
	accessLog bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger casework.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPayloadValidator rejects events whose payload fails fn.
func WithPayloadValidator(fn PayloadValidator) Option {
	return func(s *Server) {
		s.validate = fn
	}
}

// WithHealthChecker backs GET /healthz.
func WithHealthChecker(h HealthChecker) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithTracing names the service on request spans.
func WithTracing(service string) Option {
	return func(s *Server) {
		s.service = service
	}
}

// WithRequestLogging enables the access log middleware.
func WithRequestLogging(enabled bool) Option {
	return func(s *Server) {
		s.accessLog = enabled
	}
}

// New builds the echo router.
func New(eng Engine, runs RunReader, opts ...Option) *Server {
	s := &Server{
		engine: eng,
		runs:   runs,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = casework.NormalizeLogger(s.logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	if s.accessLog {
		e.Use(middleware.Logger())
	}
	if s.service != "" {
		e.Use(otelecho.Middleware(s.service))
	}

	e.GET("/healthz", s.healthz)
	v1 := e.Group("/v1")
	v1.POST("/events", s.emitEvent)
	v1.GET("/runs", s.listRuns)
	v1.GET("/runs/:id", s.showRun)
	v1.POST("/runs/:id/resume", s.resumeRun)

	s.echo = e
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("http intake listening on %s", addr)
	err := s.echo.Start(addr)
	if stderrors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type emitRequest struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
	At   *time.Time      `json:"at,omitempty"`
	ID   string          `json:"id,omitempty"`
}

func (r emitRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required),
	)
}

type emitResponse struct {
	ID string `json:"id"`
}

func (s *Server) emitEvent(c echo.Context) error {
	var req emitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if s.validate != nil {
		if err := s.validate(req.Name, req.Data); err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
	}

	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}
	var opts []engine.EmitOption
	if req.At != nil {
		opts = append(opts, engine.WithAt(*req.At))
	}
	if req.ID != "" {
		opts = append(opts, engine.WithEventID(req.ID))
	}

	id, err := s.engine.Emit(c.Request().Context(), req.Name, data, opts...)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, emitResponse{ID: id})
}

func (s *Server) listRuns(c echo.Context) error {
	filter := journal.RunFilter{
		Status:     journal.RunStatus(c.QueryParam("status")),
		FunctionID: c.QueryParam("function"),
		Limit:      defaultListLimit,
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		filter.Limit = limit
	}
	switch filter.Status {
	case "", journal.RunRunning, journal.RunCompleted, journal.RunFailed:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+string(filter.Status))
	}

	runs, err := s.runs.ListRuns(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []journal.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

type runDetail struct {
	journal.Run
	Steps []journal.StepRecord `json:"steps"`
}

func (s *Server) showRun(c echo.Context) error {
	ctx := c.Request().Context()
	run, err := s.runs.LoadRun(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	steps, err := s.runs.ListSteps(ctx, run.ID)
	if err != nil {
		return err
	}
	if steps == nil {
		steps = []journal.StepRecord{}
	}
	return c.JSON(http.StatusOK, runDetail{Run: *run, Steps: steps})
}

func (s *Server) resumeRun(c echo.Context) error {
	id := c.Param("id")
	if err := s.engine.Resume(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) healthz(c echo.Context) error {
	if s.health == nil {
		return c.JSON(http.StatusOK, map[string]any{"healthy": true})
	}
	health := s.health.Health(c.Request().Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, health)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error(), Code: engine.ErrorCode(err)}

	var he *echo.HTTPError
	switch {
	case stderrors.As(err, &he):
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			body.Error = msg
		}
	case stderrors.Is(err, journal.ErrRunNotFound) || body.Code == engine.ErrCodeRunNotFound:
		status = http.StatusNotFound
	case body.Code == engine.ErrCodeFunctionNotFound:
		status = http.StatusConflict
	case body.Code != "":
		status = http.StatusBadRequest
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithContext(c.Request().Context()).Error("%s %s: %v", c.Request().Method, c.Path(), err)
	}
	if writeErr := c.JSON(status, body); writeErr != nil {
		s.logger.Warn("write error response: %v", writeErr)
	}
}
