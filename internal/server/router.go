package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wordai/editor/internal/history"
	"github.com/wordai/editor/internal/metrics"
	"github.com/wordai/editor/internal/process"
	"github.com/wordai/editor/internal/supervisor"
)

// Service is the lifecycle surface the router exposes. *supervisor.Supervisor
// implements it.
type Service interface {
	Start() (supervisor.Status, error)
	Stop() (supervisor.StopResult, error)
	Status() supervisor.Status
	LastExit() (process.ExitInfo, bool)
}

// SampleSource reports the latest resource sample of the running child.
// *metrics.Sampler implements it.
type SampleSource interface {
	Last() (metrics.ProcessSample, bool)
}

// Router provides embeddable HTTP handlers for the service command surface.
// Endpoints:
//
//	POST {basePath}/service/start
//	POST {basePath}/service/stop
//	GET  {basePath}/service/status
//	GET  {basePath}/service/exit
//	GET  {basePath}/service/history?limit=N   (when a history querier is set)
//	GET  {basePath}/service/resources         (when a sampler is set)
//	GET  {basePath}/service/events            (websocket, when a hub is set)
//	GET  /metrics                              (when a metrics handler is set)
//
// basePath may be empty or start with '/'; no trailing slash. Every response
// carries an X-Request-ID header.
type Router struct {
	svc      Service
	basePath string
	logger   *slog.Logger
	history  history.Querier
	sampler  SampleSource
	metrics  http.Handler
	events   *Hub
	limiter  *rateLimiter
}

// Option configures optional routes.
type Option func(*Router)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// WithHistory enables the history route.
func WithHistory(q history.Querier) Option { return func(r *Router) { r.history = q } }

// WithSampler enables the resources route.
func WithSampler(s SampleSource) Option { return func(r *Router) { r.sampler = s } }

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

// WithEvents enables the websocket event stream backed by h.
func WithEvents(h *Hub) Option { return func(r *Router) { r.events = h } }

// WithRateLimit throttles start and stop per client address. A non-positive
// rate leaves them unthrottled.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Router) {
		if perSecond > 0 {
			r.limiter = newRateLimiter(perSecond, burst)
		}
	}
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(svc Service, basePath string, opts ...Option) *Router {
	r := &Router{svc: svc, basePath: sanitizeBase(basePath), logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), requestID(), requestLogger(r.logger))
	group := g.Group(r.basePath + "/service")
	lifecycle := []gin.HandlerFunc{}
	if r.limiter != nil {
		lifecycle = append(lifecycle, r.limiter.middleware())
	}
	group.POST("/start", append(lifecycle, r.handleStart)...)
	group.POST("/stop", append(lifecycle, r.handleStop)...)
	group.GET("/status", r.handleStatus)
	group.GET("/exit", r.handleExit)
	if r.history != nil {
		group.GET("/history", r.handleHistory)
	}
	if r.sampler != nil {
		group.GET("/resources", r.handleResources)
	}
	if r.events != nil {
		group.GET("/events", gin.WrapH(r.events))
	}
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer returns an http.Server for handler with the timeouts used by
// every listener of the application. The caller runs and shuts it down.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// stop may wait out the full graceful window before answering
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

// Error kinds carried in errorResp.Kind.
const (
	KindConflictingOperation = "conflicting_operation"
	KindSpawnError           = "spawn_error"
	KindClosed               = "closed"
	KindNotFound             = "not_found"
	KindBadRequest           = "bad_request"
	KindInternal             = "internal"
	KindRateLimited          = "rate_limited"
)

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type stopResp struct {
	OK     bool `json:"ok"`
	Forced bool `json:"forced,omitempty"`
}

func writeError(c *gin.Context, err error) {
	var serr *supervisor.SpawnError
	switch {
	case errors.Is(err, supervisor.ErrConflictingOperation):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error(), Kind: KindConflictingOperation})
	case errors.As(err, &serr):
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error(), Kind: KindSpawnError})
	case errors.Is(err, supervisor.ErrSupervisorClosed):
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error(), Kind: KindClosed})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error(), Kind: KindInternal})
	}
}

func (r *Router) handleStart(c *gin.Context) {
	st, err := r.svc.Start()
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStop(c *gin.Context) {
	res, err := r.svc.Stop()
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, stopResp{OK: true, Forced: res.Forced})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.Status())
}

func (r *Router) handleExit(c *gin.Context) {
	info, ok := r.svc.LastExit()
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no exit recorded yet", Kind: KindNotFound})
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (r *Router) handleHistory(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be an integer in [1, 1000]", Kind: KindBadRequest})
			return
		}
		limit = n
	}
	events, err := r.history.Recent(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) handleResources(c *gin.Context) {
	sample, ok := r.sampler.Last()
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no sample for a running service", Kind: KindNotFound})
		return
	}
	writeJSON(c, http.StatusOK, sample)
}
