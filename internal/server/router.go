package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/pmwatch/internal/history"
	"github.com/loykin/pmwatch/internal/metrics"
	"github.com/loykin/pmwatch/internal/stream"
)

// Router provides embeddable HTTP handlers for the monitoring API.
// Endpoints:
//
//	GET  {basePath}/apps                    managed processes
//	GET  {basePath}/apps/:name              snapshot and series, query since/until (unix ms)
//	GET  {basePath}/apps/:name/stream       SSE, snapshot and series every interval
//	GET  {basePath}/apps/:name/logs         log tails, query lines
//	GET  {basePath}/apps/:name/logs/stream  SSE, log tails on change
//	POST {basePath}/history/sweep           run retention now
//	GET  {basePath}/healthz
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	query    *history.Query
	logs     *stream.Logs
	streams  *stream.Broadcaster
	sweeper  Sweeper
	basePath string
	log      *slog.Logger
}

// Sweeper runs retention on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

type Options struct {
	Query    *history.Query
	Logs     *stream.Logs
	Streams  *stream.Broadcaster
	Sweeper  Sweeper // optional; the sweep endpoint is absent without it
	BasePath string
	Logger   *slog.Logger
}

// NewRouter constructs a new Router.
func NewRouter(o Options) *Router {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Router{
		query:    o.Query,
		logs:     o.Logs,
		streams:  o.Streams,
		sweeper:  o.Sweeper,
		basePath: sanitizeBase(o.BasePath),
		log:      o.Logger,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/apps", r.handleApps)
	group.GET("/apps/:name", r.handleApp)
	group.GET("/apps/:name/stream", r.handleAppStream)
	group.GET("/apps/:name/logs", r.handleLogs)
	group.GET("/apps/:name/logs/stream", r.handleLogsStream)
	if r.sweeper != nil {
		group.POST("/history/sweep", r.handleSweep)
	}
	return g
}

// NewServer returns an http.Server for h. There is no write timeout since
// streams stay open; tlsCfg may be nil.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// NewMetricsServer serves the prometheus registry on its own listener.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type okResp struct {
	OK bool `json:"ok"`
}

type sweepResp struct {
	Removed int64 `json:"removed"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleApps(c *gin.Context) {
	apps, err := r.query.Apps(c.Request.Context())
	if err != nil {
		r.log.Warn("list apps failed", "error", err)
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, apps)
}

func (r *Router) handleApp(c *gin.Context) {
	since, err := parseMillis(c, "since")
	if err != nil {
		badRequest(c, err)
		return
	}
	until, err := parseMillis(c, "until")
	if err != nil {
		badRequest(c, err)
		return
	}
	if !since.IsZero() && !until.IsZero() && since.After(until) {
		badRequest(c, errors.New("since is after until"))
		return
	}
	detail, err := r.query.Detail(c.Request.Context(), c.Param("name"), since, until)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, detail)
}

func (r *Router) handleLogs(c *gin.Context) {
	lines, err := parseLines(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	msg, err := r.logs.Read(c.Request.Context(), c.Param("name"), lines)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, msg)
}

func (r *Router) handleAppStream(c *gin.Context) {
	r.serveStream(c, r.streams.ServeMetrics)
}

func (r *Router) handleLogsStream(c *gin.Context) {
	r.serveStream(c, r.streams.ServeLogs)
}

func (r *Router) serveStream(c *gin.Context, serve func(context.Context, stream.Sender, string) error) {
	w := stream.NewWriter(c.Writer)
	if err := serve(c.Request.Context(), w, c.Param("name")); err != nil {
		// Nothing has been written yet.
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: stream.CodeInternal, Details: err.Error()})
	}
}

func (r *Router) handleSweep(c *gin.Context) {
	n, err := r.sweeper.Sweep(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sweepResp{Removed: n})
}
