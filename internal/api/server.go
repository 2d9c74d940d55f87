// Package api exposes the engine over HTTP: inbound messages from the
// channel gateway, programmatic starts from schedulers, and operator
// controls.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zulandar/switchyard/internal/engine"
	"github.com/zulandar/switchyard/internal/flow"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/models"
)

// Orchestrator is the engine surface the API drives.
type Orchestrator interface {
	HandleMessage(ctx context.Context, fc flow.Context) (engine.Outcome, error)
	StartFlow(ctx context.Context, phone, tenantID, name string, initial flow.Data) (flow.Result, error)
	EnqueueFlow(ctx context.Context, phone, tenantID, name string) error
	CancelFlow(ctx context.Context, phone, tenantID string) error
	GetState(ctx context.Context, phone, tenantID string) (*models.Conversation, error)
	Pause(ctx context.Context, phone, tenantID, operator string) error
	Resume(ctx context.Context, phone, tenantID string) error
}

// HistoryReader returns a conversation's audit trail.
type HistoryReader interface {
	History(ctx context.Context, phone, tenantID string, limit int) ([]models.FlowEvent, error)
}

const defaultShutdownTimeout = 10 * time.Second

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Engine          Orchestrator
	History         HistoryReader       // optional; enables the events route
	Metrics         *metrics.Metrics    // optional
	Gatherer        prometheus.Gatherer // optional; serves /metrics when set
	Logger          *zerolog.Logger
	Port            int           // defaults to 8080
	ShutdownTimeout time.Duration // defaults to 10s
}

// NewRouter builds the gin router with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("api: engine is required")
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "api").Logger()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log), recordMetrics(opts.Metrics))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	h := &handlers{eng: opts.Engine, history: opts.History, log: log}
	h.register(router.Group("/v1"))
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", opts.Port).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down api")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

// requestLogger logs every completed request, at warn level for 4xx and
// 5xx responses.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Debug()
		if status >= 400 {
			ev = log.Warn()
		}
		for _, e := range c.Errors {
			ev = ev.AnErr("handler_error", e.Err)
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Msg("request completed")
	}
}

// recordMetrics counts requests by route template so phone numbers never
// become label values.
func recordMetrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		if route == "/healthz" || route == "/metrics" {
			return
		}
		m.HTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
