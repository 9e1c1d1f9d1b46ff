// Package controller serves health, metrics and a due monitor preview
package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/larntz/status-dispatch/internal/application"
	"github.com/larntz/status-dispatch/internal/checks"
	"github.com/larntz/status-dispatch/internal/data"
	"github.com/larntz/status-dispatch/internal/stream"
)

const pingTimeout = 2 * time.Second

// Controller is the ops http server started next to a long running command
type Controller struct {
	Addr     string
	DB       data.Database
	Stream   stream.Client
	Registry *prometheus.Registry
	Clock    clock.Clock
	Log      *zap.Logger
}

// New builds a Controller from the application state
func New(app *application.State) *Controller {
	return &Controller{
		Addr:     app.Config.OpsAddr,
		DB:       app.DB,
		Stream:   app.Stream,
		Registry: app.Metrics.Registry,
		Clock:    app.Clock,
		Log:      app.Log.Named("controller"),
	}
}

// Router returns the ops routes
func (c *Controller) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", c.health)
	r.Handle("/metrics", promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{}))
	r.Get("/monitors/due", c.dueMonitors)
	return r
}

// StartController listens on Addr until ctx is done
func (c *Controller) StartController(ctx context.Context) error {
	srv := &http.Server{
		Addr:              c.Addr,
		Handler:           c.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()
	c.Log.Info("ops server listening", zap.String("addr", c.Addr))

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdown)
}

func (c *Controller) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	status := map[string]string{"store": "ok", "stream": "ok"}
	healthy := true
	if err := c.DB.Ping(ctx); err != nil {
		status["store"] = err.Error()
		healthy = false
	}
	if err := c.Stream.Ping(ctx); err != nil {
		status["stream"] = err.Error()
		healthy = false
	}
	if !healthy {
		c.Log.Warn("health check failed", zap.Any("status", status))
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, status)
}

func (c *Controller) dueMonitors(w http.ResponseWriter, r *http.Request) {
	due, err := c.DB.FindDueMonitors(r.Context(), c.Clock.Now())
	if err != nil {
		c.Log.Error("loading due monitors", zap.Error(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return
	}
	if due == nil {
		due = []checks.Monitor{}
	}
	c.Log.Debug("loaded due monitors", zap.Int("count", len(due)))
	render.JSON(w, r, due)
}
