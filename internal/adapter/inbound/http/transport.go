package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownTimeout bounds graceful server shutdown.
const shutdownTimeout = 5 * time.Second

// Transport serves /metrics and /healthz. It is started only when a port is
// configured; the tool surface never rides on HTTP.
type Transport struct {
	server   *http.Server
	registry *prometheus.Registry
	metrics  *Metrics
	logger   *slog.Logger
}

// NewTransport builds the operational HTTP server for host:port.
func NewTransport(host string, port int, logger *slog.Logger) *Transport {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return &Transport{
		server: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}
}

// Metrics exposes the gateway metric set for wiring into the pipeline.
func (t *Transport) Metrics() *Metrics { return t.metrics }

// Start serves until Shutdown. It blocks, so run it in its own goroutine.
func (t *Transport) Start() error {
	t.logger.Info("operational http server listening", "addr", t.server.Addr)
	if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (t *Transport) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return t.server.Shutdown(ctx)
}
