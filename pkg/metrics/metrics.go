// Package metrics exposes the agent's Prometheus instrumentation.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	registerOnce sync.Once

	fullSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routerd",
			Subsystem: "agent",
			Name:      "full_syncs_total",
			Help:      "Full resync passes, by result.",
		},
		[]string{"result"},
	)
	fullSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "routerd",
			Subsystem: "agent",
			Name:      "full_sync_duration_seconds",
			Help:      "Full resync pass duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routerd",
			Subsystem: "agent",
			Name:      "notifications_total",
			Help:      "Controller notifications handled, by kind.",
		},
		[]string{"kind"},
	)
	managedRouters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "routerd",
			Subsystem: "agent",
			Name:      "managed_routers",
			Help:      "Routers currently implemented on this host.",
		},
	)
)

func register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(fullSyncs, fullSyncDuration, notifications, managedRouters)
	})
}

// RecordFullSync counts one full resync pass and its duration. result is
// "success" or "error".
func RecordFullSync(result string, duration time.Duration) {
	register()
	fullSyncs.WithLabelValues(result).Inc()
	fullSyncDuration.Observe(duration.Seconds())
}

// RecordNotification counts one handled notification, kind "update" or
// "delete".
func RecordNotification(kind string) {
	register()
	notifications.WithLabelValues(kind).Inc()
}

// SetManagedRouters publishes the current registry size.
func SetManagedRouters(n int) {
	register()
	managedRouters.Set(float64(n))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, log *zap.SugaredLogger) error {
	register()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	log.Infow("metrics server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}
