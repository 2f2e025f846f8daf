package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
)

// metrics holds the Prometheus vectors a Logger updates as it drains
// connection and transaction events.
type metrics struct {
	connections *prometheus.CounterVec
	txTotal     *prometheus.CounterVec
	txDuration  *prometheus.HistogramVec
}

func newMetrics() *metrics {
	return &metrics{
		connections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarm",
			Subsystem: "transport",
			Name:      "connections_total",
			Help:      "Connection lifecycle events by protocol, direction, and result.",
		}, []string{"protocol", "direction", "result"}),

		txTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarm",
			Subsystem: "protocol",
			Name:      "transactions_total",
			Help:      "Command transactions by protocol, command, and result.",
		}, []string{"protocol", "command", "result"}),

		txDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "swarm",
			Subsystem: "protocol",
			Name:      "transaction_duration_seconds",
			Help:      "Command transaction duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
	}
}

func (m *metrics) observeConnection(e ConnectionEvent) {
	m.connections.WithLabelValues(e.Protocol, e.Direction, e.Result).Inc()
}

func (m *metrics) observeTransaction(e TransactionEvent) {
	m.txTotal.WithLabelValues(e.Protocol, e.Command, e.Result).Inc()
	if e.Duration > 0 {
		m.txDuration.WithLabelValues(e.Command).Observe(e.Duration.Seconds())
	}
}

// MetricsServer serves the default Prometheus registry over HTTP, the
// same "plain http.Handler, nothing fancier" shape the teacher's own
// prometheus server wrapped around a graceful http.Server. Shutdown
// here uses net/http's own context-based Shutdown instead of a
// third-party graceful-shutdown library, since stdlib has carried that
// capability since Go 1.8 and nothing else in this module's dependency
// set reaches for an external one for it.
type MetricsServer struct {
	srv *http.Server
}

// NewMetricsServer constructs (but does not start) an HTTP server
// exposing /metrics on addr.
func NewMetricsServer(addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{srv: &http.Server{Addr: addr, Handler: mux}}
}

// Run starts serving and blocks until ctx is canceled, then shuts down
// gracefully.
func (m *MetricsServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("observability: metrics server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("observability: metrics server shutdown error", log.Err(err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}
