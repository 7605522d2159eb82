// Registers:
//
//	#optionflow_cycles_total{symbol,outcome}
//	#optionflow_stage_errors_total{symbol,stage}
//	#optionflow_records_written_total{symbol}
//	#optionflow_mirror_uploads_total{symbol,outcome}
//	#optionflow_cycle_duration_seconds{symbol}
//	#go_* and process_* system metrics
//
// Exposes them on the configured address under /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"optionflow/logger"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var (
	once sync.Once

	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionflow_cycles_total",
			Help: "Number of completed snapshot cycles by outcome",
		},
		[]string{"symbol", "outcome"},
	)

	stageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionflow_stage_errors_total",
			Help: "Number of cycle failures by pipeline stage",
		},
		[]string{"symbol", "stage"},
	)

	recordsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionflow_records_written_total",
			Help: "Number of quote records written to snapshot files",
		},
		[]string{"symbol"},
	)

	mirrorUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionflow_mirror_uploads_total",
			Help: "Number of snapshot uploads to the remote mirror by outcome",
		},
		[]string{"symbol", "outcome"},
	)

	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optionflow_cycle_duration_seconds",
			Help:    "Wall time of snapshot cycles",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"symbol"},
	)
)

// Register adds the cycle collectors to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{cyclesTotal, stageErrors, recordsWritten, mirrorUploads, cycleDuration} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}

// Init registers every collector with the default registry and, when address
// is not empty, serves /metrics until ctx is cancelled.
func Init(ctx context.Context, address string) {
	once.Do(func() {
		log := logger.GetLogger().WithComponent("metrics")

		if err := Register(prometheus.DefaultRegisterer); err != nil {
			log.WithError(err).Warn("failed to register collectors")
		}
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if address == "" {
			return
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			log.WithFields(logger.Fields{"address": address}).Info("serving prometheus metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server failed")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	})
}

// ObserveCycle records the outcome of one cycle.
func ObserveCycle(symbol string, ok bool, records int, duration time.Duration) {
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeFailure
	}
	cyclesTotal.WithLabelValues(symbol, outcome).Inc()
	cycleDuration.WithLabelValues(symbol).Observe(duration.Seconds())
	if ok {
		recordsWritten.WithLabelValues(symbol).Add(float64(records))
	}

	EmitMetric("pipeline", "cycle_"+outcome, 1, "count", map[string]string{"symbol": symbol})
	EmitMetric("pipeline", "cycle_duration", duration.Seconds(), "seconds", map[string]string{"symbol": symbol})
	if ok {
		EmitMetric("pipeline", "records_written", float64(records), "count", map[string]string{"symbol": symbol})
	}
}

// IncrementStageError counts a cycle that failed in stage.
func IncrementStageError(symbol, stage string) {
	stageErrors.WithLabelValues(symbol, stage).Inc()
	EmitMetric("pipeline", "stage_error", 1, "count", map[string]string{"symbol": symbol, "stage": stage})
}

// IncrementMirror counts one upload attempt.
func IncrementMirror(symbol string, ok bool) {
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeFailure
	}
	mirrorUploads.WithLabelValues(symbol, outcome).Inc()
	EmitMetric("s3_mirror", "upload_"+outcome, 1, "count", map[string]string{"symbol": symbol})
}
