package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCycle(t *testing.T) {
	symbol := "TEST_OBSERVE"
	ObserveCycle(symbol, true, 42, 2*time.Second)
	ObserveCycle(symbol, false, 7, time.Second)

	if got := testutil.ToFloat64(cyclesTotal.WithLabelValues(symbol, OutcomeSuccess)); got != 1 {
		t.Errorf("success cycles = %v", got)
	}
	if got := testutil.ToFloat64(cyclesTotal.WithLabelValues(symbol, OutcomeFailure)); got != 1 {
		t.Errorf("failed cycles = %v", got)
	}
	if got := testutil.ToFloat64(recordsWritten.WithLabelValues(symbol)); got != 42 {
		t.Errorf("records written = %v, failed cycles must not add records", got)
	}
}

func TestStageAndMirrorCounters(t *testing.T) {
	symbol := "TEST_STAGE"
	IncrementStageError(symbol, "fetch")
	IncrementStageError(symbol, "fetch")
	IncrementMirror(symbol, false)

	if got := testutil.ToFloat64(stageErrors.WithLabelValues(symbol, "fetch")); got != 2 {
		t.Errorf("fetch errors = %v", got)
	}
	if got := testutil.ToFloat64(mirrorUploads.WithLabelValues(symbol, OutcomeFailure)); got != 1 {
		t.Errorf("failed uploads = %v", got)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

func TestEmitMetricPublishesWhenConfigured(t *testing.T) {
	prevState := cwState.Load()
	t.Cleanup(func() { cwState.Store(prevState) })

	var batches [][]cwtypes.MetricDatum
	publishMetricsFunc = func(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
		batches = append(batches, data)
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	fixed := time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return fixed }
	t.Cleanup(func() { timeNow = time.Now })

	cwState.Store(nil)
	EmitMetric("pipeline", "cycle_success", 1, "count", nil)
	if len(batches) != 0 {
		t.Fatalf("expected no publish without a client, got %d", len(batches))
	}

	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}, namespace: "Test"})
	EmitMetric("pipeline", "cycle_duration", 1.5, "seconds", map[string]string{"symbol": "NIFTY", "stage": ""})
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("expected one published datum, got %v", batches)
	}

	datum := batches[0][0]
	if aws.ToString(datum.MetricName) != "cycle_duration" || aws.ToFloat64(datum.Value) != 1.5 {
		t.Errorf("unexpected datum %+v", datum)
	}
	if datum.Unit != cwtypes.StandardUnitSeconds {
		t.Errorf("unexpected unit %s", datum.Unit)
	}
	if len(datum.Dimensions) != 2 || aws.ToString(datum.Dimensions[1].Name) != "symbol" {
		t.Errorf("empty dimensions should be dropped: %+v", datum.Dimensions)
	}
	if !aws.ToTime(datum.Timestamp).Equal(fixed) {
		t.Errorf("unexpected timestamp %v", datum.Timestamp)
	}
}
