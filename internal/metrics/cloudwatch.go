package metrics

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"optionflow/logger"
)

type cloudWatchState struct {
	client    *cloudwatch.Client
	namespace string
	region    string
}

var (
	cwState atomic.Pointer[cloudWatchState]

	// replaced in tests
	publishMetricsFunc = publishMetrics
	timeNow            = time.Now
)

// InitCloudWatch enables publishing of cycle metrics. When the AWS
// configuration cannot be loaded publishing stays disabled and a warning is
// logged.
func InitCloudWatch(ctx context.Context, region, namespace string) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if namespace == "" {
		namespace = "Optionflow"
	}

	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	state := &cloudWatchState{
		client:    cloudwatch.NewFromConfig(cfg),
		namespace: namespace,
		region:    cfg.Region,
	}
	cwState.Store(state)

	log.WithFields(logger.Fields{
		"region":    state.region,
		"namespace": state.namespace,
	}).Info("initialized CloudWatch client")
}

// EmitMetric logs the metric at debug level and publishes it to CloudWatch
// when configured.
func EmitMetric(component, name string, value float64, unit string, dims map[string]string) {
	logger.GetLogger().WithComponent(component).WithFields(logger.Fields{
		"metric": name,
		"value":  value,
		"unit":   unit,
	}).Debug("metric")

	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	dimensions := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := dims[k]; v != "" {
			dimensions = append(dimensions, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(v)})
		}
	}

	data := []cwtypes.MetricDatum{{
		MetricName: aws.String(name),
		Dimensions: dimensions,
		Unit:       metricUnitFromString(unit),
		Value:      aws.Float64(value),
		Timestamp:  aws.Time(timeNow()),
	}}
	publishMetricsFunc(context.Background(), state, data)
}

func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
	}
}

func metricUnitFromString(unit string) cwtypes.StandardUnit {
	switch strings.ToLower(unit) {
	case "seconds":
		return cwtypes.StandardUnitSeconds
	case "bytes":
		return cwtypes.StandardUnitBytes
	case "percent":
		return cwtypes.StandardUnitPercent
	default:
		return cwtypes.StandardUnitCount
	}
}
