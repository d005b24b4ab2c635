package aws

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/GoCodeAlone/connect-trigger/observability/metrics"
)

// CloudWatch metric names.
const (
	MetricInvocations        = "Invocations"
	MetricLoopExhausted      = "LoopExhausted"
	MetricEngineCalls        = "EngineCalls"
	MetricEngineCallDuration = "EngineCallDuration"
)

// maxDatumsPerPut is the PutMetricData limit on datums per request.
const maxDatumsPerPut = 1000

type datumKey struct {
	name string
	dims string
}

type aggregate struct {
	dims  []cwtypes.Dimension
	unit  cwtypes.StandardUnit
	count float64
	sum   float64
	min   float64
	max   float64
}

// CloudWatchRecorder aggregates invocation metrics in memory and publishes
// them with PutMetricData on Flush. The Lambda entrypoint flushes after
// every event; the local server flushes on an interval.
type CloudWatchRecorder struct {
	namespace string
	config    Config

	mu      sync.Mutex
	client  CloudWatchClient
	pending map[datumKey]*aggregate
}

// NewCloudWatchRecorder creates a recorder publishing under
// cfg.MetricsNamespace. The client is created on first Flush.
func NewCloudWatchRecorder(cfg Config) *CloudWatchRecorder {
	return &CloudWatchRecorder{
		namespace: cfg.MetricsNamespace,
		config:    cfg,
		pending:   make(map[datumKey]*aggregate),
	}
}

// NewCloudWatchRecorderWithClient creates a recorder using a pre-built
// client. Used in tests.
func NewCloudWatchRecorderWithClient(namespace string, client CloudWatchClient) *CloudWatchRecorder {
	return &CloudWatchRecorder{
		namespace: namespace,
		client:    client,
		pending:   make(map[datumKey]*aggregate),
	}
}

// RecordInvocation counts one answered invocation.
func (r *CloudWatchRecorder) RecordInvocation(status, result string) {
	if result == "" {
		result = "NONE"
	}
	r.add(MetricInvocations, cwtypes.StandardUnitCount, 1, "Status", status, "SfnResult", result)
}

// RecordLoopExhausted counts a LOOP_DONE answer.
func (r *CloudWatchRecorder) RecordLoopExhausted(reason string) {
	r.add(MetricLoopExhausted, cwtypes.StandardUnitCount, 1, "Reason", reason)
}

// RecordEngineCall counts an engine call and its latency.
func (r *CloudWatchRecorder) RecordEngineCall(operation string, d time.Duration, err error) {
	r.add(MetricEngineCalls, cwtypes.StandardUnitCount, 1, "Operation", operation, "Outcome", metrics.Outcome(err))
	r.add(MetricEngineCallDuration, cwtypes.StandardUnitMilliseconds, float64(d.Microseconds())/1000, "Operation", operation)
}

func (r *CloudWatchRecorder) add(name string, unit cwtypes.StandardUnit, value float64, kv ...string) {
	dims := make([]cwtypes.Dimension, 0, len(kv)/2)
	parts := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		dims = append(dims, cwtypes.Dimension{Name: awsv2.String(kv[i]), Value: awsv2.String(kv[i+1])})
		parts = append(parts, kv[i]+"="+kv[i+1])
	}
	key := datumKey{name: name, dims: strings.Join(parts, ",")}

	r.mu.Lock()
	defer r.mu.Unlock()
	agg, ok := r.pending[key]
	if !ok {
		r.pending[key] = &aggregate{dims: dims, unit: unit, count: 1, sum: value, min: value, max: value}
		return
	}
	agg.count++
	agg.sum += value
	agg.min = min(agg.min, value)
	agg.max = max(agg.max, value)
}

// Pending returns the number of aggregated datums awaiting Flush.
func (r *CloudWatchRecorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush publishes everything recorded since the last Flush. Datums that
// fail to publish are dropped.
func (r *CloudWatchRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[datumKey]*aggregate)
	r.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	client, err := r.ensureClient(ctx)
	if err != nil {
		return err
	}

	keys := make([]datumKey, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].dims < keys[j].dims
	})

	now := time.Now()
	data := make([]cwtypes.MetricDatum, 0, len(keys))
	for _, k := range keys {
		agg := pending[k]
		datum := cwtypes.MetricDatum{
			MetricName: awsv2.String(k.name),
			Dimensions: agg.dims,
			Timestamp:  awsv2.Time(now),
			Unit:       agg.unit,
		}
		if agg.unit == cwtypes.StandardUnitCount {
			datum.Value = awsv2.Float64(agg.sum)
		} else {
			datum.StatisticValues = &cwtypes.StatisticSet{
				SampleCount: awsv2.Float64(agg.count),
				Sum:         awsv2.Float64(agg.sum),
				Minimum:     awsv2.Float64(agg.min),
				Maximum:     awsv2.Float64(agg.max),
			}
		}
		data = append(data, datum)
	}

	for start := 0; start < len(data); start += maxDatumsPerPut {
		end := min(start+maxDatumsPerPut, len(data))
		_, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  awsv2.String(r.namespace),
			MetricData: data[start:end],
		})
		if err != nil {
			return fmt.Errorf("cloudwatch: put metric data: %w", err)
		}
	}
	return nil
}

func (r *CloudWatchRecorder) ensureClient(ctx context.Context) (CloudWatchClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	cfg, err := LoadConfig(ctx, r.config)
	if err != nil {
		return nil, err
	}
	r.client = cloudwatch.NewFromConfig(cfg)
	return r.client, nil
}
