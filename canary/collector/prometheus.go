// Package collector gathers per-cycle metric observations, planner features
// and historical deployment records from a Prometheus HTTP API.
package collector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/canary-tuner/canary-tuner/canary"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentQueries bounds in-flight queries per collection cycle.
const maxConcurrentQueries = 8

// errNoSamples marks a query that succeeded but returned nothing usable.
var errNoSamples = errors.New("query returned no samples")

var _ canary.Collector = (*Prometheus)(nil)

// Prometheus implements canary.Collector against a Prometheus server.
//
// Each metric's query runs concurrently under its own timeout. A failed,
// timed-out or empty query leaves that metric unobserved; only a cycle in
// which every query fails is reported as canary.ErrCollectorUnavailable.
type Prometheus struct {
	api     v1.API
	timeout time.Duration
	now     func() time.Time
}

// NewPrometheus creates a collector for the server at cfg.URL.
func NewPrometheus(cfg canary.PrometheusConfig) (*Prometheus, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: prometheus url is required", canary.ErrConfiguration)
	}
	client, err := api.NewClient(api.Config{Address: cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("%w: creating prometheus client: %w", canary.ErrConfiguration, err)
	}
	return NewPrometheusWithAPI(v1.NewAPI(client), cfg.Timeout), nil
}

// NewPrometheusWithAPI wraps an existing API client.
func NewPrometheusWithAPI(a v1.API, timeout time.Duration) *Prometheus {
	return &Prometheus{api: a, timeout: timeout, now: time.Now}
}

// Collect evaluates every metric's query at the same instant.
func (p *Prometheus) Collect(ctx context.Context, specs []canary.MetricSpec) (canary.Observations, error) {
	ts := p.now()
	obs := make(canary.Observations, len(specs))
	var (
		mu       sync.Mutex
		failures []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentQueries)
	for _, spec := range specs {
		g.Go(func() error {
			v, err := p.query(gctx, spec.Query, ts)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				obs[spec.Name] = v
			case errors.Is(err, errNoSamples):
				logrus.WithField("metric", spec.Name).Warn("metric query returned no samples")
			default:
				logrus.WithError(err).WithField("metric", spec.Name).Warn("metric query failed")
				failures = append(failures, fmt.Errorf("%s: %w", spec.Name, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", canary.ErrCollectorUnavailable, err)
	}
	if len(specs) > 0 && len(failures) == len(specs) {
		return nil, fmt.Errorf("%w: all %d queries failed: %w", canary.ErrCollectorUnavailable, len(specs), errors.Join(failures...))
	}
	return obs, nil
}

// Query evaluates a single PromQL expression now.
// The bool result is false when the query returned no usable sample.
func (p *Prometheus) Query(ctx context.Context, query string) (float64, bool, error) {
	v, err := p.query(ctx, query, p.now())
	if errors.Is(err, errNoSamples) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// Features samples the deployment context for the planner. A query with no
// samples contributes 0. Hour and weekday come from now.
func (p *Prometheus) Features(ctx context.Context, q canary.FeatureQueries, now time.Time) (canary.Features, error) {
	f := canary.Features{}.WithClock(now)
	g, gctx := errgroup.WithContext(ctx)
	if q.TrafficQuery != "" {
		g.Go(func() error {
			v, _, err := p.Query(gctx, q.TrafficQuery)
			if err != nil {
				return fmt.Errorf("traffic query: %w", err)
			}
			f.TrafficLevel = v
			return nil
		})
	}
	if q.ErrorRateQuery != "" {
		g.Go(func() error {
			v, _, err := p.Query(gctx, q.ErrorRateQuery)
			if err != nil {
				return fmt.Errorf("error rate query: %w", err)
			}
			f.ErrorRatePrev = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return f, fmt.Errorf("%w: %w", canary.ErrCollectorUnavailable, err)
	}
	return f, nil
}

// Deployment labels read by DeploymentRecords. The sample value is the
// deployment's success rate.
const (
	labelDeploymentID    = "deployment_id"
	labelService         = "service_name"
	labelVersion         = "version"
	labelTrafficLevel    = "traffic_level"
	labelErrorRatePrev   = "error_rate_prev"
	labelDeployHour      = "deploy_time"
	labelDeployWeekday   = "deploy_day"
	labelCanaryIncrement = "canary_increment"
)

// defaultCanaryIncrement labels deployments that do not record their increment.
const defaultCanaryIncrement = 10

// DeploymentRecords evaluates query and turns each vector sample into a
// training record. Missing feature labels default to 0 and a missing
// canary_increment to 10. Samples with unparsable labels or non-finite values
// are skipped. Without a deployment_id label the ID is derived from the label
// set, so repeated ingestion of the same series yields the same ID.
func (p *Prometheus) DeploymentRecords(ctx context.Context, query string) ([]canary.DeploymentRecord, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	result, warnings, err := p.api.Query(ctx, query, p.now())
	if err != nil {
		return nil, fmt.Errorf("%w: deployment query: %w", canary.ErrCollectorUnavailable, err)
	}
	if len(warnings) > 0 {
		logrus.WithField("query", query).Debugf("prometheus warnings: %v", warnings)
	}
	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("deployment query returned %T, want vector", result)
	}

	records := make([]canary.DeploymentRecord, 0, len(vector))
	for _, sample := range vector {
		r, err := deploymentRecord(sample)
		if err != nil {
			logrus.WithError(err).WithField("series", sample.Metric.String()).Warn("skipping deployment sample")
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

func deploymentRecord(sample *model.Sample) (canary.DeploymentRecord, error) {
	label := func(name string) string {
		return string(sample.Metric[model.LabelName(name)])
	}
	var firstErr error
	number := func(name string, def float64) float64 {
		v := label(name)
		if v == "" {
			return def
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("label %s: %w", name, err)
		}
		return f
	}

	r := canary.DeploymentRecord{
		ID:          label(labelDeploymentID),
		Timestamp:   sample.Timestamp.Time().UTC(),
		ServiceName: label(labelService),
		Version:     label(labelVersion),
		Features: canary.Features{
			TrafficLevel:  number(labelTrafficLevel, 0),
			ErrorRatePrev: number(labelErrorRatePrev, 0),
			DeployHour:    int(number(labelDeployHour, 0)),
			DeployWeekday: int(number(labelDeployWeekday, 0)),
		},
		CanaryIncrement: number(labelCanaryIncrement, defaultCanaryIncrement),
		SuccessRate:     float64(sample.Value),
	}
	if firstErr != nil {
		return r, firstErr
	}
	if r.ID == "" {
		r.ID = "series-" + sample.Metric.Fingerprint().String()
	}
	return r, r.Validate()
}

// query runs one instant query bounded by the configured timeout and returns
// the first sample of the result.
func (p *Prometheus) query(ctx context.Context, query string, ts time.Time) (float64, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	result, warnings, err := p.api.Query(ctx, query, ts)
	if err != nil {
		return 0, err
	}
	if len(warnings) > 0 {
		logrus.WithField("query", query).Debugf("prometheus warnings: %v", warnings)
	}
	v, ok := firstSample(result)
	if !ok {
		return 0, errNoSamples
	}
	return v, nil
}

// firstSample extracts a finite value from a vector or scalar result.
func firstSample(result model.Value) (float64, bool) {
	var v float64
	switch r := result.(type) {
	case model.Vector:
		if len(r) == 0 {
			return 0, false
		}
		v = float64(r[0].Value)
	case *model.Scalar:
		if r == nil {
			return 0, false
		}
		v = float64(r.Value)
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
