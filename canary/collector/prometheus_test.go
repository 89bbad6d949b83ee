package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canary-tuner/canary-tuner/canary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePrometheus serves /api/v1/query, answering each PromQL expression from
// a fixed table of raw "data" payloads.
type fakePrometheus struct {
	responses map[string]string // query -> data JSON; "error" -> API error; "slow" -> hang
	calls     atomic.Int32
}

func vectorData(v string) string {
	return fmt.Sprintf(`{"resultType":"vector","result":[{"metric":{},"value":[1700000000,%q]}]}`, v)
}

const emptyVector = `{"resultType":"vector","result":[]}`

func (f *fakePrometheus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if r.URL.Path != "/api/v1/query" {
		http.NotFound(w, r)
		return
	}
	data, ok := f.responses[r.FormValue("query")]
	w.Header().Set("Content-Type", "application/json")
	switch {
	case !ok || data == "error":
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","errorType":"bad_data","error":"parse error"}`))
	case data == "slow":
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	default:
		_, _ = fmt.Fprintf(w, `{"status":"success","data":%s}`, data)
	}
}

func newTestCollector(t *testing.T, responses map[string]string) (*Prometheus, *fakePrometheus) {
	t.Helper()
	fake := &fakePrometheus{responses: responses}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	p, err := NewPrometheus(canary.PrometheusConfig{URL: srv.URL, Timeout: 300 * time.Millisecond})
	require.NoError(t, err)
	return p, fake
}

func specs(names ...string) []canary.MetricSpec {
	out := make([]canary.MetricSpec, len(names))
	for i, n := range names {
		out[i] = canary.MetricSpec{Name: n, Query: n + "_query", Threshold: 1, Weight: 1}
	}
	return out
}

func TestNewPrometheus_RequiresURL(t *testing.T) {
	_, err := NewPrometheus(canary.PrometheusConfig{})
	assert.ErrorIs(t, err, canary.ErrConfiguration)
}

func TestCollect_AllMetricsObserved(t *testing.T) {
	p, fake := newTestCollector(t, map[string]string{
		"latency_query":      vectorData("180"),
		"success_rate_query": vectorData("0.995"),
		"replicas_query":     `{"resultType":"scalar","result":[1700000000,"3"]}`,
	})

	obs, err := p.Collect(context.Background(), specs("latency", "success_rate", "replicas"))
	require.NoError(t, err)
	assert.Equal(t, canary.Observations{"latency": 180, "success_rate": 0.995, "replicas": 3}, obs)
	assert.GreaterOrEqual(t, int(fake.calls.Load()), 3)
}

func TestCollect_PartialFailureLeavesMetricsMissing(t *testing.T) {
	p, _ := newTestCollector(t, map[string]string{
		"latency_query": vectorData("180"),
		"errors_query":  "error",
		"empty_query":   emptyVector,
		"nan_query":     vectorData("NaN"),
		"slow_query":    "slow",
	})

	obs, err := p.Collect(context.Background(), specs("latency", "errors", "empty", "nan", "slow"))
	require.NoError(t, err)
	assert.Equal(t, canary.Observations{"latency": 180}, obs)
}

func TestCollect_AllQueriesFailed(t *testing.T) {
	p, _ := newTestCollector(t, map[string]string{"a_query": "error", "b_query": "slow"})

	obs, err := p.Collect(context.Background(), specs("a", "b"))
	assert.Nil(t, obs)
	assert.ErrorIs(t, err, canary.ErrCollectorUnavailable)
}

func TestCollect_AllEmptyIsNotUnavailable(t *testing.T) {
	p, _ := newTestCollector(t, map[string]string{"a_query": emptyVector})

	obs, err := p.Collect(context.Background(), specs("a"))
	require.NoError(t, err)
	assert.Empty(t, obs)
}

func TestCollect_FeedsEngineFailSafe(t *testing.T) {
	p, _ := newTestCollector(t, map[string]string{})
	s := specs("latency")
	engine := canary.NewEngine(s, canary.Thresholds{Rollback: 0.5, Promotion: 0.9}, 10)

	res, err := engine.Evaluate(context.Background(), p)
	assert.ErrorIs(t, err, canary.ErrCollectorUnavailable)
	assert.Equal(t, canary.DecisionContinue, res.Decision)
	assert.Equal(t, 0, engine.History().Len())
}

func TestFeatures(t *testing.T) {
	q := canary.FeatureQueries{TrafficQuery: "traffic", ErrorRateQuery: "errrate"}
	// Sunday 2025-03-09 22:15 UTC.
	now := time.Date(2025, 3, 9, 22, 15, 0, 0, time.UTC)

	t.Run("both present", func(t *testing.T) {
		p, _ := newTestCollector(t, map[string]string{"traffic": vectorData("250.5"), "errrate": vectorData("0.02")})
		f, err := p.Features(context.Background(), q, now)
		require.NoError(t, err)
		assert.Equal(t, canary.Features{TrafficLevel: 250.5, ErrorRatePrev: 0.02, DeployHour: 22, DeployWeekday: 6}, f)
	})

	t.Run("empty error rate is zero", func(t *testing.T) {
		p, _ := newTestCollector(t, map[string]string{"traffic": vectorData("10"), "errrate": emptyVector})
		f, err := p.Features(context.Background(), q, now)
		require.NoError(t, err)
		assert.Equal(t, 10.0, f.TrafficLevel)
		assert.Equal(t, 0.0, f.ErrorRatePrev)
	})

	t.Run("failed query", func(t *testing.T) {
		p, _ := newTestCollector(t, map[string]string{"traffic": "error", "errrate": vectorData("0.1")})
		f, err := p.Features(context.Background(), q, now)
		assert.ErrorIs(t, err, canary.ErrCollectorUnavailable)
		assert.Equal(t, 22, f.DeployHour)
	})
}

func TestDeploymentRecords(t *testing.T) {
	data := `{"resultType":"vector","result":[
		{"metric":{"deployment_id":"d-1","service_name":"frontend","version":"v1.4.0","traffic_level":"120.5","error_rate_prev":"0.01","deploy_time":"14","deploy_day":"2","canary_increment":"25"},"value":[1700000000,"0.97"]},
		{"metric":{"traffic_level":"40"},"value":[1700000000,"1"]},
		{"metric":{"deployment_id":"d-bad","traffic_level":"lots"},"value":[1700000000,"0.9"]},
		{"metric":{"deployment_id":"d-nan"},"value":[1700000000,"NaN"]},
		{"metric":{"deployment_id":"d-hour","deploy_time":"25"},"value":[1700000000,"0.9"]}
	]}`
	p, _ := newTestCollector(t, map[string]string{"deployments": data})

	records, err := p.DeploymentRecords(context.Background(), "deployments")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, canary.DeploymentRecord{
		ID:              "d-1",
		Timestamp:       time.Unix(1700000000, 0).UTC(),
		ServiceName:     "frontend",
		Version:         "v1.4.0",
		Features:        canary.Features{TrafficLevel: 120.5, ErrorRatePrev: 0.01, DeployHour: 14, DeployWeekday: 2},
		CanaryIncrement: 25,
		SuccessRate:     0.97,
	}, records[0])

	unlabelled := records[1]
	assert.Equal(t, 40.0, unlabelled.Features.TrafficLevel)
	assert.Equal(t, 10.0, unlabelled.CanaryIncrement)
	assert.Equal(t, 1.0, unlabelled.SuccessRate)
	assert.NotEmpty(t, unlabelled.ID)

	again, err := p.DeploymentRecords(context.Background(), "deployments")
	require.NoError(t, err)
	assert.Equal(t, unlabelled.ID, again[1].ID, "IDs are stable across queries")
}

func TestDeploymentRecords_Errors(t *testing.T) {
	p, _ := newTestCollector(t, map[string]string{
		"broken": "error",
		"scalar": `{"resultType":"scalar","result":[1700000000,"1"]}`,
		"empty":  emptyVector,
	})

	_, err := p.DeploymentRecords(context.Background(), "broken")
	assert.ErrorIs(t, err, canary.ErrCollectorUnavailable)

	_, err = p.DeploymentRecords(context.Background(), "scalar")
	assert.Error(t, err)

	records, err := p.DeploymentRecords(context.Background(), "empty")
	require.NoError(t, err)
	assert.Empty(t, records)
}
