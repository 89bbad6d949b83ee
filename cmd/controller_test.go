package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canary-tuner/canary-tuner/canary"
	"github.com/canary-tuner/canary-tuner/canary/model"
	"github.com/canary-tuner/canary-tuner/canary/telemetry"
)

type fakeRecords struct {
	records []canary.DeploymentRecord
	err     error
	limits  []int
}

func (f *fakeRecords) Recent(_ context.Context, limit int) ([]canary.DeploymentRecord, error) {
	f.limits = append(f.limits, limit)
	return f.records, f.err
}

func (f *fakeRecords) PutAll(_ context.Context, records []canary.DeploymentRecord) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.records = append(f.records, records...)
	return len(records), nil
}

type fakeDeployments struct {
	records []canary.DeploymentRecord
	err     error
	queries []string
}

func (f *fakeDeployments) DeploymentRecords(_ context.Context, query string) ([]canary.DeploymentRecord, error) {
	f.queries = append(f.queries, query)
	return f.records, f.err
}

type fakeFeatures struct {
	f   canary.Features
	err error
}

func (f fakeFeatures) Features(_ context.Context, _ canary.FeatureQueries, now time.Time) (canary.Features, error) {
	out := f.f
	if f.err != nil {
		out = canary.Features{}
	}
	return out.WithClock(now), f.err
}

var tuneTime = time.Date(2025, 3, 5, 9, 0, 0, 0, time.UTC)

func newTestController(t *testing.T, c canary.Collector, records *fakeRecords, features featureSource) *controller {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg, err := loadConfig(writeConfig(t), noEnv)
	require.NoError(t, err)
	metrics := telemetry.New()
	ms, err := model.NewStore(cfg.Model.Dir)
	require.NoError(t, err)
	return &controller{
		cfg:       cfg,
		engine:    canary.NewEngine(cfg.Analysis.Metrics, cfg.Recommendation, cfg.Tuning.HistoryWindow, canary.WithObserver(metrics)),
		planner:   canary.NewPlanner(cfg.Planner, metrics),
		collector: c,
		features:  features,
		records:   records,
		trainer:   model.NewTrainer(cfg.Model, ms, &model.Holder{}, metrics),
		metrics:   metrics,
		planPath:  filepath.Join(t.TempDir(), "plan.yaml"),
		now:       func() time.Time { return tuneTime },
	}
}

func healthyCollector() canary.Collector {
	return canary.StaticCollector{Observations: canary.Observations{"success-rate": 0.99, "latency": 0.2}}
}

func serve(t *testing.T, c *controller, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	c.router().ServeHTTP(rec, req)
	return rec
}

func TestController_TuneWithoutRecordsUsesDefaultPlan(t *testing.T) {
	records := &fakeRecords{}
	c := newTestController(t, healthyCollector(), records, nil)

	plan := c.tune(context.Background())
	assert.Equal(t, canary.PlanSourceDefault, plan.Source)
	assert.Equal(t, []int{10, 25, 50, 100}, plan.Weights())
	assert.Equal(t, []int{100}, records.limits)

	data, err := os.ReadFile(c.planPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "setWeight: 10")
}

func TestController_TuneTrainsAndPlansFromModel(t *testing.T) {
	records := &fakeRecords{records: trainingRecords()}
	c := newTestController(t, healthyCollector(), records, fakeFeatures{f: canary.Features{TrafficLevel: 100}})

	plan := c.tune(context.Background())
	assert.Equal(t, canary.PlanSourceModel, plan.Source)
	assert.Equal(t, uint64(1), plan.ModelVersion)
	weights := plan.Weights()
	assert.Equal(t, canary.MaxWeight, weights[len(weights)-1])
	assert.GreaterOrEqual(t, plan.Increment, 5)
	assert.LessOrEqual(t, plan.Increment, 40)
}

func TestController_TuneIngestsDeploymentsBeforeTraining(t *testing.T) {
	records := &fakeRecords{}
	c := newTestController(t, healthyCollector(), records, fakeFeatures{f: canary.Features{TrafficLevel: 100}})
	deployments := &fakeDeployments{records: trainingRecords()}
	c.deployments = deployments

	plan := c.tune(context.Background())

	assert.Equal(t, []string{c.cfg.Features.DeploymentQuery}, deployments.queries)
	assert.Len(t, records.records, len(trainingRecords()))
	assert.Equal(t, canary.PlanSourceModel, plan.Source)
	assert.Equal(t, uint64(1), plan.ModelVersion)
}

func TestController_TuneIngestFailureKeepsStoredRecords(t *testing.T) {
	records := &fakeRecords{records: trainingRecords()}
	c := newTestController(t, healthyCollector(), records, nil)
	c.deployments = &fakeDeployments{err: errors.New("prometheus down")}

	plan := c.tune(context.Background())
	assert.Equal(t, canary.PlanSourceModel, plan.Source)
	assert.Len(t, records.records, len(trainingRecords()))
}

func TestController_TuneSurvivesFailures(t *testing.T) {
	records := &fakeRecords{err: errors.New("store closed")}
	c := newTestController(t, healthyCollector(), records, fakeFeatures{err: errors.New("prometheus down")})

	plan := c.tune(context.Background())
	assert.Equal(t, canary.PlanSourceDefault, plan.Source)
	assert.Nil(t, c.trainer.Holder().Current())
}

func TestController_HTTP(t *testing.T) {
	c := newTestController(t, healthyCollector(), &fakeRecords{}, nil)

	rec := serve(t, c, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","model_version":0}`, rec.Body.String())

	rec = serve(t, c, http.MethodGet, "/plan", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, c, http.MethodPost, "/analyze", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "promote", result["recommendation"])

	rec = serve(t, c, http.MethodGet, "/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Summary canary.HistorySummary `json:"summary"`
		Results []json.RawMessage     `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Equal(t, 1, history.Summary.Total)
	assert.Equal(t, 1, history.Summary.Decisions[canary.DecisionPromote])
	assert.Len(t, history.Results, 1)

	c.tune(context.Background())
	rec = serve(t, c, http.MethodGet, "/plan", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, c, http.MethodPost, "/recommend", `{"traffic_level": 50, "deploy_hour": 3}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"source":"default"`)

	rec = serve(t, c, http.MethodPost, "/recommend", `{"traffic_level": "lots"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, c, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `canary_tuner_analysis_decisions_total{decision="promote"} 1`)
}

func TestController_AnalyzeOutage(t *testing.T) {
	c := newTestController(t, canary.StaticCollector{Err: errors.New("timeout")}, &fakeRecords{}, nil)

	rec := serve(t, c, http.MethodGet, "/analyze", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "continue", body["recommendation"])
	assert.Contains(t, body["error"], "timeout")
	assert.Equal(t, 0, c.engine.History().Len())
}

func TestController_RunStopsOnCancel(t *testing.T) {
	c := newTestController(t, healthyCollector(), &fakeRecords{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.run(ctx, "127.0.0.1:0", nil) }()

	require.Eventually(t, func() bool { return c.lastPlan.Load() != nil && c.engine.History().Len() > 0 },
		5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("controller did not stop")
	}
}
