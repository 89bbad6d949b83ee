package cmd

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/canary-tuner/canary-tuner/canary"
	"github.com/canary-tuner/canary-tuner/canary/model"
	"github.com/canary-tuner/canary-tuner/canary/telemetry"
)

// featureSource samples live deployment features.
type featureSource interface {
	Features(ctx context.Context, q canary.FeatureQueries, now time.Time) (canary.Features, error)
}

// recordSource stores training data and supplies it newest first.
type recordSource interface {
	Recent(ctx context.Context, limit int) ([]canary.DeploymentRecord, error)
	PutAll(ctx context.Context, records []canary.DeploymentRecord) (int, error)
}

// deploymentSource discovers past deployments to learn from.
type deploymentSource interface {
	DeploymentRecords(ctx context.Context, query string) ([]canary.DeploymentRecord, error)
}

// controller runs the periodic analysis and tuning cycles and serves their
// results over HTTP.
type controller struct {
	cfg         *canary.Config
	engine      *canary.Engine
	planner     *canary.Planner
	collector   canary.Collector
	features    featureSource    // nil disables live features
	deployments deploymentSource // nil disables ingestion
	records     recordSource
	trainer     *model.Trainer
	metrics     *telemetry.Metrics
	planPath    string // empty disables writing plans to disk
	now         func() time.Time

	analyzeMu sync.Mutex // one analysis cycle at a time
	tuneMu    sync.Mutex
	lastPlan  atomic.Pointer[canary.StepPlan]
}

// analyze runs one analysis cycle.
func (c *controller) analyze(ctx context.Context) (canary.AnalysisResult, error) {
	c.analyzeMu.Lock()
	defer c.analyzeMu.Unlock()
	result, err := c.engine.Evaluate(ctx, c.collector)
	if err != nil {
		logrus.WithError(err).Warn("Analysis cycle degraded; recommending continue")
	} else {
		logrus.WithFields(logrus.Fields{
			"score":          result.Score,
			"recommendation": result.Decision,
			"missing":        len(result.Missing),
		}).Info("Analysis cycle complete")
	}
	return result, err
}

// tune ingests new deployments, retrains on recent records, samples features
// and publishes a new plan. Ingestion, training or feature failures degrade
// to the stored records, the current model or clock-only features; a plan is
// always produced.
func (c *controller) tune(ctx context.Context) canary.StepPlan {
	c.tuneMu.Lock()
	defer c.tuneMu.Unlock()

	c.ingest(ctx)
	records, err := c.records.Recent(ctx, c.cfg.Tuning.TrainingLimit)
	if err != nil {
		logrus.WithError(err).Warn("Could not read deployment records; keeping current model")
	} else if _, err := c.trainer.Train(ctx, records); err != nil {
		logrus.WithError(err).Warn("Training failed; keeping current model")
	}

	now := c.now()
	f := canary.Features{}.WithClock(now)
	if c.features != nil {
		sampled, err := c.features.Features(ctx, c.cfg.Features, now)
		if err != nil {
			logrus.WithError(err).Warn("Could not sample deployment features")
		}
		f = sampled
	}

	plan := c.planner.Recommend(c.trainer.Holder().Predictor(), f)
	c.lastPlan.Store(&plan)
	logrus.WithFields(logrus.Fields{
		"rollout": c.cfg.Rollout.Namespace + "/" + c.cfg.Rollout.Name,
		"source":  plan.Source,
		"model":   plan.ModelVersion,
	}).Infof("Recommended canary steps %v", plan.Weights())

	if c.planPath != "" {
		if err := writePlanTo(c.planPath, plan, "yaml", c.cfg.Rollout); err != nil {
			logrus.WithError(err).Errorf("Could not write plan to %s", c.planPath)
		}
	}
	return plan
}

// ingest copies deployments reported by Prometheus into the record store.
// Records are keyed by deployment ID, so repeated cycles do not duplicate them.
func (c *controller) ingest(ctx context.Context) {
	query := c.cfg.Features.DeploymentQuery
	if c.deployments == nil || query == "" {
		return
	}
	found, err := c.deployments.DeploymentRecords(ctx, query)
	if err != nil {
		logrus.WithError(err).Warn("Could not collect deployment records; training on stored records")
		return
	}
	if len(found) == 0 {
		return
	}
	n, err := c.records.PutAll(ctx, found)
	if err != nil {
		logrus.WithError(err).Warn("Could not store deployment records")
		return
	}
	logrus.Infof("Ingested %d deployment records", n)
}

// loop calls fn now and then every interval until ctx is done.
func loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// router exposes health, analysis, history, plans and metrics.
func (c *controller) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if gin.Mode() == gin.DebugMode {
		r.Use(gin.Logger())
	}

	health := func(g *gin.Context) {
		g.JSON(http.StatusOK, gin.H{
			"status":        "healthy",
			"model_version": c.trainer.Holder().Current().ModelVersion(),
		})
	}
	r.GET("/health", health)
	r.GET("/healthz", health)

	analyze := func(g *gin.Context) {
		result, err := c.analyze(g.Request.Context())
		if err != nil {
			g.JSON(http.StatusOK, gin.H{"error": err.Error(), "recommendation": canary.DecisionContinue})
			return
		}
		g.JSON(http.StatusOK, result)
	}
	r.GET("/analyze", analyze)
	r.POST("/analyze", analyze)

	r.GET("/history", func(g *gin.Context) {
		g.JSON(http.StatusOK, gin.H{
			"summary": canary.Summarize(c.engine.History()),
			"results": c.engine.History().Snapshot(),
		})
	})

	r.GET("/plan", func(g *gin.Context) {
		plan := c.lastPlan.Load()
		if plan == nil {
			g.JSON(http.StatusNotFound, gin.H{"error": "no plan yet"})
			return
		}
		g.JSON(http.StatusOK, plan)
	})

	r.POST("/recommend", func(g *gin.Context) {
		var f canary.Features
		if err := g.ShouldBindJSON(&f); err != nil {
			g.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		g.JSON(http.StatusOK, c.planner.Recommend(c.trainer.Holder().Predictor(), f))
	})

	r.GET("/metrics", gin.WrapH(c.metrics.Handler()))
	return r
}

// run serves HTTP on addr and drives both cycles until ctx is done.
func (c *controller) run(ctx context.Context, addr string, watcher *model.Watcher) error {
	srv := &http.Server{Addr: addr, Handler: c.router(), ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logrus.Infof("Serving on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case v := <-watcher.Reloaded():
					c.metrics.SetModelVersion(v)
				}
			}
		})
	}
	g.Go(func() error {
		loop(gctx, c.cfg.Tuning.AnalysisInterval, func(ctx context.Context) { _, _ = c.analyze(ctx) })
		return nil
	})
	g.Go(func() error {
		loop(gctx, c.cfg.Tuning.TrainingInterval, func(ctx context.Context) { c.tune(ctx) })
		return nil
	})
	return g.Wait()
}
