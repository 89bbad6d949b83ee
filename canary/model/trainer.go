package model

import (
	"context"
	"fmt"
	"time"

	"github.com/canary-tuner/canary-tuner/canary"
	"github.com/sirupsen/logrus"
)

// TrainingObserver is notified after every training attempt.
// m is the model current after the attempt (possibly unchanged, possibly nil).
type TrainingObserver interface {
	ObserveTraining(m *Model, records int, elapsed time.Duration, err error)
}

// Trainer fits models on deployment records and publishes them.
//
// Thread-safety: concurrent Train calls are safe; each publishes its own
// version and the later publish wins. Planners reading through the Holder are
// never blocked.
type Trainer struct {
	cfg      canary.ModelConfig
	store    *Store
	holder   *Holder
	observer TrainingObserver
	now      func() time.Time
}

// NewTrainer creates a Trainer publishing to store and holder.
// observer may be nil.
func NewTrainer(cfg canary.ModelConfig, store *Store, holder *Holder, observer TrainingObserver) *Trainer {
	return &Trainer{cfg: cfg, store: store, holder: holder, observer: observer, now: time.Now}
}

// Holder returns the holder the trainer publishes to.
func (t *Trainer) Holder() *Holder { return t.holder }

// Train fits canary_increment from the record features and publishes the
// result as a new version.
//
// No records leaves the current model untouched and is not an error. A fit or
// publish failure is returned (publish failures wrap canary.ErrPersistence)
// and the current model stays in use.
func (t *Trainer) Train(ctx context.Context, records []canary.DeploymentRecord) (*Model, error) {
	start := t.now()
	m, err := t.train(ctx, records)
	if t.observer != nil {
		t.observer.ObserveTraining(t.holder.Current(), len(records), t.now().Sub(start), err)
	}
	return m, err
}

func (t *Trainer) train(ctx context.Context, records []canary.DeploymentRecord) (*Model, error) {
	current := t.holder.Current()
	if len(records) == 0 {
		logrus.Infof("no deployment records; keeping model version %d", current.ModelVersion())
		return current, nil
	}
	if err := ctx.Err(); err != nil {
		return current, err
	}

	X, y := DesignMatrix(records)
	reg, err := NewRegressor(t.cfg)
	if err != nil {
		return current, err
	}
	if err := reg.Fit(X, y); err != nil {
		return current, fmt.Errorf("fitting %s on %d records: %w", t.cfg.Algorithm, len(records), err)
	}
	if err := ctx.Err(); err != nil {
		return current, err
	}

	m := NewModel(t.cfg.Algorithm, reg, t.now().UTC(), len(records))
	if _, err := t.store.Publish(m); err != nil {
		logrus.WithError(err).Errorf("keeping model version %d; will retry next training cycle", current.ModelVersion())
		return current, err
	}
	if !t.holder.SwapIfNewer(m) {
		logrus.Infof("model version %d superseded by version %d; not swapping", m.Version, t.holder.Current().ModelVersion())
	}

	if err := t.store.Prune(t.cfg.KeepVersions); err != nil {
		logrus.WithError(err).Warn("pruning old model versions")
	}
	return m, nil
}

// DesignMatrix extracts feature vectors and canary_increment labels.
func DesignMatrix(records []canary.DeploymentRecord) ([][]float64, []float64) {
	X := make([][]float64, len(records))
	y := make([]float64, len(records))
	for i, r := range records {
		X[i] = r.Features.Vector()
		y[i] = r.CanaryIncrement
	}
	return X, y
}
