package model

import (
	"errors"
	"sync/atomic"

	"github.com/canary-tuner/canary-tuner/canary"
	"github.com/sirupsen/logrus"
)

// Holder publishes the model version planners read. Swapping in a new version
// is a single atomic pointer store; readers never block.
type Holder struct {
	current atomic.Pointer[Model]
}

// Current returns the current model, or nil before the first load or training.
func (h *Holder) Current() *Model {
	return h.current.Load()
}

// Predictor returns the current model as a canary.Predictor, or a nil
// interface when there is none, so planners see "no model" rather than a
// typed nil.
func (h *Holder) Predictor() canary.Predictor {
	if m := h.current.Load(); m != nil {
		return m
	}
	return nil
}

// Swap makes m current and returns the previous model.
func (h *Holder) Swap(m *Model) *Model {
	return h.current.Swap(m)
}

// SwapIfNewer makes m current unless the held model already has the same or
// a higher version. It reports whether m was swapped in.
func (h *Holder) SwapIfNewer(m *Model) bool {
	for {
		cur := h.current.Load()
		if cur != nil && cur.Version >= m.Version {
			return false
		}
		if h.current.CompareAndSwap(cur, m) {
			return true
		}
	}
}

// Reload loads the store's current version and swaps it in if it differs
// from the held one. An empty store is not an error.
func (h *Holder) Reload(s *Store) (*Model, error) {
	m, err := s.Load()
	if errors.Is(err, canary.ErrModelUnavailable) {
		return h.Current(), nil
	}
	if err != nil {
		return h.Current(), err
	}
	if cur := h.Current(); cur != nil && cur.Version == m.Version && cur.Checksum == m.Checksum {
		return cur, nil
	}
	prev := h.Swap(m)
	logrus.WithFields(logrus.Fields{
		"version":  m.Version,
		"previous": prev.ModelVersion(),
	}).Info("loaded model version")
	return m, nil
}
