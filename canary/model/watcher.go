package model

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads a Holder whenever another process publishes a new version
// into the watched Store.
type Watcher struct {
	store   *Store
	holder  *Holder
	watcher *fsnotify.Watcher
	reloads chan uint64
}

// NewWatcher starts watching store's directory. Call Run to process events.
func NewWatcher(store *Store, holder *Holder) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating model watcher: %w", err)
	}
	if err := fw.Add(store.Dir()); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watching %s: %w", store.Dir(), err)
	}
	return &Watcher{store: store, holder: holder, watcher: fw, reloads: make(chan uint64, 16)}, nil
}

// Reloaded delivers the version loaded after each CURRENT change.
// Deliveries are dropped if nobody is receiving.
func (w *Watcher) Reloaded() <-chan uint64 { return w.reloads }

// Run processes filesystem events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != currentFile || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				continue
			}
			m, err := w.holder.Reload(w.store)
			if err != nil {
				logrus.WithError(err).Warn("reloading model after publish; keeping current version")
				continue
			}
			select {
			case w.reloads <- m.ModelVersion():
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logrus.WithError(err).Warn("model watcher error")
		}
	}
}
