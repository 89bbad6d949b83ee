package model

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnPublish(t *testing.T) {
	dir := t.TempDir()
	readerStore, err := NewStore(dir)
	require.NoError(t, err)
	var h Holder
	w, err := NewWatcher(readerStore, &h)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// A second Store on the same directory stands in for another process.
	writerStore, err := NewStore(dir)
	require.NoError(t, err)
	_, err = writerStore.Publish(fitModel(t, AlgorithmRidge, stepRecords(10, 51)))
	require.NoError(t, err)

	select {
	case v := <-w.Reloaded():
		assert.Equal(t, uint64(1), v)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload after publish")
	}
	assert.Equal(t, uint64(1), h.Current().ModelVersion())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
