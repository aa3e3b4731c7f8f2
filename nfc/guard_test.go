package nfc

import (
	"errors"
	"sync"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_RejectsConcurrentOperation(t *testing.T) {
	m := NewMetrics(metrics.NewRegistry())
	g := NewGuard(m)

	var innerErr error
	ran := false
	err := g.Do(func() error {
		assert.True(t, g.Held())
		innerErr = g.Do(func() error {
			ran = true
			return nil
		})
		return nil
	})

	require.NoError(t, err)
	assert.ErrorIs(t, innerErr, ErrBusy)
	assert.False(t, ran, "busy operation must not run")
	assert.False(t, g.Held())
	assert.Equal(t, int64(1), m.Busy.Count())
}

func TestGuard_ReleasesOnFailure(t *testing.T) {
	g := NewGuard(NewMetrics(nil))
	opErr := errors.New("hardware timeout")

	err := g.Do(func() error { return opErr })

	assert.ErrorIs(t, err, opErr)
	assert.False(t, g.Held())
}

func TestGuard_ReleasesOnPanic(t *testing.T) {
	g := NewGuard(NewMetrics(nil))

	assert.Panics(t, func() {
		_ = g.Do(func() error { panic("driver crashed") })
	})
	assert.False(t, g.Held())
	assert.NoError(t, g.Do(func() error { return nil }))
}

func TestWithExclusiveAccess_ReturnsValue(t *testing.T) {
	g := NewGuard(NewMetrics(nil))

	v, err := WithExclusiveAccess(g, func() (int, error) { return 42, nil })

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestGuard_SingleFlightUnderContention(t *testing.T) {
	g := NewGuard(NewMetrics(nil))
	release := make(chan struct{})
	entered := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = g.Do(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	var busy int
	for i := 0; i < 10; i++ {
		if IsBusyError(g.Do(func() error { return nil })) {
			busy++
		}
	}
	close(release)
	wg.Wait()

	assert.Equal(t, 10, busy)
	assert.False(t, g.Held())
}
