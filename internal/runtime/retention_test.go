package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/gpsflow/internal/runtime/errors"
	"github.com/drblury/gpsflow/internal/runtime/gps"
)

func seedAt(t *testing.T, st *memStore, now time.Time, ages ...int) {
	t.Helper()
	for _, days := range ages {
		_, err := st.Insert(context.Background(), gps.Record{
			PublisherID: "pub123",
			Latitude:    1,
			Longitude:   2,
			Timestamp:   gps.LocalTimeOf(now).AddDays(-days),
		})
		require.NoError(t, err)
	}
}

func TestNewRetentionSchedulerValidations(t *testing.T) {
	_, err := NewRetentionScheduler(nil, RetentionConfig{Days: 1, Interval: time.Second}, nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrStoreRequired)

	_, err = NewRetentionScheduler(&memStore{}, RetentionConfig{Interval: time.Second}, nil, nil)
	assert.Error(t, err)

	_, err = NewRetentionScheduler(&memStore{}, RetentionConfig{Days: 90}, nil, nil)
	assert.Error(t, err)
}

func TestRetentionRunOnceDeletesOlderThanWindow(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	st := &memStore{}
	seedAt(t, st, now, 100, 91, 89, 1)

	metrics, err := NewPipelineMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	r, err := NewRetentionScheduler(st, RetentionConfig{Days: 90, Interval: time.Minute}, newTestLogger(), metrics)
	require.NoError(t, err)
	r.now = func() time.Time { return now }

	deleted, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	remaining := st.Records()
	require.Len(t, remaining, 2)
	assert.Equal(t, int64(3), remaining[0].ID)
	assert.Equal(t, int64(4), remaining[1].ID)

	deleted, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.purgeRuns.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.purgedRecords))
}

func TestRetentionCutoff(t *testing.T) {
	r, err := NewRetentionScheduler(&memStore{}, RetentionConfig{Days: 90, Interval: time.Minute}, nil, nil)
	require.NoError(t, err)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-03T12:00:00", r.Cutoff(now).String())
}

func TestRetentionRunOnceFailureIsTransient(t *testing.T) {
	r, err := NewRetentionScheduler(&memStore{purgeErr: errors.New("locked")}, RetentionConfig{Days: 90, Interval: time.Minute}, newTestLogger(), nil)
	require.NoError(t, err)

	_, err = r.RunOnce(context.Background())
	assert.ErrorIs(t, err, errspkg.ErrTransientStorage)
	assert.True(t, errspkg.IsRetryable(err))
}

// countingPurger fails its first call and counts every call.
type countingPurger struct {
	calls atomic.Int32
}

func (c *countingPurger) DeleteOlderThan(context.Context, gps.LocalTime) (int64, error) {
	if c.calls.Add(1) == 1 {
		return 0, errors.New("transient")
	}
	return 0, nil
}

func TestRetentionServeKeepsRunningAfterFailure(t *testing.T) {
	purger := &countingPurger{}
	r, err := NewRetentionScheduler(purger, RetentionConfig{Days: 90, Interval: time.Hour}, newTestLogger(), nil)
	require.NoError(t, err)

	ticks := make(chan time.Time)
	stopped := make(chan struct{})
	r.newTicker = func(time.Duration) (<-chan time.Time, func()) {
		return ticks, func() { close(stopped) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()

	ticks <- time.Now()
	ticks <- time.Now()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	<-stopped
	assert.Equal(t, int32(3), purger.calls.Load())
}
