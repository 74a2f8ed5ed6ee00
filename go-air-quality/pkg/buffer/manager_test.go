package buffer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleka07/airsense/go-air-quality/pkg/model"
	"github.com/aleka07/airsense/go-air-quality/pkg/persistence"
)

// countingStore records how many times a buffer is actually allocated.
type countingStore struct {
	persistence.BufferStore
	creates   atomic.Int32
	createErr error
	// beforeCreate runs once, ahead of the first allocation.
	beforeCreate func()
}

func (s *countingStore) CreateBuffer(ctx context.Context, sensorID string, kind model.BufferKind, elements []byte) error {
	if s.creates.Add(1) == 1 && s.beforeCreate != nil {
		s.beforeCreate()
	}
	if s.createErr != nil {
		return s.createErr
	}
	return s.BufferStore.CreateBuffer(ctx, sensorID, kind, elements)
}

func newTestManager(t *testing.T, capacity int) (*Manager, *countingStore) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	store, err := persistence.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "buffers.db"), log)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	counting := &countingStore{BufferStore: store}
	return NewManager(counting, capacity, time.Minute, log), counting
}

func reading(ts time.Time, pm float64) model.Pm25Element {
	return model.Pm25Present(model.Pm25Reading{Timestamp: ts, ChannelA: pm, ChannelB: pm})
}

func TestEnsureBufferCreatesDefaults(t *testing.T) {
	m, _ := newTestManager(t, 5)
	ctx := context.Background()

	status, err := m.EnsureBuffer(ctx, "1001", model.KindPM25)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExists, status)

	buf, err := m.LoadPM25(ctx, "1001")
	require.NoError(t, err)
	require.Len(t, buf, 5)
	for _, e := range buf {
		assert.True(t, e.IsDefault())
	}

	// second call is a no-op
	status, err = m.EnsureBuffer(ctx, "1001", model.KindPM25)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExists, status)
}

func TestBufferLengthStaysNAfterAppends(t *testing.T) {
	m, _ := newTestManager(t, 4)
	ctx := context.Background()
	_, err := m.EnsureBuffer(ctx, "1001", model.KindPM25)
	require.NoError(t, err)

	start := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	var buf model.Pm25Buffer
	for i := 0; i < 7; i++ {
		buf, err = m.AppendPM25(ctx, "1001", reading(start.Add(time.Duration(i)*time.Minute), float64(i)))
		require.NoError(t, err)
		assert.Len(t, buf, 4)
	}

	stored, err := m.LoadPM25(ctx, "1001")
	require.NoError(t, err)
	require.Len(t, stored, 4)
	// newest first; the three oldest readings were evicted
	for i, want := range []float64{6, 5, 4, 3} {
		r, ok := stored[i].Reading()
		require.True(t, ok)
		assert.Equal(t, want, r.ChannelA)
	}
	assert.True(t, start.Add(6*time.Minute).Equal(model.LatestReadingTime(stored)))
}

func TestConcurrentEnsureAllocatesOnce(t *testing.T) {
	m, counting := newTestManager(t, 90)
	ctx := context.Background()

	const callers = 8
	statuses := make([]model.BufferStatus, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, err := m.EnsureBuffer(ctx, "2002", model.KindAQI)
			assert.NoError(t, err)
			statuses[i] = status
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), counting.creates.Load())
	for _, s := range statuses {
		assert.Contains(t, []model.BufferStatus{model.StatusExists, model.StatusInProgress}, s)
	}

	buf, err := m.LoadAQI(ctx, "2002")
	require.NoError(t, err)
	assert.Len(t, buf, 90)
}

func TestAppendBeforeEnsureIsNotReady(t *testing.T) {
	m, _ := newTestManager(t, 3)

	_, err := m.AppendAQI(context.Background(), "3003", model.DefaultAqiElement())
	assert.ErrorIs(t, err, persistence.ErrBufferNotReady)
}

func TestFailedCreateReleasesClaim(t *testing.T) {
	m, counting := newTestManager(t, 3)
	ctx := context.Background()
	counting.createErr = errors.New("disk full")

	status, err := m.EnsureBuffer(ctx, "4004", model.KindPM25)
	require.Error(t, err)
	assert.Equal(t, model.StatusDoesNotExist, status)

	// the claim was released so the next pass can retry right away
	counting.createErr = nil
	status, err = m.EnsureBuffer(ctx, "4004", model.KindPM25)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExists, status)
	assert.Equal(t, int32(2), counting.creates.Load())
}

func TestEnsureBufferClaimTakenOverIsInProgress(t *testing.T) {
	m, counting := newTestManager(t, 3)
	ctx := context.Background()

	// a second pass treats our claim as stale and finishes the buffer first
	counting.beforeCreate = func() {
		time.Sleep(5 * time.Millisecond)
		won, err := counting.BufferStore.ClaimBuffer(ctx, "5005", model.KindPM25, time.Nanosecond)
		require.NoError(t, err)
		require.True(t, won)
		elements, err := persistence.EncodePm25Buffer(model.NewBuffer(3, model.DefaultPm25Element()))
		require.NoError(t, err)
		require.NoError(t, counting.BufferStore.CreateBuffer(ctx, "5005", model.KindPM25, elements))
	}

	status, err := m.EnsureBuffer(ctx, "5005", model.KindPM25)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, status)

	// the other pass's buffer is left intact
	status, err = m.EnsureBuffer(ctx, "5005", model.KindPM25)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExists, status)
	buf, err := m.LoadPM25(ctx, "5005")
	require.NoError(t, err)
	assert.Len(t, buf, 3)
}

func TestAppendResizesToCurrentCapacity(t *testing.T) {
	small, counting := newTestManager(t, 2)
	ctx := context.Background()
	_, err := small.EnsureBuffer(ctx, "5005", model.KindAQI)
	require.NoError(t, err)

	// same store, larger N after a reconfiguration
	large := NewManager(counting.BufferStore, 5, time.Minute, small.log)
	buf, err := large.AppendAQI(ctx, "5005", model.AqiPresent(model.AqiValue{Timestamp: time.Now(), AQI: 12}))
	require.NoError(t, err)
	assert.Len(t, buf, 5)

	latest, err := large.LatestAQI(ctx, "5005")
	require.NoError(t, err)
	v, ok := latest.Value()
	require.True(t, ok)
	assert.Equal(t, 12.0, v.AQI)
}

func TestDropBuffers(t *testing.T) {
	m, _ := newTestManager(t, 3)
	ctx := context.Background()
	for _, kind := range model.Kinds {
		_, err := m.EnsureBuffer(ctx, "6006", kind)
		require.NoError(t, err)
	}

	require.NoError(t, m.DropBuffers(ctx, "6006"))
	_, err := m.LoadPM25(ctx, "6006")
	assert.ErrorIs(t, err, persistence.ErrBufferNotReady)
}
