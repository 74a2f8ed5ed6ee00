package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleka07/airsense/go-air-quality/pkg/model"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "airsense.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return newSQLiteStore(t) })
}

// runStoreSuite checks the behaviour every backend must share.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("BufferLifecycle", func(t *testing.T) { testBufferLifecycle(t, open(t)) })
	t.Run("ReleaseAndTakeover", func(t *testing.T) { testReleaseAndTakeover(t, open(t)) })
	t.Run("UpdateBuffer", func(t *testing.T) { testUpdateBuffer(t, open(t)) })
	t.Run("Sensors", func(t *testing.T) { testSensors(t, open(t)) })
	t.Run("Results", func(t *testing.T) { testResults(t, open(t)) })
}

func testBufferLifecycle(t *testing.T, s Store) {
	ctx := context.Background()

	status, err := s.BufferStatus(ctx, "1001", model.KindPM25)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDoesNotExist, status)

	_, err = s.LoadBuffer(ctx, "1001", model.KindPM25)
	assert.ErrorIs(t, err, ErrBufferNotReady)

	won, err := s.ClaimBuffer(ctx, "1001", model.KindPM25, time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.ClaimBuffer(ctx, "1001", model.KindPM25, time.Minute)
	require.NoError(t, err)
	assert.False(t, won, "a live claim must not be taken twice")

	status, err = s.BufferStatus(ctx, "1001", model.KindPM25)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, status)

	_, err = s.LoadBuffer(ctx, "1001", model.KindPM25)
	assert.ErrorIs(t, err, ErrBufferNotReady)

	require.NoError(t, s.CreateBuffer(ctx, "1001", model.KindPM25, []byte(`[{"ts":null}]`)))

	status, err = s.BufferStatus(ctx, "1001", model.KindPM25)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExists, status)

	data, err := s.LoadBuffer(ctx, "1001", model.KindPM25)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"ts":null}]`, string(data))

	won, err = s.ClaimBuffer(ctx, "1001", model.KindPM25, 0)
	require.NoError(t, err)
	assert.False(t, won, "an existing buffer is never claimed")

	// the other kind is independent
	status, err = s.BufferStatus(ctx, "1001", model.KindAQI)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDoesNotExist, status)

	err = s.CreateBuffer(ctx, "1001", model.KindAQI, []byte(`[]`))
	assert.ErrorIs(t, err, ErrClaimLost)

	require.NoError(t, s.DeleteBuffers(ctx, "1001"))
	status, err = s.BufferStatus(ctx, "1001", model.KindPM25)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDoesNotExist, status)
}

func testReleaseAndTakeover(t *testing.T, s Store) {
	ctx := context.Background()

	won, err := s.ClaimBuffer(ctx, "2002", model.KindAQI, time.Hour)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, s.ReleaseBuffer(ctx, "2002", model.KindAQI))

	status, err := s.BufferStatus(ctx, "2002", model.KindAQI)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDoesNotExist, status)

	won, err = s.ClaimBuffer(ctx, "2002", model.KindAQI, time.Hour)
	require.NoError(t, err)
	require.True(t, won)

	// a claim older than the ttl is abandoned and can be taken over
	time.Sleep(20 * time.Millisecond)
	won, err = s.ClaimBuffer(ctx, "2002", model.KindAQI, 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, won)
}

func testUpdateBuffer(t *testing.T, s Store) {
	ctx := context.Background()

	err := s.UpdateBuffer(ctx, "3003", model.KindPM25, func(b []byte) ([]byte, error) { return b, nil })
	assert.ErrorIs(t, err, ErrBufferNotReady)

	won, err := s.ClaimBuffer(ctx, "3003", model.KindPM25, time.Minute)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, s.CreateBuffer(ctx, "3003", model.KindPM25, []byte(`[1]`)))

	require.NoError(t, s.UpdateBuffer(ctx, "3003", model.KindPM25, func(b []byte) ([]byte, error) {
		assert.JSONEq(t, `[1]`, string(b))
		return []byte(`[2]`), nil
	}))
	data, err := s.LoadBuffer(ctx, "3003", model.KindPM25)
	require.NoError(t, err)
	assert.JSONEq(t, `[2]`, string(data))

	boom := errors.New("boom")
	err = s.UpdateBuffer(ctx, "3003", model.KindPM25, func([]byte) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	data, err = s.LoadBuffer(ctx, "3003", model.KindPM25)
	require.NoError(t, err)
	assert.JSONEq(t, `[2]`, string(data), "a failed update leaves the buffer untouched")
}

func testSensors(t *testing.T, s Store) {
	ctx := context.Background()
	created := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.AddSensor(ctx, &model.TrackedSensor{SensorID: "b", CreatedAt: created}))
	require.NoError(t, s.AddSensor(ctx, &model.TrackedSensor{SensorID: "a", CreatedAt: created}))

	err := s.AddSensor(ctx, &model.TrackedSensor{SensorID: "a", CreatedAt: created})
	assert.ErrorIs(t, err, ErrConflict)

	sensors, err := s.ListSensors(ctx)
	require.NoError(t, err)
	require.Len(t, sensors, 2)
	assert.Equal(t, "a", sensors[0].SensorID)
	assert.Equal(t, "b", sensors[1].SensorID)
	assert.True(t, created.Equal(sensors[0].CreatedAt))

	// removing a sensor drops everything stored for it
	won, err := s.ClaimBuffer(ctx, "a", model.KindPM25, time.Minute)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, s.CreateBuffer(ctx, "a", model.KindPM25, []byte(`[]`)))
	require.NoError(t, s.SaveResult(ctx, &model.SensorResult{SensorID: "a", PassID: "p", AQI: model.DefaultAqiElement(), UpdatedAt: created}))

	require.NoError(t, s.RemoveSensor(ctx, "a"))
	assert.ErrorIs(t, s.RemoveSensor(ctx, "a"), ErrNotFound)

	status, err := s.BufferStatus(ctx, "a", model.KindPM25)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDoesNotExist, status)
	_, err = s.FindResult(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	sensors, err = s.ListSensors(ctx)
	require.NoError(t, err)
	require.Len(t, sensors, 1)
	assert.Equal(t, "b", sensors[0].SensorID)
}

func testResults(t *testing.T, s Store) {
	ctx := context.Background()
	at := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.FindResult(ctx, "4004")
	assert.ErrorIs(t, err, ErrNotFound)

	insufficient := &model.SensorResult{
		SensorID:   "4004",
		PassID:     "pass-1",
		AQI:        model.DefaultAqiElement(),
		Reason:     model.NotEnoughNewReadings,
		Errors:     model.ReadingErrorSet(0).Add(model.NoHumidityReading, model.IncompleteSensorReading),
		Confidence: 90,
		UpdatedAt:  at,
	}
	require.NoError(t, s.SaveResult(ctx, insufficient))

	got, err := s.FindResult(ctx, "4004")
	require.NoError(t, err)
	assert.Equal(t, model.ResultStatusInsufficientData, got.Status())
	assert.Equal(t, model.NotEnoughNewReadings, got.Reason)
	assert.True(t, got.Errors.Has(model.NoHumidityReading))
	assert.True(t, got.Errors.Has(model.IncompleteSensorReading))
	assert.Equal(t, 90.0, got.Confidence)

	// a later save replaces the earlier one
	ok := &model.SensorResult{
		SensorID:   "4004",
		PassID:     "pass-2",
		AQI:        model.AqiPresent(model.AqiValue{Timestamp: at.Add(2 * time.Minute), AQI: 42}),
		Confidence: 100,
		UpdatedAt:  at.Add(2 * time.Minute),
	}
	require.NoError(t, s.SaveResult(ctx, ok))

	got, err = s.FindResult(ctx, "4004")
	require.NoError(t, err)
	assert.Equal(t, "pass-2", got.PassID)
	assert.Equal(t, model.ResultStatusOK, got.Status())
	v, present := got.AQI.Value()
	require.True(t, present)
	assert.Equal(t, 42.0, v.AQI)
	assert.True(t, at.Add(2*time.Minute).Equal(v.Timestamp))
	assert.True(t, got.Errors.Empty())

	require.NoError(t, s.SaveResult(ctx, &model.SensorResult{SensorID: "0001", PassID: "pass-2", AQI: model.DefaultAqiElement(), UpdatedAt: at}))
	all, err := s.ListResults(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "0001", all[0].SensorID)
	assert.Equal(t, "4004", all[1].SensorID)
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: "mongo"}, quietLogger())
	assert.Error(t, err)
}

func TestOpenSQLite(t *testing.T) {
	store, err := Open(context.Background(), Options{
		Backend:    BackendSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "open.db"),
	}, quietLogger())
	require.NoError(t, err)
	defer store.Close()
	assert.NoError(t, store.Ping(context.Background()))
}
