package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aleka07/airsense/go-air-quality/pkg/aqi"
	"github.com/aleka07/airsense/go-air-quality/pkg/buffer"
	"github.com/aleka07/airsense/go-air-quality/pkg/logging"
	"github.com/aleka07/airsense/go-air-quality/pkg/model"
	"github.com/aleka07/airsense/go-air-quality/pkg/persistence"
	"github.com/aleka07/airsense/go-air-quality/pkg/validator"
)

var now = time.Date(2024, 9, 1, 18, 0, 0, 0, time.UTC)

type mockFeed struct {
	mock.Mock
}

func (m *mockFeed) LookupSensor(ctx context.Context, sensorID string) (*model.SensorDescriptor, error) {
	args := m.Called(sensorID)
	d, _ := args.Get(0).(*model.SensorDescriptor)
	return d, args.Error(1)
}

func (m *mockFeed) FetchChannel(ctx context.Context, access model.ChannelAccess) (*model.ChannelMeasurement, error) {
	args := m.Called(access.FeedID)
	ch, _ := args.Get(0).(*model.ChannelMeasurement)
	return ch, args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, r *model.SensorResult) error {
	return m.Called(r.SensorID).Error(0)
}

type fixture struct {
	store     *persistence.SQLiteStore
	buffers   *buffer.Manager
	feed      *mockFeed
	publisher *mockPublisher
	pipeline  *Pipeline
}

func newFixture(t *testing.T, calc *aqi.Calculator) *fixture {
	t.Helper()
	log := logging.Discard()
	store, err := persistence.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "pipeline.db"), log)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	v := validator.New(0.7)
	if calc == nil {
		calc = aqi.NewCalculator(v.Usable)
	}
	calc.Now = func() time.Time { return now }

	f := &fixture{
		store:     store,
		buffers:   buffer.NewManager(store, 10, time.Minute, log),
		feed:      &mockFeed{},
		publisher: &mockPublisher{},
	}
	f.pipeline = New(Deps{
		Sensors:    store,
		Results:    store,
		Buffers:    f.buffers,
		Feed:       f.feed,
		Validator:  v,
		Calculator: calc,
		Publisher:  f.publisher,
		Log:        log,
	}, 4)
	f.pipeline.now = func() time.Time { return now }
	return f
}

func (f *fixture) track(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, f.store.AddSensor(context.Background(), &model.TrackedSensor{SensorID: id, CreatedAt: now}))
	}
}

func descriptor(id string) *model.SensorDescriptor {
	return &model.SensorDescriptor{
		SensorID:        id,
		Location:        model.Coordinates{Latitude: 37.7, Longitude: -122.4},
		ChannelAPrimary: model.ChannelAccess{FeedID: id + "-A", ReadKey: "ka"},
		ChannelBPrimary: model.ChannelAccess{FeedID: id + "-B", ReadKey: "kb"},
	}
}

func measurement(pm float64, humidity *float64) *model.ChannelMeasurement {
	return &model.ChannelMeasurement{Timestamp: now.Add(-time.Minute), PM25: model.Float(pm), Humidity: humidity}
}

func TestRunPassBuffersValidReading(t *testing.T) {
	f := newFixture(t, nil)
	f.track(t, "1001")
	f.feed.On("LookupSensor", "1001").Return(descriptor("1001"), nil)
	f.feed.On("FetchChannel", "1001-A").Return(measurement(12, model.Float(40)), nil)
	f.feed.On("FetchChannel", "1001-B").Return(measurement(12.5, nil), nil)
	f.publisher.On("Publish", "1001").Return(nil).Once()

	summary, err := f.pipeline.RunPass(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, summary.PassID)
	assert.Equal(t, 1, summary.Processed)

	pm25, err := f.buffers.LoadPM25(context.Background(), "1001")
	require.NoError(t, err)
	require.Len(t, pm25, 10)
	r, ok := pm25[0].Reading()
	require.True(t, ok)
	assert.Equal(t, 12.0, r.ChannelA)
	assert.Equal(t, 12.5, r.ChannelB)
	assert.Equal(t, 37.7, r.Location.Latitude)

	// one reading is far from a full window
	result, err := f.store.FindResult(context.Background(), "1001")
	require.NoError(t, err)
	assert.Equal(t, summary.PassID, result.PassID)
	assert.True(t, result.Errors.Empty())
	assert.GreaterOrEqual(t, result.Confidence, 90.0)
	assert.Equal(t, model.NotEnoughNewReadings, result.Reason)
	assert.Equal(t, model.ResultStatusInsufficientData, result.Status())

	aqiBuf, err := f.buffers.LoadAQI(context.Background(), "1001")
	require.NoError(t, err)
	assert.Len(t, aqiBuf, 10)
	assert.True(t, aqiBuf[0].IsDefault())

	f.publisher.AssertExpectations(t)
}

func TestRunPassComputesAqiOnAppendedBuffer(t *testing.T) {
	calc := aqi.NewCalculator(validator.New(0.7).Usable)
	calc.MinReadings = 1
	calc.RequiredSpans = 1
	f := newFixture(t, calc)
	f.track(t, "1001")
	f.feed.On("LookupSensor", "1001").Return(descriptor("1001"), nil)
	f.feed.On("FetchChannel", "1001-A").Return(measurement(12, model.Float(40)), nil)
	f.feed.On("FetchChannel", "1001-B").Return(measurement(12, nil), nil)
	f.publisher.On("Publish", "1001").Return(nil)

	_, err := f.pipeline.RunPass(context.Background())
	require.NoError(t, err)

	result, err := f.store.FindResult(context.Background(), "1001")
	require.NoError(t, err)
	assert.Equal(t, model.ResultStatusOK, result.Status())
	v, ok := result.AQI.Value()
	require.True(t, ok)
	assert.Equal(t, 50.0, v.AQI)

	latest, err := f.buffers.LatestAQI(context.Background(), "1001")
	require.NoError(t, err)
	lv, ok := latest.Value()
	require.True(t, ok)
	assert.Equal(t, v.AQI, lv.AQI)
	assert.True(t, v.Timestamp.Equal(lv.Timestamp))
}

func TestRunPassDivergedReadingFailsValidityCheck(t *testing.T) {
	calc := aqi.NewCalculator(validator.New(0.7).Usable)
	calc.MinReadings = 1
	calc.RequiredSpans = 1
	f := newFixture(t, calc)
	f.track(t, "1001")
	f.feed.On("LookupSensor", "1001").Return(descriptor("1001"), nil)
	f.feed.On("FetchChannel", "1001-A").Return(measurement(12, model.Float(40)), nil)
	f.feed.On("FetchChannel", "1001-B").Return(measurement(60, nil), nil)
	f.publisher.On("Publish", "1001").Return(nil)

	_, err := f.pipeline.RunPass(context.Background())
	require.NoError(t, err)

	result, err := f.store.FindResult(context.Background(), "1001")
	require.NoError(t, err)
	assert.True(t, result.Errors.Has(model.ChannelsDiverged))
	assert.Equal(t, model.NotEnoughRecentValidReadings, result.Reason)
	assert.True(t, result.AQI.IsDefault())

	pm25, err := f.buffers.LoadPM25(context.Background(), "1001")
	require.NoError(t, err)
	assert.True(t, pm25[0].IsRejected(), "the rejected reading is kept as received")
}

func TestRunPassMissingChannelBuffersDefault(t *testing.T) {
	f := newFixture(t, nil)
	f.track(t, "1001")
	f.feed.On("LookupSensor", "1001").Return(descriptor("1001"), nil)
	f.feed.On("FetchChannel", "1001-A").Return(measurement(12, model.Float(40)), nil)
	f.feed.On("FetchChannel", "1001-B").Return(nil, errors.New("timeout"))
	f.publisher.On("Publish", "1001").Return(nil)

	summary, err := f.pipeline.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)

	result, err := f.store.FindResult(context.Background(), "1001")
	require.NoError(t, err)
	assert.True(t, result.Errors.Has(model.ReadingNotReceived))

	pm25, err := f.buffers.LoadPM25(context.Background(), "1001")
	require.NoError(t, err)
	assert.True(t, pm25[0].IsDefault(), "an unusable tick still takes a slot")
}

func TestRunPassIsolatesSensorFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.track(t, "1001", "2002")
	f.feed.On("LookupSensor", "1001").Return(nil, errors.New("malformed sensor response"))
	f.feed.On("LookupSensor", "2002").Return(descriptor("2002"), nil)
	f.feed.On("FetchChannel", "2002-A").Return(measurement(8, model.Float(30)), nil)
	f.feed.On("FetchChannel", "2002-B").Return(measurement(8, nil), nil)
	f.publisher.On("Publish", "2002").Return(errors.New("broker down"))

	summary, err := f.pipeline.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Sensors)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)

	_, err = f.store.FindResult(context.Background(), "1001")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	_, err = f.store.FindResult(context.Background(), "2002")
	assert.NoError(t, err, "a publish failure does not lose the stored result")
	f.publisher.AssertNotCalled(t, "Publish", "1001")
}

func TestRunPassSkipsSensorWhileBufferIsBeingCreated(t *testing.T) {
	f := newFixture(t, nil)
	f.track(t, "1001")
	// another pass holds the creation claim
	won, err := f.store.ClaimBuffer(context.Background(), "1001", model.KindPM25, time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	summary, err := f.pipeline.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	f.feed.AssertNotCalled(t, "LookupSensor", mock.Anything)
}

func TestRunPassStaleChannelCountsAsNotReceived(t *testing.T) {
	f := newFixture(t, nil)
	f.track(t, "1001")
	f.feed.On("LookupSensor", "1001").Return(descriptor("1001"), nil)
	f.feed.On("FetchChannel", "1001-A").Return(measurement(12, model.Float(40)), nil)
	f.feed.On("FetchChannel", "1001-B").Return(measurement(12, nil), nil)
	f.publisher.On("Publish", "1001").Return(nil)

	_, err := f.pipeline.RunPass(context.Background())
	require.NoError(t, err)
	// the feed has nothing newer on the second pass
	_, err = f.pipeline.RunPass(context.Background())
	require.NoError(t, err)

	pm25, err := f.buffers.LoadPM25(context.Background(), "1001")
	require.NoError(t, err)
	assert.True(t, pm25[0].IsDefault())
	assert.False(t, pm25[1].IsDefault())

	result, err := f.store.FindResult(context.Background(), "1001")
	require.NoError(t, err)
	assert.True(t, result.Errors.Has(model.ReadingNotReceived))
}
