// Package pipeline runs one pass over every tracked sensor: fetch, validate, buffer,
// compute the AQI and hand the latest outcome to consumers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aleka07/airsense/go-air-quality/pkg/aqi"
	"github.com/aleka07/airsense/go-air-quality/pkg/buffer"
	"github.com/aleka07/airsense/go-air-quality/pkg/model"
	"github.com/aleka07/airsense/go-air-quality/pkg/persistence"
	"github.com/aleka07/airsense/go-air-quality/pkg/publish"
	"github.com/aleka07/airsense/go-air-quality/pkg/validator"
)

// DefaultMaxConcurrent bounds how many sensors are processed at once.
const DefaultMaxConcurrent = 8

// Feed is the sensor network as seen by a pass.
type Feed interface {
	LookupSensor(ctx context.Context, sensorID string) (*model.SensorDescriptor, error)
	FetchChannel(ctx context.Context, access model.ChannelAccess) (*model.ChannelMeasurement, error)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Sensors    persistence.SensorStore
	Results    persistence.ResultStore
	Buffers    *buffer.Manager
	Feed       Feed
	Validator  *validator.Validator
	Calculator *aqi.Calculator
	Publisher  publish.Publisher
	Log        logrus.FieldLogger
}

// Pipeline processes tracked sensors.
type Pipeline struct {
	Deps
	maxConcurrent int
	now           func() time.Time
}

// New creates a pipeline processing up to maxConcurrent sensors in parallel.
func New(deps Deps, maxConcurrent int) *Pipeline {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if deps.Publisher == nil {
		deps.Publisher = publish.Nop{}
	}
	return &Pipeline{Deps: deps, maxConcurrent: maxConcurrent, now: time.Now}
}

// PassSummary counts what happened to each tracked sensor during one pass.
type PassSummary struct {
	PassID    string
	Sensors   int
	Processed int
	Skipped   int
	Failed    int
	Duration  time.Duration
}

type sensorOutcome int

const (
	outcomeProcessed sensorOutcome = iota
	outcomeSkipped
	outcomeFailed
)

// RunPass processes every tracked sensor once. A sensor that fails is logged and retried on
// the next pass; it never affects the others.
func (p *Pipeline) RunPass(ctx context.Context) (PassSummary, error) {
	start := time.Now()
	summary := PassSummary{PassID: uuid.NewString()}
	log := p.Log.WithField("pass_id", summary.PassID)

	sensors, err := p.Sensors.ListSensors(ctx)
	if err != nil {
		return summary, fmt.Errorf("list tracked sensors: %w", err)
	}
	summary.Sensors = len(sensors)

	var mu sync.Mutex
	// Plain group: one sensor's error must not cancel the rest.
	var g errgroup.Group
	g.SetLimit(p.maxConcurrent)
	for _, s := range sensors {
		sensorID := s.SensorID
		g.Go(func() error {
			outcome, err := p.processSensor(ctx, summary.PassID, sensorID)
			if err != nil {
				log.WithField("sensor_id", sensorID).WithError(err).Error("Sensor processing failed")
			}
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeProcessed:
				summary.Processed++
			case outcomeSkipped:
				summary.Skipped++
			default:
				summary.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Duration = time.Since(start)
	return summary, nil
}

// processSensor runs the per-sensor steps strictly in order.
func (p *Pipeline) processSensor(ctx context.Context, passID, sensorID string) (sensorOutcome, error) {
	log := p.Log.WithFields(logrus.Fields{"pass_id": passID, "sensor_id": sensorID})

	for _, kind := range model.Kinds {
		status, err := p.Buffers.EnsureBuffer(ctx, sensorID, kind)
		if err != nil {
			return outcomeFailed, fmt.Errorf("ensure %s buffer: %w", kind, err)
		}
		if status != model.StatusExists {
			log.WithFields(logrus.Fields{"kind": kind, "status": status}).Info("Buffer not ready, skipping sensor this pass")
			return outcomeSkipped, nil
		}
	}

	desc, err := p.Feed.LookupSensor(ctx, sensorID)
	if err != nil {
		log.WithError(err).Warn("Sensor lookup failed, skipping sensor this pass")
		return outcomeSkipped, nil
	}

	chA := p.fetch(ctx, log.WithField("channel", "A"), desc.ChannelAPrimary)
	chB := p.fetch(ctx, log.WithField("channel", "B"), desc.ChannelBPrimary)

	pm25, err := p.Buffers.LoadPM25(ctx, sensorID)
	if err != nil {
		return p.bufferFailure(err)
	}
	checked := p.Validator.Validate(validator.Input{
		Descriptor: desc,
		ChannelA:   chA,
		ChannelB:   chB,
		Previous:   model.LatestReadingTime(pm25),
	})
	if !checked.Errors.Empty() {
		log.WithFields(logrus.Fields{"errors": checked.Errors.String(), "usable": checked.Usable}).Debug("Reading quality errors")
	}

	pm25, err = p.Buffers.AppendPM25(ctx, sensorID, checked.Element)
	if err != nil {
		return p.bufferFailure(err)
	}
	computed := p.Calculator.Compute(pm25)
	if _, err := p.Buffers.AppendAQI(ctx, sensorID, computed.Element); err != nil {
		return p.bufferFailure(err)
	}

	result := &model.SensorResult{
		SensorID:   sensorID,
		PassID:     passID,
		AQI:        computed.Element,
		Reason:     computed.Reason,
		Errors:     checked.Errors,
		Confidence: checked.Confidence,
		UpdatedAt:  p.now().UTC(),
	}
	if err := p.Results.SaveResult(ctx, result); err != nil {
		return outcomeFailed, err
	}

	if err := p.Publisher.Publish(ctx, result); err != nil {
		log.WithError(err).Warn("Publishing result failed")
	}

	entry := log.WithField("status", result.Status())
	if v, ok := computed.Element.Value(); ok {
		entry = entry.WithFields(logrus.Fields{"aqi": v.AQI, "level": aqi.Level(v.AQI)})
	} else {
		entry = entry.WithField("reason", computed.Reason)
	}
	entry.Debug("Sensor processed")
	return outcomeProcessed, nil
}

// fetch treats any channel failure as "not received" for this tick.
func (p *Pipeline) fetch(ctx context.Context, log logrus.FieldLogger, access model.ChannelAccess) *model.ChannelMeasurement {
	m, err := p.Feed.FetchChannel(ctx, access)
	if err != nil {
		log.WithError(err).Warn("Channel fetch failed")
		return nil
	}
	return m
}

func (p *Pipeline) bufferFailure(err error) (sensorOutcome, error) {
	// Removed or recreated between steps; the next pass starts over.
	if errors.Is(err, persistence.ErrBufferNotReady) {
		return outcomeSkipped, nil
	}
	return outcomeFailed, err
}
