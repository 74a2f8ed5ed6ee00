// Package validator decides whether one tick's dual-channel reading can be buffered.
package validator

import (
	"math"
	"time"

	"github.com/aleka07/airsense/go-air-quality/pkg/model"
)

// DefaultDivergenceThreshold is the mean-percent-difference fraction above which the
// channels are considered to disagree.
const DefaultDivergenceThreshold = 0.7

// Input is everything the validator looks at for one sensor and one tick.
type Input struct {
	Descriptor *model.SensorDescriptor
	ChannelA   *model.ChannelMeasurement // nil when the channel produced nothing this tick
	ChannelB   *model.ChannelMeasurement
	// Previous is the timestamp of the newest reading already buffered. Channel entries
	// that are not newer than it are stale repeats, not new measurements.
	Previous time.Time
}

// Outcome is the classified result. Element is what gets buffered: the reading when
// Usable, a rejected element when both channels arrived but failed a check, the default
// element otherwise.
type Outcome struct {
	Usable     bool
	Errors     model.ReadingErrorSet
	Confidence float64
	Element    model.Pm25Element
}

// Validator applies the per-reading quality rules.
type Validator struct {
	DivergenceThreshold float64
}

// New returns a validator; a non-positive threshold falls back to the default.
func New(threshold float64) *Validator {
	if threshold <= 0 {
		threshold = DefaultDivergenceThreshold
	}
	return &Validator{DivergenceThreshold: threshold}
}

// Validate never fails: every problem is reported through Outcome.Errors.
func (v *Validator) Validate(in Input) Outcome {
	var errs model.ReadingErrorSet
	blocked := false

	a := fresh(in.ChannelA, in.Previous)
	b := fresh(in.ChannelB, in.Previous)
	if a == nil || b == nil {
		errs = errs.Add(model.ReadingNotReceived)
		blocked = true
	}

	for _, ch := range []*model.ChannelMeasurement{a, b} {
		if ch == nil {
			continue
		}
		if ch.PM25 == nil || ch.Timestamp.IsZero() || !validValue(*ch.PM25) {
			errs = errs.Add(model.IncompleteSensorReading)
			blocked = true
		}
	}
	// Humidity is only reported on channel A.
	if a != nil && a.PM25 != nil && a.Humidity == nil {
		errs = errs.Add(model.NoHumidityReading, model.IncompleteSensorReading)
	}

	var out Outcome
	if a != nil && b != nil && a.PM25 != nil && b.PM25 != nil && validValue(*a.PM25) && validValue(*b.PM25) {
		out.Confidence = Confidence(*a.PM25, *b.PM25)
		if Diverged(*a.PM25, *b.PM25, v.DivergenceThreshold) {
			errs = errs.Add(model.ChannelsDiverged)
			blocked = true
		}
	}

	if d := in.Descriptor; d != nil {
		if d.ChannelADowngraded {
			errs = errs.Add(model.ChannelADowngraded, model.ChannelsDiverged)
			blocked = true
		}
		if d.ChannelBDowngraded {
			errs = errs.Add(model.ChannelBDowngraded, model.ChannelsDiverged)
			blocked = true
		}
	}

	out.Errors = errs
	out.Usable = !blocked
	if a == nil || b == nil {
		out.Element = model.DefaultPm25Element()
		return out
	}

	reading := model.Pm25Reading{
		Timestamp: latest(a.Timestamp, b.Timestamp),
		ChannelA:  value(a.PM25),
		ChannelB:  value(b.PM25),
		Humidity:  a.Humidity,
	}
	if in.Descriptor != nil {
		reading.Location = in.Descriptor.Location
	}
	switch {
	case out.Usable:
		out.Element = model.Pm25Present(reading)
	case reading.Timestamp.IsZero():
		out.Element = model.DefaultPm25Element()
	default:
		out.Element = model.Pm25Rejected(reading)
	}
	return out
}

// Usable is the per-element predicate: both channel values are finite, non-negative and
// within the divergence threshold.
func (v *Validator) Usable(r model.Pm25Reading) bool {
	if !validValue(r.ChannelA) || !validValue(r.ChannelB) {
		return false
	}
	return !Diverged(r.ChannelA, r.ChannelB, v.DivergenceThreshold)
}

// validValue reports whether x can be a PM2.5 concentration.
func validValue(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0) && x >= 0
}

func value(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

func fresh(m *model.ChannelMeasurement, previous time.Time) *model.ChannelMeasurement {
	if m == nil {
		return nil
	}
	if !previous.IsZero() && !m.Timestamp.IsZero() && !m.Timestamp.After(previous) {
		return nil
	}
	return m
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
