// Package aqi derives a time-windowed AQI from a sensor's PM2.5 buffer.
package aqi

import (
	"math"
	"time"

	"github.com/aleka07/airsense/go-air-quality/pkg/model"
)

// Correction selects how the buffered PM2.5 is adjusted before conversion.
type Correction string

const (
	CorrectionNone Correction = "none"
	CorrectionEPA  Correction = "epa"
)

// Window defaults: three one-hour spans, 23 readings per span, two spans must qualify.
const (
	DefaultSpanLength    = time.Hour
	DefaultSpans         = 3
	DefaultMinReadings   = 23
	DefaultRequiredSpans = 2
)

// ReadingPredicate reports whether a buffered reading is valid under the current policy.
type ReadingPredicate func(model.Pm25Reading) bool

// Calculator turns a PM2.5 buffer into an AQI buffer element.
type Calculator struct {
	SpanLength    time.Duration
	Spans         int
	MinReadings   int
	RequiredSpans int
	Correction    Correction
	Valid         ReadingPredicate
	Now           func() time.Time
}

// Outcome of one computation. Reason is empty when Element holds an AQI.
type Outcome struct {
	Element       model.AqiElement
	Reason        model.InvalidAqiReason
	Concentration float64
}

// NewCalculator returns a calculator with the default window policy.
func NewCalculator(valid ReadingPredicate) *Calculator {
	return &Calculator{
		SpanLength:    DefaultSpanLength,
		Spans:         DefaultSpans,
		MinReadings:   DefaultMinReadings,
		RequiredSpans: DefaultRequiredSpans,
		Correction:    CorrectionNone,
		Valid:         valid,
		Now:           time.Now,
	}
}

// Compute always returns an element; any invalidity yields the default element and a reason.
func (c *Calculator) Compute(buf model.Pm25Buffer) Outcome {
	now := c.now()
	received := make([]int, c.Spans)
	valid := make([][]model.Pm25Reading, c.Spans)

	for _, e := range buf {
		r, ok := e.Received()
		if !ok {
			continue
		}
		k := c.span(now, r.Timestamp)
		if k < 0 {
			continue
		}
		received[k]++
		if !e.IsRejected() && c.usable(r) {
			valid[k] = append(valid[k], r)
		}
	}

	if c.qualifying(received) < c.RequiredSpans {
		return invalid(model.NotEnoughNewReadings, math.NaN())
	}
	validCounts := make([]int, c.Spans)
	for k := range valid {
		validCounts[k] = len(valid[k])
	}
	if c.qualifying(validCounts) < c.RequiredSpans {
		return invalid(model.NotEnoughRecentValidReadings, math.NaN())
	}

	var sum, weights float64
	for k, readings := range valid {
		if len(readings) < c.MinReadings {
			continue
		}
		w := float64(c.Spans - k)
		for _, r := range readings {
			sum += w * c.concentration(r)
			weights += w
		}
	}
	conc := sum / weights

	value := PM25ToAQI(conc)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return invalid(model.InfiniteAqi, conc)
	}
	return Outcome{
		Element:       model.AqiPresent(model.AqiValue{Timestamp: now, AQI: value}),
		Concentration: conc,
	}
}

// span returns which window span ts belongs to (0 is the newest), or -1 if outside.
// Span k covers ages in [k*SpanLength, (k+1)*SpanLength).
func (c *Calculator) span(now, ts time.Time) int {
	age := now.Sub(ts)
	if age < 0 || c.SpanLength <= 0 {
		return -1
	}
	k := int(age / c.SpanLength)
	if k >= c.Spans {
		return -1
	}
	return k
}

func (c *Calculator) qualifying(counts []int) int {
	n := 0
	for _, count := range counts {
		if count >= c.MinReadings {
			n++
		}
	}
	return n
}

// usable applies the current validity policy. Under EPA correction a reading without
// humidity is not valid.
func (c *Calculator) usable(r model.Pm25Reading) bool {
	if c.Correction == CorrectionEPA && r.Humidity == nil {
		return false
	}
	return c.Valid == nil || c.Valid(r)
}

func (c *Calculator) concentration(r model.Pm25Reading) float64 {
	pm := r.Average()
	if c.Correction == CorrectionEPA {
		return CorrectEPA(pm, *r.Humidity)
	}
	return pm
}

func (c *Calculator) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func invalid(reason model.InvalidAqiReason, conc float64) Outcome {
	return Outcome{Element: model.DefaultAqiElement(), Reason: reason, Concentration: conc}
}
