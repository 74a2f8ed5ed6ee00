package persistence

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/aleka07/airsense/go-air-quality/pkg/model"
)

// Buffers are stored as JSON arrays. The default element is written with a null timestamp
// and null numerics; this is the only place that sentinel encoding exists. A rejected
// reading keeps its timestamp and values and carries "rejected": true.

type pm25Wire struct {
	Timestamp *time.Time `json:"ts"`
	PM25A     *float64   `json:"pm25A"`
	PM25B     *float64   `json:"pm25B"`
	Humidity  *float64   `json:"humidity"`
	Lat       *float64   `json:"lat"`
	Lon       *float64   `json:"lon"`
	Rejected  bool       `json:"rejected,omitempty"`
}

type aqiWire struct {
	Timestamp *time.Time `json:"ts"`
	AQI       *float64   `json:"aqi"`
}

// EncodePm25Buffer serializes a PM2.5 buffer.
func EncodePm25Buffer(b model.Pm25Buffer) ([]byte, error) {
	wire := make([]pm25Wire, len(b))
	for i, e := range b {
		r, ok := e.Received()
		if !ok {
			continue
		}
		ts := r.Timestamp.UTC()
		wire[i] = pm25Wire{
			Timestamp: &ts,
			PM25A:     finite(r.ChannelA),
			PM25B:     finite(r.ChannelB),
			Lat:       finite(r.Location.Latitude),
			Lon:       finite(r.Location.Longitude),
			Rejected:  e.IsRejected(),
		}
		if r.Humidity != nil {
			wire[i].Humidity = finite(*r.Humidity)
		}
	}
	return json.Marshal(wire)
}

// DecodePm25Buffer parses a stored PM2.5 buffer. Slots with a null timestamp decode to the
// default element, as do usable slots missing a channel value.
func DecodePm25Buffer(data []byte) (model.Pm25Buffer, error) {
	var wire []pm25Wire
	if len(data) > 0 {
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, fmt.Errorf("failed to decode pm25 buffer: %w", err)
		}
	}
	b := make(model.Pm25Buffer, len(wire))
	for i, w := range wire {
		if w.Timestamp == nil || (!w.Rejected && (w.PM25A == nil || w.PM25B == nil)) {
			b[i] = model.DefaultPm25Element()
			continue
		}
		r := model.Pm25Reading{
			Timestamp: w.Timestamp.UTC(),
			ChannelA:  orNaN(w.PM25A),
			ChannelB:  orNaN(w.PM25B),
			Humidity:  w.Humidity,
		}
		if w.Lat != nil && w.Lon != nil {
			r.Location = model.Coordinates{Latitude: *w.Lat, Longitude: *w.Lon}
		}
		if w.Rejected {
			b[i] = model.Pm25Rejected(r)
			continue
		}
		b[i] = model.Pm25Present(r)
	}
	return b, nil
}

// EncodeAqiBuffer serializes an AQI buffer.
func EncodeAqiBuffer(b model.AqiBuffer) ([]byte, error) {
	wire := make([]aqiWire, len(b))
	for i, e := range b {
		v, ok := e.Value()
		if !ok {
			continue
		}
		ts := v.Timestamp.UTC()
		wire[i] = aqiWire{Timestamp: &ts, AQI: finite(v.AQI)}
	}
	return json.Marshal(wire)
}

// DecodeAqiBuffer parses a stored AQI buffer.
func DecodeAqiBuffer(data []byte) (model.AqiBuffer, error) {
	var wire []aqiWire
	if len(data) > 0 {
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, fmt.Errorf("failed to decode aqi buffer: %w", err)
		}
	}
	b := make(model.AqiBuffer, len(wire))
	for i, w := range wire {
		if w.Timestamp == nil || w.AQI == nil {
			b[i] = model.DefaultAqiElement()
			continue
		}
		b[i] = model.AqiPresent(model.AqiValue{Timestamp: w.Timestamp.UTC(), AQI: *w.AQI})
	}
	return b, nil
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// finite maps NaN and infinities to null, the only "undefined" JSON can carry.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
