// pkg/model/buffer.go
package model

import "time"

// BufferKind names one of the two rolling buffers kept per sensor.
type BufferKind string

const (
	KindPM25 BufferKind = "pm25"
	KindAQI  BufferKind = "aqi"
)

// Kinds lists every buffer kind, in the order they are ensured.
var Kinds = []BufferKind{KindPM25, KindAQI}

// BufferStatus is the tri-state guard around first-time buffer creation.
type BufferStatus string

const (
	StatusExists       BufferStatus = "Exists"
	StatusInProgress   BufferStatus = "InProgress"
	StatusDoesNotExist BufferStatus = "DoesNotExist"
)

// Pm25Reading is the payload of a present PM2.5 buffer slot.
type Pm25Reading struct {
	Timestamp time.Time   `json:"ts"`
	ChannelA  float64     `json:"pm25A"`
	ChannelB  float64     `json:"pm25B"`
	Humidity  *float64    `json:"humidity,omitempty"` // nil when the sensor reported none
	Location  Coordinates `json:"location"`
}

// Average is the pseudo-average of both channels.
func (r Pm25Reading) Average() float64 {
	return (r.ChannelA + r.ChannelB) / 2
}

// Pm25Element is one slot of the PM2.5 buffer: a usable reading, a reading that arrived
// but was rejected by validation, or the default element.
type Pm25Element struct {
	reading  *Pm25Reading
	rejected bool
}

// Pm25Present wraps a usable reading.
func Pm25Present(r Pm25Reading) Pm25Element {
	return Pm25Element{reading: &r}
}

// Pm25Rejected records a reading that was received this tick but failed validation.
// It holds no usable value; missing channel values are NaN.
func Pm25Rejected(r Pm25Reading) Pm25Element {
	return Pm25Element{reading: &r, rejected: true}
}

// DefaultPm25Element marks a tick without a usable reading.
func DefaultPm25Element() Pm25Element {
	return Pm25Element{}
}

// Reading returns the wrapped reading and whether the slot holds a usable one.
func (e Pm25Element) Reading() (Pm25Reading, bool) {
	if e.reading == nil || e.rejected {
		return Pm25Reading{}, false
	}
	return *e.reading, true
}

// Received returns the reading captured this tick, usable or not.
func (e Pm25Element) Received() (Pm25Reading, bool) {
	if e.reading == nil {
		return Pm25Reading{}, false
	}
	return *e.reading, true
}

// IsDefault reports whether the slot holds no usable reading.
func (e Pm25Element) IsDefault() bool {
	return e.reading == nil || e.rejected
}

// IsRejected reports whether the slot records a received but unusable reading.
func (e Pm25Element) IsRejected() bool {
	return e.reading != nil && e.rejected
}

// AqiValue is the payload of a present AQI buffer slot.
type AqiValue struct {
	Timestamp time.Time `json:"ts"`
	AQI       float64   `json:"aqi"`
}

// AqiElement is one slot of the AQI buffer: either a computed value or the default element.
type AqiElement struct {
	value *AqiValue
}

// AqiPresent wraps a computed AQI.
func AqiPresent(v AqiValue) AqiElement {
	return AqiElement{value: &v}
}

// DefaultAqiElement marks a tick whose AQI could not be computed.
func DefaultAqiElement() AqiElement {
	return AqiElement{}
}

// Value returns the wrapped AQI and whether the slot holds one.
func (e AqiElement) Value() (AqiValue, bool) {
	if e.value == nil {
		return AqiValue{}, false
	}
	return *e.value, true
}

// IsDefault reports whether the slot is the default element.
func (e AqiElement) IsDefault() bool {
	return e.value == nil
}

// Buffer is a fixed-capacity rolling sequence; index 0 is the most recent slot.
type Buffer[T any] []T

// NewBuffer allocates n copies of the default element.
func NewBuffer[T any](n int, def T) Buffer[T] {
	b := make(Buffer[T], n)
	for i := range b {
		b[i] = def
	}
	return b
}

// Push inserts e at index 0 and evicts the element at the last index.
// The length never changes.
func (b Buffer[T]) Push(e T) {
	if len(b) == 0 {
		return
	}
	copy(b[1:], b[:len(b)-1])
	b[0] = e
}

// Resize returns a buffer of exactly n elements, keeping the newest ones and padding the
// tail with def.
func (b Buffer[T]) Resize(n int, def T) Buffer[T] {
	if len(b) == n {
		return b
	}
	out := NewBuffer(n, def)
	copy(out, b)
	return out
}

// Pm25Buffer and AqiBuffer are the two persisted buffer shapes.
type (
	Pm25Buffer = Buffer[Pm25Element]
	AqiBuffer  = Buffer[AqiElement]
)

// LatestReadingTime returns the timestamp of the newest received reading, or the zero time.
func LatestReadingTime(b Pm25Buffer) time.Time {
	for _, e := range b {
		if r, ok := e.Received(); ok {
			return r.Timestamp
		}
	}
	return time.Time{}
}
