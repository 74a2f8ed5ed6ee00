// pkg/model/sensor.go
package model

import "time"

// Coordinates is a geographic position in decimal degrees.
type Coordinates struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// ChannelAccess is the (feed id, read key) pair used to pull one channel's raw time series
// from the sensor network.
type ChannelAccess struct {
	FeedID  string `json:"feedId"`
	ReadKey string `json:"readKey"`
}

// SensorDescriptor describes one physical dual-channel sensor as returned by a lookup.
// It is rebuilt from every fresh lookup and never mutated afterwards.
type SensorDescriptor struct {
	SensorID string      `json:"sensorId"`
	Label    string      `json:"label,omitempty"`
	Location Coordinates `json:"location"`

	ChannelAPrimary   ChannelAccess `json:"channelAPrimary"`
	ChannelASecondary ChannelAccess `json:"channelASecondary"`
	ChannelBPrimary   ChannelAccess `json:"channelBPrimary"`
	ChannelBSecondary ChannelAccess `json:"channelBSecondary"`

	// Administrative downgrade flags reported by the network for this lookup.
	ChannelADowngraded bool `json:"channelADowngraded"`
	ChannelBDowngraded bool `json:"channelBDowngraded"`
}

// ChannelMeasurement is the newest raw entry of one channel's feed.
// Pointer fields distinguish "not reported" from a legitimate zero.
type ChannelMeasurement struct {
	Timestamp time.Time `json:"ts"`
	PM25      *float64  `json:"pm25,omitempty"`
	Humidity  *float64  `json:"humidity,omitempty"`
}

// TrackedSensor is a sensor the pipeline processes on every tick.
type TrackedSensor struct {
	SensorID  string    `json:"sensorId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Float returns a pointer to v. Handy for optional measurement fields.
func Float(v float64) *float64 {
	return &v
}
