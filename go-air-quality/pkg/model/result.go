// pkg/model/result.go
package model

import (
	"encoding/json"
	"time"
)

// SensorResult is the latest per-sensor outcome exposed to consumers:
// the newest AQI slot, why it may be missing, and the tick's reading errors.
type SensorResult struct {
	SensorID   string           `json:"sensorId"`
	PassID     string           `json:"passId"`
	AQI        AqiElement       `json:"-"`
	Reason     InvalidAqiReason `json:"reason,omitempty"`
	Errors     ReadingErrorSet  `json:"errors"`
	Confidence float64          `json:"confidence"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// Status values rendered for consumers.
const (
	ResultStatusOK               = "ok"
	ResultStatusInsufficientData = "insufficient_data"
)

// Status is "insufficient_data" whenever the newest AQI slot is the default element.
func (r *SensorResult) Status() string {
	if r.AQI.IsDefault() {
		return ResultStatusInsufficientData
	}
	return ResultStatusOK
}

type sensorResultJSON struct {
	SensorID   string           `json:"sensorId"`
	PassID     string           `json:"passId"`
	Status     string           `json:"status"`
	AQI        *float64         `json:"aqi"`
	AQITime    *time.Time       `json:"aqiTs"`
	Reason     InvalidAqiReason `json:"reason,omitempty"`
	Errors     ReadingErrorSet  `json:"errors"`
	Confidence float64          `json:"confidence"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// MarshalJSON renders the default AQI element as null fields plus an
// "insufficient_data" status, never as a number.
func (r SensorResult) MarshalJSON() ([]byte, error) {
	out := sensorResultJSON{
		SensorID:   r.SensorID,
		PassID:     r.PassID,
		Status:     r.Status(),
		Reason:     r.Reason,
		Errors:     r.Errors,
		Confidence: r.Confidence,
		UpdatedAt:  r.UpdatedAt,
	}
	if v, ok := r.AQI.Value(); ok {
		out.AQI = &v.AQI
		out.AQITime = &v.Timestamp
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *SensorResult) UnmarshalJSON(data []byte) error {
	var in sensorResultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = SensorResult{
		SensorID:   in.SensorID,
		PassID:     in.PassID,
		AQI:        DefaultAqiElement(),
		Reason:     in.Reason,
		Errors:     in.Errors,
		Confidence: in.Confidence,
		UpdatedAt:  in.UpdatedAt,
	}
	if in.AQI != nil && in.AQITime != nil {
		r.AQI = AqiPresent(AqiValue{Timestamp: *in.AQITime, AQI: *in.AQI})
	}
	return nil
}
