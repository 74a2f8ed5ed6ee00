// pkg/model/errors.go
package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ReadingError is one advisory quality problem found in a tick's reading.
type ReadingError uint8

const (
	ReadingNotReceived ReadingError = 1 << iota
	NoHumidityReading
	IncompleteSensorReading
	ChannelsDiverged
	ChannelADowngraded
	ChannelBDowngraded
)

var readingErrorNames = []struct {
	err  ReadingError
	name string
}{
	{ReadingNotReceived, "ReadingNotReceived"},
	{NoHumidityReading, "NoHumidityReading"},
	{IncompleteSensorReading, "IncompleteSensorReading"},
	{ChannelsDiverged, "ChannelsDiverged"},
	{ChannelADowngraded, "ChannelADowngraded"},
	{ChannelBDowngraded, "ChannelBDowngraded"},
}

func (e ReadingError) String() string {
	for _, n := range readingErrorNames {
		if n.err == e {
			return n.name
		}
	}
	return fmt.Sprintf("ReadingError(%d)", uint8(e))
}

// ReadingErrorSet is the set of reading errors attached to one tick of one sensor.
type ReadingErrorSet uint8

// Add returns the set with errs added.
func (s ReadingErrorSet) Add(errs ...ReadingError) ReadingErrorSet {
	for _, e := range errs {
		s |= ReadingErrorSet(e)
	}
	return s
}

// Has reports whether e is in the set.
func (s ReadingErrorSet) Has(e ReadingError) bool {
	return s&ReadingErrorSet(e) != 0
}

// Empty reports whether the set holds no errors.
func (s ReadingErrorSet) Empty() bool {
	return s == 0
}

// Errors lists the members in declaration order.
func (s ReadingErrorSet) Errors() []ReadingError {
	out := []ReadingError{}
	for _, n := range readingErrorNames {
		if s.Has(n.err) {
			out = append(out, n.err)
		}
	}
	return out
}

// Names lists the member names in declaration order.
func (s ReadingErrorSet) Names() []string {
	errs := s.Errors()
	names := make([]string, len(errs))
	for i, e := range errs {
		names[i] = e.String()
	}
	return names
}

func (s ReadingErrorSet) String() string {
	return "[" + strings.Join(s.Names(), ",") + "]"
}

// MarshalJSON encodes the set as an array of names.
func (s ReadingErrorSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

// UnmarshalJSON decodes an array of names.
func (s *ReadingErrorSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var set ReadingErrorSet
	for _, name := range names {
		found := false
		for _, n := range readingErrorNames {
			if n.name == name {
				set = set.Add(n.err)
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown reading error %q", name)
		}
	}
	*s = set
	return nil
}

// InvalidAqiReason classifies why a tick's AQI slot holds the default element.
// The empty reason means the AQI was computed.
type InvalidAqiReason string

const (
	InfiniteAqi                  InvalidAqiReason = "InfiniteAqi"
	NotEnoughNewReadings         InvalidAqiReason = "NotEnoughNewReadings"
	NotEnoughRecentValidReadings InvalidAqiReason = "NotEnoughRecentValidReadings"
)
