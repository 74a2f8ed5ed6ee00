// Package feed talks to the external sensor network: it looks up sensor descriptors and
// pulls the newest entry of each channel's raw feed.
package feed

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/aleka07/airsense/go-air-quality/pkg/model"
)

// ErrMalformedResponse means the network answered with a payload we cannot use. The sensor
// is unreachable or misconfigured; this is reported, never defaulted.
var ErrMalformedResponse = errors.New("malformed sensor response")

//go:embed sensor_response.schema.json
var sensorResponseSchema string

var sensorSchema = mustSchema(sensorResponseSchema)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("feed: invalid embedded schema: %v", err))
	}
	return s
}

// flexString accepts a JSON string, number or boolean. The network is not consistent
// about the type of ids and flags.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*f = ""
	case string:
		*f = flexString(x)
	case float64:
		*f = flexString(strconv.FormatFloat(x, 'f', -1, 64))
	case bool:
		*f = flexString(strconv.FormatBool(x))
	default:
		return fmt.Errorf("unsupported value %s", data)
	}
	return nil
}

type sensorRecord struct {
	ID                 flexString `json:"ID"`
	Label              string     `json:"Label"`
	Lat                float64    `json:"Lat"`
	Lon                float64    `json:"Lon"`
	PrimaryID          flexString `json:"PRIMARY_ID"`
	PrimaryReadKey     string     `json:"PRIMARY_ID_READ_KEY"`
	SecondaryID        flexString `json:"SECONDARY_ID"`
	SecondaryReadKey   string     `json:"SECONDARY_ID_READ_KEY"`
	HardwareDowngraded flexString `json:"A_H"`
	Flag               flexString `json:"Flag"`
}

func (r sensorRecord) downgraded() bool {
	return strings.EqualFold(string(r.HardwareDowngraded), "true") || r.Flag == "1"
}

type sensorResponse struct {
	Results []sensorRecord `json:"results"`
}

// ParseSensorResponse builds a descriptor from a lookup payload. The first result record is
// channel A, the second channel B.
func ParseSensorResponse(body []byte) (*model.SensorDescriptor, error) {
	result, err := sensorSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, strings.Join(details, "; "))
	}

	var resp sensorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	a, b := resp.Results[0], resp.Results[1]

	return &model.SensorDescriptor{
		SensorID: string(a.ID),
		Label:    a.Label,
		Location: model.Coordinates{Latitude: a.Lat, Longitude: a.Lon},

		ChannelAPrimary:   model.ChannelAccess{FeedID: string(a.PrimaryID), ReadKey: a.PrimaryReadKey},
		ChannelASecondary: model.ChannelAccess{FeedID: string(a.SecondaryID), ReadKey: a.SecondaryReadKey},
		ChannelBPrimary:   model.ChannelAccess{FeedID: string(b.PrimaryID), ReadKey: b.PrimaryReadKey},
		ChannelBSecondary: model.ChannelAccess{FeedID: string(b.SecondaryID), ReadKey: b.SecondaryReadKey},

		ChannelADowngraded: a.downgraded(),
		ChannelBDowngraded: b.downgraded(),
	}, nil
}

// --- Channel feeds ---

type feedEntry struct {
	CreatedAt string  `json:"created_at"`
	PM25      *string `json:"field2"`
	Humidity  *string `json:"field7"`
}

type channelFeed struct {
	Feeds []feedEntry `json:"feeds"`
}

// ParseChannelFeed returns the newest entry of a channel feed page, or nil when the page
// has no entries. Fields that are missing or not numbers are left nil for the validator.
func ParseChannelFeed(body []byte) (*model.ChannelMeasurement, error) {
	var page channelFeed
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%w: channel feed: %v", ErrMalformedResponse, err)
	}
	if len(page.Feeds) == 0 {
		return nil, nil
	}
	// Entries are returned oldest first.
	e := page.Feeds[len(page.Feeds)-1]

	m := &model.ChannelMeasurement{
		PM25:     number(e.PM25),
		Humidity: number(e.Humidity),
	}
	if ts, err := time.Parse(time.RFC3339, e.CreatedAt); err == nil {
		m.Timestamp = ts.UTC()
	}
	return m, nil
}

func number(s *string) *float64 {
	if s == nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(*s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
