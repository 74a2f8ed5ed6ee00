package feed

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/aleka07/airsense/go-air-quality/pkg/model"
)

// ClientConfig points the client at the lookup and channel feed endpoints.
type ClientConfig struct {
	LookupURL  string
	ChannelURL string
	Timeout    time.Duration
	Retries    int
}

// Client fetches sensor descriptors and channel feeds over HTTP.
type Client struct {
	client     *resty.Client
	lookupURL  string
	channelURL string
	log        logrus.FieldLogger
}

// NewClient creates a new feed client instance
func NewClient(cfg ClientConfig, log logrus.FieldLogger) *Client {
	client := resty.New()
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	client.SetRetryCount(cfg.Retries)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.SetHeader("Accept", "application/json")

	return &Client{
		client:     client,
		lookupURL:  cfg.LookupURL,
		channelURL: strings.TrimRight(cfg.ChannelURL, "/"),
		log:        log,
	}
}

// LookupSensor fetches and adapts the descriptor of one sensor.
func (c *Client) LookupSensor(ctx context.Context, sensorID string) (*model.SensorDescriptor, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("show", sensorID).
		Get(c.lookupURL)
	if err != nil {
		return nil, fmt.Errorf("failed to look up sensor %s: %w", sensorID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("sensor lookup for %s returned status %d", sensorID, resp.StatusCode())
	}

	d, err := ParseSensorResponse(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("sensor %s: %w", sensorID, err)
	}
	if d.SensorID == "" {
		d.SensorID = sensorID
	}
	return d, nil
}

// FetchChannel returns the newest entry of one channel feed, or nil if it has none.
func (c *Client) FetchChannel(ctx context.Context, access model.ChannelAccess) (*model.ChannelMeasurement, error) {
	url := fmt.Sprintf("%s/%s/feeds.json", c.channelURL, access.FeedID)
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"api_key": access.ReadKey,
			"results": "1",
		}).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channel feed %s: %w", access.FeedID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("channel feed %s returned status %d", access.FeedID, resp.StatusCode())
	}

	m, err := ParseChannelFeed(resp.Body())
	if err != nil {
		return nil, err
	}
	if m == nil {
		c.log.WithField("feed_id", access.FeedID).Debug("Channel feed has no entries")
	}
	return m, nil
}
