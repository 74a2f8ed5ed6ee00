package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/aleka07/airsense/go-air-quality/pkg/model"
)

const (
	mqttQoS            = 1
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
)

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
}

// tokenPublisher is the part of mqtt.Client the publisher needs.
type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher publishes retained JSON results to <prefix>/<sensorID>, so a subscriber
// always receives the current state on connect.
type MQTTPublisher struct {
	client tokenPublisher
	prefix string
	close  func()
	log    logrus.FieldLogger
}

// DialMQTT connects to the broker and returns a publisher. The client reconnects on its own
// after the first successful connection.
func DialMQTT(cfg MQTTConfig, log logrus.FieldLogger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("MQTT connection lost")
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.WithField("broker", cfg.BrokerURL).Info("MQTT connected")
		})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.BrokerURL)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.BrokerURL, err)
	}

	p := NewMQTTPublisher(client, cfg.TopicPrefix, log)
	p.close = func() { client.Disconnect(250) }
	return p, nil
}

// NewMQTTPublisher wraps an already connected client.
func NewMQTTPublisher(client tokenPublisher, prefix string, log logrus.FieldLogger) *MQTTPublisher {
	return &MQTTPublisher{client: client, prefix: strings.TrimRight(prefix, "/"), log: log}
}

// Topic returns the topic a sensor's result is published on.
func (p *MQTTPublisher) Topic(sensorID string) string {
	if p.prefix == "" {
		return sensorID
	}
	return p.prefix + "/" + sensorID
}

func (p *MQTTPublisher) Publish(ctx context.Context, result *model.SensorResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result for sensor %s: %w", result.SensorID, err)
	}

	tok := p.client.Publish(p.Topic(result.SensorID), mqttQoS, true, payload)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttPublishTimeout):
		return fmt.Errorf("mqtt publish for sensor %s timed out", result.SensorID)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt publish for sensor %s: %w", result.SensorID, err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	if p.close != nil {
		p.log.Info("Disconnecting from MQTT broker")
		p.close()
	}
}
