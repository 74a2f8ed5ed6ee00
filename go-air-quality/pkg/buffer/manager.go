// Package buffer owns the lifecycle of the per-sensor rolling buffers: exactly-once
// initialization under concurrent passes and atomic appends.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aleka07/airsense/go-air-quality/pkg/model"
	"github.com/aleka07/airsense/go-air-quality/pkg/persistence"
)

// DefaultCapacity holds three hours of readings at a two-minute cadence.
const DefaultCapacity = 90

// DefaultClaimTTL is how long an InProgress claim is honoured before another pass may
// take it over.
const DefaultClaimTTL = 5 * time.Minute

// Manager creates and appends to buffers through a persistence.BufferStore.
type Manager struct {
	store    persistence.BufferStore
	capacity int
	claimTTL time.Duration
	log      logrus.FieldLogger
}

// NewManager returns a Manager allocating buffers of capacity elements.
func NewManager(store persistence.BufferStore, capacity int, claimTTL time.Duration, log logrus.FieldLogger) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &Manager{store: store, capacity: capacity, claimTTL: claimTTL, log: log}
}

// Capacity is the fixed buffer length N.
func (m *Manager) Capacity() int { return m.capacity }

// EnsureBuffer makes sure the buffer exists. Exactly one concurrent caller allocates it;
// the others see InProgress and must not touch the buffer this pass.
func (m *Manager) EnsureBuffer(ctx context.Context, sensorID string, kind model.BufferKind) (model.BufferStatus, error) {
	status, err := m.store.BufferStatus(ctx, sensorID, kind)
	if err != nil {
		return model.StatusDoesNotExist, err
	}
	if status == model.StatusExists {
		return status, nil
	}

	won, err := m.store.ClaimBuffer(ctx, sensorID, kind, m.claimTTL)
	if err != nil {
		return model.StatusDoesNotExist, err
	}
	if !won {
		// Someone else is creating it, or finished between our read and the claim.
		status, err := m.store.BufferStatus(ctx, sensorID, kind)
		if err != nil || status == model.StatusDoesNotExist {
			return model.StatusInProgress, err
		}
		return status, nil
	}

	log := m.log.WithFields(logrus.Fields{"sensor_id": sensorID, "kind": kind})
	elements, err := m.initial(kind)
	if err == nil {
		err = m.store.CreateBuffer(ctx, sensorID, kind, elements)
	}
	if errors.Is(err, persistence.ErrClaimLost) {
		// Our claim went stale and another pass took it over; that pass owns creation now.
		log.Info("Buffer claim taken over by another pass")
		return model.StatusInProgress, nil
	}
	if err != nil {
		if relErr := m.store.ReleaseBuffer(ctx, sensorID, kind); relErr != nil {
			log.WithError(relErr).Warn("Failed to release buffer claim")
		}
		return model.StatusDoesNotExist, fmt.Errorf("create %s buffer for sensor '%s': %w", kind, sensorID, err)
	}
	log.WithField("capacity", m.capacity).Info("Buffer created")
	return model.StatusExists, nil
}

func (m *Manager) initial(kind model.BufferKind) ([]byte, error) {
	switch kind {
	case model.KindPM25:
		return persistence.EncodePm25Buffer(model.NewBuffer(m.capacity, model.DefaultPm25Element()))
	case model.KindAQI:
		return persistence.EncodeAqiBuffer(model.NewBuffer(m.capacity, model.DefaultAqiElement()))
	default:
		return nil, fmt.Errorf("unknown buffer kind %q", kind)
	}
}

// AppendPM25 pushes e onto the sensor's PM2.5 buffer and returns the buffer as written.
func (m *Manager) AppendPM25(ctx context.Context, sensorID string, e model.Pm25Element) (model.Pm25Buffer, error) {
	var out model.Pm25Buffer
	err := m.store.UpdateBuffer(ctx, sensorID, model.KindPM25, func(data []byte) ([]byte, error) {
		buf, err := persistence.DecodePm25Buffer(data)
		if err != nil {
			return nil, err
		}
		buf = buf.Resize(m.capacity, model.DefaultPm25Element())
		buf.Push(e)
		out = buf
		return persistence.EncodePm25Buffer(buf)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendAQI pushes e onto the sensor's AQI buffer and returns the buffer as written.
func (m *Manager) AppendAQI(ctx context.Context, sensorID string, e model.AqiElement) (model.AqiBuffer, error) {
	var out model.AqiBuffer
	err := m.store.UpdateBuffer(ctx, sensorID, model.KindAQI, func(data []byte) ([]byte, error) {
		buf, err := persistence.DecodeAqiBuffer(data)
		if err != nil {
			return nil, err
		}
		buf = buf.Resize(m.capacity, model.DefaultAqiElement())
		buf.Push(e)
		out = buf
		return persistence.EncodeAqiBuffer(buf)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LoadPM25 reads the sensor's PM2.5 buffer, resized to the current capacity.
func (m *Manager) LoadPM25(ctx context.Context, sensorID string) (model.Pm25Buffer, error) {
	data, err := m.store.LoadBuffer(ctx, sensorID, model.KindPM25)
	if err != nil {
		return nil, err
	}
	buf, err := persistence.DecodePm25Buffer(data)
	if err != nil {
		return nil, err
	}
	return buf.Resize(m.capacity, model.DefaultPm25Element()), nil
}

// LoadAQI reads the sensor's AQI buffer, resized to the current capacity.
func (m *Manager) LoadAQI(ctx context.Context, sensorID string) (model.AqiBuffer, error) {
	data, err := m.store.LoadBuffer(ctx, sensorID, model.KindAQI)
	if err != nil {
		return nil, err
	}
	buf, err := persistence.DecodeAqiBuffer(data)
	if err != nil {
		return nil, err
	}
	return buf.Resize(m.capacity, model.DefaultAqiElement()), nil
}

// LatestAQI returns the newest slot of the sensor's AQI buffer.
func (m *Manager) LatestAQI(ctx context.Context, sensorID string) (model.AqiElement, error) {
	buf, err := m.LoadAQI(ctx, sensorID)
	if err != nil {
		return model.DefaultAqiElement(), err
	}
	return buf[0], nil
}

// DropBuffers removes both buffers of a sensor.
func (m *Manager) DropBuffers(ctx context.Context, sensorID string) error {
	return m.store.DeleteBuffers(ctx, sensorID)
}
