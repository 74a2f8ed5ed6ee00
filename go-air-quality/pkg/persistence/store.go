// pkg/persistence/store.go
package persistence

import (
	"context" // Use context for cancellation and deadlines
	"errors"
	"time"

	"github.com/aleka07/airsense/go-air-quality/pkg/model"
)

// --- Store errors ---
var (
	ErrNotFound = errors.New("resource not found")
	ErrConflict = errors.New("resource conflict / already exists")
	// ErrBufferNotReady is returned when a buffer is read or appended while its status is
	// not Exists.
	ErrBufferNotReady = errors.New("buffer not ready")
	// ErrClaimLost is returned when a creator tries to finish a buffer it no longer holds
	// the InProgress claim for.
	ErrClaimLost = errors.New("buffer claim lost")
)

// BufferStore persists the per-sensor rolling buffers and their status field.
// Elements are passed in their encoded form; see codec.go.
type BufferStore interface {
	// BufferStatus returns the current status. A sensor without a row is DoesNotExist.
	BufferStatus(ctx context.Context, sensorID string, kind model.BufferKind) (model.BufferStatus, error)

	// ClaimBuffer atomically moves DoesNotExist to InProgress. It also takes over an
	// InProgress claim older than ttl. Returns false when someone else holds the claim
	// or the buffer already exists.
	ClaimBuffer(ctx context.Context, sensorID string, kind model.BufferKind, ttl time.Duration) (bool, error)

	// CreateBuffer writes the initial elements and moves InProgress to Exists.
	// Returns ErrClaimLost if the row is no longer InProgress.
	CreateBuffer(ctx context.Context, sensorID string, kind model.BufferKind, elements []byte) error

	// ReleaseBuffer drops an InProgress claim, returning the buffer to DoesNotExist.
	ReleaseBuffer(ctx context.Context, sensorID string, kind model.BufferKind) error

	// LoadBuffer returns the encoded elements. Returns ErrBufferNotReady unless Exists.
	LoadBuffer(ctx context.Context, sensorID string, kind model.BufferKind) ([]byte, error)

	// UpdateBuffer runs a read-modify-write of the encoded elements in one transaction.
	// Readers never observe an intermediate state. Returns ErrBufferNotReady unless Exists.
	UpdateBuffer(ctx context.Context, sensorID string, kind model.BufferKind, fn func(elements []byte) ([]byte, error)) error

	// DeleteBuffers removes both buffers of a sensor.
	DeleteBuffers(ctx context.Context, sensorID string) error
}

// SensorStore keeps the set of sensors the pipeline tracks.
type SensorStore interface {
	// AddSensor starts tracking a sensor. Returns ErrConflict if already tracked.
	AddSensor(ctx context.Context, sensor *model.TrackedSensor) error

	// RemoveSensor stops tracking a sensor and drops its buffers and latest result.
	// Returns ErrNotFound if the sensor is not tracked.
	RemoveSensor(ctx context.Context, sensorID string) error

	// ListSensors lists all tracked sensors ordered by id.
	ListSensors(ctx context.Context) ([]*model.TrackedSensor, error)
}

// ResultStore keeps the latest outcome per sensor for consumers.
type ResultStore interface {
	// SaveResult inserts or replaces the latest result of a sensor.
	SaveResult(ctx context.Context, result *model.SensorResult) error

	// FindResult returns the latest result. Returns ErrNotFound if none was saved yet.
	FindResult(ctx context.Context, sensorID string) (*model.SensorResult, error)

	// ListResults returns the latest result of every sensor, ordered by sensor id.
	ListResults(ctx context.Context) ([]*model.SensorResult, error)
}

// Store combines every persistence concern behind one handle.
type Store interface {
	BufferStore
	SensorStore
	ResultStore
	Ping(ctx context.Context) error
	Close()
}
