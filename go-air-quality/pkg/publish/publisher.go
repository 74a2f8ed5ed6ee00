// Package publish pushes each sensor's latest outcome to outbound consumers.
package publish

import (
	"context"
	"errors"

	"github.com/aleka07/airsense/go-air-quality/pkg/model"
)

// Publisher delivers a sensor's latest result. Only the newest AQI slot and the tick's
// error set leave the service this way.
type Publisher interface {
	Publish(ctx context.Context, result *model.SensorResult) error
}

// Multi fans a result out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, result *model.SensorResult) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards results.
type Nop struct{}

func (Nop) Publish(context.Context, *model.SensorResult) error { return nil }
