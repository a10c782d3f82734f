package estop

import (
	"context"

	"github.com/pkg/errors"

	"github.com/YuriVanWarmerdam/panther-ros/internal/gpio"
)

// v12xStrategy implements spec.md section 4.8.1: the hardware watchdog
// variant, where E-Stop state lives in the Safety Board circuit and the
// GPIO Controller's E_STOP input/WATCHDOG output pair.
type v12xStrategy struct{}

func (v12xStrategy) ReadEStopState(ctx context.Context, r *Resources, currentlyTriggered bool) (bool, error) {
	asserted := r.GPIO.EStopAsserted()
	if asserted {
		if err := r.GPIO.EStopTrigger(); err != nil {
			return currentlyTriggered, errors.Wrap(err, "gpio estop trigger")
		}
	}
	return asserted, nil
}

func (v12xStrategy) TriggerEStop(ctx context.Context, r *Resources) error {
	if err := r.GPIO.EStopTrigger(); err != nil {
		return errors.Wrap(err, "gpio estop trigger")
	}
	return nil
}

func (v12xStrategy) ResetEStop(ctx context.Context, r *Resources) (bool, error) {
	r.WriteMu.Lock()
	defer r.WriteMu.Unlock()

	for _, v := range r.Motors.LastCommand() {
		if v != 0 {
			return true, errors.New("motion pending: last commanded velocities are not all zero")
		}
	}

	if err := r.GPIO.EStopReset(ctx); err != nil {
		if err == gpio.ErrResetInterrupted {
			return true, errors.New("reset interrupted by concurrent trigger")
		}
		return true, errors.Wrap(err, "gpio estop reset")
	}

	r.Filter.SetClearErrorsFlag()

	triggered, err := (v12xStrategy{}).ReadEStopState(ctx, r, false)
	if err != nil {
		return true, err
	}
	return triggered, nil
}
