package estop

import (
	"context"

	"github.com/pkg/errors"
)

// v10xStrategy implements spec.md section 4.8.2: the software-only variant,
// where E-Stop is enforced entirely through the safety-stop SDO command.
type v10xStrategy struct{}

func v10xConditionsOK(r *Resources) bool {
	return r.GPIO.MainSwitchStage() == mainSwitchPoweredStage && !r.Filter.IsErrorAny()
}

func (v10xStrategy) ReadEStopState(ctx context.Context, r *Resources, currentlyTriggered bool) (bool, error) {
	if !currentlyTriggered && !v10xConditionsOK(r) {
		if err := (v10xStrategy{}).TriggerEStop(ctx, r); err != nil {
			return currentlyTriggered, err
		}
		return true, nil
	}
	return currentlyTriggered, nil
}

func (v10xStrategy) TriggerEStop(ctx context.Context, r *Resources) error {
	if err := r.Motors.SafetyStop(); err != nil {
		return errors.Wrap(err, "safety stop")
	}
	return nil
}

func (v10xStrategy) ResetEStop(ctx context.Context, r *Resources) (bool, error) {
	r.WriteMu.Lock()
	defer r.WriteMu.Unlock()

	for _, v := range r.Motors.LastCommand() {
		if v != 0 {
			return true, errors.New("motion pending: last commanded velocities are not all zero")
		}
	}
	if r.GPIO.MainSwitchStage() != mainSwitchPoweredStage {
		return true, errors.New("main switch not at stage 2")
	}
	if r.Filter.IsErrorAny() {
		return true, errors.New("error filter reports active errors")
	}

	r.Filter.SetClearErrorsFlag()

	triggered, err := (v10xStrategy{}).ReadEStopState(ctx, r, false)
	if err != nil {
		return true, err
	}
	return triggered, nil
}
