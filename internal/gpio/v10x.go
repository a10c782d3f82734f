package gpio

import (
	"context"
	"sync/atomic"

	"github.com/edaniels/golog"
)

// V10X implements the same Controller surface as V12X but returns
// fixed/no-op results for hardware lines that don't exist on this variant;
// E-stop is software-only (spec.md section 4.7).
type V10X struct {
	logger golog.Logger

	eStopAsserted atomic.Bool
	mainSwitchStage atomic.Int32
}

// NewV10X builds a software-only GPIO controller.
func NewV10X(logger golog.Logger) *V10X {
	v := &V10X{logger: logger}
	v.mainSwitchStage.Store(2) // no physical switch: always report "ready" stage
	return v
}

func (v *V10X) Subscribe(handler EdgeHandler) {
	// No physical input lines on this variant; nothing to subscribe to.
}

func (v *V10X) WatchdogRunning() bool { return true } // no hardware watchdog to latch

func (v *V10X) EStopTrigger() error {
	v.eStopAsserted.Store(true)
	return nil
}

func (v *V10X) EStopReset(ctx context.Context) error {
	v.eStopAsserted.Store(false)
	return nil
}

func (v *V10X) EStopAsserted() bool { return v.eStopAsserted.Load() }

func (v *V10X) MotorPowerEnable(enable bool) error { return nil }
func (v *V10X) FanEnable(enable bool) error        { return nil }
func (v *V10X) AuxPowerEnable(enable bool) error   { return nil }
func (v *V10X) ChargerEnable(enable bool) error    { return nil }
func (v *V10X) DigitalPowerEnable(enable bool) error { return nil }

func (v *V10X) MainSwitchStage() int { return int(v.mainSwitchStage.Load()) }

func (v *V10X) Close() error { return nil }
