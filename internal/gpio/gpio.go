// Package gpio implements the variant-polymorphic GPIO Controller from
// spec.md section 4.7, using github.com/mkch/gpio for line control.
package gpio

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
)

// InputPin names the input lines a Controller can report edge events for.
type InputPin int

const (
	PinChargeSense InputPin = iota
	PinMainSwitch
	PinShutdownInit
	PinEStop
)

// Edge is a single input-pin transition delivered to a subscriber.
type Edge struct {
	Pin    InputPin
	Rising bool
	At     time.Time
}

// EdgeHandler receives input-pin edge events once a Controller is activated.
type EdgeHandler func(Edge)

// Controller is the variant-polymorphic GPIO surface spec.md section 4.7
// describes for {V12X, V10X}. Only the two leaf operations (EStopTrigger,
// EStopReset) truly differ in behavior per variant; everything else is a
// straightforward output-pin set or a fixed/no-op value on hardware that
// doesn't exist on V10X.
type Controller interface {
	// Subscribe registers the handler for input-pin edge events; called at
	// on_activate. Safe to call once.
	Subscribe(handler EdgeHandler)

	// WatchdogRunning reports whether the watchdog toggle loop is active.
	// The hardware safety circuit latches E-stop when it stops.
	WatchdogRunning() bool

	// EStopTrigger asserts E-stop at the hardware layer. On V12X this means
	// disabling the software watchdog; on V10X it only sets the software
	// flag EStopAsserted reports (software-only E-stop, enforced by the
	// Motors Controller instead).
	EStopTrigger() error

	// EStopReset drives the hardware reset protocol. May block for the
	// hardware-defined pulse duration and is interruptible by a concurrent
	// EStopTrigger, in which case it returns ErrResetInterrupted.
	EStopReset(ctx context.Context) error

	// EStopAsserted reports the current state of the hardware E-stop input
	// (true means asserted / safe-stopped).
	EStopAsserted() bool

	MotorPowerEnable(enable bool) error
	FanEnable(enable bool) error
	AuxPowerEnable(enable bool) error
	ChargerEnable(enable bool) error
	DigitalPowerEnable(enable bool) error

	// MainSwitchStage reports the two-stage power switch position (0, 1, 2).
	MainSwitchStage() int

	Close() error
}

// ErrResetInterrupted is returned by EStopReset when a concurrent
// EStopTrigger aborts an in-progress reset pulse.
type errResetInterrupted struct{}

func (errResetInterrupted) Error() string { return "estop reset interrupted by concurrent trigger" }

// ErrResetInterrupted is the sentinel returned by EStopReset on interruption.
var ErrResetInterrupted error = errResetInterrupted{}

// Variant selects which GPIO hardware surface is present.
type Variant int

const (
	VariantV12X Variant = iota
	VariantV10X
)

// watchdogPeriod is the fixed period the background thread toggles the
// WATCHDOG output line at while the watchdog is enabled.
const watchdogPeriod = 10 * time.Millisecond

// resetPulseDuration is the hardware-defined E_STOP_RESET pulse duration.
const resetPulseDuration = 600 * time.Millisecond

var (
	_ Controller = (*V12X)(nil)
	_ Controller = (*V10X)(nil)
)

func backgroundLoop(ctx context.Context, period time.Duration, wg *sync.WaitGroup, logger golog.Logger, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}
