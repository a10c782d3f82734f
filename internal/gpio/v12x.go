package gpio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
)

// V12X drives the watchdog, E-stop, motor-power, aux-power, charger and fan
// output lines, and publishes CHRG_SENSE/MAIN_SW/SHDN_INIT input events
// (spec.md section 4.7).
type V12X struct {
	logger golog.Logger
	lines  lineBank

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	watchdogEnabled atomic.Bool
	eStopAsserted   atomic.Bool
	mainSwitchStage atomic.Int32

	resetMu      sync.Mutex
	abortReset   atomic.Bool

	handler   EdgeHandler
	handlerMu sync.Mutex
}

// NewV12X opens the chip at devicePath, maps the pins per offsets, and
// starts the watchdog toggle loop (watchdog begins disabled and E-stop
// asserted: motors stay disabled until a successful EStopReset enables the
// watchdog).
func NewV12X(devicePath string, offsets OffsetMap, logger golog.Logger) (*V12X, error) {
	bank, err := openChipBank(devicePath, offsets)
	if err != nil {
		return nil, err
	}
	return newV12XWithBank(bank, logger), nil
}

func newV12XWithBank(bank lineBank, logger golog.Logger) *V12X {
	ctx, cancel := context.WithCancel(context.Background())
	v := &V12X{
		logger: logger,
		lines:  bank,
		ctx:    ctx,
		cancel: cancel,
	}
	v.eStopAsserted.Store(true) // safe by default until explicitly cleared
	backgroundLoop(ctx, watchdogPeriod, &v.wg, logger, v.toggleWatchdog)
	return v
}

func (v *V12X) toggleWatchdog() {
	if !v.watchdogEnabled.Load() {
		return
	}
	// A real watchdog toggles high/low each period; we only need the
	// software side to keep driving it, the line state itself doesn't
	// matter to this model beyond "is it being toggled".
	_ = v.lines.SetOutput(LineWatchdog, true)
	_ = v.lines.SetOutput(LineWatchdog, false)
}

func (v *V12X) Subscribe(handler EdgeHandler) {
	v.handlerMu.Lock()
	v.handler = handler
	v.handlerMu.Unlock()

	v.lines.Watch(v.ctx, func(line InputLine, rising bool, at time.Time) {
		var pin InputPin
		switch line {
		case LineChargeSense:
			pin = PinChargeSense
		case LineMainSwitch:
			pin = PinMainSwitch
			if rising {
				v.mainSwitchStage.Add(1)
			}
		case LineShutdownInit:
			pin = PinShutdownInit
		case LineEStop:
			pin = PinEStop
			v.eStopAsserted.Store(!rising) // E_STOP input deasserted (not rising) means triggered
		default:
			return
		}
		v.handlerMu.Lock()
		h := v.handler
		v.handlerMu.Unlock()
		if h != nil {
			h(Edge{Pin: pin, Rising: rising, At: at})
		}
	})
}

func (v *V12X) WatchdogRunning() bool { return v.watchdogEnabled.Load() }

// EStopTrigger asserts E-stop by disabling the software watchdog, which the
// hardware safety circuit latches as an E-stop condition. It also aborts
// any reset currently in progress.
func (v *V12X) EStopTrigger() error {
	v.abortReset.Store(true)
	v.watchdogEnabled.Store(false)
	v.eStopAsserted.Store(true)
	return nil
}

// EStopReset drives the hardware reset protocol: re-enable the watchdog,
// pulse E_STOP_RESET for resetPulseDuration, and confirm. A concurrent
// EStopTrigger aborts the pulse and returns ErrResetInterrupted.
func (v *V12X) EStopReset(ctx context.Context) error {
	v.resetMu.Lock()
	defer v.resetMu.Unlock()

	v.abortReset.Store(false)
	if err := v.lines.SetOutput(LineEStopReset, true); err != nil {
		return err
	}

	pollDone := make(chan struct{})
	defer close(pollDone)

	timer := time.NewTimer(resetPulseDuration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		_ = v.lines.SetOutput(LineEStopReset, false)
		return ctx.Err()
	case <-pollAbort(v, pollDone):
		_ = v.lines.SetOutput(LineEStopReset, false)
		return ErrResetInterrupted
	}

	_ = v.lines.SetOutput(LineEStopReset, false)
	v.watchdogEnabled.Store(true)
	v.eStopAsserted.Store(false)
	return nil
}

// pollAbort watches abortReset for the duration of a single EStopReset call.
// done is closed by the caller as soon as its select resolves by any branch,
// so this goroutine never outlives the reset it was started for.
func pollAbort(v *V12X, done <-chan struct{}) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if v.abortReset.Load() {
					close(ch)
					return
				}
			case <-v.ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return ch
}

func (v *V12X) EStopAsserted() bool { return v.eStopAsserted.Load() }

func (v *V12X) MotorPowerEnable(enable bool) error {
	return v.lines.SetOutput(LineMotorOn, enable)
}

func (v *V12X) FanEnable(enable bool) error {
	return v.lines.SetOutput(LineFanSwitch, enable)
}

func (v *V12X) AuxPowerEnable(enable bool) error {
	return v.lines.SetOutput(LineAuxPowerEn, enable)
}

func (v *V12X) ChargerEnable(enable bool) error {
	return v.lines.SetOutput(LineChargeEn, enable)
}

func (v *V12X) DigitalPowerEnable(enable bool) error {
	return v.lines.SetOutput(LineVdigOff, !enable)
}

func (v *V12X) MainSwitchStage() int {
	return int(v.mainSwitchStage.Load())
}

func (v *V12X) Close() error {
	v.cancel()
	v.wg.Wait()
	return v.lines.Close()
}
