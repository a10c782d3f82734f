package gpio

import (
	"context"
	"time"

	"github.com/mkch/gpio"
)

// OutputLine names the V12X output pins (spec.md section 4.7).
type OutputLine string

const (
	LineVmotOn      OutputLine = "VMOT_ON"
	LineMotorOn     OutputLine = "MOTOR_ON"
	LineAuxPowerEn  OutputLine = "AUX_PW_EN"
	LineChargeEn    OutputLine = "CHRG_EN"
	LineFanSwitch   OutputLine = "FAN_SW"
	LineVdigOff     OutputLine = "VDIG_OFF"
	LineWatchdog    OutputLine = "WATCHDOG"
	LineEStopReset  OutputLine = "E_STOP_RESET"
)

// InputLine names the V12X input pins.
type InputLine string

const (
	LineChargeSense InputLine = "CHRG_SENSE"
	LineMainSwitch  InputLine = "MAIN_SW"
	LineShutdownInit InputLine = "SHDN_INIT"
	LineEStop       InputLine = "E_STOP"
)

// lineBank is the narrow surface over a GPIO chip this package depends on.
// The production implementation wraps github.com/mkch/gpio; tests use a
// fake so they don't need a real Linux GPIO character device.
type lineBank interface {
	SetOutput(line OutputLine, high bool) error
	ReadInput(line InputLine) (bool, error)
	// Watch delivers edge events for every configured input line until ctx
	// is cancelled. It must not block the caller (runs on its own thread).
	Watch(ctx context.Context, onEdge func(line InputLine, rising bool, at time.Time))
	Close() error
}

// chipBank is the production lineBank backed by a single GPIO chip device.
type chipBank struct {
	chip    *gpio.Chip
	outputs map[OutputLine]*gpio.Line
	inputs  map[InputLine]*gpio.LineWithEvent
}

// OffsetMap assigns a GPIO line offset on the chip to each named pin.
type OffsetMap struct {
	Outputs map[OutputLine]uint32
	Inputs  map[InputLine]uint32
}

// openChipBank opens the given chip device and configures every pin in
// offsets as an output (driven low initially) or an edge-watched input.
func openChipBank(devicePath string, offsets OffsetMap) (*chipBank, error) {
	chip, err := gpio.OpenChip(devicePath)
	if err != nil {
		return nil, err
	}
	bank := &chipBank{
		chip:    chip,
		outputs: map[OutputLine]*gpio.Line{},
		inputs:  map[InputLine]*gpio.LineWithEvent{},
	}
	for name, offset := range offsets.Outputs {
		line, err := chip.OpenLine(offset, 0, gpio.Output, "drivetrain-gpio")
		if err != nil {
			bank.Close()
			return nil, err
		}
		bank.outputs[name] = line
	}
	for name, offset := range offsets.Inputs {
		line, err := chip.OpenLineWithEvents(offset, gpio.Input, gpio.BothEdges, "drivetrain-gpio")
		if err != nil {
			bank.Close()
			return nil, err
		}
		bank.inputs[name] = line
	}
	return bank, nil
}

func (b *chipBank) SetOutput(line OutputLine, high bool) error {
	l, ok := b.outputs[line]
	if !ok {
		return nil
	}
	var value byte
	if high {
		value = 1
	}
	return l.SetValue(value)
}

func (b *chipBank) ReadInput(line InputLine) (bool, error) {
	l, ok := b.inputs[line]
	if !ok {
		return false, nil
	}
	v, err := l.Value()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (b *chipBank) Watch(ctx context.Context, onEdge func(line InputLine, rising bool, at time.Time)) {
	for name, line := range b.inputs {
		name, line := name, line
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-line.Events():
					if !ok {
						return
					}
					onEdge(name, event.RisingEdge, event.Time)
				}
			}
		}()
	}
}

func (b *chipBank) Close() error {
	for _, l := range b.outputs {
		_ = l.Close()
	}
	for _, l := range b.inputs {
		_ = l.Close()
	}
	if b.chip != nil {
		return b.chip.Close()
	}
	return nil
}
