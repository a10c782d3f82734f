// Package motors implements the Motors Controller from spec.md section 4.5:
// periodic feedback aggregation, command submission, staleness detection,
// and a snapshot of both drivers' decoded state.
package motors

import (
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/YuriVanWarmerdam/panther-ros/internal/canopen"
	"github.com/YuriVanWarmerdam/panther-ros/internal/convert"
)

// SI is the decoded motor state in SI units (spec.md section 3,
// RoboteqData's left/right fields).
type SI struct {
	PositionRad float64
	VelocityRadPerSec float64
	EffortNewtonMeter float64
}

// DriverData is the per-driver aggregate held in host memory (spec.md
// section 3, RoboteqData). Left/right mapping follows the hardware wiring
// convention: motor channel 2 -> left, motor channel 1 -> right.
type DriverData struct {
	Left  SI
	Right SI

	DriverState canopen.DriverState

	FaultFlags    convert.FaultFlags
	ScriptFlags   convert.ScriptFlags
	RuntimeFlags1 convert.RuntimeFlags
	RuntimeFlags2 convert.RuntimeFlags

	DataTooOld bool
	CANError   bool
	Timestamp  time.Time
}

// Driver is the subset of *canopen.Driver the Motors Controller depends on;
// accepting it as an interface keeps this package unit-testable.
type Driver interface {
	Snapshot() canopen.Feedback
	CANError() bool
	ReadDriverState() (canopen.DriverState, error)
	WriteCommand(channel uint8, value int32) error
	EStopOn() error
	EStopOff() error
	SafetyStop() error
}

// Controller composes the front and rear drivers plus their conversion
// factors, and aggregates feedback/command across both.
type Controller struct {
	logger golog.Logger

	front     Driver
	rear      Driver
	frontData DriverData
	rearData  DriverData

	factors            convert.Factors
	pdoFeedbackTimeout time.Duration

	lastCommand [4]float64 // fl, fr, rl, rr in rad/s, host-side memory for E-stop reset checks
}

// New builds a Motors Controller over the given front/rear drivers.
func New(front, rear Driver, factors convert.Factors, pdoFeedbackTimeout time.Duration, logger golog.Logger) *Controller {
	return &Controller{
		logger:             logger,
		front:              front,
		rear:               rear,
		factors:            factors,
		pdoFeedbackTimeout: pdoFeedbackTimeout,
	}
}

// UpdateSystemFeedback fetches PDO snapshots from both drivers, computes
// staleness against pdo_feedback_timeout, decodes SI state, and raises if
// either driver reports a CAN error (spec.md section 4.5).
func (c *Controller) UpdateSystemFeedback() error {
	now := time.Now()

	c.frontData = c.decodeDriverFeedback(c.front, now)
	c.rearData = c.decodeDriverFeedback(c.rear, now)

	if c.frontData.CANError || c.rearData.CANError {
		return errors.New("can bus error reported by front or rear driver")
	}
	return nil
}

func (c *Controller) decodeDriverFeedback(d Driver, now time.Time) DriverData {
	fb := d.Snapshot()
	var data DriverData
	data.Timestamp = fb.Timestamp
	data.DataTooOld = fb.Timestamp.IsZero() || now.Sub(fb.Timestamp) > c.pdoFeedbackTimeout
	data.CANError = d.CANError()

	// motor channel 2 -> left, motor channel 1 -> right
	data.Left = SI{
		PositionRad:       c.factors.TicksToRad(fb.Motor2.Position),
		VelocityRadPerSec: c.factors.MotorRpmToRadPerSec(fb.Motor2.Velocity),
		EffortNewtonMeter: c.factors.AmpsToTorque(float64(fb.Motor2.Current) / 10.0),
	}
	data.Right = SI{
		PositionRad:       c.factors.TicksToRad(fb.Motor1.Position),
		VelocityRadPerSec: c.factors.MotorRpmToRadPerSec(fb.Motor1.Velocity),
		EffortNewtonMeter: c.factors.AmpsToTorque(float64(fb.Motor1.Current) / 10.0),
	}
	data.FaultFlags = convert.DecodeFaultFlags(fb.FaultFlags)
	data.ScriptFlags = convert.DecodeScriptFlags(fb.ScriptFlags)
	data.RuntimeFlags1 = convert.DecodeRuntimeFlags(fb.RuntimeFlags1)
	data.RuntimeFlags2 = convert.DecodeRuntimeFlags(fb.RuntimeFlags2)
	return data
}

// UpdateDriversState issues the SDO-polled temperature/voltage/amps reads
// for both drivers. Intended cadence is 1Hz (spec.md section 4.5), driven
// by the lifecycle's roboteq_state_period boundary, not every cycle.
func (c *Controller) UpdateDriversState() error {
	fs, err := c.front.ReadDriverState()
	if err != nil {
		return errors.Wrap(err, "front driver state read")
	}
	rs, err := c.rear.ReadDriverState()
	if err != nil {
		return errors.Wrap(err, "rear driver state read")
	}
	c.frontData.DriverState = fs
	c.rearData.DriverState = rs
	return nil
}

// WriteSpeed converts the four joint velocities (rad/s) to fixed-point
// commands and writes them to the appropriate driver/channel. Per the
// hardware wiring convention, front-left/front-right map to the front
// driver's channel 2/1 and rear-left/rear-right to the rear driver's
// channel 2/1. Any write failure raises; after both attempts, if either
// driver's CAN-error flag is set, it raises regardless of write success
// (spec.md section 4.5).
func (c *Controller) WriteSpeed(fl, fr, rl, rr float64) error {
	c.lastCommand = [4]float64{fl, fr, rl, rr}

	frontLeft := c.factors.VelocityToCommand(fl)
	frontRight := c.factors.VelocityToCommand(fr)
	rearLeft := c.factors.VelocityToCommand(rl)
	rearRight := c.factors.VelocityToCommand(rr)

	var writeErr error
	if err := c.front.WriteCommand(2, frontLeft); err != nil {
		writeErr = errors.Wrap(err, "front left command write")
	}
	if err := c.front.WriteCommand(1, frontRight); err != nil && writeErr == nil {
		writeErr = errors.Wrap(err, "front right command write")
	}
	if err := c.rear.WriteCommand(2, rearLeft); err != nil && writeErr == nil {
		writeErr = errors.Wrap(err, "rear left command write")
	}
	if err := c.rear.WriteCommand(1, rearRight); err != nil && writeErr == nil {
		writeErr = errors.Wrap(err, "rear right command write")
	}

	if c.front.CANError() || c.rear.CANError() {
		return errors.New("can bus error reported by front or rear driver after write")
	}
	return writeErr
}

// LastCommand returns the last command vector written via WriteSpeed, in
// canonical fl/fr/rl/rr order. Used by the E-Stop Manager to verify zero
// motion before allowing a reset.
func (c *Controller) LastCommand() [4]float64 {
	return c.lastCommand
}

// TurnOnEstop issues the E-stop-on SDO write to both drivers. Partial
// failure is reported as failure of the aggregate.
func (c *Controller) TurnOnEstop() error {
	errFront := c.front.EStopOn()
	errRear := c.rear.EStopOn()
	if errFront != nil {
		return errors.Wrap(errFront, "front estop on")
	}
	if errRear != nil {
		return errors.Wrap(errRear, "rear estop on")
	}
	return nil
}

// TurnOffEstop issues the E-stop-off SDO write to both drivers.
func (c *Controller) TurnOffEstop() error {
	errFront := c.front.EStopOff()
	errRear := c.rear.EStopOff()
	if errFront != nil {
		return errors.Wrap(errFront, "front estop off")
	}
	if errRear != nil {
		return errors.Wrap(errRear, "rear estop off")
	}
	return nil
}

// SafetyStop issues the software safety-stop SDO command to both drivers,
// used by the V10X E-Stop strategy in place of a hardware watchdog.
func (c *Controller) SafetyStop() error {
	errFront := c.front.SafetyStop()
	errRear := c.rear.SafetyStop()
	if errFront != nil {
		return errors.Wrap(errFront, "front safety stop")
	}
	if errRear != nil {
		return errors.Wrap(errRear, "rear safety stop")
	}
	return nil
}

// FrontData returns the most recently decoded front-driver aggregate.
func (c *Controller) FrontData() DriverData { return c.frontData }

// RearData returns the most recently decoded rear-driver aggregate.
func (c *Controller) RearData() DriverData { return c.rearData }
