package canopen

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/samsamfire/gocanopen/pkg/config"
	"github.com/samsamfire/gocanopen/pkg/sdo"
)

// MotorState is a single motor's PDO-reported state in controller-native
// units (spec.md section 3, RoboteqMotorState).
type MotorState struct {
	Position int32
	Velocity int32
	Current  int16
}

// Feedback is the two-motor PDO snapshot plus flag bytes and the monotonic
// timestamp captured when it was last refreshed (spec.md section 3,
// RoboteqDriverFeedback). FaultFlags/ScriptFlags are the low/high bytes of
// object 2106:7; RuntimeFlags1/2 are the low/high bytes of object 2106:8,
// one per motor channel.
type Feedback struct {
	Motor1        MotorState
	Motor2        MotorState
	FaultFlags    uint8
	ScriptFlags   uint8
	RuntimeFlags1 uint8
	RuntimeFlags2 uint8
	Timestamp     time.Time
}

// DriverState is the SDO-polled state (spec.md section 3): temperature,
// voltage, and per-channel battery current in controller-native units.
type DriverState struct {
	TemperatureC int8
	VoltageDeciV uint16
	AmpsCh1DeciA int16
	AmpsCh2DeciA int16
}

// pdoPollInterval is the cadence of the background loop that copies the
// node's locally-mirrored RPDO state into Driver.feedback. The mirror
// itself is kept current by the bus's own RPDO reception (configured once
// in configureFeedbackPDO); this loop only snapshots it, so it never
// touches the bus (spec.md section 4.2, section 7).
const pdoPollInterval = 2 * time.Millisecond

// rpdoPosition, rpdoVelocity, and rpdoCurrentAndFlags are the three RPDO
// numbers the feedback object 2106 is split across, one 8-byte frame each
// (the CANopen PDO payload limit), mapped onto the device's predefined
// TPDO1/TPDO2/TPDO3 COB-IDs.
const (
	rpdoPosition        uint16 = 1
	rpdoVelocity        uint16 = 2
	rpdoCurrentAndFlags uint16 = 3
)

const (
	tpdo1CobIDBase uint16 = 0x180
	tpdo2CobIDBase uint16 = 0x280
	tpdo3CobIDBase uint16 = 0x380
)

const pdoTransmissionTypeAsync uint8 = 255

// Driver is the per-slave-node facade over the CANopen object dictionary
// described in spec.md section 4.2.
type Driver struct {
	logger     golog.Logger
	bus        bus
	nodeID     uint8
	sdoTimeout time.Duration

	readMu  sync.Mutex
	writeMu sync.Mutex

	canError         atomic.Bool
	sdoReadTimedOut  atomic.Bool
	sdoWriteTimedOut atomic.Bool

	feedbackMu sync.RWMutex
	feedback   Feedback

	stopPoll context.CancelFunc
	pollDone chan struct{}
}

// NewDriver constructs a Driver for the given slave node id. Call Boot then
// WaitForBoot before issuing any other operation.
func NewDriver(b bus, nodeID uint8, sdoTimeout time.Duration, logger golog.Logger) *Driver {
	return &Driver{
		logger:     logger,
		bus:        b,
		nodeID:     nodeID,
		sdoTimeout: sdoTimeout,
	}
}

// Boot loads the node's master description file (spec.md section 4.1 step
// 3), configures the SDO client's protocol timeout, and maps the feedback
// object onto three RPDOs so Snapshot() can be served from the bus's local
// object dictionary mirror instead of polling SDO.
func (d *Driver) Boot(ctx context.Context, descriptionFile string) error {
	d.bus.SetTimeout(uint32(d.sdoTimeout / time.Millisecond))

	if err := d.bus.AddRemoteNode(d.nodeID, descriptionFile, true); err != nil {
		return errors.Wrapf(err, "node x%x: load master description file %q", d.nodeID, descriptionFile)
	}
	if err := d.configureFeedbackPDO(); err != nil {
		return errors.Wrapf(err, "node x%x: configure feedback PDO mapping", d.nodeID)
	}
	return nil
}

// configureFeedbackPDO maps object 2106 (position, velocity, current, fault
// and runtime flags) across three RPDOs of up to 8 bytes each, received on
// the device's predefined TPDO1/2/3 COB-IDs. Grounded in the original
// driver's rpdo_mapped[0x2106][N] feedback reads, which depend on exactly
// this kind of static RPDO mapping being configured once at boot.
func (d *Driver) configureFeedbackPDO() error {
	configurator := d.bus.Configurator(d.nodeID)

	err := configurator.WriteConfigurationPDO(rpdoPosition, config.PDOConfigurationParameter{
		CanId:            tpdo1CobIDBase + uint16(d.nodeID),
		TransmissionType: pdoTransmissionTypeAsync,
		Mappings: []config.PDOMappingParameter{
			{Index: objPosition, Subindex: subPositionCh1, LengthBits: 32},
			{Index: objPosition, Subindex: subPositionCh2, LengthBits: 32},
		},
	})
	if err != nil {
		return errors.Wrap(err, "map position RPDO")
	}

	err = configurator.WriteConfigurationPDO(rpdoVelocity, config.PDOConfigurationParameter{
		CanId:            tpdo2CobIDBase + uint16(d.nodeID),
		TransmissionType: pdoTransmissionTypeAsync,
		Mappings: []config.PDOMappingParameter{
			{Index: objVelocity, Subindex: subVelocityCh1, LengthBits: 32},
			{Index: objVelocity, Subindex: subVelocityCh2, LengthBits: 32},
		},
	})
	if err != nil {
		return errors.Wrap(err, "map velocity RPDO")
	}

	err = configurator.WriteConfigurationPDO(rpdoCurrentAndFlags, config.PDOConfigurationParameter{
		CanId:            tpdo3CobIDBase + uint16(d.nodeID),
		TransmissionType: pdoTransmissionTypeAsync,
		Mappings: []config.PDOMappingParameter{
			{Index: objCurrent, Subindex: subCurrentCh1, LengthBits: 16},
			{Index: objCurrent, Subindex: subCurrentCh2, LengthBits: 16},
			{Index: objFaultFlags, Subindex: subFaultFlags, LengthBits: 16},
			{Index: objRuntimeFlags, Subindex: subRuntimeFlags, LengthBits: 16},
		},
	})
	if err != nil {
		return errors.Wrap(err, "map current/flags RPDO")
	}
	return nil
}

// WaitForBoot blocks until the node answers both boot identity checks
// (device type 1000:0, then vendor id 1018:1), ctx is cancelled, or timeout
// elapses, whichever comes first. An SDO abort on either object is a fatal
// boot error (spec.md section 9's boundary cases name both 1000:0 and
// 1018:1 as triggers), never silently retried.
func (d *Driver) WaitForBoot(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "node x%x boot wait cancelled", d.nodeID)
	}
	done := make(chan error, 1)
	go func() {
		if _, err := d.sdoRead(objDeviceType, subZero); err != nil {
			done <- errors.Wrapf(err, "node x%x did not respond to boot check (SDO read %x:%x)", d.nodeID, objDeviceType, subZero)
			return
		}
		if _, err := d.sdoRead(objIdentity, subVendorID); err != nil {
			done <- errors.Wrapf(err, "node x%x did not respond to boot check (SDO read %x:%x)", d.nodeID, objIdentity, subVendorID)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "node x%x boot wait cancelled", d.nodeID)
	case <-time.After(timeout):
		return errors.Errorf("node x%x boot check exceeded timeout %s", d.nodeID, timeout)
	}
}

// StartFeedbackPoll launches the background loop that keeps Snapshot()
// non-blocking. It must be called once the node has booted.
func (d *Driver) StartFeedbackPoll(parent context.Context, wg *sync.WaitGroup) {
	ctx, cancel := context.WithCancel(parent)
	d.stopPoll = cancel
	d.pollDone = make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(d.pollDone)
		ticker := time.NewTicker(pdoPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.refreshFeedback()
			}
		}
	}()
}

// StopFeedbackPoll stops the background poll loop; idempotent.
func (d *Driver) StopFeedbackPoll() {
	if d.stopPoll != nil {
		d.stopPoll()
	}
	if d.pollDone != nil {
		<-d.pollDone
		d.pollDone = nil
	}
}

// refreshFeedback copies the node's locally-mirrored object dictionary
// (kept current by RPDO reception, configureFeedbackPDO's doing) into
// Driver.feedback. It never issues an SDO transfer: od.Entry's Uint16/
// Uint32 accessors only read the in-memory streamer buffer.
func (d *Driver) refreshFeedback() {
	dict, err := d.bus.GetOD(d.nodeID)
	if err != nil {
		d.logger.Debugw("pdo feedback mirror unavailable", "node", d.nodeID, "error", err)
		return
	}

	pos1, err1 := dict.Index(objPosition).Uint32(subPositionCh1)
	pos2, err2 := dict.Index(objPosition).Uint32(subPositionCh2)
	vel1, err3 := dict.Index(objVelocity).Uint32(subVelocityCh1)
	vel2, err4 := dict.Index(objVelocity).Uint32(subVelocityCh2)
	cur1, err5 := dict.Index(objCurrent).Uint16(subCurrentCh1)
	cur2, err6 := dict.Index(objCurrent).Uint16(subCurrentCh2)
	faultScriptWord, err7 := dict.Index(objFaultFlags).Uint16(subFaultFlags)
	runtimeWord, err8 := dict.Index(objRuntimeFlags).Uint16(subRuntimeFlags)

	for _, readErr := range []error{err1, err2, err3, err4, err5, err6, err7, err8} {
		if readErr != nil {
			d.logger.Debugw("pdo feedback mirror read error", "node", d.nodeID, "error", readErr)
			return
		}
	}

	var fb Feedback
	fb.Motor1.Position = int32(pos1)
	fb.Motor2.Position = int32(pos2)
	fb.Motor1.Velocity = int32(vel1)
	fb.Motor2.Velocity = int32(vel2)
	fb.Motor1.Current = int16(cur1)
	fb.Motor2.Current = int16(cur2)

	// Low byte of 2106:7 is the fault status, high byte is the script
	// status; they are distinct flag sets, not one shared word.
	fb.FaultFlags = byte(faultScriptWord)
	fb.ScriptFlags = byte(faultScriptWord >> 8)

	// 2106:8 packs both channels' runtime status into one word, low byte
	// motor 1, high byte motor 2.
	fb.RuntimeFlags1 = byte(runtimeWord)
	fb.RuntimeFlags2 = byte(runtimeWord >> 8)

	fb.Timestamp = time.Now()
	d.feedbackMu.Lock()
	d.feedback = fb
	d.feedbackMu.Unlock()
}

// Snapshot returns the last-known PDO feedback. Never blocks on the bus.
func (d *Driver) Snapshot() Feedback {
	d.feedbackMu.RLock()
	defer d.feedbackMu.RUnlock()
	return d.feedback
}

// CANError reports the sticky low-level bus error flag, cleared only by
// reconstruction of the Driver.
func (d *Driver) CANError() bool {
	return d.canError.Load()
}

// SetCANError is invoked by the low-level error callback path.
func (d *Driver) SetCANError() {
	d.canError.Store(true)
}

// sdoRead performs a synchronous SDO upload. The SDO client's own protocol
// timeout (set once in Boot via bus.SetTimeout) bounds the transfer and
// self-aborts it on the bus with sdo.AbortTimeout; there is no
// client-side goroutine left running after this call returns (spec.md
// section 5, section 9).
func (d *Driver) sdoRead(index uint16, sub uint8) (any, error) {
	d.readMu.Lock()
	defer d.readMu.Unlock()

	value, err := d.bus.Read(d.nodeID, index, sub)
	d.sdoReadTimedOut.Store(errors.Is(err, sdo.AbortTimeout))
	if err != nil {
		return nil, errors.Wrapf(err, "sdo read %x:%x", index, sub)
	}
	return value, nil
}

// sdoWrite performs a synchronous SDO download, bounded the same way as
// sdoRead.
func (d *Driver) sdoWrite(index uint16, sub uint8, value any) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	err := d.bus.Write(d.nodeID, index, sub, value)
	d.sdoWriteTimedOut.Store(errors.Is(err, sdo.AbortTimeout))
	if err != nil {
		return errors.Wrapf(err, "sdo write %x:%x", index, sub)
	}
	return nil
}

// ReadSdoTimedOut reports whether the most recent SDO read attempt timed out.
func (d *Driver) ReadSdoTimedOut() bool { return d.sdoReadTimedOut.Load() }

// WriteSdoTimedOut reports whether the most recent SDO write attempt timed out.
func (d *Driver) WriteSdoTimedOut() bool { return d.sdoWriteTimedOut.Load() }

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	default:
		return 0, errors.Errorf("unexpected sdo value type %T", v)
	}
}

// ReadDriverState issues the four SDO reads that make up DriverState.
// Intended cadence is 1Hz, not every realtime cycle (spec.md section 4.5).
func (d *Driver) ReadDriverState() (DriverState, error) {
	var state DriverState

	v, err := d.sdoRead(objTemperature, subTemperature)
	if err != nil {
		return state, errors.Wrap(err, "read temperature")
	}
	temp, err := toInt64(v)
	if err != nil {
		return state, errors.Wrap(err, "decode temperature")
	}
	state.TemperatureC = int8(temp)

	v, err = d.sdoRead(objVoltage, subVoltage)
	if err != nil {
		return state, errors.Wrap(err, "read voltage")
	}
	voltage, err := toInt64(v)
	if err != nil {
		return state, errors.Wrap(err, "decode voltage")
	}
	state.VoltageDeciV = uint16(voltage)

	v, err = d.sdoRead(objBatteryAmps, subAmpsCh1)
	if err != nil {
		return state, errors.Wrap(err, "read battery amps ch1")
	}
	amps1, err := toInt64(v)
	if err != nil {
		return state, errors.Wrap(err, "decode battery amps ch1")
	}
	state.AmpsCh1DeciA = int16(amps1)

	v, err = d.sdoRead(objBatteryAmps, subAmpsCh2)
	if err != nil {
		return state, errors.Wrap(err, "read battery amps ch2")
	}
	amps2, err := toInt64(v)
	if err != nil {
		return state, errors.Wrap(err, "decode battery amps ch2")
	}
	state.AmpsCh2DeciA = int16(amps2)

	return state, nil
}

// WriteCommand emits a command in [-1000, 1000] to the given channel (1 or
// 2), clamping out-of-range values.
func (d *Driver) WriteCommand(channel uint8, value int32) error {
	if value > 1000 {
		value = 1000
	}
	if value < -1000 {
		value = -1000
	}
	return d.sdoWrite(objCommand, channel, value)
}

// ResetScript issues the reset-script SDO write.
func (d *Driver) ResetScript() error {
	return d.sdoWrite(objResetScript, subZero, uint8(1))
}

// EStopOn asserts the controller-level E-stop object.
func (d *Driver) EStopOn() error {
	return d.sdoWrite(objEStopOn, subZero, uint8(1))
}

// EStopOff clears the controller-level E-stop object.
func (d *Driver) EStopOff() error {
	return d.sdoWrite(objEStopOff, subZero, uint8(1))
}

// SafetyStop issues the controller-internal safety-stop command to both
// motor channels. The Roboteq driver treats 0x202C:0 as a per-channel
// command, value 1 for channel 1 and value 2 for channel 2; writing only
// the first leaves channel 2 unstopped.
func (d *Driver) SafetyStop() error {
	if err := d.sdoWrite(objSafetyStop, subZero, uint8(1)); err != nil {
		return err
	}
	return d.sdoWrite(objSafetyStop, subZero, uint8(2))
}
