// Package convert implements the bidirectional unit conversions between
// SI joint-space and Roboteq controller-native fixed-point units, and the
// decoders that expand the controller's flag bitfields into named structs.
package convert

import "math"

const (
	// CommandMin and CommandMax bound the fixed-point command channel.
	CommandMin = -1000
	CommandMax = 1000

	// RpmChannelScale is the controller's RPM reporting scale: it reports
	// RPM in units of 0.1 RPM.
	RpmChannelScale = 0.1
)

// Factors holds the per-driver scale factors derived once from
// config.DrivetrainSettings so hot-path conversions are pure arithmetic.
type Factors struct {
	GearRatio           float64
	GearboxEfficiency   float64
	EncoderResolution   float64
	MotorTorqueConstant float64
	MaxRpmMotorSpeed    float64
}

// VelocityToCommand converts a joint angular velocity in rad/s to the
// controller fixed-point command, clamped to [-1000, 1000].
//
// cmd = clamp(round(omega * gear_ratio * 60 / (2*pi*max_rpm) * 1000))
func (f Factors) VelocityToCommand(omega float64) int32 {
	if f.MaxRpmMotorSpeed == 0 {
		return 0
	}
	raw := omega * f.GearRatio * 60 / (2 * math.Pi * f.MaxRpmMotorSpeed) * 1000
	return clampCommand(int32(math.Round(raw)))
}

func clampCommand(v int32) int32 {
	if v > CommandMax {
		return CommandMax
	}
	if v < CommandMin {
		return CommandMin
	}
	return v
}

// TicksToRad converts motor encoder ticks (pre-gearbox) to wheel radians.
func (f Factors) TicksToRad(ticks int32) float64 {
	if f.EncoderResolution == 0 || f.GearRatio == 0 {
		return 0
	}
	return float64(ticks) * 2 * math.Pi / (f.EncoderResolution * f.GearRatio)
}

// RadToTicks is the inverse of TicksToRad, used only by round-trip tests.
func (f Factors) RadToTicks(rad float64) int32 {
	return int32(math.Round(rad * f.EncoderResolution * f.GearRatio / (2 * math.Pi)))
}

// MotorRpmToRadPerSec converts the controller's reported motor-channel RPM
// (in 1/0.1 RPM units, i.e. the raw value is RPM*10) to wheel rad/s.
func (f Factors) MotorRpmToRadPerSec(rawRpmTimesTen int32) float64 {
	if f.GearRatio == 0 {
		return 0
	}
	rpm := float64(rawRpmTimesTen) * RpmChannelScale
	return rpm / f.GearRatio * 2 * math.Pi / 60
}

// AmpsToTorque converts reported motor current (amps) to effort in N*m.
func (f Factors) AmpsToTorque(amps float64) float64 {
	return amps * f.MotorTorqueConstant * f.GearRatio * f.GearboxEfficiency
}

// FaultFlags decodes the fault flag byte read from the low byte of object
// 2106:7.
type FaultFlags struct {
	Overheat                     bool
	Overvoltage                  bool
	Undervoltage                 bool
	ShortCircuit                 bool
	EmergencyStop                bool
	MotorOrSensorSetupFault      bool
	MosfetFailure                bool
	DefaultConfigLoadedAtStartup bool
	Raw                          uint8
}

// DecodeFaultFlags expands the fault status byte. Every bit is named;
// unnamed bits are preserved (and still observable) in Raw.
func DecodeFaultFlags(b uint8) FaultFlags {
	return FaultFlags{
		Overheat:                     b&(1<<0) != 0,
		Overvoltage:                  b&(1<<1) != 0,
		Undervoltage:                 b&(1<<2) != 0,
		ShortCircuit:                 b&(1<<3) != 0,
		EmergencyStop:                b&(1<<4) != 0,
		MotorOrSensorSetupFault:      b&(1<<5) != 0,
		MosfetFailure:                b&(1<<6) != 0,
		DefaultConfigLoadedAtStartup: b&(1<<7) != 0,
		Raw:                          b,
	}
}

// ScriptFlags decodes the script flag byte read from the high byte of
// object 2106:7.
type ScriptFlags struct {
	LoopError           bool
	EncoderDisconnected bool
	AmpLimiter          bool
	Raw                 uint8
}

// DecodeScriptFlags expands the script status byte.
func DecodeScriptFlags(b uint8) ScriptFlags {
	return ScriptFlags{
		LoopError:           b&(1<<0) != 0,
		EncoderDisconnected: b&(1<<1) != 0,
		AmpLimiter:          b&(1<<2) != 0,
		Raw:                 b,
	}
}

// RuntimeFlags decodes a single motor's runtime status byte. Object 2106:8
// packs both channels' runtime flags into one word, one byte per motor.
type RuntimeFlags struct {
	AmpLimit       bool
	StallDetected  bool
	LoopError      bool
	SafetyStop     bool
	ForwardLimit   bool
	ReverseLimit   bool
	AmpsTripActive bool
	Raw            uint8
}

// DecodeRuntimeFlags expands a single motor-runtime status byte.
func DecodeRuntimeFlags(b uint8) RuntimeFlags {
	return RuntimeFlags{
		AmpLimit:       b&(1<<0) != 0,
		StallDetected:  b&(1<<1) != 0,
		LoopError:      b&(1<<2) != 0,
		SafetyStop:     b&(1<<3) != 0,
		ForwardLimit:   b&(1<<4) != 0,
		ReverseLimit:   b&(1<<5) != 0,
		AmpsTripActive: b&(1<<6) != 0,
		Raw:            b,
	}
}
