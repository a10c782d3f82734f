package convert

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func testFactors() Factors {
	return Factors{
		GearRatio:           30.08,
		GearboxEfficiency:   0.75,
		EncoderResolution:   4096,
		MotorTorqueConstant: 0.11,
		MaxRpmMotorSpeed:    3600,
	}
}

func TestVelocityToCommandHappyPath(t *testing.T) {
	f := testFactors()
	got := f.VelocityToCommand(1.0)
	test.That(t, got, test.ShouldEqual, 80)
}

func TestVelocityToCommandClamps(t *testing.T) {
	f := testFactors()
	test.That(t, f.VelocityToCommand(1000), test.ShouldEqual, CommandMax)
	test.That(t, f.VelocityToCommand(-1000), test.ShouldEqual, CommandMin)
}

func TestVelocityToCommandZeroAndOdd(t *testing.T) {
	f := testFactors()
	test.That(t, f.VelocityToCommand(0), test.ShouldEqual, 0)
	for _, omega := range []float64{0.3, 1.7, -2.2, 5.5} {
		pos := f.VelocityToCommand(omega)
		neg := f.VelocityToCommand(-omega)
		test.That(t, pos, test.ShouldEqual, -neg)
	}
}

func TestTicksToRadRoundTrip(t *testing.T) {
	f := testFactors()
	quantum := 2 * math.Pi / (f.EncoderResolution * f.GearRatio)
	for _, theta := range []float64{0, 0.1, 1.5, -3.14, 6.0} {
		ticks := f.RadToTicks(theta)
		back := f.TicksToRad(ticks)
		test.That(t, math.Abs(back-theta), test.ShouldBeLessThanOrEqualTo, quantum)
	}
}

func TestAmpsToTorque(t *testing.T) {
	f := testFactors()
	got := f.AmpsToTorque(2.0)
	want := 2.0 * f.MotorTorqueConstant * f.GearRatio * f.GearboxEfficiency
	test.That(t, got, test.ShouldEqual, want)
}

func TestDecodeFaultFlagsPreservesRaw(t *testing.T) {
	b := uint8(0b1000_0001)
	flags := DecodeFaultFlags(b)
	test.That(t, flags.Overheat, test.ShouldBeTrue)
	test.That(t, flags.DefaultConfigLoadedAtStartup, test.ShouldBeTrue)
	test.That(t, flags.Raw, test.ShouldEqual, b)
}

func TestDecodeScriptFlags(t *testing.T) {
	flags := DecodeScriptFlags(1 << 1)
	test.That(t, flags.EncoderDisconnected, test.ShouldBeTrue)
	test.That(t, flags.LoopError, test.ShouldBeFalse)
	test.That(t, flags.AmpLimiter, test.ShouldBeFalse)
}

func TestDecodeRuntimeFlags(t *testing.T) {
	flags := DecodeRuntimeFlags(1 << 3)
	test.That(t, flags.SafetyStop, test.ShouldBeTrue)
	test.That(t, flags.AmpLimit, test.ShouldBeFalse)
}
