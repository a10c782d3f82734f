package motors

import (
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/YuriVanWarmerdam/panther-ros/internal/canopen"
	"github.com/YuriVanWarmerdam/panther-ros/internal/convert"
)

type fakeDriver struct {
	snapshot    canopen.Feedback
	canError    bool
	writeErr    error
	writes      []writeCall
	driverState canopen.DriverState
	stateErr    error
}

type writeCall struct {
	channel uint8
	value   int32
}

func (f *fakeDriver) Snapshot() canopen.Feedback { return f.snapshot }
func (f *fakeDriver) CANError() bool             { return f.canError }
func (f *fakeDriver) ReadDriverState() (canopen.DriverState, error) {
	return f.driverState, f.stateErr
}
func (f *fakeDriver) WriteCommand(channel uint8, value int32) error {
	f.writes = append(f.writes, writeCall{channel, value})
	return f.writeErr
}
func (f *fakeDriver) EStopOn() error  { return f.writeErr }
func (f *fakeDriver) EStopOff() error { return f.writeErr }
func (f *fakeDriver) SafetyStop() error { return f.writeErr }

func testFactors() convert.Factors {
	return convert.Factors{
		GearRatio:           30.08,
		GearboxEfficiency:   0.75,
		EncoderResolution:   4096,
		MotorTorqueConstant: 0.11,
		MaxRpmMotorSpeed:    3600,
	}
}

func TestUpdateSystemFeedbackDetectsStaleness(t *testing.T) {
	front := &fakeDriver{snapshot: canopen.Feedback{Timestamp: time.Now().Add(-20 * time.Millisecond)}}
	rear := &fakeDriver{snapshot: canopen.Feedback{Timestamp: time.Now()}}

	c := New(front, rear, testFactors(), 15*time.Millisecond, golog.NewTestLogger(t))
	test.That(t, c.UpdateSystemFeedback(), test.ShouldBeNil)
	test.That(t, c.FrontData().DataTooOld, test.ShouldBeTrue)
	test.That(t, c.RearData().DataTooOld, test.ShouldBeFalse)
}

func TestUpdateSystemFeedbackRaisesOnCANError(t *testing.T) {
	front := &fakeDriver{canError: true, snapshot: canopen.Feedback{Timestamp: time.Now()}}
	rear := &fakeDriver{snapshot: canopen.Feedback{Timestamp: time.Now()}}

	c := New(front, rear, testFactors(), 15*time.Millisecond, golog.NewTestLogger(t))
	test.That(t, c.UpdateSystemFeedback(), test.ShouldNotBeNil)
}

func TestWriteSpeedMapsChannelsByWiringConvention(t *testing.T) {
	front := &fakeDriver{}
	rear := &fakeDriver{}
	c := New(front, rear, testFactors(), 15*time.Millisecond, golog.NewTestLogger(t))

	test.That(t, c.WriteSpeed(1, 2, 3, 4), test.ShouldBeNil)
	test.That(t, front.writes, test.ShouldHaveLength, 2)
	test.That(t, rear.writes, test.ShouldHaveLength, 2)
	// channel 2 is left (fl on front), channel 1 is right (fr on front)
	test.That(t, front.writes[0].channel, test.ShouldEqual, 2)
	test.That(t, front.writes[1].channel, test.ShouldEqual, 1)
}

func TestWriteSpeedRaisesOnCANErrorEvenIfWritesSucceed(t *testing.T) {
	front := &fakeDriver{canError: true}
	rear := &fakeDriver{}
	c := New(front, rear, testFactors(), 15*time.Millisecond, golog.NewTestLogger(t))

	test.That(t, c.WriteSpeed(0, 0, 0, 0), test.ShouldNotBeNil)
}

func TestLastCommandRecordedForEstopCheck(t *testing.T) {
	front := &fakeDriver{}
	rear := &fakeDriver{}
	c := New(front, rear, testFactors(), 15*time.Millisecond, golog.NewTestLogger(t))
	_ = c.WriteSpeed(1, 2, 3, 4)
	test.That(t, c.LastCommand(), test.ShouldResemble, [4]float64{1, 2, 3, 4})
}
