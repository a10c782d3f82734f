package estop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/YuriVanWarmerdam/panther-ros/internal/canopen"
	"github.com/YuriVanWarmerdam/panther-ros/internal/convert"
	"github.com/YuriVanWarmerdam/panther-ros/internal/errorfilter"
	"github.com/YuriVanWarmerdam/panther-ros/internal/gpio"
	"github.com/YuriVanWarmerdam/panther-ros/internal/motors"
)

type fakeGPIO struct {
	asserted     bool
	triggerErr   error
	resetErr     error
	switchStage  int
	triggerCalls int
	resetCalls   int
}

func (f *fakeGPIO) Subscribe(handler gpio.EdgeHandler) {}
func (f *fakeGPIO) WatchdogRunning() bool              { return !f.asserted }
func (f *fakeGPIO) EStopTrigger() error {
	f.triggerCalls++
	if f.triggerErr != nil {
		return f.triggerErr
	}
	f.asserted = true
	return nil
}
func (f *fakeGPIO) EStopReset(ctx context.Context) error {
	f.resetCalls++
	if f.resetErr != nil {
		return f.resetErr
	}
	f.asserted = false
	return nil
}
func (f *fakeGPIO) EStopAsserted() bool                  { return f.asserted }
func (f *fakeGPIO) MotorPowerEnable(enable bool) error   { return nil }
func (f *fakeGPIO) FanEnable(enable bool) error          { return nil }
func (f *fakeGPIO) AuxPowerEnable(enable bool) error     { return nil }
func (f *fakeGPIO) ChargerEnable(enable bool) error      { return nil }
func (f *fakeGPIO) DigitalPowerEnable(enable bool) error { return nil }
func (f *fakeGPIO) MainSwitchStage() int                 { return f.switchStage }
func (f *fakeGPIO) Close() error                         { return nil }

var _ gpio.Controller = (*fakeGPIO)(nil)

type fakeDriver struct {
	safetyStopErr error
	safetyStops   int
}

func (f *fakeDriver) Snapshot() canopen.Feedback                   { return canopen.Feedback{Timestamp: time.Now()} }
func (f *fakeDriver) CANError() bool                                { return false }
func (f *fakeDriver) ReadDriverState() (canopen.DriverState, error) { return canopen.DriverState{}, nil }
func (f *fakeDriver) WriteCommand(channel uint8, value int32) error { return nil }
func (f *fakeDriver) EStopOn() error                                { return nil }
func (f *fakeDriver) EStopOff() error                               { return nil }
func (f *fakeDriver) SafetyStop() error {
	f.safetyStops++
	return f.safetyStopErr
}

func testFactors() convert.Factors {
	return convert.Factors{
		GearRatio:           30.08,
		GearboxEfficiency:   0.75,
		EncoderResolution:   4096,
		MotorTorqueConstant: 0.11,
		MaxRpmMotorSpeed:    3600,
	}
}

func newTestResources(t *testing.T, g *fakeGPIO, front, rear *fakeDriver) (*Resources, *motors.Controller) {
	mc := motors.New(front, rear, testFactors(), 15*time.Millisecond, golog.NewTestLogger(t))
	return &Resources{
		GPIO:    g,
		Motors:  mc,
		Filter:  errorfilter.New(errorfilter.DefaultParams()),
		WriteMu: &sync.Mutex{},
	}, mc
}

func TestV12XTriggerThenResetClearsOnZeroVelocity(t *testing.T) {
	g := &fakeGPIO{}
	front, rear := &fakeDriver{}, &fakeDriver{}
	resources, _ := newTestResources(t, g, front, rear)
	m := NewManager(gpio.VariantV12X, *resources, golog.NewTestLogger(t))

	test.That(t, m.Trigger(context.Background(), "manual test trigger"), test.ShouldBeNil)
	test.That(t, m.Triggered(), test.ShouldBeTrue)

	test.That(t, m.Reset(context.Background()), test.ShouldBeNil)
	test.That(t, m.Triggered(), test.ShouldBeFalse)
}

func TestV12XResetRaisesOnMotionPending(t *testing.T) {
	g := &fakeGPIO{}
	front, rear := &fakeDriver{}, &fakeDriver{}
	resources, mc := newTestResources(t, g, front, rear)
	m := NewManager(gpio.VariantV12X, *resources, golog.NewTestLogger(t))

	_ = m.Trigger(context.Background(), "test")
	test.That(t, mc.WriteSpeed(1.0, 0, 0, 0), test.ShouldBeNil)

	err := m.Reset(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, m.Triggered(), test.ShouldBeTrue)
}

func TestV12XResetInterruptedByConcurrentGPIOError(t *testing.T) {
	g := &fakeGPIO{resetErr: gpio.ErrResetInterrupted}
	front, rear := &fakeDriver{}, &fakeDriver{}
	resources, _ := newTestResources(t, g, front, rear)
	m := NewManager(gpio.VariantV12X, *resources, golog.NewTestLogger(t))

	_ = m.Trigger(context.Background(), "test")
	err := m.Reset(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, m.Triggered(), test.ShouldBeTrue)
}

func TestV10XPollAutoTriggersOnFilterError(t *testing.T) {
	g := &fakeGPIO{switchStage: mainSwitchPoweredStage}
	front, rear := &fakeDriver{}, &fakeDriver{}
	resources, _ := newTestResources(t, g, front, rear)
	m := NewManager(gpio.VariantV10X, *resources, golog.NewTestLogger(t))

	// clear the initial-state trigger by resetting through normal conditions first
	test.That(t, m.Reset(context.Background()), test.ShouldBeNil)
	test.That(t, m.Triggered(), test.ShouldBeFalse)

	resources.Filter.UpdateError(errorfilter.ReadPdo, true)

	triggered, err := m.Poll(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, triggered, test.ShouldBeTrue)
	test.That(t, front.safetyStops, test.ShouldBeGreaterThan, 0)
}

func TestV10XResetRequiresMainSwitchStage2(t *testing.T) {
	g := &fakeGPIO{switchStage: 1}
	front, rear := &fakeDriver{}, &fakeDriver{}
	resources, _ := newTestResources(t, g, front, rear)
	m := NewManager(gpio.VariantV10X, *resources, golog.NewTestLogger(t))

	err := m.Reset(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
}
