package telemetry

import (
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/YuriVanWarmerdam/panther-ros/internal/canopen"
	"github.com/YuriVanWarmerdam/panther-ros/internal/errorfilter"
	"github.com/YuriVanWarmerdam/panther-ros/internal/motors"
)

func TestBuildDriverStateReflectsStalenessAndFilterVerdicts(t *testing.T) {
	front := motors.DriverData{
		DataTooOld: true,
		DriverState: canopen.DriverState{
			VoltageDeciV: 240,
			AmpsCh1DeciA: 15,
			AmpsCh2DeciA: -5,
			TemperatureC: 42,
		},
	}
	rear := motors.DriverData{DataTooOld: false}

	filter := errorfilter.New(errorfilter.DefaultParams())
	filter.UpdateError(errorfilter.ReadSdo, true)
	filter.UpdateError(errorfilter.ReadSdo, true)

	state := BuildDriverState(front, rear, filter, false)

	test.That(t, state.OldDataFront, test.ShouldBeTrue)
	test.That(t, state.OldDataRear, test.ShouldBeFalse)
	test.That(t, state.ReadSdoError, test.ShouldBeTrue)
	test.That(t, state.Error, test.ShouldBeTrue)
	test.That(t, state.Front.VoltageVolts, test.ShouldEqual, 24.0)
	test.That(t, state.Front.CurrentChannel1Amps, test.ShouldEqual, 1.5)
}

func TestBuildDriverStateCANNetErrorForcesAggregate(t *testing.T) {
	filter := errorfilter.New(errorfilter.DefaultParams())
	state := BuildDriverState(motors.DriverData{}, motors.DriverData{}, filter, true)
	test.That(t, state.Error, test.ShouldBeTrue)
}

func TestHandleClearErrorsArmsFilterClearFlag(t *testing.T) {
	filter := errorfilter.New(errorfilter.DefaultParams())
	filter.UpdateError(errorfilter.WriteSdo, true)
	filter.UpdateError(errorfilter.WriteSdo, true)
	filter.UpdateError(errorfilter.WriteSdo, true)
	test.That(t, filter.IsError(errorfilter.WriteSdo), test.ShouldBeTrue)

	resp := HandleClearErrors(filter)
	test.That(t, resp.Success, test.ShouldBeTrue)

	filter.UpdateError(errorfilter.WriteSdo, false)
	test.That(t, filter.IsError(errorfilter.WriteSdo), test.ShouldBeFalse)
}

func TestChannelPublisherDropsOldestWhenFull(t *testing.T) {
	p := NewChannelPublisher(1)
	first := DriverState{Timestamp: time.Unix(1, 0)}
	second := DriverState{Timestamp: time.Unix(2, 0)}

	p.PublishDriverState(first)
	p.PublishDriverState(second)

	select {
	case got := <-p.Updates():
		test.That(t, got.Timestamp.Equal(second.Timestamp), test.ShouldBeTrue)
	default:
		t.Fatalf("expected a buffered message")
	}
}
