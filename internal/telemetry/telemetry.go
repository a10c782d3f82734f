// Package telemetry models the host-side shape of the external DriverState
// telemetry message and the clear_errors service contract (spec.md section
// 6). The actual pub/sub transport is an external collaborator out of
// scope; this package only defines what the lifecycle publishes and the
// in-process fan-out used to get it there.
package telemetry

import (
	"time"

	"github.com/YuriVanWarmerdam/panther-ros/internal/convert"
	"github.com/YuriVanWarmerdam/panther-ros/internal/errorfilter"
	"github.com/YuriVanWarmerdam/panther-ros/internal/motors"
)

// Flags bundles the four decoded flag structs carried per driver.
type Flags struct {
	Fault    convert.FaultFlags
	Script   convert.ScriptFlags
	Runtime1 convert.RuntimeFlags
	Runtime2 convert.RuntimeFlags
}

// DriverReport is the per-driver portion of the DriverState message.
type DriverReport struct {
	VoltageVolts        float64
	CurrentChannel1Amps float64
	CurrentChannel2Amps float64
	TemperatureC        float64
	Flags               Flags
}

// DriverState is the message the lifecycle publishes on every Read cycle
// (spec.md section 6): per-driver reports plus the aggregate error surface.
// The per-driver voltage/current/temperature values only change at the
// roboteq_state_period boundary, when they are re-read over SDO.
type DriverState struct {
	Front DriverReport
	Rear  DriverReport

	CANNetError   bool
	OldDataFront  bool
	OldDataRear   bool
	WriteSdoError bool
	ReadSdoError  bool
	ReadPdoError  bool
	Error         bool

	Timestamp time.Time
}

func buildReport(d motors.DriverData) DriverReport {
	return DriverReport{
		VoltageVolts:        float64(d.DriverState.VoltageDeciV) / 10.0,
		CurrentChannel1Amps: float64(d.DriverState.AmpsCh1DeciA) / 10.0,
		CurrentChannel2Amps: float64(d.DriverState.AmpsCh2DeciA) / 10.0,
		TemperatureC:        float64(d.DriverState.TemperatureC),
		Flags: Flags{
			Fault:    d.FaultFlags,
			Script:   d.ScriptFlags,
			Runtime1: d.RuntimeFlags1,
			Runtime2: d.RuntimeFlags2,
		},
	}
}

// BuildDriverState assembles the telemetry message from the Motors
// Controller's latest aggregates and the Error Filter's per-category
// verdicts (spec.md section 6's field list).
func BuildDriverState(front, rear motors.DriverData, filter *errorfilter.Filter, canNetError bool) DriverState {
	return DriverState{
		Front: buildReport(front),
		Rear:  buildReport(rear),

		CANNetError:   canNetError,
		OldDataFront:  front.DataTooOld,
		OldDataRear:   rear.DataTooOld,
		WriteSdoError: filter.IsError(errorfilter.WriteSdo),
		ReadSdoError:  filter.IsError(errorfilter.ReadSdo),
		ReadPdoError:  filter.IsError(errorfilter.ReadPdo),
		Error:         canNetError || filter.IsErrorAny(),

		Timestamp: time.Now(),
	}
}

// ClearErrorsResponse mirrors the clear_errors service response shape
// (spec.md section 6): empty request, `{success, message}` response.
type ClearErrorsResponse struct {
	Success bool
	Message string
}

// HandleClearErrors sets the filter's clear flag and returns immediately,
// matching the service handler contract.
func HandleClearErrors(filter *errorfilter.Filter) ClearErrorsResponse {
	filter.SetClearErrorsFlag()
	return ClearErrorsResponse{Success: true, Message: "clear errors flag set"}
}

// Publisher is the narrow surface the lifecycle calls into once per Read
// cycle. The actual transport is out of scope; production
// wiring (e.g. a ROS topic bridge) implements this against a real broker.
type Publisher interface {
	PublishDriverState(DriverState)
}

// ChannelPublisher is a Publisher backed by a single-subscriber buffered
// channel. Used by cmd/drivetrainmodule, whose DoCommand get_telemetry verb
// receives the oldest DriverState still buffered, and by tests to assert
// published values directly.
type ChannelPublisher struct {
	updates chan DriverState
}

// NewChannelPublisher builds a ChannelPublisher with the given buffer
// depth. A full buffer drops the oldest pending message rather than
// blocking the realtime cycle.
func NewChannelPublisher(bufferDepth int) *ChannelPublisher {
	return &ChannelPublisher{updates: make(chan DriverState, bufferDepth)}
}

func (p *ChannelPublisher) PublishDriverState(state DriverState) {
	select {
	case p.updates <- state:
	default:
		select {
		case <-p.updates:
		default:
		}
		select {
		case p.updates <- state:
		default:
		}
	}
}

// Updates returns the channel consumers read published DriverState values
// from.
func (p *ChannelPublisher) Updates() <-chan DriverState {
	return p.updates
}

var _ Publisher = (*ChannelPublisher)(nil)
