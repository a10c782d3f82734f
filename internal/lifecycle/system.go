// Package lifecycle implements the System Lifecycle from spec.md section
// 4.9: the framework-visible init->configure->activate->(read/write)*->
// deactivate->cleanup/shutdown transitions, plus the error transition,
// wiring every other internal package together.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/YuriVanWarmerdam/panther-ros/internal/canopen"
	"github.com/YuriVanWarmerdam/panther-ros/internal/config"
	"github.com/YuriVanWarmerdam/panther-ros/internal/convert"
	"github.com/YuriVanWarmerdam/panther-ros/internal/errorfilter"
	"github.com/YuriVanWarmerdam/panther-ros/internal/estop"
	"github.com/YuriVanWarmerdam/panther-ros/internal/gpio"
	"github.com/YuriVanWarmerdam/panther-ros/internal/motors"
	"github.com/YuriVanWarmerdam/panther-ros/internal/telemetry"
)

// State is one of the framework's lifecycle states.
type State int

const (
	StateUnconfigured State = iota
	StateInactive
	StateActive
	StateFinalized
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	case StateFinalized:
		return "finalized"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Config bundles everything the System needs before on_init, i.e. what the
// external collaborator's configuration parsing would hand over.
type Config struct {
	JointNames []string

	Drivetrain config.DrivetrainSettings
	Can        config.CanSettings

	Variant        gpio.Variant
	GPIODevicePath string
	GPIOOffsets    gpio.OffsetMap

	MaxInitAttempts       int
	MaxActivationAttempts int
	RoboteqStatePeriod    time.Duration
	PublisherBufferDepth  int

	Logger golog.Logger
}

// JointFeedback is the per-joint decoded state returned by Read, in the
// framework's original joint ordering.
type JointFeedback struct {
	PositionRad       []float64
	VelocityRadPerSec []float64
	EffortNewtonMeter []float64
}

// System owns every other internal package and implements the framework
// lifecycle transitions.
type System struct {
	cfg    Config
	logger golog.Logger

	mu    sync.Mutex
	state State

	jointOrder config.JointOrder
	factors    convert.Factors

	gpioCtl    gpio.Controller
	canopenCtl *canopen.Controller
	motorsCtl  *motors.Controller
	filter     *errorfilter.Filter
	estopMgr   *estop.Manager
	publisher  *telemetry.ChannelPublisher

	writeMu         sync.Mutex
	lastStateUpdate time.Time
}

// NewSystem builds an unconfigured System. OnInit must be called before any
// other transition.
func NewSystem(cfg Config) *System {
	return &System{cfg: cfg, logger: cfg.Logger, state: StateUnconfigured}
}

// State reports the current lifecycle state.
func (s *System) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *System) setStateLocked(state State) {
	s.state = state
}

// OnInit resolves the joint ordering and freezes settings. Fatal on
// malformed configuration (spec.md section 4.9).
func (s *System) OnInit() error {
	order, err := config.ResolveJointOrder(s.cfg.JointNames)
	if err != nil {
		return errors.Wrap(err, "on_init: joint order resolution")
	}
	s.jointOrder = order
	s.factors = convert.Factors{
		MotorTorqueConstant: s.cfg.Drivetrain.MotorTorqueConstant,
		GearRatio:           s.cfg.Drivetrain.GearRatio,
		GearboxEfficiency:   s.cfg.Drivetrain.GearboxEfficiency,
		EncoderResolution:   s.cfg.Drivetrain.EncoderResolution,
		MaxRpmMotorSpeed:    s.cfg.Drivetrain.MaxRpmMotorSpeed,
	}
	s.cfg.Can = s.cfg.Can.WithDefaults()
	if s.cfg.RoboteqStatePeriod == 0 {
		s.cfg.RoboteqStatePeriod = config.DefaultRoboteqStatePeriod
	}
	if s.cfg.MaxInitAttempts == 0 {
		s.cfg.MaxInitAttempts = config.DefaultMaxRoboteqInitializationTries
	}
	if s.cfg.MaxActivationAttempts == 0 {
		s.cfg.MaxActivationAttempts = config.DefaultMaxRoboteqActivationTries
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(StateUnconfigured)
	return nil
}

// OnConfigure constructs GPIO, the CANopen stack, the Motors Controller, the
// Error Filter, telemetry plumbing, and the E-Stop Manager, then triggers an
// initial E-stop so the robot comes up safe (spec.md section 4.9).
func (s *System) OnConfigure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var gpioCtl gpio.Controller
	var err error
	switch s.cfg.Variant {
	case gpio.VariantV12X:
		gpioCtl, err = gpio.NewV12X(s.cfg.GPIODevicePath, s.cfg.GPIOOffsets, s.logger)
		if err != nil {
			return errors.Wrap(err, "on_configure: gpio init")
		}
	default:
		gpioCtl = gpio.NewV10X(s.logger)
	}
	s.gpioCtl = gpioCtl

	canSettings := canopen.Settings{
		Channel:               s.cfg.Can.Channel,
		MasterNodeID:          s.cfg.Can.MasterNodeID,
		FrontNodeID:           s.cfg.Can.FrontDriverNodeID,
		RearNodeID:            s.cfg.Can.RearDriverNodeID,
		SdoOperationTimeout:   s.cfg.Can.SdoOperationTimeout,
		MaxInitAttempts:       s.cfg.MaxInitAttempts,
		MasterDescriptionFile: s.cfg.Can.MasterDescriptionFile,
	}
	canopenCtl := canopen.NewController(canSettings, s.logger)
	if err := canopenCtl.Initialize(ctx, canSettings); err != nil {
		_ = s.gpioCtl.Close()
		return errors.Wrap(err, "on_configure: canopen controller init")
	}
	s.canopenCtl = canopenCtl

	s.motorsCtl = motors.New(canopenCtl.Front(), canopenCtl.Rear(), s.factors, s.cfg.Can.PdoFeedbackTimeout, s.logger)
	s.filter = errorfilter.New(errorfilter.DefaultParams())
	s.publisher = telemetry.NewChannelPublisher(s.cfg.PublisherBufferDepth)

	s.estopMgr = estop.NewManager(s.cfg.Variant, estop.Resources{
		GPIO:    s.gpioCtl,
		Motors:  s.motorsCtl,
		Filter:  s.filter,
		WriteMu: &s.writeMu,
	}, s.logger)

	if err := s.estopMgr.Trigger(ctx, "initial safe state at on_configure"); err != nil {
		return errors.Wrap(err, "on_configure: initial estop trigger")
	}

	s.setStateLocked(StateInactive)
	return nil
}

// OnActivate resets both drivers' scripts, writes zero commands, waits for
// the controllers to settle, arms the realtime path, and subscribes to GPIO
// edge events (spec.md section 4.9).
func (s *System) OnActivate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.canopenCtl.Front().ResetScript(); err != nil {
		return errors.Wrap(err, "on_activate: front reset script")
	}
	if err := s.canopenCtl.Rear().ResetScript(); err != nil {
		return errors.Wrap(err, "on_activate: rear reset script")
	}
	if err := s.motorsCtl.WriteSpeed(0, 0, 0, 0); err != nil {
		return errors.Wrap(err, "on_activate: zero command write")
	}

	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	s.gpioCtl.Subscribe(s.onGPIOEdge)
	s.setStateLocked(StateActive)
	return nil
}

func (s *System) onGPIOEdge(e gpio.Edge) {
	if s.State() != StateActive {
		return
	}
	s.logger.Debugw("gpio edge", "pin", e.Pin, "rising", e.Rising)
}

// Read updates PDO feedback, performs the SDO-polled driver-state read at
// the roboteq-state-period boundary, feeds the Error Filter, polls the
// E-Stop Manager, publishes telemetry, and returns framework-ordered joint
// feedback. A CAN bus error transitions the lifecycle to error (spec.md
// section 4.9, 7).
func (s *System) Read(ctx context.Context) (JointFeedback, error) {
	if s.State() != StateActive {
		return JointFeedback{}, errors.New("read called while not active")
	}

	feedbackErr := s.motorsCtl.UpdateSystemFeedback()

	front := s.motorsCtl.FrontData()
	rear := s.motorsCtl.RearData()
	s.filter.UpdateError(errorfilter.ReadPdo, front.DataTooOld || rear.DataTooOld)

	now := time.Now()
	if now.Sub(s.lastStateUpdate) >= s.cfg.RoboteqStatePeriod {
		stateErr := s.motorsCtl.UpdateDriversState()
		s.filter.UpdateError(errorfilter.ReadSdo, stateErr != nil)
		s.lastStateUpdate = now
	}

	if _, pollErr := s.estopMgr.Poll(ctx); pollErr != nil {
		s.logger.Warnw("estop poll error", "error", pollErr)
	}

	canNetError := feedbackErr != nil
	msg := telemetry.BuildDriverState(front, rear, s.filter, canNetError)
	s.publisher.PublishDriverState(msg)

	canonicalPos := [4]float64{front.Left.PositionRad, front.Right.PositionRad, rear.Left.PositionRad, rear.Right.PositionRad}
	canonicalVel := [4]float64{front.Left.VelocityRadPerSec, front.Right.VelocityRadPerSec, rear.Left.VelocityRadPerSec, rear.Right.VelocityRadPerSec}
	canonicalEff := [4]float64{front.Left.EffortNewtonMeter, front.Right.EffortNewtonMeter, rear.Left.EffortNewtonMeter, rear.Right.EffortNewtonMeter}

	fb := JointFeedback{
		PositionRad:       s.jointOrder.Decanonicalize(canonicalPos),
		VelocityRadPerSec: s.jointOrder.Decanonicalize(canonicalVel),
		EffortNewtonMeter: s.jointOrder.Decanonicalize(canonicalEff),
	}

	if canNetError {
		return fb, s.onError(ctx, errors.Wrap(feedbackErr, "read: can bus error"))
	}
	return fb, nil
}

// Write converts framework-ordered joint velocities to fixed-point motor
// commands and writes them, unless E-stop is triggered or the Error Filter
// reports an aggregate error, in which case every channel is written zero
// (spec.md section 4.9's invariant).
func (s *System) Write(ctx context.Context, velocitiesFrameworkOrder []float64) error {
	if s.State() != StateActive {
		return errors.New("write called while not active")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	canonical := s.jointOrder.Canonicalize(velocitiesFrameworkOrder)
	fl, fr, rl, rr := canonical[config.JointFL], canonical[config.JointFR], canonical[config.JointRL], canonical[config.JointRR]

	if s.estopMgr.Triggered() || s.filter.IsErrorAny() {
		fl, fr, rl, rr = 0, 0, 0, 0
	}

	err := s.motorsCtl.WriteSpeed(fl, fr, rl, rr)
	s.filter.UpdateError(errorfilter.WriteSdo, err != nil)
	return err
}

// OnDeactivate writes zero commands and stops acting on GPIO edge events,
// leaving the CANopen transport up (spec.md section 4.9).
func (s *System) OnDeactivate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.motorsCtl.WriteSpeed(0, 0, 0, 0)
	s.setStateLocked(StateInactive)
	return err
}

// OnCleanup and OnShutdown tear down in reverse order: drivers/transport
// first, then GPIO.
func (s *System) OnCleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.canopenCtl != nil {
		s.canopenCtl.Deinitialize()
	}
	if s.gpioCtl != nil {
		_ = s.gpioCtl.Close()
	}
	s.setStateLocked(StateUnconfigured)
	return nil
}

func (s *System) OnShutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.canopenCtl != nil {
		s.canopenCtl.Deinitialize()
	}
	if s.gpioCtl != nil {
		_ = s.gpioCtl.Close()
	}
	s.setStateLocked(StateFinalized)
	return nil
}

// onError triggers E-stop, tears down the transport, and surfaces the
// error, transitioning the lifecycle to the error state (spec.md sections
// 4.9, 7). Caller already holds no System lock.
func (s *System) onError(ctx context.Context, cause error) error {
	if s.estopMgr != nil {
		_ = s.estopMgr.Trigger(ctx, cause.Error())
	}
	if s.canopenCtl != nil {
		s.canopenCtl.Deinitialize()
	}

	s.mu.Lock()
	s.setStateLocked(StateErrored)
	s.mu.Unlock()

	return cause
}

// ClearErrors handles the clear_errors service contract by arming the
// Error Filter's clear flag (spec.md section 6).
func (s *System) ClearErrors() telemetry.ClearErrorsResponse {
	return telemetry.HandleClearErrors(s.filter)
}

// ResetEStop attempts to clear E-Stop via the active strategy.
func (s *System) ResetEStop(ctx context.Context) error {
	return s.estopMgr.Reset(ctx)
}

// TriggerEStop asserts E-Stop via the active strategy, e.g. for an
// operator-initiated DoCommand verb.
func (s *System) TriggerEStop(ctx context.Context, reason string) error {
	return s.estopMgr.Trigger(ctx, reason)
}

// EStopTriggered reports whether E-Stop is currently asserted.
func (s *System) EStopTriggered() bool {
	return s.estopMgr.Triggered()
}

// Telemetry exposes the channel consumers read published DriverState
// messages from.
func (s *System) Telemetry() *telemetry.ChannelPublisher {
	return s.publisher
}
