// Package main is the drivetrain hardware control core module: it wires
// internal/lifecycle.System into a go.viam.com/rdk base.Base resource.
package main

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/components/base"
	_ "go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"

	"github.com/YuriVanWarmerdam/panther-ros/internal/config"
	"github.com/YuriVanWarmerdam/panther-ros/internal/gpio"
	"github.com/YuriVanWarmerdam/panther-ros/internal/lifecycle"
)

var model = resource.NewModel("panther", "drivetrain", "core")

// controlLoopPeriod is the realtime read/write cadence this module drives
// the lifecycle at; spec.md section 5 only requires >=100Hz, typically.
const controlLoopPeriod = 10 * time.Millisecond

func main() {
	goutils.ContextualMain(mainWithArgs, golog.NewDevelopmentLogger("drivetrainModule"))
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) (err error) {
	registerBase()
	drivetrainModule, err := module.NewModuleFromArgs(ctx, logger)
	if err != nil {
		return err
	}
	drivetrainModule.AddModelFromRegistry(ctx, base.API, model)

	err = drivetrainModule.Start(ctx)
	defer drivetrainModule.Close(ctx)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func registerBase() {
	resource.RegisterComponent(
		base.API,
		model,
		resource.Registration[resource.Resource, resource.NoNativeConfig]{Constructor: func(
			ctx context.Context,
			deps resource.Dependencies,
			conf resource.Config,
			logger golog.Logger,
		) (resource.Resource, error) {
			return newDrivetrainBase(ctx, conf, logger)
		}})
}

// Hardware defaults; overridable per-instance through conf.Attributes since
// this model uses resource.NoNativeConfig (spec.md's config parsing is an
// external collaborator, out of scope for the core itself).
const (
	defaultCanChannel       = "panther_can"
	defaultMasterNodeID     = 3
	defaultFrontNodeID      = 1
	defaultRearNodeID       = 2
	defaultGpioDevicePath   = "/dev/gpiochip0"
	defaultTrackWidthMeters = 0.682
	defaultWheelRadiusM     = 0.1175
	defaultGearRatio        = 30.08
	defaultGearboxEff       = 0.75
	defaultEncoderRes       = 400
	defaultTorqueConstant   = 1.1
	defaultMaxRpm           = 3600
)

// defaultGPIOOffsets are the line offsets on defaultGpioDevicePath for a
// stock Panther-class carrier board. Unlike the other hardware defaults,
// they are not read from conf.Attributes: every instance uses this mapping.
func defaultGPIOOffsets() gpio.OffsetMap {
	return gpio.OffsetMap{
		Outputs: map[gpio.OutputLine]uint32{
			gpio.LineVmotOn:     6,
			gpio.LineMotorOn:    22,
			gpio.LineAuxPowerEn: 13,
			gpio.LineChargeEn:   14,
			gpio.LineFanSwitch:  15,
			gpio.LineVdigOff:    16,
			gpio.LineWatchdog:   17,
			gpio.LineEStopReset: 27,
		},
		Inputs: map[gpio.InputLine]uint32{
			gpio.LineChargeSense:  23,
			gpio.LineMainSwitch:   24,
			gpio.LineShutdownInit: 25,
			gpio.LineEStop:        26,
		},
	}
}

type drivetrainBase struct {
	resource.Named

	logger golog.Logger
	system *lifecycle.System

	cancel                  context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup

	velocityMu   sync.Mutex
	lastVelocity [4]float64 // rad/s, canonical fl/fr/rl/rr order

	trackWidthMeters float64
	wheelRadiusM     float64
	geometries       []spatialmath.Geometry

	isMoving atomic.Bool
}

func newDrivetrainBase(ctx context.Context, conf resource.Config, logger golog.Logger) (base.Base, error) {
	var geometries []spatialmath.Geometry
	if conf.Frame != nil {
		frame, err := conf.Frame.ParseConfig()
		if err != nil {
			return nil, err
		}
		geometries = append(geometries, frame.Geometry())
	}

	attrs := conf.Attributes
	jointNames := stringSliceAttr(attrs, "joint_names", []string{"fl_wheel_joint", "fr_wheel_joint", "rl_wheel_joint", "rr_wheel_joint"})
	variant := gpio.VariantV12X
	if strings.EqualFold(stringAttr(attrs, "gpio_variant", "v12x"), "v10x") {
		variant = gpio.VariantV10X
	}

	lifecycleCfg := lifecycle.Config{
		JointNames: jointNames,
		Drivetrain: config.DrivetrainSettings{
			MotorTorqueConstant: floatAttr(attrs, "motor_torque_constant", defaultTorqueConstant),
			GearRatio:           floatAttr(attrs, "gear_ratio", defaultGearRatio),
			GearboxEfficiency:   floatAttr(attrs, "gearbox_efficiency", defaultGearboxEff),
			EncoderResolution:   floatAttr(attrs, "encoder_resolution", defaultEncoderRes),
			MaxRpmMotorSpeed:    floatAttr(attrs, "max_rpm_motor_speed", defaultMaxRpm),
		},
		Can: config.CanSettings{
			Channel:               stringAttr(attrs, "can_channel", defaultCanChannel),
			MasterNodeID:          uint8(intAttr(attrs, "master_node_id", defaultMasterNodeID)),
			FrontDriverNodeID:     uint8(intAttr(attrs, "front_node_id", defaultFrontNodeID)),
			RearDriverNodeID:      uint8(intAttr(attrs, "rear_node_id", defaultRearNodeID)),
			MasterDescriptionFile: stringAttr(attrs, "master_description_file", config.DefaultMasterDescriptionFile),
		},
		Variant:              variant,
		GPIODevicePath:       stringAttr(attrs, "gpio_device_path", defaultGpioDevicePath),
		GPIOOffsets:          defaultGPIOOffsets(),
		RoboteqStatePeriod:   config.DefaultRoboteqStatePeriod,
		PublisherBufferDepth: 8,
		Logger:               logger,
	}

	system := lifecycle.NewSystem(lifecycleCfg)
	if err := system.OnInit(); err != nil {
		return nil, errors.Wrap(err, "drivetrain on_init")
	}
	if err := system.OnConfigure(ctx); err != nil {
		return nil, errors.Wrap(err, "drivetrain on_configure")
	}
	if err := system.OnActivate(ctx); err != nil {
		return nil, errors.Wrap(err, "drivetrain on_activate")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	b := &drivetrainBase{
		Named:            conf.ResourceName().AsNamed(),
		logger:           logger,
		system:           system,
		cancel:           cancel,
		trackWidthMeters: floatAttr(attrs, "track_width_meters", defaultTrackWidthMeters),
		wheelRadiusM:     floatAttr(attrs, "wheel_radius_meters", defaultWheelRadiusM),
		geometries:       geometries,
	}

	b.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		b.controlLoop(cancelCtx)
	}, b.activeBackgroundWorkers.Done)

	return b, nil
}

// controlLoop is the realtime read/write cycle spec.md section 4.9
// describes the external framework driving; here this module is its own
// framework, so it drives the cycle itself at controlLoopPeriod.
func (b *drivetrainBase) controlLoop(ctx context.Context) {
	ticker := time.NewTicker(controlLoopPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.system.Read(ctx); err != nil {
				b.logger.Debugw("drivetrain read error", "error", err)
			}
			b.velocityMu.Lock()
			velocities := b.lastVelocity
			b.velocityMu.Unlock()
			if err := b.system.Write(ctx, velocities[:]); err != nil {
				b.logger.Debugw("drivetrain write error", "error", err)
			}
		}
	}
}

func (b *drivetrainBase) setVelocities(fl, fr, rl, rr float64) {
	b.velocityMu.Lock()
	defer b.velocityMu.Unlock()
	b.lastVelocity = [4]float64{fl, fr, rl, rr}
	b.isMoving.Store(fl != 0 || fr != 0 || rl != 0 || rr != 0)
}

// mecanumWheelVelocities converts body-frame linear (m/s, x=strafe,
// y=forward) and angular (rad/s) velocity into four wheel angular
// velocities (rad/s). Reduces to differential-drive kinematics when vx=0,
// matching spec.md section 1's "differential/mecanum-drive" scope.
func (b *drivetrainBase) mecanumWheelVelocities(vx, vy, wz float64) (fl, fr, rl, rr float64) {
	halfSum := b.trackWidthMeters / 2
	r := b.wheelRadiusM
	if r == 0 {
		return 0, 0, 0, 0
	}
	fl = (vy - vx - halfSum*wz) / r
	fr = (vy + vx + halfSum*wz) / r
	rl = (vy + vx - halfSum*wz) / r
	rr = (vy - vx + halfSum*wz) / r
	return fl, fr, rl, rr
}

func (b *drivetrainBase) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	vy := mmPerSec / 1000.0
	fl, fr, rl, rr := b.mecanumWheelVelocities(0, vy, 0)
	b.setVelocities(fl, fr, rl, rr)
	return nil
}

func (b *drivetrainBase) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	wz := degsPerSec * math.Pi / 180.0
	fl, fr, rl, rr := b.mecanumWheelVelocities(0, 0, wz)
	b.setVelocities(fl, fr, rl, rr)
	return nil
}

func (b *drivetrainBase) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	maxLinearMps := defaultMaxRpm * 2 * math.Pi / 60 / defaultGearRatio * b.wheelRadiusM
	maxAngularRadSec := maxLinearMps / (b.trackWidthMeters / 2)
	vy := linear.Y * maxLinearMps
	vx := linear.X * maxLinearMps
	wz := angular.Z * maxAngularRadSec
	fl, fr, rl, rr := b.mecanumWheelVelocities(vx, vy, wz)
	b.setVelocities(fl, fr, rl, rr)
	return nil
}

func (b *drivetrainBase) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	vy := linear.Y / 1000.0
	vx := linear.X / 1000.0
	wz := angular.Z * math.Pi / 180.0
	fl, fr, rl, rr := b.mecanumWheelVelocities(vx, vy, wz)
	b.setVelocities(fl, fr, rl, rr)
	return nil
}

func (b *drivetrainBase) Stop(ctx context.Context, extra map[string]interface{}) error {
	b.setVelocities(0, 0, 0, 0)
	return nil
}

func (b *drivetrainBase) IsMoving(ctx context.Context) (bool, error) {
	return b.isMoving.Load(), nil
}

func (b *drivetrainBase) Properties(ctx context.Context, extra map[string]interface{}) (base.Properties, error) {
	return base.Properties{
		WidthMeters:              b.trackWidthMeters,
		WheelCircumferenceMeters: 2 * math.Pi * b.wheelRadiusM,
	}, nil
}

func (b *drivetrainBase) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return b.geometries, nil
}

func (b *drivetrainBase) Reconfigure(context.Context, resource.Dependencies, resource.Config) error {
	return nil
}

// DoCommand carries the E-stop/clear-errors verbs spec.md section 6
// describes as ROS service surfaces, bridged here as module commands since
// the ROS transport itself is out of scope.
func (b *drivetrainBase) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"]
	if !ok {
		return nil, errors.New("missing 'command' value")
	}
	switch name {
	case "trigger_estop":
		reason, _ := cmd["reason"].(string)
		if reason == "" {
			reason = "DoCommand trigger_estop"
		}
		if err := b.system.TriggerEStop(ctx, reason); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, nil

	case "reset_estop":
		if err := b.system.ResetEStop(ctx); err != nil {
			return map[string]interface{}{"success": false, "message": err.Error()}, nil
		}
		return map[string]interface{}{"success": !b.system.EStopTriggered()}, nil

	case "clear_errors":
		resp := b.system.ClearErrors()
		return map[string]interface{}{"success": resp.Success, "message": resp.Message}, nil

	case "get_telemetry":
		select {
		case state := <-b.system.Telemetry().Updates():
			return map[string]interface{}{
				"error":           state.Error,
				"can_net_err":     state.CANNetError,
				"old_data_front":  state.OldDataFront,
				"old_data_rear":   state.OldDataRear,
				"write_sdo_error": state.WriteSdoError,
				"read_sdo_error":  state.ReadSdoError,
				"read_pdo_error":  state.ReadPdoError,
			}, nil
		default:
			return map[string]interface{}{"error": "no telemetry published yet"}, nil
		}

	default:
		return nil, fmt.Errorf("no such command: %s", name)
	}
}

func (b *drivetrainBase) Close(ctx context.Context) error {
	b.cancel()
	b.activeBackgroundWorkers.Wait()
	_ = b.system.OnDeactivate(ctx)
	return b.system.OnShutdown(ctx)
}

func stringAttr(attrs map[string]interface{}, key, fallback string) string {
	if v, ok := attrs[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func floatAttr(attrs map[string]interface{}, key string, fallback float64) float64 {
	if v, ok := attrs[key].(float64); ok {
		return v
	}
	return fallback
}

func intAttr(attrs map[string]interface{}, key string, fallback int) int {
	if v, ok := attrs[key].(float64); ok {
		return int(v)
	}
	return fallback
}

func stringSliceAttr(attrs map[string]interface{}, key string, fallback []string) []string {
	raw, ok := attrs[key].([]interface{})
	if !ok {
		return fallback
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
