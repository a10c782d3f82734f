// Package estop implements the E-Stop Manager from spec.md section 4.8: a
// variant-dispatched strategy over a shared resource bundle of {GPIO, Motors
// Controller, Error Filter, a mutex serializing motor-controller writes}.
package estop

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/YuriVanWarmerdam/panther-ros/internal/errorfilter"
	"github.com/YuriVanWarmerdam/panther-ros/internal/gpio"
	"github.com/YuriVanWarmerdam/panther-ros/internal/motors"
)

// mainSwitchPoweredStage is the two-stage power switch position meaning
// "fully powered" (spec.md section 4.7).
const mainSwitchPoweredStage = 2

// Resources is the bundle a Strategy operates over. WriteMu is the same
// mutex the realtime write loop holds while issuing commands, so a reset or
// trigger cannot race with an in-flight SDO command burst.
type Resources struct {
	GPIO    gpio.Controller
	Motors  *motors.Controller
	Filter  *errorfilter.Filter
	WriteMu *sync.Mutex
}

// Strategy is the variant-specific E-Stop behavior (spec.md sections 4.8.1,
// 4.8.2). ReadEStopState takes the manager's currently-known triggered state
// because V10X's auto-trigger check only fires on a not-currently-triggered
// to triggered transition.
type Strategy interface {
	ReadEStopState(ctx context.Context, r *Resources, currentlyTriggered bool) (bool, error)
	TriggerEStop(ctx context.Context, r *Resources) error
	// ResetEStop returns the resulting triggered state: false only if every
	// precondition held and the post-reset confirmation came back clear.
	ResetEStop(ctx context.Context, r *Resources) (bool, error)
}

// Manager holds the active Strategy plus the last-known triggered state and
// the human-readable reason for the current trip (spec.md section 4.8's
// supplemented diagnostics surface).
type Manager struct {
	logger golog.Logger

	mu        sync.Mutex
	resources Resources
	strategy  Strategy
	triggered bool
	reason    string
}

// NewManager builds a Manager for the given hardware variant. The manager
// starts triggered so the robot comes up safe; on V12X this matches the GPIO
// controller's own asserted-by-default E-stop input state.
func NewManager(variant gpio.Variant, resources Resources, logger golog.Logger) *Manager {
	var strategy Strategy
	switch variant {
	case gpio.VariantV12X:
		strategy = v12xStrategy{}
	default:
		strategy = v10xStrategy{}
	}
	return &Manager{
		logger:    logger,
		resources: resources,
		strategy:  strategy,
		triggered: true,
		reason:    "initial state",
	}
}

// Poll re-evaluates the E-Stop condition, allowing a strategy to
// auto-trigger (V10X: unpowered or filter-error; V12X: external hardware
// trip). Intended to be called once per control cycle.
func (m *Manager) Poll(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	triggered, err := m.strategy.ReadEStopState(ctx, &m.resources, m.triggered)
	if err != nil {
		return m.triggered, errors.Wrap(err, "read estop state")
	}
	if triggered && !m.triggered {
		m.reason = "auto-triggered"
		m.logger.Warn("estop auto-triggered")
	}
	m.triggered = triggered
	return m.triggered, nil
}

// Triggered reports the last-known E-Stop state without re-evaluating it.
func (m *Manager) Triggered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggered
}

// Reason returns the human-readable cause of the current trip, or the empty
// string if not currently triggered.
func (m *Manager) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.triggered {
		return ""
	}
	return m.reason
}

// Trigger asserts E-Stop via the active strategy, recording reason for
// diagnostics (e.g. a DoCommand trigger_estop call or a lifecycle on_error
// path).
func (m *Manager) Trigger(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.strategy.TriggerEStop(ctx, &m.resources); err != nil {
		return errors.Wrap(err, "trigger estop")
	}
	m.triggered = true
	m.reason = reason
	return nil
}

// Reset attempts to clear E-Stop via the active strategy. Returns an error
// for preconditions that block the reset ("motion pending", "reset
// interrupted"); a nil error with Triggered() still true means the
// post-reset confirmation found the trip condition still present.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	triggered, err := m.strategy.ResetEStop(ctx, &m.resources)
	if err != nil {
		return err
	}
	m.triggered = triggered
	if triggered {
		m.reason = "reset attempted but trip condition still present"
	} else {
		m.reason = ""
	}
	return nil
}
