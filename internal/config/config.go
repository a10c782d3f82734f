// Package config holds the settings structs frozen at on_init and the
// joint-name canonicalization the rest of the drivetrain core depends on.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Canonical joint ordering. All accesses beyond on_init go through this order.
const (
	JointFL = iota
	JointFR
	JointRL
	JointRR
	jointCount
)

var jointSuffixes = [jointCount]string{
	JointFL: "fl",
	JointFR: "fr",
	JointRL: "rl",
	JointRR: "rr",
}

// Default values from spec.md section 6.
const (
	DefaultSdoOperationTimeout           = 4 * time.Millisecond
	DefaultPdoFeedbackTimeout            = 15 * time.Millisecond
	DefaultMaxRoboteqInitializationTries = 3
	DefaultMaxRoboteqActivationTries     = 3
	DefaultMaxSafetyStopAttempts         = 20
	DefaultRoboteqStatePeriod            = 1 * time.Second
)

// DrivetrainSettings is immutable after on_init; it is used to derive the
// SI<->fixed-point conversion factors in internal/convert.
type DrivetrainSettings struct {
	MotorTorqueConstant  float64 // N*m/A
	GearRatio            float64
	GearboxEfficiency    float64
	EncoderResolution    float64 // ticks per motor revolution
	MaxRpmMotorSpeed     float64 // controller's max commandable RPM, i.e. cmd=1000 maps to this
}

// CanSettings is immutable after on_init.
type CanSettings struct {
	Channel             string // SocketCAN interface name, e.g. "panther_can"
	MasterNodeID        uint8
	FrontDriverNodeID   uint8
	RearDriverNodeID    uint8
	PdoFeedbackTimeout  time.Duration
	SdoOperationTimeout time.Duration

	// MasterDescriptionFile is the precompiled master description file
	// (EDS) loaded for each driver node when the CANopen controller boots
	// them at on_configure; it is the only file format the core reads
	// (spec.md section 6).
	MasterDescriptionFile string
}

// DefaultMasterDescriptionFile is the stock Roboteq EDS path assumed
// present on the carrier board's filesystem when none is configured.
const DefaultMasterDescriptionFile = "/etc/roboteq/roboteq_can_v60.eds"

// WithDefaults fills in zero-valued timeout/channel/file fields with spec
// defaults.
func (c CanSettings) WithDefaults() CanSettings {
	if c.PdoFeedbackTimeout == 0 {
		c.PdoFeedbackTimeout = DefaultPdoFeedbackTimeout
	}
	if c.SdoOperationTimeout == 0 {
		c.SdoOperationTimeout = DefaultSdoOperationTimeout
	}
	if c.Channel == "" {
		c.Channel = "panther_can"
	}
	if c.MasterDescriptionFile == "" {
		c.MasterDescriptionFile = DefaultMasterDescriptionFile
	}
	return c
}

// JointOrder is the permutation resolved at on_init that maps a
// framework-supplied joint ordering onto the canonical fl/fr/rl/rr order.
type JointOrder struct {
	// perm[canonical index] = index into the framework-supplied slice.
	perm [jointCount]int
}

// ResolveJointOrder matches each framework-supplied joint name against the
// fl/fr/rl/rr suffixes by substring search. It is fatal (returns an error)
// if any of the four suffixes is not found exactly once.
func ResolveJointOrder(jointNames []string) (JointOrder, error) {
	var order JointOrder
	for i := range order.perm {
		order.perm[i] = -1
	}

	for frameworkIdx, name := range jointNames {
		lower := strings.ToLower(name)
		matched := -1
		for canonicalIdx, suffix := range jointSuffixes {
			if strings.HasPrefix(lower, suffix+"_") || strings.HasSuffix(lower, suffix) || strings.Contains(lower, "_"+suffix) || strings.Contains(lower, "-"+suffix) {
				matched = canonicalIdx
				break
			}
		}
		if matched == -1 {
			continue
		}
		if order.perm[matched] != -1 {
			return JointOrder{}, errors.Errorf("joint name %q duplicates suffix already matched by %q", name, jointNames[order.perm[matched]])
		}
		order.perm[matched] = frameworkIdx
	}

	for canonicalIdx, idx := range order.perm {
		if idx == -1 {
			return JointOrder{}, errors.Errorf("could not resolve canonical joint %q (fl|fr|rl|rr) among names %v", jointSuffixes[canonicalIdx], jointNames)
		}
	}
	return order, nil
}

// Canonicalize reorders a framework-ordered slice into fl, fr, rl, rr order.
func (o JointOrder) Canonicalize(values []float64) [4]float64 {
	var out [4]float64
	for canonicalIdx, frameworkIdx := range o.perm {
		out[canonicalIdx] = values[frameworkIdx]
	}
	return out
}

// Decanonicalize is the inverse of Canonicalize: it places canonical-order
// values back into the framework's original ordering.
func (o JointOrder) Decanonicalize(canonical [4]float64) []float64 {
	out := make([]float64, jointCount)
	for canonicalIdx, frameworkIdx := range o.perm {
		out[frameworkIdx] = canonical[canonicalIdx]
	}
	return out
}
