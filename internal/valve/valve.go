// Package valve drives a radial multi-port selector valve: it homes against
// a limit switch, then indexes to a logical port using a smoothed
// acceleration profile.
package valve

import "sync/atomic"

// State is one of the four valve states.
type State int

const (
	// Reset is the initial, idle state: driver disabled, never homed.
	Reset State = iota
	// Homing drives the valve toward the limit switch.
	Homing
	// Stopped means the valve sits at target_raw, driver disabled.
	Stopped
	// Moving drives the valve toward target_raw, driver enabled.
	Moving
)

func (s State) String() string {
	switch s {
	case Reset:
		return "reset"
	case Homing:
		return "homing"
	case Stopped:
		return "stopped"
	case Moving:
		return "moving"
	default:
		return "unknown"
	}
}

const (
	// MinPeriodUs and MaxPeriodUs bound the valve step half-period.
	MinPeriodUs = 500
	MaxPeriodUs = 30_000

	// Smoothness controls the geometric decay of the acceleration ramp:
	// step_period -= step_period/Smoothness each step.
	Smoothness = 100

	// UnknownPort is reported when a valve's position has not yet been
	// established by homing.
	UnknownPort = 0xFF

	numPorts = 6
)

// Config is the compile-time mapping from logical port number to raw
// motor-step position, plus homing and direction parameters.
type Config struct {
	// PositionMapping maps logical port 0..5 to a physical slot index
	// 0..5 (wiring may differ from logical numbering).
	PositionMapping [numPorts]uint32
	// HomeOffset is the raw position corresponding to logical port 0 once
	// the limit switch has been asserted.
	HomeOffset uint32
	// StepsPerRevolution is the raw counter's modulus.
	StepsPerRevolution uint32
	// Invert reverses the configured static direction of travel.
	Invert bool
}

// TargetRaw returns the raw step position for a logical port, per
// spec: target_raw := position_mapping[port] * (steps_per_revolution / 6).
func (c Config) TargetRaw(port uint8) uint32 {
	if int(port) >= numPorts {
		port = 0
	}
	return c.PositionMapping[port] * (c.StepsPerRevolution / numPorts)
}

// Controller is the valve's homing + indexing state machine. Tick is
// called from the valve's dedicated one-shot timer; the limit switch input
// is read through the limitSwitch callback, which is safe to call from that same timer
// context.
type Controller struct {
	cfg Config

	state      State
	homed      bool
	rawPos     uint32
	targetRaw  uint32
	stepPeriod uint32 // current half-period, us; ramps via Smoothness

	limitSwitch func() bool
	driverOn    atomic.Bool
}

// New returns a Controller for cfg. limitSwitch reports whether the home
// limit switch is currently asserted; it must be safe to call from a timer
// callback (no blocking, no allocation).
func New(cfg Config, limitSwitch func() bool) *Controller {
	return &Controller{
		cfg:         cfg,
		state:       Reset,
		limitSwitch: limitSwitch,
		stepPeriod:  MaxPeriodUs,
	}
}

// Initialize configures pins and leaves state = Reset. It is idempotent and
// safe to call once at boot.
func (c *Controller) Initialize() {
	c.state = Reset
	c.driverOn.Store(false)
}

// Home enables the driver, transitions to Homing and resets the
// acceleration ramp.
func (c *Controller) Home() {
	c.driverOn.Store(true)
	c.stepPeriod = MaxPeriodUs
	c.state = Homing
}

// RequestPosition stores target and, if the valve has never been homed,
// homes first. Otherwise it resets the acceleration ramp; the actual
// Stopped->Moving transition happens on the next Tick that observes
// raw_position != target_raw.
func (c *Controller) RequestPosition(port uint8) {
	c.targetRaw = c.cfg.TargetRaw(port)
	if !c.homed {
		c.Home()
		return
	}
	c.stepPeriod = MaxPeriodUs
}

// Tick runs one step of the state machine and returns the delay until the
// next tick should fire.
func (c *Controller) Tick() (delayUs int64) {
	switch c.state {
	case Homing:
		if c.limitSwitch != nil && c.limitSwitch() {
			c.driverOn.Store(false)
			c.rawPos = c.cfg.HomeOffset
			c.state = Stopped
			c.homed = true
			return MaxPeriodUs
		}
		c.accelerate()
		c.stepForward()
		return int64(c.stepPeriod)

	case Stopped:
		if c.rawPos != c.targetRaw {
			c.driverOn.Store(true)
			c.state = Moving
			c.stepPeriod = MaxPeriodUs
		}
		return MaxPeriodUs

	case Moving:
		if c.rawPos == c.targetRaw {
			c.driverOn.Store(false)
			c.state = Stopped
			return MaxPeriodUs
		}
		c.accelerate()
		c.stepForward()
		return int64(c.stepPeriod)

	default: // Reset
		return MaxPeriodUs
	}
}

// accelerate applies the geometric decay toward MinPeriodUs.
func (c *Controller) accelerate() {
	next := c.stepPeriod - c.stepPeriod/Smoothness
	if next < MinPeriodUs {
		next = MinPeriodUs
	}
	c.stepPeriod = next
}

// stepForward advances the raw position counter by one step in the
// configured static direction, wrapping at StepsPerRevolution. The valve
// always advances monotonically; it never takes the shorter path.
func (c *Controller) stepForward() {
	if c.cfg.StepsPerRevolution == 0 {
		return
	}
	if c.cfg.Invert {
		if c.rawPos == 0 {
			c.rawPos = c.cfg.StepsPerRevolution - 1
		} else {
			c.rawPos--
		}
		return
	}
	c.rawPos = (c.rawPos + 1) % c.cfg.StepsPerRevolution
}

// ReachedTarget reports whether the valve is idle at its commanded
// position: true in Stopped and Reset, false while Homing or Moving.
func (c *Controller) ReachedTarget() bool {
	return c.state == Stopped || c.state == Reset
}

// CurrentState returns the valve's FSM state, for status reporting.
func (c *Controller) CurrentState() State { return c.state }

// CurrentPort returns the logical port matching the current raw position,
// or UnknownPort if never homed or the raw position matches no configured
// port exactly.
func (c *Controller) CurrentPort() uint8 {
	if !c.homed {
		return UnknownPort
	}
	for port := uint8(0); port < numPorts; port++ {
		if c.cfg.TargetRaw(port) == c.rawPos {
			return port
		}
	}
	return UnknownPort
}
