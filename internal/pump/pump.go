// Package pump drives a peristaltic stepper pump with a trapezoidal speed
// profile, converting a commanded volumetric flow rate into step pulses.
package pump

import (
	"math"
	"sync/atomic"
)

const (
	// MaxFlow is the largest magnitude, in mL/min, a setpoint may carry
	// after clamping.
	MaxFlow = 10.0

	// DeadZone is the speed magnitude below which the pump is considered
	// stopped and the driver output is disabled.
	DeadZone = 1e-6

	// MinPeriodUs and MaxPeriodUs bound the step half-period.
	MinPeriodUs = 500.0
	MaxPeriodUs = 100_000.0

	// VolumePerStepUL is the calibrated volume delivered by one full step.
	VolumePerStepUL = 0.0752192

	// stepConstantK converts mL/min into a half-period in microseconds:
	// half_period_us = K / |speed_ml_per_min|
	stepConstantK = 30000.0 * VolumePerStepUL

	// DefaultTickPeriodMs is the fixed control-loop cadence dt.
	DefaultTickPeriodMs = 10
)

// Command is a pump setpoint: signed flow rate in mL/min and a positive
// acceleration in mL/min per second.
type Command struct {
	FlowRate     float64 // signed, mL/min
	Acceleration float64 // mL/min/s, always >= 0
}

// Clamp returns cmd with FlowRate clamped to +/-MaxFlow and non-finite
// values rejected to a safe default. NaN is treated as "no motion"; +Inf/-Inf
// clamp to +/-MaxFlow in the direction of the sign.
func (cmd Command) Clamp() Command {
	out := cmd
	if math.IsNaN(out.FlowRate) {
		out.FlowRate = 0
	} else if out.FlowRate > MaxFlow {
		out.FlowRate = MaxFlow
	} else if out.FlowRate < -MaxFlow {
		out.FlowRate = -MaxFlow
	}
	if math.IsNaN(out.Acceleration) || out.Acceleration < 0 {
		out.Acceleration = 0
	}
	return out
}

// Controller is the pump's trapezoidal speed-profile and step-emission
// state. TickSpeed is called from the 10 ms control task; Step is called
// from the pump's dedicated one-shot timer. The fields Step reads
// (halfPeriodUs, direction, enabled) are atomics so the timer callback
// never takes a lock and never blocks, mirroring an ISR's constraints.
type Controller struct {
	targetSpeed  float64 // mL/min, written only by TickSpeed's caller via SetSetpoint
	acceleration float64 // mL/min/s
	currentSpeed float64 // mL/min, owned by the control task

	volumeUL float64 // accumulated since last ResetVolume, owned by control task

	halfPeriodUs atomic.Int64 // microseconds, read by Step
	forward      atomic.Bool  // direction latch, read by Step
	enabled      atomic.Bool  // driver output enabled, read by Step

	edgeHigh bool // step() internal state: next edge is rising or falling
}

// New returns a Controller at rest.
func New() *Controller {
	c := &Controller{}
	c.halfPeriodUs.Store(int64(MaxPeriodUs))
	return c
}

// SetSetpoint latches a new target speed and acceleration. Pure, never
// blocks; safe to call from the communication task.
func (c *Controller) SetSetpoint(cmd Command) {
	cmd = cmd.Clamp()
	c.targetSpeed = cmd.FlowRate
	c.acceleration = cmd.Acceleration
}

// TickSpeed advances current speed toward target by at most
// acceleration*dtSeconds, then recomputes the step half-period. Called at a
// fixed 10 ms period by the control task.
func (c *Controller) TickSpeed(dtSeconds float64) {
	delta := c.targetSpeed - c.currentSpeed
	maxStep := c.acceleration * dtSeconds
	switch {
	case math.Abs(delta) <= maxStep:
		c.currentSpeed = c.targetSpeed
	case delta > 0:
		c.currentSpeed += maxStep
	default:
		c.currentSpeed -= maxStep
	}

	speed := math.Abs(c.currentSpeed)
	if speed < DeadZone {
		c.enabled.Store(false)
		c.halfPeriodUs.Store(int64(MaxPeriodUs))
		return
	}

	c.enabled.Store(true)
	half := stepConstantK / speed
	if half < MinPeriodUs {
		half = MinPeriodUs
	} else if half > MaxPeriodUs {
		half = MaxPeriodUs
	}
	c.halfPeriodUs.Store(int64(half))
	c.forward.Store(c.currentSpeed >= 0)
}

// Step emits one half-step edge and returns the delay until the next edge
// should fire. Volume is incremented once per full step, on the rising
// edge. Direction is latched from the atomic sign cell before the edge is
// written, matching the "latched on every step call" rule.
func (c *Controller) Step() (delayUs int64) {
	delay := c.halfPeriodUs.Load()
	if !c.enabled.Load() {
		c.edgeHigh = false
		return delay
	}

	forward := c.forward.Load()
	c.edgeHigh = !c.edgeHigh
	if c.edgeHigh {
		c.volumeUL += VolumePerStepUL
		_ = forward // direction is latched for the physical pin write; no
		// pin abstraction exists in this package to write it to.
	}
	return delay
}

// Volume returns the accumulated delivered volume in microliters.
func (c *Controller) Volume() float64 { return c.volumeUL }

// ResetVolume clears the accumulator.
func (c *Controller) ResetVolume() { c.volumeUL = 0 }

// IsStopped reports whether current speed is within the dead zone.
func (c *Controller) IsStopped() bool {
	return math.Abs(c.currentSpeed) < DeadZone
}

// CurrentSpeed returns the current ramped speed in mL/min, for status
// reporting.
func (c *Controller) CurrentSpeed() float64 { return c.currentSpeed }
