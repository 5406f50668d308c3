package program

import (
	"math"

	"github.com/lcfw/columncontroller/internal/device"
	"github.com/lcfw/columncontroller/internal/pump"
)

// DefaultAccel is the acceleration used for pump setpoints issued by the
// executor itself (entering a step, aborting, finishing).
const DefaultAccel = 5.0

// Executor drives device.FSM through the steps of a Program, terminating
// each step by elapsed time or delivered volume, whichever comes first.
type Executor struct {
	Device  *device.FSM
	Program *Program

	running         bool
	stepIdx         int
	currentStep     Step
	stepEndTimeMs   uint32
	stepEndVolumeUL float32
	progress        uint8
}

// NewExecutor returns an Executor over dev and prog.
func NewExecutor(dev *device.FSM, prog *Program) *Executor {
	return &Executor{Device: dev, Program: prog}
}

// Execute starts the program from step 0.
func (e *Executor) Execute(nowMs uint32) {
	e.running = true
	e.stepIdx = 0
	e.progress = 0
	if s, ok := e.Program.Step(0); ok {
		e.enterStep(s, nowMs)
	} else {
		e.finish()
	}
}

// Abort stops the executor and ramps the pump down at DefaultAccel.
// Valve positions are left unchanged.
func (e *Executor) Abort() {
	e.running = false
	e.Device.SetPump(pump.Command{FlowRate: 0, Acceleration: DefaultAccel})
}

// Running reports whether a program is currently executing.
func (e *Executor) Running() bool { return e.running }

// StepIndex returns the index of the step currently (or most recently)
// executing.
func (e *Executor) StepIndex() uint16 { return uint16(e.stepIdx) }

// Progress returns the last-computed 0..255 completion indicator for the
// current step.
func (e *Executor) Progress() uint8 { return e.progress }

// Tick advances the executor by one control-loop period. nowMs is the
// monotonic milliseconds-since-boot clock the caller maintains.
func (e *Executor) Tick(nowMs uint32) {
	if !e.running {
		return
	}
	done, progress := e.checkTermination(nowMs)
	e.progress = progress
	if !done {
		return
	}
	e.stepIdx++
	if s, ok := e.Program.Step(e.stepIdx); ok {
		e.currentStep = s
		e.enterStep(s, nowMs)
		return
	}
	e.finish()
}

// enterStep applies s's setpoints and computes the step's termination
// thresholds.
func (e *Executor) enterStep(s Step, nowMs uint32) {
	e.currentStep = s
	e.Device.Pump.ResetVolume()

	if s.ReagentPort == KeepCurrentPort || s.ColumnPort == KeepCurrentPort {
		// Either port 0xFF means "keep current": valves untouched, no
		// Stopping transition induced.
	} else {
		e.Device.SetValves(s.ReagentPort, s.ColumnPort)
	}
	e.Device.SetPump(pump.Command{FlowRate: float64(s.FlowRate), Acceleration: DefaultAccel})

	e.stepEndTimeMs = saturatingEndTimeMs(nowMs, s.Duration)
	e.stepEndVolumeUL = saturatingVolumeUL(s.Volume)
}

// checkTermination reports whether the current step should end now, and
// the 0..255 progress indicator (255 when the step is done).
func (e *Executor) checkTermination(nowMs uint32) (done bool, progress uint8) {
	s := e.currentStep

	// spec.md §9: strict "<" (not "<="), preserved for off-by-one-tick
	// parity rather than changed to "<=".
	if e.stepEndTimeMs < nowMs {
		return true, 255
	}
	accumulated := float32(e.Device.Pump.Volume())
	if accumulated >= e.stepEndVolumeUL {
		return true, 255
	}

	var timeProgress float64
	if !math.IsInf(float64(s.Duration), 1) {
		remainingMs := float64(e.stepEndTimeMs) - float64(nowMs)
		totalMs := float64(s.Duration) * 1000
		if totalMs > 0 {
			timeProgress = 255 * (1 - remainingMs/totalMs)
		}
	}

	var volumeProgress float64
	if !math.IsInf(float64(e.stepEndVolumeUL), 1) && e.stepEndVolumeUL > 0 {
		volumeProgress = 255 * float64(accumulated) / float64(e.stepEndVolumeUL)
	}

	p := timeProgress
	if volumeProgress > p {
		p = volumeProgress
	}
	if p < 0 {
		p = 0
	}
	if p > 254 {
		p = 254 // 255 is reserved for "done"
	}
	return false, uint8(p)
}

// finish marks the executor idle and ramps the pump to zero.
func (e *Executor) finish() {
	e.running = false
	e.Device.SetPump(pump.Command{FlowRate: 0, Acceleration: DefaultAccel})
}

func saturatingEndTimeMs(nowMs uint32, durationSeconds float32) uint32 {
	if math.IsInf(float64(durationSeconds), 1) {
		return math.MaxUint32
	}
	end := float64(nowMs) + float64(durationSeconds)*1000
	if end >= math.MaxUint32 {
		return math.MaxUint32
	}
	if end < 0 {
		return nowMs
	}
	return uint32(end)
}

func saturatingVolumeUL(volumeML float32) float32 {
	if math.IsInf(float64(volumeML), 1) {
		return float32(math.Inf(1))
	}
	return volumeML * 1000
}
