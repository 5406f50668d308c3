// Package device coordinates the pump and the two radial valves so that the
// fluid path is never changed while the pump is moving.
package device

import (
	"github.com/lcfw/columncontroller/internal/pump"
	"github.com/lcfw/columncontroller/internal/valve"
)

// FSMState is the overall device state machine state.
type FSMState int

const (
	// Pumping applies the latched pump setpoint every tick.
	Pumping FSMState = iota
	// Stopping decelerates the pump to zero before valves move.
	Stopping
	// SettingValves waits for both valves to reach their requested ports.
	SettingValves
)

func (s FSMState) String() string {
	switch s {
	case Pumping:
		return "pumping"
	case Stopping:
		return "stopping"
	case SettingValves:
		return "setting_valves"
	default:
		return "unknown"
	}
}

// stoppingAcceleration is the deceleration rate used while transitioning
// the fluid path, per spec.md §4.3.
const stoppingAcceleration = 10.0

// State is a snapshot of the fields device.FSM owns. Program-level fields
// (running, step index, progress) are owned by the program executor and
// composed on top of this by the control loop into the full DeviceState
// published to external readers.
type State struct {
	PumpSpeed         float64
	PumpVolumeUL      float64
	ReagentPort       uint8
	ColumnPort        uint8
	ReagentValveState valve.State
	ColumnValveState  valve.State
	FSMState          FSMState
}

// FSM coordinates one pump and two valve controllers.
type FSM struct {
	Pump         *pump.Controller
	ReagentValve *valve.Controller
	ColumnValve  *valve.Controller

	state FSMState

	pendingPump  pump.Command
	reagentPort  uint8
	columnPort   uint8
	valveRequest bool
}

// New returns an FSM in its initial Pumping state.
func New(p *pump.Controller, reagent, column *valve.Controller) *FSM {
	return &FSM{
		Pump:         p,
		ReagentValve: reagent,
		ColumnValve:  column,
		state:        Pumping,
	}
}

// SetValves latches requested ports and forces a transition to Stopping.
// No pump step is emitted again until both valves reach their target and
// the FSM returns to Pumping (see spec.md §4.3's invariant).
func (f *FSM) SetValves(reagentPort, columnPort uint8) {
	f.reagentPort = reagentPort
	f.columnPort = columnPort
	f.valveRequest = true
	f.state = Stopping
}

// SetPump updates the pending pump setpoint. It is applied only while the
// FSM is in Pumping; while Stopping/SettingValves it is latched for
// re-application on the next return to Pumping.
func (f *FSM) SetPump(cmd pump.Command) {
	f.pendingPump = cmd.Clamp()
}

// Tick advances the FSM by one control-loop period.
func (f *FSM) Tick(dtSeconds float64) {
	switch f.state {
	case Pumping:
		f.Pump.SetSetpoint(f.pendingPump)

	case Stopping:
		f.Pump.SetSetpoint(pump.Command{FlowRate: 0, Acceleration: stoppingAcceleration})
		if f.Pump.IsStopped() {
			f.ReagentValve.RequestPosition(f.reagentPort)
			f.ColumnValve.RequestPosition(f.columnPort)
			f.valveRequest = false
			f.state = SettingValves
		}

	case SettingValves:
		if f.ReagentValve.ReachedTarget() && f.ColumnValve.ReachedTarget() {
			f.state = Pumping
		}
	}
	f.Pump.TickSpeed(dtSeconds)
}

// State returns the current FSM state.
func (f *FSM) State() FSMState { return f.state }

// Snapshot composes the fields this package owns into a State value.
func (f *FSM) Snapshot() State {
	return State{
		PumpSpeed:         f.Pump.CurrentSpeed(),
		PumpVolumeUL:      f.Pump.Volume(),
		ReagentPort:       f.ReagentValve.CurrentPort(),
		ColumnPort:        f.ColumnValve.CurrentPort(),
		ReagentValveState: f.ReagentValve.CurrentState(),
		ColumnValveState:  f.ColumnValve.CurrentState(),
		FSMState:          f.state,
	}
}
