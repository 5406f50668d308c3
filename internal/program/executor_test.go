package program

import (
	"math"
	"testing"

	"github.com/lcfw/columncontroller/internal/device"
	"github.com/lcfw/columncontroller/internal/pump"
	"github.com/lcfw/columncontroller/internal/valve"
)

func newTestExecutor() (*Executor, *device.FSM) {
	valveCfg := valve.Config{
		PositionMapping:    [6]uint32{0, 1, 2, 3, 4, 5},
		StepsPerRevolution: 1200,
	}
	asserted := true
	p := pump.New()
	rv := valve.New(valveCfg, func() bool { return asserted })
	cv := valve.New(valveCfg, func() bool { return asserted })
	fsm := device.New(p, rv, cv)
	prog := New()
	return NewExecutor(fsm, prog), fsm
}

func TestExecuteLoadsStepZero(t *testing.T) {
	e, fsm := newTestExecutor()
	e.Program.Append([]Step{{ReagentPort: 1, ColumnPort: 0, FlowRate: 2, Volume: float32(math.Inf(1)), Duration: 30}})

	e.Execute(0)
	if !e.Running() {
		t.Fatal("Execute should set Running")
	}
	if e.StepIndex() != 0 {
		t.Errorf("StepIndex = %d, want 0", e.StepIndex())
	}
	if fsm.State() != device.Stopping {
		t.Errorf("entering a step with real ports should force Stopping, got %v", fsm.State())
	}
}

func TestEnterStepSkipsValvesWhenPortIsKeepCurrent(t *testing.T) {
	e, fsm := newTestExecutor()
	e.Program.Append([]Step{{ReagentPort: KeepCurrentPort, ColumnPort: KeepCurrentPort, FlowRate: 0, Duration: 5, Volume: float32(math.Inf(1))}})
	e.Execute(0)
	if fsm.State() != device.Pumping {
		t.Errorf("wait step (0xFF ports) should not force Stopping, got %v", fsm.State())
	}
}

func TestCheckTerminationByDuration(t *testing.T) {
	e, _ := newTestExecutor()
	e.Program.Append([]Step{{ReagentPort: KeepCurrentPort, ColumnPort: KeepCurrentPort, FlowRate: 0, Duration: 5, Volume: float32(math.Inf(1))}})
	e.Execute(0)

	e.Tick(4999)
	if !e.Running() {
		t.Fatal("step should not have terminated yet at t=4999ms")
	}

	e.Tick(5001)
	// Step 1 does not exist, so the executor should finish.
	if e.Running() {
		t.Error("executor should finish after the only step's duration elapses")
	}
}

func TestCheckTerminationProgressMonotonic(t *testing.T) {
	e, _ := newTestExecutor()
	e.Program.Append([]Step{
		{ReagentPort: KeepCurrentPort, ColumnPort: KeepCurrentPort, FlowRate: 0, Duration: 10, Volume: float32(math.Inf(1))},
		{ReagentPort: KeepCurrentPort, ColumnPort: KeepCurrentPort, FlowRate: 0, Duration: 1, Volume: float32(math.Inf(1))},
	})
	e.Execute(0)

	var last uint8
	for ms := uint32(0); ms < 9000; ms += 1000 {
		e.Tick(ms)
		p := e.Progress()
		if p < last {
			t.Errorf("progress decreased: %d -> %d at t=%dms", last, p, ms)
		}
		last = p
	}
}

func TestAbortStopsExecutionAndRampsDown(t *testing.T) {
	e, fsm := newTestExecutor()
	e.Program.Append([]Step{{ReagentPort: KeepCurrentPort, ColumnPort: KeepCurrentPort, FlowRate: 5, Duration: float32(math.Inf(1)), Volume: float32(math.Inf(1))}})
	e.Execute(0)

	// Ramp the pump up to the step's 5 mL/min at DefaultAccel (0.05 mL/min
	// per 10 ms tick, so 100 ticks) before aborting.
	for i := 0; i < 200; i++ {
		fsm.Tick(0.01)
	}

	e.Abort()
	if e.Running() {
		t.Error("Abort should clear Running")
	}
	fsm.Tick(0.01)
	// one tick at DefaultAccel shouldn't reach 0 from 5 instantly, but the
	// target setpoint should now be 0: speed should be strictly between the
	// old setpoint and 0, not still at 5 and not climbing toward it.
	first := fsm.Pump.CurrentSpeed()
	if first <= 0 || first >= 5 {
		t.Errorf("expected speed strictly between 0 and 5 after one ramp tick, got %v", first)
	}

	fsm.Tick(0.01)
	second := fsm.Pump.CurrentSpeed()
	if second >= first {
		t.Errorf("expected speed to keep decreasing toward 0, got %v then %v", first, second)
	}
}

func TestFinishWhenStepsExhausted(t *testing.T) {
	e, _ := newTestExecutor()
	e.Program.Append([]Step{{ReagentPort: KeepCurrentPort, ColumnPort: KeepCurrentPort, FlowRate: 3, Duration: 1, Volume: float32(math.Inf(1))}})
	e.Execute(0)
	e.Tick(1001)
	if e.Running() {
		t.Error("executor should stop running once all steps are exhausted")
	}
}

func TestBothInfiniteNeverTerminatesUntilAbort(t *testing.T) {
	e, _ := newTestExecutor()
	e.Program.Append([]Step{{ReagentPort: KeepCurrentPort, ColumnPort: KeepCurrentPort, FlowRate: 1, Duration: float32(math.Inf(1)), Volume: float32(math.Inf(1))}})
	e.Execute(0)

	for ms := uint32(0); ms < 1_000_000; ms += 10_000 {
		e.Tick(ms)
		if !e.Running() {
			t.Fatalf("step with infinite duration and volume terminated early at t=%dms", ms)
		}
	}
	e.Abort()
	if e.Running() {
		t.Error("Abort should stop an otherwise-unterminating step")
	}
}
