package device

import (
	"testing"

	"github.com/lcfw/columncontroller/internal/pump"
	"github.com/lcfw/columncontroller/internal/valve"
)

func testValveConfig() valve.Config {
	return valve.Config{
		PositionMapping:    [6]uint32{0, 1, 2, 3, 4, 5},
		StepsPerRevolution: 1200,
	}
}

func newTestFSM(limitAsserted *bool) *FSM {
	p := pump.New()
	rv := valve.New(testValveConfig(), func() bool { return *limitAsserted })
	cv := valve.New(testValveConfig(), func() bool { return *limitAsserted })
	return New(p, rv, cv)
}

func TestInitialStateIsPumping(t *testing.T) {
	asserted := false
	f := newTestFSM(&asserted)
	if f.State() != Pumping {
		t.Errorf("initial state = %v, want Pumping", f.State())
	}
}

func TestSetValvesForcesStopping(t *testing.T) {
	asserted := false
	f := newTestFSM(&asserted)
	f.SetPump(pump.Command{FlowRate: 3, Acceleration: 1})
	f.Tick(0.01)

	f.SetValves(2, 3)
	if f.State() != Stopping {
		t.Errorf("state after SetValves = %v, want Stopping", f.State())
	}
}

func TestStoppingDecelerateThenSetsValvesThenResumesPumping(t *testing.T) {
	asserted := true // limit switch asserted: each valve homes on its first tick
	f := newTestFSM(&asserted)

	f.SetPump(pump.Command{FlowRate: 3, Acceleration: 10})
	for i := 0; i < 50; i++ {
		f.Tick(0.01)
	}
	if f.Pump.CurrentSpeed() < 2.9 {
		t.Fatalf("pump should have ramped close to 3, got %v", f.Pump.CurrentSpeed())
	}

	f.SetValves(2, 3)
	if f.State() != Stopping {
		t.Fatalf("expected Stopping, got %v", f.State())
	}

	// Decelerating from 3 mL/min at 10 mL/min/s takes 0.3s = 30 ticks.
	for i := 0; i < 40 && f.State() == Stopping; i++ {
		f.Tick(0.01)
	}
	if f.State() == Stopping {
		t.Fatalf("pump never reported stopped within 40 ticks")
	}
	if f.State() != SettingValves {
		t.Fatalf("expected SettingValves after pump stop, got %v", f.State())
	}

	// Valves home/move on their own timer: each homes on its first tick,
	// then advances one raw step per tick toward ports 2 and 3 (400 and 600
	// steps at 1200 steps/rev) before settling in Stopped.
	for i := 0; i < 1000; i++ {
		if f.ReagentValve.CurrentState() == valve.Stopped && f.ReagentValve.CurrentPort() == 2 &&
			f.ColumnValve.CurrentState() == valve.Stopped && f.ColumnValve.CurrentPort() == 3 {
			break
		}
		f.ReagentValve.Tick()
		f.ColumnValve.Tick()
	}
	f.Tick(0.01)
	if f.State() != Pumping {
		t.Errorf("expected return to Pumping once valves settled, got %v", f.State())
	}
}

func TestPumpSetpointLatchedNotAppliedDuringStopping(t *testing.T) {
	asserted := false
	f := newTestFSM(&asserted)
	f.SetValves(1, 1) // forces Stopping immediately from initial Pumping
	f.SetPump(pump.Command{FlowRate: 5, Acceleration: 1})

	for i := 0; i < 5; i++ {
		f.Tick(0.01)
	}
	// While Stopping, the FSM always commands (0, stoppingAcceleration),
	// never the latched 5 mL/min setpoint.
	if f.Pump.CurrentSpeed() > 0.5 {
		t.Errorf("pump should be decelerating toward 0 during Stopping, got speed %v", f.Pump.CurrentSpeed())
	}
}

func TestNoPumpMotionWhileValvesActive(t *testing.T) {
	asserted := false
	f := newTestFSM(&asserted)
	f.SetPump(pump.Command{FlowRate: 3, Acceleration: 1000})
	f.Tick(0.01)
	f.SetValves(2, 3)

	for i := 0; i < 100; i++ {
		f.Tick(0.01)
		if f.State() == Stopping || f.State() == SettingValves {
			if !f.Pump.IsStopped() && f.State() == SettingValves {
				t.Errorf("tick %d: pump not stopped while valves active (state=%v)", i, f.State())
			}
		}
		if f.State() == Pumping {
			break
		}
	}
}
