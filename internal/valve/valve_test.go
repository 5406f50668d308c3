package valve

import "testing"

func testConfig() Config {
	return Config{
		PositionMapping:    [6]uint32{0, 1, 2, 3, 4, 5},
		HomeOffset:         0,
		StepsPerRevolution: 1200,
	}
}

func TestInitializeStartsAtReset(t *testing.T) {
	c := New(testConfig(), func() bool { return false })
	c.Initialize()
	if c.CurrentState() != Reset {
		t.Errorf("state = %v, want Reset", c.CurrentState())
	}
	if !c.ReachedTarget() {
		t.Error("Reset should report ReachedTarget")
	}
}

func TestHomingRunsUntilLimitSwitch(t *testing.T) {
	asserted := false
	c := New(testConfig(), func() bool { return asserted })
	c.Home()
	if c.CurrentState() != Homing {
		t.Fatalf("state = %v, want Homing", c.CurrentState())
	}

	for i := 0; i < 10; i++ {
		c.Tick()
		if c.CurrentState() != Homing {
			t.Fatalf("state left Homing early at tick %d: %v", i, c.CurrentState())
		}
	}

	asserted = true
	c.Tick()
	if c.CurrentState() != Stopped {
		t.Errorf("state after limit switch = %v, want Stopped", c.CurrentState())
	}
	if !c.ReachedTarget() {
		t.Error("Stopped should report ReachedTarget")
	}
}

func TestRequestPositionHomesFirstIfNeverHomed(t *testing.T) {
	c := New(testConfig(), func() bool { return false })
	c.RequestPosition(2)
	if c.CurrentState() != Homing {
		t.Errorf("unhomed RequestPosition should trigger Homing, got %v", c.CurrentState())
	}
}

func TestMovingReachesTargetAndStops(t *testing.T) {
	asserted := true // home instantly
	c := New(testConfig(), func() bool { return asserted })
	c.Home()
	c.Tick() // homes immediately since switch asserted

	if c.CurrentState() != Stopped {
		t.Fatalf("expected Stopped after instant home, got %v", c.CurrentState())
	}

	c.RequestPosition(3)
	// First tick after a new target observes raw != target and transitions to Moving.
	c.Tick()
	if c.CurrentState() != Moving {
		t.Fatalf("expected Moving after RequestPosition, got %v", c.CurrentState())
	}

	target := testConfig().TargetRaw(3)
	const maxTicks = 100_000
	i := 0
	for c.CurrentState() == Moving && i < maxTicks {
		c.Tick()
		i++
	}
	if i >= maxTicks {
		t.Fatal("valve never reached target")
	}
	if c.CurrentState() != Stopped {
		t.Errorf("final state = %v, want Stopped", c.CurrentState())
	}
	if c.CurrentPort() != 3 {
		t.Errorf("CurrentPort = %d, want 3", c.CurrentPort())
	}
	_ = target
}

func TestAccelerationRampDecaysTowardMinPeriod(t *testing.T) {
	c := New(testConfig(), func() bool { return false })
	c.Home()

	// Each homing tick accelerates before stepping, so the first period is
	// already one ramp step below MaxPeriodUs.
	first := c.Tick()
	if want := int64(MaxPeriodUs - MaxPeriodUs/Smoothness); first != want {
		t.Errorf("first homing tick period = %d, want %d (one ramp step below MaxPeriodUs)", first, want)
	}

	var last int64
	for i := 0; i < 1000; i++ {
		last = c.Tick()
	}
	if last != MinPeriodUs {
		t.Errorf("after many ticks, period = %d, want MinPeriodUs (%d)", last, MinPeriodUs)
	}
}

func TestStepForwardWrapsAtStepsPerRevolution(t *testing.T) {
	cfg := testConfig()
	cfg.StepsPerRevolution = 4
	c := New(cfg, func() bool { return false })
	c.Home()
	for i := 0; i < 4; i++ {
		c.Tick()
	}
	if c.rawPos != 0 {
		t.Errorf("after one full revolution, rawPos = %d, want 0", c.rawPos)
	}
}
