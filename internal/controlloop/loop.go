package controlloop

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/lcfw/columncontroller/internal/device"
	"github.com/lcfw/columncontroller/internal/program"
	"github.com/lcfw/columncontroller/internal/valve"
)

// TickPeriod is the fixed control-task cadence, per spec.md §5.
const TickPeriod = 10 * time.Millisecond

// Publisher receives the JSON-encoded DeviceState every control tick, for
// WebSocket broadcast. Implemented by *frontend.Server; kept as an
// interface here to avoid an import cycle between controlloop and
// frontend.
type Publisher interface {
	Broadcast(data []byte)
}

// Recorder receives the DeviceState value (not yet marshaled) every
// control tick, for CSV telemetry recording. Implemented by
// *telemetry.Logger; kept as an interface for the same reason as
// Publisher — telemetry imports controlloop for the DeviceState type, so
// controlloop cannot import telemetry back.
type Recorder interface {
	Record(s DeviceState)
}

// Loop runs the 10 ms control task and the three per-stepper one-shot
// timers described in spec.md §5: the control task owns acceleration and
// program progress, while each stepper's own timer goroutine fires at the
// microsecond scale to emit step edges.
type Loop struct {
	Device   *device.FSM
	Executor *program.Executor
	Reagent  *valve.Controller
	Column   *valve.Controller

	Publisher Publisher
	Recorder  Recorder

	state    atomic.Pointer[DeviceState]
	sequence atomic.Uint32

	bootTime time.Time
}

// New returns a Loop over the given device, executor and the device's two
// valve controllers (passed separately since the FSM only exposes them for
// stepping, not for direct state queries beyond Snapshot).
func New(dev *device.FSM, exec *program.Executor, reagent, column *valve.Controller) *Loop {
	l := &Loop{Device: dev, Executor: exec, Reagent: reagent, Column: column}
	l.state.Store(&DeviceState{})
	return l
}

// NowMs returns milliseconds elapsed since the Loop was started, the
// monotonic clock the executor and dispatcher use.
func (l *Loop) NowMs() uint32 {
	if l.bootTime.IsZero() {
		return 0
	}
	return uint32(time.Since(l.bootTime).Milliseconds())
}

// Snapshot returns the most recently published DeviceState.
func (l *Loop) Snapshot() DeviceState {
	return *l.state.Load()
}

// SnapshotBytes returns the most recently published DeviceState's wire
// encoding, for the link dispatcher's get_device_state command.
func (l *Loop) SnapshotBytes() []byte {
	return l.Snapshot().Marshal()
}

// Run starts the control ticker and the three stepper timers, and blocks
// until ctx is canceled. It returns nil on clean shutdown, matching the
// errgroup.Group convention used throughout cmd/lcfwd.
func (l *Loop) Run(ctx context.Context) error {
	l.bootTime = time.Now()

	stopPump := l.runStepperTimer(ctx, func() int64 { return l.Device.Pump.Step() })
	stopReagent := l.runStepperTimer(ctx, func() int64 { return l.Reagent.Tick() })
	stopColumn := l.runStepperTimer(ctx, func() int64 { return l.Column.Tick() })
	defer stopPump()
	defer stopReagent()
	defer stopColumn()

	ticker := time.NewTicker(TickPeriod)
	defer ticker.Stop()

	dt := TickPeriod.Seconds()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.tick(dt)
		}
	}
}

func (l *Loop) tick(dtSeconds float64) {
	l.Device.Tick(dtSeconds)
	l.Executor.Tick(l.NowMs())

	fs := l.Device.Snapshot()
	seq := l.sequence.Add(1)
	state := &DeviceState{
		PumpSpeed:         fs.PumpSpeed,
		PumpVolumeUL:      fs.PumpVolumeUL,
		Running:           l.Executor.Running(),
		StepIndex:         l.Executor.StepIndex(),
		Progress:          l.Executor.Progress(),
		ReagentPort:       fs.ReagentPort,
		ColumnPort:        fs.ColumnPort,
		ReagentValveState: fs.ReagentValveState,
		ColumnValveState:  fs.ColumnValveState,
		FSMState:          fs.FSMState,
		SequenceNumber:    seq,
	}
	l.state.Store(state)

	if l.Publisher != nil {
		if data, err := json.Marshal(state); err == nil {
			l.Publisher.Broadcast(data)
		}
	}
	if l.Recorder != nil {
		l.Recorder.Record(*state)
	}
}

// runStepperTimer starts a self-rearming one-shot timer standing in for a
// hardware ISR: step calls a controller's Step/Tick method, which returns
// the microsecond delay until the next edge, and the callback reschedules
// itself with that delay via a fresh time.AfterFunc rather than Reset, so
// there is no window where the timer variable is read before it is set.
// It never blocks and never allocates on the hot path beyond the timer
// itself, per spec.md §9's "never allocate in ISR."
func (l *Loop) runStepperTimer(ctx context.Context, step func() int64) (stop func()) {
	var current atomic.Pointer[time.Timer]
	var fire func()
	fire = func() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		delay := step()
		current.Store(time.AfterFunc(time.Duration(delay)*time.Microsecond, fire))
	}
	fire()
	return func() {
		if t := current.Load(); t != nil {
			t.Stop()
		}
	}
}
