package link

import (
	"encoding/binary"
	"math"

	"github.com/lcfw/columncontroller/internal/device"
	"github.com/lcfw/columncontroller/internal/program"
	"github.com/lcfw/columncontroller/internal/pump"
	"github.com/lcfw/columncontroller/internal/store"
	"tinygo.org/x/drivers/tmc2209"
)

// Command ids, per spec.md §4.5.
const (
	cmdPing              = 0
	cmdSetValves         = 1
	cmdSetPump           = 2
	cmdGetWeight         = 3
	cmdInitProgramWrite  = 4
	cmdWriteProgramBlock = 5
	cmdExecuteProgram    = 6
	cmdReadProgramBlock  = 7
	cmdGetProgramLength  = 8
	cmdGetReagents       = 9
	cmdGetColumns        = 10
	cmdSetReagents       = 11
	cmdSetColumns        = 12
	cmdAbortProgram      = 13
	cmdGetDeviceState    = 14
	cmdReservedTare      = 15
)

// Ack codes. 2 is a local extension over the source protocol (spec.md §9),
// used only for the over-capacity write_program_block case.
const (
	ackOK           byte = 0
	ackUnknown      byte = 1
	ackOverCapacity byte = 2
)

const maxPort = 5

// Dispatcher decodes command-link payloads and mutates or reads the
// device, executor, program and name tables named in spec.md §4.5. It
// holds no transport state; Dispatch is a pure function of payload and
// current component state.
type Dispatcher struct {
	Device   *device.FSM
	Executor *program.Executor
	Program  *program.Program
	Reagents *store.NameTable
	Columns  *store.NameTable

	// StateSnapshot produces the current DeviceState's wire encoding for
	// get_device_state. Supplied by the control loop, which is the only
	// package that can compose device.State with the executor's
	// running/step/progress fields.
	StateSnapshot func() []byte

	// NowMs returns the current monotonic milliseconds-since-boot clock,
	// used by execute_program to seed the executor.
	NowMs func() uint32
}

// Dispatch decodes and executes one command payload (command_id followed
// by its arguments) and returns the response payload to frame and send
// back, per the table in spec.md §4.5.
func (d *Dispatcher) Dispatch(payload []byte) []byte {
	if len(payload) < 1 {
		return []byte{ackUnknown}
	}
	args := payload[1:]

	switch payload[0] {
	case cmdPing:
		return []byte{ackOK}

	case cmdSetValves:
		return d.dispatchSetValves(args)

	case cmdSetPump:
		return d.dispatchSetPump(args)

	case cmdGetWeight:
		// Reserved: no weight sensor in this system. Retained per
		// spec.md's REDESIGN FLAGS note that command 15 remains present
		// but disabled; get_weight is kept the same way.
		return []byte{ackOK}

	case cmdInitProgramWrite:
		d.Executor.Abort()
		d.Program.Reset()
		return []byte{ackOK}

	case cmdWriteProgramBlock:
		return d.dispatchWriteProgramBlock(args)

	case cmdExecuteProgram:
		now := uint32(0)
		if d.NowMs != nil {
			now = d.NowMs()
		}
		d.Executor.Execute(now)
		return []byte{ackOK}

	case cmdReadProgramBlock:
		return d.dispatchReadProgramBlock(args)

	case cmdGetProgramLength:
		return d.dispatchGetProgramLength()

	case cmdGetReagents:
		return d.Reagents.Bytes()

	case cmdGetColumns:
		return d.Columns.Bytes()

	case cmdSetReagents:
		d.Reagents.SetBytes(args)
		return []byte{ackOK}

	case cmdSetColumns:
		d.Columns.SetBytes(args)
		return []byte{ackOK}

	case cmdAbortProgram:
		d.Executor.Abort()
		return []byte{ackOK}

	case cmdGetDeviceState:
		if d.StateSnapshot != nil {
			return d.StateSnapshot()
		}
		return []byte{}

	case cmdReservedTare:
		return []byte{ackOK}

	default:
		return []byte{ackUnknown}
	}
}

func (d *Dispatcher) dispatchSetValves(args []byte) []byte {
	if len(args) < 2 {
		return []byte{ackUnknown}
	}
	reagent := clampPort(args[0])
	column := clampPort(args[1])
	d.Device.SetValves(reagent, column)
	return []byte{ackOK}
}

func (d *Dispatcher) dispatchSetPump(args []byte) []byte {
	if len(args) < 8 {
		return []byte{ackUnknown}
	}
	flow := float64(math.Float32frombits(binary.LittleEndian.Uint32(args[0:4])))
	accel := float64(math.Float32frombits(binary.LittleEndian.Uint32(args[4:8])))
	d.Device.SetPump(pump.Command{FlowRate: flow, Acceleration: accel})
	return []byte{ackOK}
}

// dispatchWriteProgramBlock decodes N 16-byte steps and appends them,
// returning ackOverCapacity (a local protocol extension, see spec.md §9)
// when fewer than N steps fit.
func (d *Dispatcher) dispatchWriteProgramBlock(args []byte) []byte {
	n := len(args) / program.StepSizeBytes
	steps := make([]program.Step, 0, n)
	for i := 0; i < n; i++ {
		off := i * program.StepSizeBytes
		s, err := program.UnmarshalStep(args[off : off+program.StepSizeBytes])
		if err != nil {
			return []byte{ackUnknown}
		}
		steps = append(steps, s)
	}
	appended := d.Program.Append(steps)
	if appended < len(steps) {
		return []byte{ackOverCapacity}
	}
	return []byte{ackOK}
}

func (d *Dispatcher) dispatchReadProgramBlock(args []byte) []byte {
	if len(args) < 4 {
		return []byte{ackUnknown}
	}
	start := int(binary.BigEndian.Uint16(args[0:2]))
	count := int(binary.BigEndian.Uint16(args[2:4]))

	out := make([]byte, 0, count*program.StepSizeBytes)
	for i := 0; i < count; i++ {
		s, ok := d.Program.Step(start + i)
		if !ok {
			s = program.Step{ReagentPort: program.KeepCurrentPort, ColumnPort: program.KeepCurrentPort}
		}
		b := program.MarshalStep(s)
		out = append(out, b[:]...)
	}
	return out
}

func (d *Dispatcher) dispatchGetProgramLength() []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], uint16(d.Program.Len()))
	binary.BigEndian.PutUint16(out[2:4], uint16(program.MaxLen))
	return out
}

// clampPort constrains a raw port byte to the 0..5 valid range, using the
// same integer-clamp helper the source stepper drivers use for register
// fields (tinygo.org/x/drivers/tmc2209.Constrain).
func clampPort(raw byte) uint8 {
	return uint8(tmc2209.Constrain(uint32(raw), 0, maxPort))
}
