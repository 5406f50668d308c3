// Package program holds an ordered sequence of fluidic program steps and
// the executor that advances through them.
package program

import (
	"encoding/binary"
	"errors"
	"math"
)

const (
	// StepSizeBytes is the fixed on-wire/on-disk size of one ProgramStep.
	StepSizeBytes = 16

	// MaxLen is the maximum number of steps a Program can hold:
	// 64 KiB / 16 bytes per step.
	MaxLen = 64 * 1024 / StepSizeBytes

	// KeepCurrentPort means "leave this valve untouched" in a step.
	KeepCurrentPort = 0xFF
)

// Step is one program instruction.
type Step struct {
	ReagentPort uint8
	ColumnPort  uint8
	FlowRate    float32 // signed mL/min
	Volume      float32 // mL; +Inf means no volume limit
	Duration    float32 // seconds; +Inf means no time limit
}

// MarshalStep encodes a Step into the fixed 16-byte layout: two port
// bytes, two bytes of padding for 4-byte float alignment, then three
// little-endian IEEE-754 floats (flow_rate, volume, duration). The byte
// layout is reproduced exactly (not the struct field order) so persisted
// programs remain readable across implementations, per spec.md §9.
func MarshalStep(s Step) [StepSizeBytes]byte {
	var buf [StepSizeBytes]byte
	buf[0] = s.ReagentPort
	buf[1] = s.ColumnPort
	// buf[2], buf[3] are padding.
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(s.FlowRate))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(s.Volume))
	binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(s.Duration))
	return buf
}

// UnmarshalStep decodes a Step from its fixed 16-byte layout.
func UnmarshalStep(buf []byte) (Step, error) {
	if len(buf) < StepSizeBytes {
		return Step{}, errors.New("program: short step buffer")
	}
	return Step{
		ReagentPort: buf[0],
		ColumnPort:  buf[1],
		FlowRate:    math.Float32frombits(binary.LittleEndian.Uint32(buf[4:8])),
		Volume:      math.Float32frombits(binary.LittleEndian.Uint32(buf[8:12])),
		Duration:    math.Float32frombits(binary.LittleEndian.Uint32(buf[12:16])),
	}, nil
}

// Program is an ordered sequence of steps with a length and a capacity of
// MaxLen. It is only mutated when no execution is in progress, or after an
// explicit Reset (mirroring init_program_write aborting execution first).
type Program struct {
	steps []Step
}

// New returns an empty Program.
func New() *Program {
	return &Program{steps: make([]Step, 0, 64)}
}

// Len returns the current number of valid steps.
func (p *Program) Len() int { return len(p.steps) }

// Reset clears the program, as init_program_write does.
func (p *Program) Reset() { p.steps = p.steps[:0] }

// Step returns the step at idx, and false if idx is out of range.
func (p *Program) Step(idx int) (Step, bool) {
	if idx < 0 || idx >= len(p.steps) {
		return Step{}, false
	}
	return p.steps[idx], true
}

// Append adds steps to the program, refusing (and returning the count
// actually appended) if doing so would exceed MaxLen. This implements the
// capacity-overflow extension from spec.md §9: extra steps are dropped
// rather than written past capacity.
func (p *Program) Append(steps []Step) (appended int) {
	room := MaxLen - len(p.steps)
	if room <= 0 {
		return 0
	}
	if len(steps) > room {
		steps = steps[:room]
	}
	p.steps = append(p.steps, steps...)
	return len(steps)
}

// Serialize encodes the program in the persisted-file format from
// spec.md §6: a little-endian u16 length followed by length*16 raw step
// bytes.
func (p *Program) Serialize() []byte {
	out := make([]byte, 2+len(p.steps)*StepSizeBytes)
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(p.steps)))
	for i, s := range p.steps {
		b := MarshalStep(s)
		copy(out[2+i*StepSizeBytes:], b[:])
	}
	return out
}

// Deserialize replaces the program's contents by decoding data in the
// persisted-file format. If data is malformed or declares a length beyond
// MaxLen, the program is left empty, matching spec.md §6's "if missing or
// length > capacity, the in-memory program is empty."
func Deserialize(data []byte) *Program {
	p := New()
	if len(data) < 2 {
		return p
	}
	n := int(binary.LittleEndian.Uint16(data[0:2]))
	if n > MaxLen || len(data) < 2+n*StepSizeBytes {
		return p
	}
	steps := make([]Step, 0, n)
	for i := 0; i < n; i++ {
		off := 2 + i*StepSizeBytes
		s, err := UnmarshalStep(data[off : off+StepSizeBytes])
		if err != nil {
			return New()
		}
		steps = append(steps, s)
	}
	p.steps = steps
	return p
}
