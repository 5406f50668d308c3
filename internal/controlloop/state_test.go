package controlloop

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/lcfw/columncontroller/internal/device"
	"github.com/lcfw/columncontroller/internal/valve"
)

func TestDeviceStateMarshalLayout(t *testing.T) {
	s := DeviceState{
		PumpSpeed:         2.5,
		PumpVolumeUL:      100,
		Running:           true,
		StepIndex:         3,
		Progress:          200,
		ReagentPort:       1,
		ColumnPort:        2,
		ReagentValveState: valve.Moving,
		ColumnValveState:  valve.Stopped,
		FSMState:          device.Pumping,
		SequenceNumber:    42,
	}
	buf := s.Marshal()
	if len(buf) != DeviceStateSizeBytes {
		t.Fatalf("Marshal length = %d, want %d", len(buf), DeviceStateSizeBytes)
	}
	if got := math.Float32frombits(binary.BigEndian.Uint32(buf[0:4])); got != 2.5 {
		t.Errorf("pump speed = %v, want 2.5", got)
	}
	if buf[8] != 1 {
		t.Errorf("running byte = %d, want 1", buf[8])
	}
	if got := binary.BigEndian.Uint16(buf[9:11]); got != 3 {
		t.Errorf("step index = %d, want 3", got)
	}
	if buf[11] != 200 {
		t.Errorf("progress = %d, want 200", buf[11])
	}
	if buf[12] != 1 || buf[13] != 2 {
		t.Errorf("ports = %d,%d, want 1,2", buf[12], buf[13])
	}
	if valve.State(buf[14]) != valve.Moving || valve.State(buf[15]) != valve.Stopped {
		t.Errorf("valve states = %d,%d, want Moving,Stopped", buf[14], buf[15])
	}
	if device.FSMState(buf[16]) != device.Pumping {
		t.Errorf("fsm state = %d, want Pumping", buf[16])
	}
	if got := binary.BigEndian.Uint32(buf[17:21]); got != 42 {
		t.Errorf("sequence = %d, want 42", got)
	}
}
