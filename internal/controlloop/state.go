// Package controlloop runs the fixed-period control task that ties the
// pump, valves, device FSM and program executor together, and publishes
// the resulting DeviceState snapshot for external readers.
package controlloop

import (
	"encoding/binary"
	"math"

	"github.com/lcfw/columncontroller/internal/device"
	"github.com/lcfw/columncontroller/internal/valve"
)

// DeviceStateSizeBytes is the fixed wire size of a marshaled DeviceState.
const DeviceStateSizeBytes = 24

// DeviceState is the snapshot published every control tick, per spec.md §3.
type DeviceState struct {
	PumpSpeed         float64     `json:"pumpSpeed"`   // mL/min
	PumpVolumeUL      float64     `json:"pumpVolume"`  // microliters, since step start
	Running           bool        `json:"running"`
	StepIndex         uint16      `json:"stepIndex"`
	Progress          uint8       `json:"progress"`    // 0..255
	ReagentPort       uint8       `json:"reagentPort"` // 0..5 or 0xFF = unknown
	ColumnPort        uint8       `json:"columnPort"`
	ReagentValveState valve.State `json:"reagentValveState"`
	ColumnValveState  valve.State `json:"columnValveState"`
	FSMState          device.FSMState `json:"fsmState"`
	SequenceNumber    uint32      `json:"sequence"`
}

// Marshal encodes the state into a fixed-size binary record for the
// get_device_state command response. Field layout: pump speed (f32),
// pump volume uL (f32), running (u8), step index (u16 BE), progress (u8),
// reagent port (u8), column port (u8), reagent valve state (u8), column
// valve state (u8), fsm state (u8), sequence (u32 BE), 3 bytes padding.
func (s DeviceState) Marshal() []byte {
	buf := make([]byte, DeviceStateSizeBytes)
	binary.BigEndian.PutUint32(buf[0:4], math.Float32bits(float32(s.PumpSpeed)))
	binary.BigEndian.PutUint32(buf[4:8], math.Float32bits(float32(s.PumpVolumeUL)))
	if s.Running {
		buf[8] = 1
	}
	binary.BigEndian.PutUint16(buf[9:11], s.StepIndex)
	buf[11] = s.Progress
	buf[12] = s.ReagentPort
	buf[13] = s.ColumnPort
	buf[14] = byte(s.ReagentValveState)
	buf[15] = byte(s.ColumnValveState)
	buf[16] = byte(s.FSMState)
	binary.BigEndian.PutUint32(buf[17:21], s.SequenceNumber)
	return buf
}
