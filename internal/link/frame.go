// Package link implements the framed, CRC32-checked command protocol that
// multiplexes ping, manual-control, program-transfer and program-execute
// commands over a serial transport.
package link

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	startByte1 byte = 0x21
	startByte2 byte = 0x37

	// MinFrameLen and MaxFrameLen bound the LEN byte: payload+CRC length.
	MinFrameLen = 5
	MaxFrameLen = 255

	// MaxPayloadLen is the largest payload a single frame can carry
	// (MaxFrameLen minus the 4 CRC bytes).
	MaxPayloadLen = MaxFrameLen - 4
)

// EncodeFrame wraps payload in the START|LEN|PAYLOAD|CRC32 frame format
// from spec.md §4.5. The CRC is computed over payload only.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) < 1 || len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("link: payload length %d out of range [1,%d]", len(payload), MaxPayloadLen)
	}
	length := len(payload) + 4

	out := make([]byte, 0, 3+len(payload)+4)
	out = append(out, startByte1, startByte2, byte(length))
	out = append(out, payload...)

	var crcBytes [4]byte
	binary.BigEndian.PutUint32(crcBytes[:], crc32.ChecksumIEEE(payload))
	out = append(out, crcBytes[:]...)
	return out, nil
}
