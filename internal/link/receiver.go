package link

import (
	"encoding/binary"
	"hash/crc32"
	"time"
)

type rxState int

const (
	waitStart1 rxState = iota
	waitStart2
	rxLen
	rxPayload
)

// Receiver implements the WaitStart1 -> WaitStart2 -> RxLen -> RxPayload
// state machine from spec.md §4.5.
type Receiver struct {
	t       Transport
	timeout time.Duration
}

// NewReceiver returns a Receiver reading frames from t. timeout bounds how
// long WaitStart1 waits for the first byte of a new frame; later states
// drain without a fresh timeout.
func NewReceiver(t Transport, timeout time.Duration) *Receiver {
	return &Receiver{t: t, timeout: timeout}
}

// ReceiveFrame attempts to receive and CRC-verify one frame. ok is false
// when a read in WaitStart1 times out or fails before a valid frame has
// been received. Malformed frames
// and CRC failures are silently dropped per spec.md §4.5/§7, with no ack
// and no error surfaced to the caller; the receiver then goes back to
// WaitStart1 and keeps waiting for the next frame.
func (r *Receiver) ReceiveFrame() (payload []byte, ok bool) {
	state := waitStart1
	var buf []byte
	idx := 0

	for {
		if state == waitStart1 {
			r.t.SetReadTimeout(r.timeout)
		} else {
			r.t.SetReadTimeout(NoTimeout)
		}

		var b [1]byte
		n, err := r.t.Read(b[:])
		if err != nil || n == 0 {
			if state == waitStart1 {
				return nil, false
			}
			state = waitStart1
			continue
		}

		switch state {
		case waitStart1:
			if b[0] == startByte1 {
				state = waitStart2
			}

		case waitStart2:
			switch b[0] {
			case startByte2:
				state = rxLen
			case startByte1:
				// retry: stay put, this byte might be the real start1
			default:
				state = waitStart1
			}

		case rxLen:
			length := int(b[0])
			if length < MinFrameLen || length > MaxFrameLen {
				state = waitStart1
				continue
			}
			buf = make([]byte, length)
			idx = 0
			state = rxPayload

		case rxPayload:
			buf[idx] = b[0]
			idx++
			if idx == len(buf) {
				payloadLen := len(buf) - 4
				pl := buf[:payloadLen]
				wantCRC := binary.BigEndian.Uint32(buf[payloadLen:])
				if crc32.ChecksumIEEE(pl) != wantCRC {
					state = waitStart1
					continue
				}
				return pl, true
			}
		}
	}
}
