package link

import (
	"testing"
	"time"
)

func TestReceiverValidFrame(t *testing.T) {
	a, b := NewLoopback()
	r := NewReceiver(a, 50*time.Millisecond)

	payload := []byte{0x00}
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	done := make(chan struct{})
	var got []byte
	var ok bool
	go func() {
		got, ok = r.ReceiveFrame()
		close(done)
	}()

	if _, err := b.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}
	<-done

	if !ok {
		t.Fatal("ReceiveFrame returned ok=false for a valid frame")
	}
	if len(got) != 1 || got[0] != 0x00 {
		t.Errorf("payload = %v, want [0x00]", got)
	}
}

func TestReceiverDropsCorruptedCRCThenRecovers(t *testing.T) {
	a, b := NewLoopback()
	r := NewReceiver(a, 50*time.Millisecond)

	good, _ := EncodeFrame([]byte{0x00})
	bad, _ := EncodeFrame([]byte{0x00})
	bad[len(bad)-1] ^= 0xFF // corrupt last CRC byte, per spec.md §8 scenario 6

	done := make(chan struct{})
	var got []byte
	var ok bool
	go func() {
		got, ok = r.ReceiveFrame()
		close(done)
	}()

	if _, err := b.Write(bad); err != nil {
		t.Fatalf("write corrupted frame: %v", err)
	}
	if _, err := b.Write(good); err != nil {
		t.Fatalf("write good frame: %v", err)
	}
	<-done

	if !ok {
		t.Fatal("expected the following valid frame to still be received")
	}
	if len(got) != 1 || got[0] != 0x00 {
		t.Errorf("payload = %v, want [0x00]", got)
	}
}

func TestReceiverDropsAnySingleByteCorruption(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	good, _ := EncodeFrame(payload)
	sameGood, _ := EncodeFrame(payload)

	// frame[3:] covers the payload and the trailing CRC32: spec.md:216
	// requires that mutating any single byte in either region drops the
	// frame, not just the one fixed corruption in the scenario above.
	for i := range good[3:] {
		corrupt := append([]byte{}, good...)
		corrupt[3+i] ^= 0xFF

		a, b := NewLoopback()
		r := NewReceiver(a, 50*time.Millisecond)

		done := make(chan struct{})
		var got []byte
		var ok bool
		go func() {
			got, ok = r.ReceiveFrame()
			close(done)
		}()

		if _, err := b.Write(corrupt); err != nil {
			t.Fatalf("write corrupted frame (byte %d): %v", i, err)
		}
		if _, err := b.Write(sameGood); err != nil {
			t.Fatalf("write good frame (byte %d): %v", i, err)
		}
		<-done

		if !ok {
			t.Fatalf("byte %d: expected the following valid frame to still be received", i)
		}
		if len(got) != len(payload) {
			t.Fatalf("byte %d: got %v, want %v", i, got, payload)
		}
		for j := range payload {
			if got[j] != payload[j] {
				t.Errorf("byte %d: payload[%d] = %#x, want %#x", i, j, got[j], payload[j])
			}
		}
	}
}

func TestReceiverIgnoresGarbageBeforeStart(t *testing.T) {
	a, b := NewLoopback()
	r := NewReceiver(a, 50*time.Millisecond)

	frame, _ := EncodeFrame([]byte{0x07})
	noise := []byte{0x00, 0x99, 0x21, 0xAA}

	done := make(chan struct{})
	var got []byte
	var ok bool
	go func() {
		got, ok = r.ReceiveFrame()
		close(done)
	}()

	if _, err := b.Write(append(noise, frame...)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	<-done

	if !ok || len(got) != 1 || got[0] != 0x07 {
		t.Errorf("got=%v ok=%v, want [0x07] true", got, ok)
	}
}

func TestReceiverTimesOutWithNoData(t *testing.T) {
	a, _ := NewLoopback()
	r := NewReceiver(a, 20*time.Millisecond)

	_, ok := r.ReceiveFrame()
	if ok {
		t.Error("expected ok=false on timeout with no data")
	}
}
