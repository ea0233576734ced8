package nbd

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncoderRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	err := do(&buf, func(e *encoder) {
		e.writeUint16(0x1234)
		e.writeUint32(0x89abcdef)
		e.writeUint64(0x0123456789abcdef)
		e.writeString("hello")
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}

	err = do(&buf, func(e *encoder) {
		if got := e.uint16(); got != 0x1234 {
			t.Errorf("uint16 = 0x%x, want 0x1234", got)
		}
		if got := e.uint32(); got != 0x89abcdef {
			t.Errorf("uint32 = 0x%x, want 0x89abcdef", got)
		}
		if got := e.uint64(); got != 0x0123456789abcdef {
			t.Errorf("uint64 = 0x%x, want 0x0123456789abcdef", got)
		}
		b := make([]byte, 5)
		e.read(b)
		if string(b) != "hello" {
			t.Errorf("read = %q, want %q", b, "hello")
		}
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
}

func TestEncoderCheckUnwindsToError(t *testing.T) {
	want := errors.New("boom")
	err := do(&bytes.Buffer{}, func(e *encoder) {
		e.check(want)
		t.Fatal("reached code after check(non-nil)")
	})
	if err != want {
		t.Errorf("do returned %v, want %v", err, want)
	}
}

func TestEncoderDiscardExactMultiple(t *testing.T) {
	payload := bytes.Repeat([]byte{0xff}, 1024)
	err := do(bytes.NewBuffer(payload), func(e *encoder) {
		e.discard(1024)
	})
	if err != nil {
		t.Fatalf("discard 1024: %v", err)
	}
}

func TestEncoderDiscardPartialFinalChunk(t *testing.T) {
	// Exercises the final, shorter-than-512-byte chunk of discard, which
	// must truncate its scratch buffer down rather than grow it.
	payload := bytes.Repeat([]byte{0xaa}, 600)
	err := do(bytes.NewBuffer(payload), func(e *encoder) {
		e.discard(600)
	})
	if err != nil {
		t.Fatalf("discard 600: %v", err)
	}
}

func TestEncoderDiscardUnderrun(t *testing.T) {
	payload := bytes.Repeat([]byte{0xaa}, 10)
	err := do(bytes.NewBuffer(payload), func(e *encoder) {
		e.discard(20)
	})
	if err == nil {
		t.Fatal("discard past EOF: got nil error, want one")
	}
}
