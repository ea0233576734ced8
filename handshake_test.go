package nbd

import (
	"log"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "test: ", 0)
}

func newTestExport(t *testing.T, size int64) *Export {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	f.Close()
	ex, err := NewExport(path, "test", "test", false)
	if err != nil {
		t.Fatal(err)
	}
	return ex
}

// serverPipe starts handshake (and, if it reaches transmission phase,
// transmit) on one end of an in-memory connection and returns the other
// end for a Client to drive.
func serverPipe(t *testing.T, ex *Export, st store) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		sess := newSession("pipe", server)
		ok, err := handshake(testLogger(), sess, ex)
		if err != nil {
			return
		}
		if ok && st != nil {
			transmit(testLogger(), sess, ex, st)
		}
	}()
	t.Cleanup(func() { client.Close() })
	return client
}

func TestHandshakeList(t *testing.T) {
	ex := newTestExport(t, 1<<20)
	conn := serverPipe(t, ex, nil)

	cl, err := ClientHandshake(conn)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	names, err := cl.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if diff := cmp.Diff([]string{"test"}, names); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}

	// Repeated LIST replies must be identical (§8 invariant 4).
	names2, err := cl.List()
	if err != nil {
		t.Fatalf("second List: %v", err)
	}
	if diff := cmp.Diff(names, names2); diff != "" {
		t.Errorf("List() not idempotent (-first +second):\n%s", diff)
	}
}

func TestHandshakeAbort(t *testing.T) {
	ex := newTestExport(t, 1<<20)
	conn := serverPipe(t, ex, nil)

	cl, err := ClientHandshake(conn)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	if err := cl.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
}

func TestHandshakeStartTLSUnsupported(t *testing.T) {
	ex := newTestExport(t, 1<<20)
	conn := serverPipe(t, ex, nil)

	cl, err := ClientHandshake(conn)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	err = do(conn, func(e *encoder) {
		cl.sendOption(e, optStartTLS, nil)
		replyType, _ := cl.recvReply(e, optStartTLS)
		if replyType != uint32(errUnsup) {
			t.Errorf("STARTTLS reply type = 0x%x, want 0x%x (ERR_UNSUP)", replyType, uint32(errUnsup))
		}
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
}

func TestHandshakeInfoRejectsOversizedNameLength(t *testing.T) {
	ex := newTestExport(t, 1<<20)
	st, err := openBackingFile(ex.Path(), false)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	conn := serverPipe(t, ex, st)

	cl, err := ClientHandshake(conn)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}

	// A declared option length of 6 (just namelen + nreqs, no actual name
	// or requests) carrying a name length field of 1000000 must be
	// rejected before any allocation is attempted, not accepted as if the
	// name were that long.
	err = do(conn, func(e *encoder) {
		cl.sendOption(e, optInfo, func(e *encoder) {
			e.writeUint32(1000000)
			e.writeUint16(0)
		})
		replyType, _ := cl.recvReply(e, optInfo)
		if replyType != uint32(errInvalid) {
			t.Errorf("oversized name length reply type = 0x%x, want 0x%x (ERR_INVALID)", replyType, uint32(errInvalid))
		}
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}

	// The option loop must still be usable afterwards.
	if _, err := cl.Go(""); err != nil {
		t.Fatalf("Go after rejected INFO: %v", err)
	}
}

func TestHandshakeInfoOrdering(t *testing.T) {
	ex := newTestExport(t, 1<<20)
	conn := serverPipe(t, ex, nil)

	cl, err := ClientHandshake(conn)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	info, err := cl.Info("")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	want := ExportInfo{
		Name:        "test",
		Description: "test",
		Size:        1 << 20,
		BlockSizes:  &BlockSizeConstraints{Min: 1, Preferred: 4096, Max: 1 << 20},
	}
	if diff := cmp.Diff(want, info, cmpopts.IgnoreFields(ExportInfo{}, "Flags")); diff != "" {
		t.Errorf("Info() mismatch (-want +got):\n%s", diff)
	}
}

func TestHandshakeGoEntersTransmission(t *testing.T) {
	ex := newTestExport(t, 1<<20)
	st, err := openBackingFile(ex.Path(), false)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	conn := serverPipe(t, ex, st)

	cl, err := ClientHandshake(conn)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	info, err := cl.Go("")
	if err != nil {
		t.Fatalf("Go: %v", err)
	}
	if info.Size != ex.Size() {
		t.Errorf("Go() size = %d, want %d", info.Size, ex.Size())
	}

	// Transmission phase: DISC should close the connection cleanly.
	err = do(conn, func(e *encoder) {
		e.writeUint32(reqMagic)
		e.writeUint16(0)
		e.writeUint16(cmdDisc)
		e.writeUint64(0)
		e.writeUint64(0)
		e.writeUint32(0)
	})
	if err != nil {
		t.Fatalf("sending DISC: %v", err)
	}
}
