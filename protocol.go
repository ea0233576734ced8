package nbd

import (
	"errors"
	"fmt"
)

// Wire magics, byte-exact per §6.
const (
	initMagic            = 0x4e42444d41474943 // "NBDMAGIC"
	optsMagic            = 0x49484156454f5054 // "IHAVEOPT"
	repMagic             = 0x0003e889045565a9
	reqMagic             = 0x25609513
	simpleReplyMagic     = 0x67446698
	structuredReplyMagic = 0x668e33ef
)

// Handshake flags (server-advertised) and client flags (client-sent).
const (
	flagFixedNewstyle = 1 << 0
	flagNoZeroes      = 1 << 1
	handshakeFlags    = flagFixedNewstyle | flagNoZeroes

	clientFlagFixedNewstyle = 1 << 0
	clientFlagNoZeroes      = 1 << 1
)

// maxOptionLength bounds the payload of a single handshake option so a
// malicious or confused client can't force an unbounded allocation; it is
// sized well above any legitimate NBD_OPT_GO/NBD_OPT_INFO payload (export
// name plus a handful of 2-byte info codes).
const maxOptionLength = 64 << 10

// Option codes (client -> server, handshake phase), §4.3.
const (
	optExportName      uint32 = 1
	optAbort           uint32 = 2
	optList            uint32 = 3
	optStartTLS        uint32 = 5
	optInfo            uint32 = 6
	optGo              uint32 = 7
	optStructuredReply uint32 = 8
	optListMetaContext uint32 = 9
	optSetMetaContext  uint32 = 10
)

// Option reply types (server -> client, handshake phase).
const (
	repTypeAck    uint32 = 1
	repTypeServer uint32 = 2
	repTypeInfo   uint32 = 3

	repFlagError errno = 1 << 31
)

type errno uint32

const (
	errUnsup         = repFlagError | 1
	errPolicy        = repFlagError | 2
	errInvalid       = repFlagError | 3
	errPlatform      = repFlagError | 4
	errTLSReqd       = repFlagError | 5
	errUnknown       = repFlagError | 6
	errShutdown      = repFlagError | 7
	errBlockSizeReqd = repFlagError | 8
	errTooBig        = repFlagError | 9
)

// Info codes used by NBD_OPT_INFO / NBD_OPT_GO, §4.3.2.
const (
	infoExport      uint16 = 0
	infoName        uint16 = 1
	infoDescription uint16 = 2
	infoBlockSize   uint16 = 3
)

// Command types, §4.4.
const (
	cmdRead        uint16 = 0
	cmdWrite       uint16 = 1
	cmdDisc        uint16 = 2
	cmdFlush       uint16 = 3
	cmdTrim        uint16 = 4
	cmdCache       uint16 = 5
	cmdWriteZeroes uint16 = 6
	cmdBlockStatus uint16 = 7
)

// Command flags.
const (
	cmdFlagFUA    uint16 = 1 << 0
	cmdFlagNoHole uint16 = 1 << 1
	cmdFlagDF     uint16 = 1 << 2
	cmdFlagReqOne uint16 = 1 << 3
)

// Structured reply flags and chunk reply types, §3/§4.4.1.
const (
	structuredReplyFlagDone uint16 = 1 << 0

	structuredReplyNone         uint16 = 0
	structuredReplyOffsetData   uint16 = 1
	structuredReplyOffsetHole   uint16 = 2
	structuredReplyBlockStatus  uint16 = 5
	structuredReplyError        uint16 = 1<<15 + 1
	structuredReplyErrorOffset  uint16 = 1<<15 + 2
	structuredReplyChunkSize           = 4096
)

// Transmission flag bit positions, §4.3.1. Bit 0 (HAS_FLAGS) is always set;
// Export.transmissionFlags decides which of bits 1..11 are set.
const (
	transFlagHasFlags        uint16 = 1 << 0
	transFlagReadOnly        uint16 = 1 << 1
	transFlagSendFlush       uint16 = 1 << 2
	transFlagSendFUA         uint16 = 1 << 3
	transFlagRotational      uint16 = 1 << 4
	transFlagSendTrim        uint16 = 1 << 5
	transFlagSendWriteZeroes uint16 = 1 << 6
	transFlagSendDF          uint16 = 1 << 7
	transFlagCanMultiConn    uint16 = 1 << 8
	transFlagSendResize      uint16 = 1 << 9
	transFlagSendCache       uint16 = 1 << 10
	transFlagSendFastZero    uint16 = 1 << 11
)

// Errno is an error code suitable to be sent over the wire in a simple reply
// or structured error chunk's error field. The constants in this package are
// the only ones guaranteed to be understood by any conformant NBD client.
type Errno uint32

// See https://manpages.debian.org/stretch/manpages-dev/errno.3.en.html for a
// description of error numbers.
const (
	EPERM      Errno = 1
	EIO        Errno = 5
	ENOMEM     Errno = 12
	EINVAL     Errno = 22
	ENOSPC     Errno = 28
	EOVERFLOW  Errno = 75
	EOPNOTSUPP Errno = 95
	ESHUTDOWN  Errno = 108
)

var errStr = map[Errno]string{
	EPERM:      "Operation not permitted",
	EIO:        "Input/output error",
	ENOMEM:     "Cannot allocate memory",
	EINVAL:     "Invalid argument",
	ENOSPC:     "No space left on device",
	EOVERFLOW:  "Value too large for defined data type",
	EOPNOTSUPP: "Operation not supported",
	ESHUTDOWN:  "Cannot send after transport endpoint shutdown",
}

func (e Errno) Error() string {
	if msg, ok := errStr[e]; ok {
		return msg
	}
	return fmt.Sprintf("NBD_ERROR(%d)", uint32(e))
}

// Errno returns e, so Errno itself satisfies the Error interface below.
func (e Errno) Errno() Errno {
	return e
}

// Error combines the normal error interface with an Errno method returning
// the NBD error number to put on the wire. Backing-store errors that don't
// implement Error are reported to the client as EIO, per §7.
type Error interface {
	error
	Errno() Errno
}

type errf struct {
	errno Errno
	error
}

func (e errf) Errno() Errno {
	return e.errno
}

// Errorf returns an Error wrapping a formatted message under the given wire
// error code.
func Errorf(code Errno, msg string, v ...interface{}) Error {
	if len(v) > 0 {
		return errf{code, fmt.Errorf(msg, v...)}
	}
	return errf{code, errors.New(msg)}
}

func errnoOf(err error) Errno {
	if e, ok := err.(Error); ok {
		return e.Errno()
	}
	return EIO
}
