package nbd

import "errors"

// optionReply is implemented by every payload that can follow an option
// reply header (reply-magic, echoed option code, reply type, payload
// length) during the handshake, §3 "OptionReply".
type optionReply interface {
	code() uint32
	encode(*encoder)
}

// encodeReply writes a full option reply: header plus the reply's own
// payload, with the payload length filled in after encoding it into a
// scratch buffer.
func encodeReply(e *encoder, option uint32, reply optionReply) {
	e.writeUint64(repMagic)
	e.writeUint32(option)
	e.writeUint32(reply.code())
	saved := e.buf
	e.buf = []byte{}
	reply.encode(e)
	buf := e.buf
	e.buf = saved
	e.writeUint32(uint32(len(buf)))
	e.write(buf)
}

// encodeErrorReply writes an option reply whose reply type carries the
// error bit (§4.3), with an empty payload (this server never sends a
// human-readable error message body).
func encodeErrorReply(e *encoder, option uint32, code errno) {
	e.writeUint64(repMagic)
	e.writeUint32(option)
	e.writeUint32(uint32(code))
	e.writeUint32(0)
}

type repAck struct{}

func (r *repAck) code() uint32    { return repTypeAck }
func (r *repAck) encode(*encoder) {}

// repServer is the payload of a LIST response: the advertised export's name
// and description, §4.3 option LIST.
type repServer struct {
	name        string
	description string
}

func (r *repServer) code() uint32 { return repTypeServer }

func (r *repServer) encode(e *encoder) {
	e.writeUint32(uint32(len(r.name)))
	e.writeString(r.name)
	e.writeString(r.description)
}

// repInfo variants all share reply type repTypeInfo; the first two bytes of
// their payload distinguish which NBD_INFO_* they carry, §4.3.2.

type infoExportReply struct {
	size  uint64
	flags uint16
}

func (r *infoExportReply) code() uint32 { return repTypeInfo }

func (r *infoExportReply) encode(e *encoder) {
	e.writeUint16(infoExport)
	e.writeUint64(r.size)
	e.writeUint16(r.flags)
}

type infoNameReply struct {
	name string
}

func (r *infoNameReply) code() uint32 { return repTypeInfo }

func (r *infoNameReply) encode(e *encoder) {
	e.writeUint16(infoName)
	e.writeString(r.name)
}

type infoDescriptionReply struct {
	description string
}

func (r *infoDescriptionReply) code() uint32 { return repTypeInfo }

func (r *infoDescriptionReply) encode(e *encoder) {
	e.writeUint16(infoDescription)
	e.writeString(r.description)
}

type infoBlockSizeReply struct {
	min, preferred, max uint32
}

func (r *infoBlockSizeReply) code() uint32 { return repTypeInfo }

func (r *infoBlockSizeReply) encode(e *encoder) {
	e.writeUint16(infoBlockSize)
	e.writeUint32(r.min)
	e.writeUint32(r.preferred)
	e.writeUint32(r.max)
}

// decodeInfo is used by the client side (client.go) to tell apart the four
// NBD_INFO_* reply shapes on an incoming repTypeInfo payload.
func decodeInfo(e *encoder, l uint32) interface{} {
	if l < 2 {
		e.check(errors.New("invalid length for info reply"))
	}
	code := e.uint16()
	switch code {
	case infoExport:
		if l != 12 {
			e.check(errors.New("invalid length for export info reply"))
		}
		return &infoExportReply{size: e.uint64(), flags: e.uint16()}
	case infoName:
		b := make([]byte, l-2)
		e.read(b)
		return &infoNameReply{name: string(b)}
	case infoDescription:
		b := make([]byte, l-2)
		e.read(b)
		return &infoDescriptionReply{description: string(b)}
	case infoBlockSize:
		if l != 14 {
			e.check(errors.New("invalid length for block size info reply"))
		}
		return &infoBlockSizeReply{min: e.uint32(), preferred: e.uint32(), max: e.uint32()}
	default:
		e.discard(l - 2)
		return nil
	}
}

// repError is the payload of an error-typed option reply as seen by a
// client; this server never emits a message body (encodeErrorReply above),
// but the Client still needs to be able to parse one from a conformant
// peer during tests.
type repError struct {
	errno errno
	msg   string
}

func (r *repError) Error() string { return r.msg }
