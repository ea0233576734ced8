// Copyright 2018 Axel Wagner
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nbd

import (
	"bytes"
	"log"
)

// errAborted is returned internally by the handshake loop when the client
// sent NBD_OPT_ABORT. It is not a failure: the caller closes the
// connection without logging it as an error.
type errAborted struct{}

func (errAborted) Error() string { return "client aborted negotiation" }

// handshake drives the newstyle-fixed handshake state machine of §4.3 over
// sess. It returns (true, nil) if the client transitioned to transmission
// phase (via NBD_OPT_EXPORT_NAME or NBD_OPT_GO), (false, nil) if the client
// cleanly aborted or the handshake otherwise ended without error, or a
// non-nil error for a transport failure.
func handshake(logger *log.Logger, sess *Session, ex *Export) (bool, error) {
	goTransmission := false
	err := do(sess.rw, func(e *encoder) {
		e.writeUint64(initMagic)
		e.writeUint64(optsMagic)
		e.writeUint16(handshakeFlags)

		clientFlags := e.uint32()
		switch clientFlags {
		case clientFlagFixedNewstyle:
			sess.clientNoZeroes = false
		case clientFlagFixedNewstyle | clientFlagNoZeroes:
			sess.clientNoZeroes = true
		default:
			logger.Printf("nbd: %s: unexpected client handshake flags 0x%x", sess.addr, clientFlags)
		}

		for {
			magic := e.uint64()
			if magic != optsMagic {
				logger.Printf("nbd: %s: bad option magic 0x%x, resyncing", sess.addr, magic)
				continue
			}
			code := e.uint32()
			length := e.uint32()
			if length > maxOptionLength {
				e.discard(length)
				encodeErrorReply(e, code, errTooBig)
				continue
			}
			payload := make([]byte, length)
			e.read(payload)
			p := &encoder{rw: bytes.NewBuffer(payload), check: e.check}

			switch code {
			case optExportName:
				e.writeUint64(ex.Size())
				e.writeUint16(ex.transmissionFlags())
				if !sess.clientNoZeroes {
					e.write(make([]byte, 124))
				}
				goTransmission = true
				return

			case optAbort:
				encodeReply(e, code, &repAck{})
				e.check(errAborted{})

			case optList:
				encodeReply(e, code, &repServer{name: ex.Name(), description: ex.Description()})
				encodeReply(e, code, &repAck{})

			case optStartTLS:
				encodeErrorReply(e, code, errUnsup)

			case optInfo, optGo:
				if !handleInfoExchange(e, p, code, ex, length) {
					encodeErrorReply(e, code, errInvalid)
					continue
				}
				if code == optGo {
					goTransmission = true
					return
				}

			case optStructuredReply:
				sess.structuredReplyEnabled = true
				encodeReply(e, code, &repAck{})

			case optListMetaContext, optSetMetaContext:
				encodeErrorReply(e, code, errUnsup)

			default:
				encodeErrorReply(e, code, errUnsup)
			}
		}
	})
	if _, ok := err.(errAborted); ok {
		return false, nil
	}
	return goTransmission, err
}

// handleInfoExchange runs the body of an NBD_OPT_INFO / NBD_OPT_GO request
// (§4.3.2): decode the requested name and info codes from p (already
// bounded to the option's declared length), then write the requested info
// replies to e followed by the always-sent block-size and export replies
// (export last) and a terminating ACK. length is the option's declared
// payload length, used to bound the name length field below; it reports
// false without writing anything if the payload is malformed.
func handleInfoExchange(e, p *encoder, code uint32, ex *Export, length uint32) bool {
	if length < 6 {
		return false
	}
	nlen := p.uint32()
	if nlen > length-6 {
		// nlen is attacker-controlled; a client can otherwise declare a tiny
		// option length while embedding a huge name length, forcing a
		// multi-gigabyte allocation below.
		return false
	}
	name := make([]byte, nlen)
	p.read(name)
	nreqs := p.uint16()
	if uint32(nreqs)*2 > length-6-nlen {
		return false
	}

	blockSizeSent := false
	for i := uint16(0); i < nreqs; i++ {
		switch p.uint16() {
		case infoName:
			encodeReply(e, code, &infoNameReply{name: ex.Name()})
		case infoDescription:
			encodeReply(e, code, &infoDescriptionReply{description: ex.Description()})
		case infoBlockSize:
			if !blockSizeSent {
				min, preferred, max := ex.blockSizeConstraints()
				encodeReply(e, code, &infoBlockSizeReply{min: min, preferred: preferred, max: max})
				blockSizeSent = true
			}
		}
		// NBD_INFO_EXPORT and any unrecognized code are silently skipped:
		// export info is always sent below regardless of whether it was
		// requested, and this core defines no other info types.
	}
	if !blockSizeSent {
		min, preferred, max := ex.blockSizeConstraints()
		encodeReply(e, code, &infoBlockSizeReply{min: min, preferred: preferred, max: max})
	}
	encodeReply(e, code, &infoExportReply{size: ex.Size(), flags: ex.transmissionFlags()})
	encodeReply(e, code, &repAck{})
	return true
}
