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
	"encoding/binary"
	"io"
)

// do wraps rw for easy en-/decoding of binary data. It creates an *encoder
// and calls f with that. The process uses panic/recover for error handling,
// so e should never be passed to a different goroutine: a wire I/O failure
// unwinds straight back to do's caller as a returned error, while
// protocol-level decisions (unsupported option, bad argument) are ordinary
// return values from the functions that use e.
func do(rw io.ReadWriter, f func(e *encoder)) (err error) {
	sentinel := new(uint8)
	defer func() {
		if v := recover(); v != nil && v != sentinel {
			panic(v)
		}
	}()
	check := func(e error) {
		if e != nil {
			err = e
			panic(sentinel)
		}
	}
	f(&encoder{rw, nil, check})
	return err
}

// encoder provides helper methods for easy de-/encoding of the fixed-layout,
// strictly sequential, no-padding wire structures of §4.1. If an I/O error
// occurs, it calls check, which is expected to panic if non-nil. If buf is
// non-nil, the encoder won't write to rw directly but append to buf, so that
// a variable-length payload can be built up before its length is known (used
// to compute option and option-reply lengths).
type encoder struct {
	rw    io.ReadWriter
	buf   []byte
	check func(error)
}

func (e *encoder) write(b []byte) {
	if e.buf != nil {
		e.buf = append(e.buf, b...)
		return
	}
	_, err := e.rw.Write(b)
	e.check(err)
}

func (e *encoder) writeString(s string) {
	if e.buf != nil {
		e.buf = append(e.buf, s...)
		return
	}
	var err error
	if sw, ok := e.rw.(interface{ WriteString(string) (int, error) }); ok {
		_, err = sw.WriteString(s)
	} else {
		_, err = e.rw.Write([]byte(s))
	}
	e.check(err)
}

func (e *encoder) read(b []byte) {
	_, err := io.ReadFull(e.rw, b)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	e.check(err)
}

// discard reads and drops n bytes, used to skip an oversized or unknown
// option/reply payload without interpreting it.
func (e *encoder) discard(n uint32) {
	buf := make([]byte, 512)
	for n > 0 {
		if n < uint32(len(buf)) {
			buf = buf[:n]
		}
		e.read(buf)
		n -= uint32(len(buf))
	}
}

func (e *encoder) uint16() uint16 {
	var b [2]byte
	e.read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func (e *encoder) uint32() uint32 {
	var b [4]byte
	e.read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (e *encoder) uint64() uint64 {
	var b [8]byte
	e.read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func (e *encoder) writeUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.write(b[:])
}

func (e *encoder) writeUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.write(b[:])
}

func (e *encoder) writeUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.write(b[:])
}
