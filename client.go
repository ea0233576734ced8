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
	"errors"
	"fmt"
	"io"
)

// Client performs the client side of the NBD handshake. It is not part of
// this module's external protocol surface (the module implements the
// server role only, §1) but is kept, as the teacher repo's own Client was,
// to drive this package's own tests against its Server without depending
// on an external nbd-client binary.
type Client struct {
	rw     io.ReadWriter
	closed bool
}

// ClientHandshake performs the initial fixed-newstyle exchange over rw and
// returns a Client ready to send options.
func ClientHandshake(rw io.ReadWriter) (*Client, error) {
	cl := &Client{rw: rw}
	return cl, do(rw, func(e *encoder) {
		if e.uint64() != initMagic {
			e.check(errors.New("invalid init magic from server"))
		}
		if e.uint64() != optsMagic {
			e.check(errors.New("invalid opts magic from server"))
		}
		serverFlags := e.uint16()
		if serverFlags&handshakeFlags != handshakeFlags {
			e.check(errors.New("server does not advertise fixed newstyle + no zeroes"))
		}
		e.writeUint32(clientFlagFixedNewstyle | clientFlagNoZeroes)
	})
}

func (c *Client) checkClosed(e *encoder) {
	if c.closed {
		e.check(errors.New("use of closed client"))
	}
}

func (c *Client) sendOption(e *encoder, code uint32, payload func(*encoder)) {
	c.checkClosed(e)
	e.writeUint64(optsMagic)
	e.writeUint32(code)
	saved := e.buf
	e.buf = []byte{}
	if payload != nil {
		payload(e)
	}
	buf := e.buf
	e.buf = saved
	e.writeUint32(uint32(len(buf)))
	e.write(buf)
}

// recvReply reads one option reply header and returns its type and decoded
// body (one of *repAck, *repServer, *infoExportReply, ..., *repError for an
// error reply, or nil for an unrecognized reply type).
func (c *Client) recvReply(e *encoder, code uint32) (replyType uint32, body interface{}) {
	c.checkClosed(e)
	if e.uint64() != repMagic {
		e.check(errors.New("invalid reply magic from server"))
	}
	if got := e.uint32(); got != code {
		e.check(fmt.Errorf("server replied to option %d, expected %d", got, code))
	}
	replyType = e.uint32()
	length := e.uint32()
	switch {
	case replyType == repTypeAck:
		if length != 0 {
			e.check(errors.New("invalid ack reply length"))
		}
		return replyType, &repAck{}
	case replyType == repTypeServer:
		if length < 4 {
			e.check(errors.New("invalid server reply length"))
		}
		nlen := e.uint32()
		rest := make([]byte, length-4)
		e.read(rest)
		if uint32(len(rest)) < nlen {
			e.check(errors.New("invalid server reply name length"))
		}
		return replyType, &repServer{name: string(rest[:nlen]), description: string(rest[nlen:])}
	case replyType == repTypeInfo:
		return replyType, decodeInfo(e, length)
	case replyType&uint32(repFlagError) != 0:
		msg := make([]byte, length)
		e.read(msg)
		return replyType, &repError{errno: errno(replyType), msg: string(msg)}
	default:
		e.discard(length)
		return replyType, nil
	}
}

// Abort aborts the handshake. c must not be used after Abort returns.
func (c *Client) Abort() error {
	return do(c.rw, func(e *encoder) {
		c.sendOption(e, optAbort, nil)
		_, body := c.recvReply(e, optAbort)
		c.closed = true
		if _, ok := body.(*repAck); !ok {
			e.check(errors.New("invalid response to abort request"))
		}
	})
}

// List returns the names of exports the server advertises (this core
// advertises at most one).
func (c *Client) List() ([]string, error) {
	var names []string
	err := do(c.rw, func(e *encoder) {
		c.sendOption(e, optList, nil)
		for {
			replyType, body := c.recvReply(e, optList)
			switch replyType {
			case repTypeAck:
				return
			case repTypeServer:
				names = append(names, body.(*repServer).name)
			default:
				e.check(errors.New("invalid response to list request"))
			}
		}
	})
	return names, err
}

// StructuredReply negotiates NBD_OPT_STRUCTURED_REPLY.
func (c *Client) StructuredReply() error {
	return do(c.rw, func(e *encoder) {
		c.sendOption(e, optStructuredReply, nil)
		replyType, _ := c.recvReply(e, optStructuredReply)
		if replyType != repTypeAck {
			e.check(fmt.Errorf("server refused structured reply negotiation: reply type 0x%x", replyType))
		}
	})
}

// ExportInfo is the client-visible result of an INFO or GO exchange.
type ExportInfo struct {
	Name        string
	Description string
	Size        uint64
	Flags       uint16
	BlockSizes  *BlockSizeConstraints
}

// BlockSizeConstraints reports the minimum, preferred and maximum block
// size the server is prepared to handle for an export.
type BlockSizeConstraints struct {
	Min, Preferred, Max uint32
}

func (c *Client) infoOrGo(name string, done bool) (ExportInfo, error) {
	var info ExportInfo
	code := optInfo
	if done {
		code = optGo
	}
	err := do(c.rw, func(e *encoder) {
		c.sendOption(e, code, func(e *encoder) {
			e.writeUint32(uint32(len(name)))
			e.writeString(name)
			reqs := []uint16{infoName, infoDescription, infoBlockSize}
			e.writeUint16(uint16(len(reqs)))
			for _, r := range reqs {
				e.writeUint16(r)
			}
		})
		for {
			replyType, body := c.recvReply(e, code)
			switch b := body.(type) {
			case *repAck:
				return
			case *infoExportReply:
				info.Size, info.Flags = b.size, b.flags
			case *infoNameReply:
				info.Name = b.name
			case *infoDescriptionReply:
				info.Description = b.description
			case *infoBlockSizeReply:
				info.BlockSizes = &BlockSizeConstraints{b.min, b.preferred, b.max}
			default:
				if replyType == repTypeAck {
					return
				}
				e.check(fmt.Errorf("unexpected reply type 0x%x to info/go request", replyType))
			}
		}
	})
	return info, err
}

// Info requests export information without entering transmission phase.
func (c *Client) Info(name string) (ExportInfo, error) {
	return c.infoOrGo(name, false)
}

// Go requests export information and, on success, transitions the
// connection into transmission phase. c must not be used for further
// option requests after Go returns successfully.
func (c *Client) Go(name string) (ExportInfo, error) {
	info, err := c.infoOrGo(name, true)
	if err == nil {
		c.closed = true
	}
	return info, err
}
