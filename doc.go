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

// Package nbd implements the server side of the NBD network protocol.
//
// You can find a full description of the protocol at
// https://sourceforge.net/p/nbd/code/ci/master/tree/doc/proto.md
//
// The protocol is split into two phases: the handshake phase, which lets
// the client and server negotiate capabilities and select an export, and
// the transmission phase, used for reading and writing the export's data.
// This package implements the newstyle-fixed handshake and both the simple
// and structured transmission reply formats.
//
// An Export describes a single block of data backed by a regular file or
// block device, opened through NewServer. ListenAndServe (or Server's
// method of the same name) binds a TCP listener, and optionally a UNIX
// domain socket, and serves that export to every connection it accepts
// until its context is cancelled.
//
// The Client type exists for driving the handshake from the other side, in
// tests and tools; it is not required to run a server.
//
// Hooking a served export up to the kernel NBD client (/dev/nbdX) is out of
// scope for this package.
package nbd

// BUG(1): BlockSizeConstraints are advertised but not enforced independent
// of maxTransferSize; a client that ignores them and sends an in-bounds but
// misaligned request is still served.

// BUG(2): FUA for direct IO is not implemented.

// BUG(3): NBD_OPT_STARTTLS is not supported; it is always answered with
// NBD_REP_ERR_UNSUP.

// BUG(4): Lame-duck mode (ESHUTDOWN) is not implemented: there is no way to
// stop accepting new commands on a session while letting in-flight ones
// finish.

// BUG(5): Metadata context negotiation (NBD_OPT_LIST_META_CONTEXT,
// NBD_OPT_SET_META_CONTEXT) is not supported.

// BUG(6): CMD_CACHE, CMD_TRIM and CMD_WRITE_ZEROES are acknowledged as
// unsupported (NBD_EOPNOTSUPP) rather than implemented.
