package nbd

import "io"

// Session owns the byte stream and the per-connection negotiated state for
// one accepted connection, §3 "ClientSession". It is destroyed when the
// connection is disconnected, aborted, or hits a fatal protocol error; the
// Export it serves is immutable and shared by reference with every other
// session, per the Design Note in §9.
type Session struct {
	addr                   string
	rw                     io.ReadWriteCloser
	clientNoZeroes         bool
	structuredReplyEnabled bool
}

// newSession constructs a Session for an accepted connection identified by
// addr (used only for logging).
func newSession(addr string, rw io.ReadWriteCloser) *Session {
	return &Session{addr: addr, rw: rw}
}

// Addr returns the human-readable remote address of the session, for
// logging.
func (s *Session) Addr() string { return s.addr }
