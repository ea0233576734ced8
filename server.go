package nbd

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Server binds one or more listening endpoints and serves the same Export
// to every accepted connection, §4.5. The Export and backing store are
// immutable/positional and therefore safe to share by reference across the
// worker goroutine spawned for each connection; only Session state is
// per-connection.
type Server struct {
	export *Export
	logger *log.Logger
	store  store
}

// NewServer opens ex's backing file and returns a Server ready to accept
// connections. logger may be nil, in which case log.Default() is used.
func NewServer(ex *Export, logger *log.Logger) (*Server, error) {
	st, err := openBackingFile(ex.Path(), ex.ReadOnly())
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{export: ex, logger: logger, store: st}, nil
}

// Close releases the server's backing file. It does not affect any
// in-flight connection.
func (s *Server) Close() error {
	return s.store.Close()
}

// ListenAndServe binds addr over TCP and, if unixPath is non-empty, also
// binds a UNIX domain socket at that path, §6. It spawns one worker
// goroutine per accepted connection. It blocks until ctx is cancelled or a
// listener fails irrecoverably; on return, all accept loops have stopped
// and all in-flight connection workers have exited, and the UNIX socket
// path (if any) has been removed.
func (s *Server) ListenAndServe(ctx context.Context, addr, unixPath string) error {
	tl, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	listeners := []net.Listener{tl}

	if unixPath != "" {
		os.Remove(unixPath)
		ul, err := net.Listen("unix", unixPath)
		if err != nil {
			tl.Close()
			return err
		}
		listeners = append(listeners, ul)
		defer os.Remove(unixPath)
	}

	g, gctx := errgroup.WithContext(ctx)
	var workers sync.WaitGroup

	for _, l := range listeners {
		l := l
		g.Go(func() error {
			<-gctx.Done()
			return l.Close()
		})
		g.Go(func() error {
			return s.acceptLoop(gctx, l, &workers)
		})
	}

	err = g.Wait()
	workers.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// acceptLoop accepts connections on l until gctx is cancelled or Accept
// fails for a reason other than the listener having been closed as part of
// shutdown. Each accepted connection is handed to its own goroutine,
// tracked in workers so the caller can join them before returning.
func (s *Server) acceptLoop(gctx context.Context, l net.Listener, workers *sync.WaitGroup) error {
	for {
		c, err := l.Accept()
		if err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return err
		}
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.handleConn(c)
		}()
	}
}

func (s *Server) handleConn(c net.Conn) {
	defer c.Close()
	addr := c.RemoteAddr().String()
	sess := newSession(addr, c)

	continueToTransmission, err := handshake(s.logger, sess, s.export)
	if err != nil {
		s.logger.Printf("nbd: %s: handshake: %v", addr, err)
		return
	}
	if !continueToTransmission {
		return
	}
	if err := transmit(s.logger, sess, s.export, s.store); err != nil {
		s.logger.Printf("nbd: %s: transmission: %v", addr, err)
	}
}

// ListenAndServe is a convenience wrapper that opens ex's backing store,
// serves it on addr (TCP) and, if unixPath is non-empty, also on a UNIX
// domain socket at unixPath, and closes the backing store again once
// serving stops.
func ListenAndServe(ctx context.Context, logger *log.Logger, ex *Export, addr, unixPath string) error {
	s, err := NewServer(ex, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.ListenAndServe(ctx, addr, unixPath)
}
