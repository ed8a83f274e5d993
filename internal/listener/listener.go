// Package listener runs one net.Listener per configured fieldbus module,
// accepting connections and handing each one to the registry. Its accept
// loop follows kissnet.go's connect_listen_thread (net.Listen, an
// unbounded accept loop, per-client state), generalized into plain
// per-connection goroutines serving Modbus instead of KISS-framed AX.25.
package listener

import (
	"context"
	"fmt"
	"net"

	"github.com/charmbracelet/log"

	"github.com/plcsim/plcsim/internal/registry"
)

// Metrics receives connection-lifecycle events; nil is a valid no-op.
type Metrics interface {
	ConnAccepted(port int)
}

// Listener binds and serves one port, dispatching every accepted
// connection through a Registry.
type Listener struct {
	Host string
	Port int
	// Backlog is carried from configuration for parity with the
	// original listen() backlog argument, but net.Listen does not
	// expose a backlog parameter, so it currently has no effect on the
	// kernel accept queue depth. Wiring it would require dropping to
	// syscall.Listen directly.
	Backlog  int
	Registry *registry.Registry
	Metrics  Metrics
}

// Serve binds the listener and accepts connections until ctx is cancelled
// or any accept error occurs. It always closes the underlying
// net.Listener before returning.
func (l *Listener) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", l.Host, l.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listener: bind %s: %w", addr, err)
	}
	log.Info("listening", "addr", addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("listener: accept on %s: %w", addr, err)
		}

		if l.Metrics != nil {
			l.Metrics.ConnAccepted(l.Port)
		}

		handler, err := l.Registry.NewConnHandler(l.Port, conn)
		if err != nil {
			log.Error("listener: no handler for connection", "port", l.Port, "err", err)
			conn.Close()
			continue
		}

		go func() {
			if err := handler.Serve(); err != nil {
				log.Debug("connection closed", "port", l.Port, "err", err)
			}
		}()
	}
}
