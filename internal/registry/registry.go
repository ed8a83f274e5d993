// Package registry binds a configured port to a protocol-module template
// and clones a fresh, connection-owning instance for every accepted
// connection — a compile-time dispatch table standing in for dynamic
// module lookup.
package registry

import (
	"fmt"
	"net"
)

// ConnHandler is any per-connection protocol state machine a Listener can
// hand an accepted connection to. *modbus.Responder implements this.
type ConnHandler interface {
	Serve() error
}

// CloneFunc produces a fresh, connection-owning ConnHandler from a shared
// module template — the Go equivalent of the Python registry's shallow
// copy-and-attach. modbus.Responder.Clone, wrapped in a closure, satisfies
// this without the registry package needing to import modbus.
type CloneFunc func(conn net.Conn) ConnHandler

// Template wraps a clone factory for one configured module: a fixed port
// and the function producing a new handler instance per connection.
type Template struct {
	ID      string
	Port    int
	Handler CloneFunc
}

// Registry is the port → template lookup table built once at startup from
// configuration.
type Registry struct {
	byPort map[int]Template
}

// New builds a Registry from the given templates. Fails if two templates
// claim the same port.
func New(templates []Template) (*Registry, error) {
	r := &Registry{byPort: make(map[int]Template, len(templates))}
	for _, tpl := range templates {
		if _, dup := r.byPort[tpl.Port]; dup {
			return nil, fmt.Errorf("registry: port %d claimed by more than one module", tpl.Port)
		}
		r.byPort[tpl.Port] = tpl
	}
	return r, nil
}

// Templates returns every registered template, for the listener to open
// one net.Listener per port.
func (r *Registry) Templates() []Template {
	out := make([]Template, 0, len(r.byPort))
	for _, tpl := range r.byPort {
		out = append(out, tpl)
	}
	return out
}

// NewConnHandler mirrors the Python registry's create_new_backend: shallow-
// copy the port's template handler and attach the freshly accepted
// connection, ready to Serve.
func (r *Registry) NewConnHandler(port int, conn net.Conn) (ConnHandler, error) {
	tpl, ok := r.byPort[port]
	if !ok {
		return nil, fmt.Errorf("registry: no module registered for port %d", port)
	}
	return tpl.Handler(conn), nil
}
