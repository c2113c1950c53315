// Package command serves the engine's command protocol: one command per
// connection, dispatched by name to a handler built for that connection.
package command

import (
	"context"
	"sort"

	"github.com/sjq/engine/internal/protocol"
)

// Command handles one received command. It reads its own fields from the
// connection and writes exactly one ack.
type Command interface {
	Execute(ctx context.Context) error
}

// Factory builds the handler for one connection.
type Factory func(in *protocol.Reader, out *protocol.Writer) Command

// Registry maps command names to factories. It is filled at startup and only
// read once a Listener serves it.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds name to f, replacing any earlier binding.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

func (r *Registry) Lookup(name string) (Factory, bool) {
	f, ok := r.factories[name]
	return f, ok
}

// Names returns the registered command names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CommandFunc adapts a function to Command.
type CommandFunc func(ctx context.Context) error

func (f CommandFunc) Execute(ctx context.Context) error {
	return f(ctx)
}
