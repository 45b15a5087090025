// Package translate converts between RV-C message fields and external
// parameter values using mapping entries and named transforms.
package translate

import (
	"errors"
	"fmt"

	"github.com/tamzrod/rvc2mqtt/internal/mapping"
	"github.com/tamzrod/rvc2mqtt/internal/rvc"
)

var ErrUnknownTransform = errors.New("translate: unknown transform")

// Registry is the fixed set of named transforms. It satisfies
// mapping.TransformSet.
type Registry struct {
	status  map[string]StatusFunc
	command map[string]CommandFunc
}

// Transforms is the registry of every built-in transform.
var Transforms = &Registry{status: statusTransforms, command: commandTransforms}

func (r *Registry) HasStatus(name string) bool {
	_, ok := r.status[name]
	return ok
}

func (r *Registry) HasCommand(name string) bool {
	_, ok := r.command[name]
	return ok
}

// Names lists the registered transforms of both directions.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.status)+len(r.command))
	for n := range r.status {
		out = append(out, n)
	}
	for n := range r.command {
		out = append(out, n)
	}
	return out
}

// Qualifies reports whether every qualifier signal of msg currently reads
// its expected value.
func Qualifies(msg *rvc.Message, qualifiers map[string]string) bool {
	for sig, want := range qualifiers {
		got, err := msg.Value(sig)
		if err != nil || got != want {
			return false
		}
	}
	return true
}

// StatusValue produces the external value of e from msg.
func (r *Registry) StatusValue(e mapping.Entry, msg *rvc.Message) (string, error) {
	if e.Transform == "" {
		return msg.Value(e.Signal)
	}
	fn, ok := r.status[e.Transform]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTransform, e.Transform)
	}
	return fn(msg)
}

// CommandValue maps an external value through e's transform, if any.
func (r *Registry) CommandValue(e mapping.Entry, value string) (string, error) {
	if e.Transform == "" {
		return value, nil
	}
	fn, ok := r.command[e.Transform]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTransform, e.Transform)
	}
	return fn(value)
}

// Apply writes e's qualifier values and then the translated value into
// msg.
func (r *Registry) Apply(msg *rvc.Message, e mapping.Entry, value string) error {
	for _, sig := range e.SortedQualifiers() {
		if err := msg.Set(sig, e.Qualifiers[sig]); err != nil {
			return fmt.Errorf("translate: qualifier %s: %w", sig, err)
		}
	}

	v, err := r.CommandValue(e, value)
	if err != nil {
		return err
	}
	if err := msg.Set(e.Signal, v); err != nil {
		return fmt.Errorf("translate: %s.%s: %w", e.Message, e.Signal, err)
	}
	return nil
}
