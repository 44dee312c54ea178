package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Sink kinds understood by the default wiring.
const (
	SinkMemory = "memory"
	SinkKafka  = "kafka"
	SinkMQTT   = "mqtt"
)

// Factory builds one sink. Sinks that hold connections should also
// implement io.Closer.
type Factory func() (Publisher, error)

type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(kind string, f Factory) {
	r.factories[kind] = f
}

func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Registry) Get(kind string) (Factory, error) {
	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("no event sink registered for kind: %s", kind)
	}
	return f, nil
}

// Build instantiates the requested sinks and fans events out to all of them.
// On error, sinks built so far are closed.
func (r *Registry) Build(kinds []string) (*Fanout, error) {
	fan := &Fanout{}
	for _, kind := range kinds {
		f, err := r.Get(kind)
		if err != nil {
			_ = fan.Close()
			return nil, err
		}
		p, err := f()
		if err != nil {
			_ = fan.Close()
			return nil, fmt.Errorf("failed to build %s sink: %w", kind, err)
		}
		fan.Sinks = append(fan.Sinks, p)
	}
	return fan, nil
}

// Fanout forwards each event to every sink in order.
type Fanout struct {
	Sinks []Publisher
}

func (f *Fanout) Publish(ctx context.Context, eventType Type, tenantID string, payload TaskPayload) {
	for _, s := range f.Sinks {
		s.Publish(ctx, eventType, tenantID, payload)
	}
}

func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.Sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
