// Package sink delivers rendered artifacts to output channels. Delivery is
// best-effort by contract: a failed channel is reported, logged, and
// published on the bus, never escalated into a job failure.
package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"daybrief/internal/eventbus"
	"daybrief/pkg/logx"
)

// Artifact is rendered, channel-agnostic content. Body is the chat/file
// text; Voice is a short spoken form, empty meaning "skip voice".
type Artifact struct {
	Kind  string
	Title string
	Body  string
	Voice string
	Meta  map[string]string
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, a Artifact) error
}

// DeliveryError records one channel's failure.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e DeliveryError) Error() string { return fmt.Sprintf("%s: %v", e.Channel, e.Err) }
func (e DeliveryError) Unwrap() error { return e.Err }

// DeliveryFailedEvent is the delivery.failed payload.
type DeliveryFailedEvent struct {
	Kind     string   `json:"kind"`
	Title    string   `json:"title,omitempty"`
	Channels []string `json:"channels"`
}

// Dispatcher fans artifacts out to named channels.
type Dispatcher struct {
	log logx.Logger
	bus eventbus.Bus

	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewDispatcher(log logx.Logger, bus eventbus.Bus) *Dispatcher {
	return &Dispatcher{
		log:   log.With(logx.String("component", "sink.dispatcher")),
		bus:   bus,
		sinks: make(map[string]Sink),
	}
}

// Register adds s under its own name, replacing any previous registration.
func (d *Dispatcher) Register(s Sink) {
	d.mu.Lock()
	d.sinks[s.Name()] = s
	d.mu.Unlock()
}

// Unregister removes a channel. Pending deliveries to it fail as unknown.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	delete(d.sinks, name)
	d.mu.Unlock()
}

// Channels returns the registered channel names, sorted.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.sinks))
	for name := range d.sinks {
		names = append(names, name)
	}
	d.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Deliver fans a out to channels in order. Every failure is collected and
// reported; one bad channel never blocks the rest, and the caller gets the
// full error list to record, not to fail on.
func (d *Dispatcher) Deliver(ctx context.Context, a Artifact, channels []string) []DeliveryError {
	var errs []DeliveryError
	for _, name := range channels {
		d.mu.RLock()
		s, ok := d.sinks[name]
		d.mu.RUnlock()
		if !ok {
			errs = append(errs, DeliveryError{Channel: name, Err: fmt.Errorf("unknown channel %q", name)})
			continue
		}
		if err := s.Deliver(ctx, a); err != nil {
			errs = append(errs, DeliveryError{Channel: name, Err: err})
		}
	}
	if len(errs) == 0 {
		return nil
	}

	failed := make([]string, 0, len(errs))
	for _, de := range errs {
		failed = append(failed, de.Channel)
		d.log.Error("delivery failed",
			logx.String("channel", de.Channel),
			logx.String("kind", a.Kind),
			logx.Err(de.Err))
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{
			Type: eventbus.TypeDeliveryFailed,
			Data: DeliveryFailedEvent{Kind: a.Kind, Title: a.Title, Channels: failed},
		})
	}
	return errs
}
