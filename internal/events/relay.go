package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardsync/internal/domain"
)

// Broker is a cross-instance pub/sub transport. The Redis PubSub satisfies it.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Invalidator drops a cached board so the next read goes to durable storage.
type Invalidator interface {
	Invalidate()
}

var errBrokerClosed = errors.New("events: broker channel closed")

// Relay bridges a local Notifier to a Broker channel. Local change events are
// forwarded tagged with this instance's id; remote events are re-published
// locally and invalidate the local board cache.
type Relay struct {
	notifier    *Notifier
	broker      Broker
	channel     string
	instanceID  string
	invalidator Invalidator
	logger      zerolog.Logger
}

// NewRelay creates a Relay. invalidator may be nil.
func NewRelay(n *Notifier, broker Broker, channel, instanceID string, invalidator Invalidator) *Relay {
	return &Relay{
		notifier:    n,
		broker:      broker,
		channel:     channel,
		instanceID:  instanceID,
		invalidator: invalidator,
		logger:      log.With().Str("component", "relay").Str("instance", instanceID).Logger(),
	}
}

// Run relays until ctx is cancelled or the broker subscription ends.
func (r *Relay) Run(ctx context.Context) error {
	remote, cleanup, err := r.broker.Subscribe(ctx, r.channel)
	if err != nil {
		return fmt.Errorf("events.Relay.Run: %w", err)
	}
	defer cleanup()

	local := r.notifier.Subscribe(domain.ChangeKinds...)
	defer r.notifier.Unsubscribe(local)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-local.C:
			if !ok {
				return nil
			}
			if ev.Origin != "" {
				continue
			}
			r.forward(ctx, ev)
		case msg, ok := <-remote:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("events.Relay.Run: %w", errBrokerClosed)
			}
			r.receive(msg)
		}
	}
}

func (r *Relay) forward(ctx context.Context, ev domain.Event) {
	ev.Origin = r.instanceID
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error().Err(err).Msg("encode event")
		return
	}
	if err := r.broker.Publish(ctx, r.channel, payload); err != nil {
		r.logger.Warn().Err(err).Str("kind", string(ev.Type)).Msg("forward event")
	}
}

func (r *Relay) receive(msg []byte) {
	var ev domain.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		r.logger.Warn().Err(err).Msg("decode remote event")
		return
	}
	if ev.Origin == "" || ev.Origin == r.instanceID {
		return
	}
	if ev.Type == domain.EventBoardUpdated && r.invalidator != nil {
		r.invalidator.Invalidate()
	}
	r.notifier.Publish(ev)
}
