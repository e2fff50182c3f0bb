// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
)

// Envelope is what subscribers receive: the topic plus the raw payload.
type Envelope struct {
	Topic   string
	Payload json.RawMessage
}

// Decode unmarshals an envelope payload into a typed event.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s event: %w", env.Topic, err)
	}
	return v, nil
}

// Handler consumes one event. Handlers run on the subscription's own
// goroutine; a slow handler delays only its own subscription.
type Handler func(Envelope)

// Unsubscribe detaches a subscription and waits for its goroutine to drain.
type Unsubscribe func()

// Bus is the in-process event bus. Publishing never blocks on slow
// subscribers beyond the configured channel buffer; closing the bus tears
// down every subscription.
type Bus struct {
	pubsub *gochannel.GoChannel

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates a bus backed by a Watermill GoChannel Pub/Sub.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			newWatermillLogger(),
		),
	}
}

// Publish marshals the payload and publishes it on the topic. Events
// published after Close are dropped with an error.
func (b *Bus) Publish(topic string, payload any) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("publish %s: bus closed", topic)
	}
	b.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for a topic. The returned Unsubscribe
// handle detaches the handler; callers use it pervasively for cleanup.
func (b *Bus) Subscribe(topic string, fn Handler) (Unsubscribe, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: bus closed", topic)
	}
	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		b.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	b.wg.Add(1)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer b.wg.Done()
		defer close(done)
		for msg := range msgs {
			fn(Envelope{Topic: topic, Payload: json.RawMessage(msg.Payload)})
			msg.Ack()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

// Close shuts the bus down and waits for all subscription goroutines.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}
