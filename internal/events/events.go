// Package events fans orchestrator updates out to in-process subscribers.
//
// Narration, scene and combat updates are published as [ipc.Envelope]
// values on a single watermill GoChannel topic. Every subscriber gets its
// own copy of each message, in publish order. Messages published with no
// subscriber are dropped, and so are messages for a subscriber whose buffer
// is full.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/MrWong99/dmcore/internal/ipc"
)

// Topic carries every envelope.
const Topic = "dmcore.ipc"

// Metadata keys set on every message.
const (
	MetaType      = "type"
	MetaSessionID = "session_id"
)

// DefaultBuffer is the per-subscriber output buffer.
const DefaultBuffer = 64

// ErrClosed is returned after [Bus.Close].
var ErrClosed = errors.New("events: bus closed")

// Publisher sends envelopes to subscribers.
type Publisher interface {
	Publish(ctx context.Context, env ipc.Envelope) error
}

// Subscriber receives envelopes.
type Subscriber interface {
	Subscribe(ctx context.Context, filter Filter) (<-chan ipc.Envelope, error)
}

// Filter selects envelopes for a subscription. A nil Filter accepts all.
type Filter func(ipc.Envelope) bool

// ForSession accepts envelopes of one session plus session-less ones.
func ForSession(id string) Filter {
	return func(env ipc.Envelope) bool {
		sid := env.SessionID()
		return sid == "" || sid == id
	}
}

// Bus is an in-process pub/sub over watermill's GoChannel.
type Bus struct {
	pubsub *gochannel.GoChannel
	buffer int

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)

// Option configures a [Bus].
type Option func(*Bus)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewBus creates a bus. Watermill's own logging goes through slog.
func NewBus(opts ...Option) *Bus {
	b := &Bus{buffer: DefaultBuffer}
	for _, o := range opts {
		o(b)
	}
	b.pubsub = gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            int64(b.buffer),
			BlockPublishUntilSubscriberAck: true,
		},
		watermill.NewSlogLogger(slog.Default().With("component", "watermill")),
	)
	return b
}

// Publish encodes env and hands it to every current subscriber.
func (b *Bus) Publish(ctx context.Context, env ipc.Envelope) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", env.Type, err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(MetaType, string(env.Type))
	if sid := env.SessionID(); sid != "" {
		msg.Metadata.Set(MetaSessionID, sid)
	}
	msg.SetContext(ctx)

	if err := b.pubsub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("events: publish %s: %w", env.Type, err)
	}
	return nil
}

// Subscribe returns a channel of envelopes that pass filter. The channel is
// closed when ctx ends or the bus is closed. Publishing never waits on a
// slow reader.
func (b *Bus) Subscribe(ctx context.Context, filter Filter) (<-chan ipc.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	msgs, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("events: subscribe: %w", err)
	}

	out := make(chan ipc.Envelope, b.buffer)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		for msg := range msgs {
			var env ipc.Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				slog.Warn("events: dropping undecodable message", "uuid", msg.UUID, "err", err)
				msg.Ack()
				continue
			}
			msg.Ack()
			if filter != nil && !filter(env) {
				continue
			}
			select {
			case out <- env:
			default:
				slog.Warn("events: subscriber buffer full, dropping message", "type", env.Type, "session_id", env.SessionID())
			}
		}
	}()
	return out, nil
}

// Close stops delivery, closes every subscription channel and waits for the
// forwarding goroutines. It is safe to call more than once.
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
