package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/rendis/dagflow/internal/logging"
	"github.com/rendis/dagflow/internal/store"
)

// DefaultTopic is the topic audit events are published on.
const DefaultTopic = "dagflow.events"

// Metadata keys set on every published message.
const (
	MetadataRunID     = "run_id"
	MetadataEventType = "event_type"
	MetadataSeverity  = "severity"
)

// WatermillHub publishes audit events through a watermill Publisher and serves
// subscriptions from the matching Subscriber, so events can leave the process.
type WatermillHub struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewWatermillHub creates a hub over an existing publisher/subscriber pair.
func NewWatermillHub(pub message.Publisher, sub message.Subscriber, topic string, logger *slog.Logger) *WatermillHub {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &WatermillHub{
		publisher:  pub,
		subscriber: sub,
		topic:      topic,
		logger:     logger.With("module", "watermill_hub", "topic", topic),
	}
}

// NewGoChannelHub creates a WatermillHub over an in-memory gochannel pub/sub.
func NewGoChannelHub(logger *slog.Logger) *WatermillHub {
	if logger == nil {
		logger = logging.Discard()
	}
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            defaultChannelBuffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
	return NewWatermillHub(pubSub, pubSub, DefaultTopic, logger)
}

// Publish marshals event to JSON and publishes it on the hub topic.
func (h *WatermillHub) Publish(ctx context.Context, event *store.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataRunID, event.RunID)
	msg.Metadata.Set(MetadataEventType, event.Type)
	msg.Metadata.Set(MetadataSeverity, string(event.Severity))

	if err := h.publisher.Publish(h.topic, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", h.topic, err)
	}
	return nil
}

// Subscribe opens a subscriber on the hub topic and forwards matching events.
// Slow consumers drop events.
func (h *WatermillHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan *store.Event, func(), error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, context.Canceled
	}
	h.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := h.subscriber.Subscribe(subCtx, h.topic)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("subscribe to %s: %w", h.topic, err)
	}

	out := make(chan *store.Event, defaultChannelBuffer)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(out)
		for msg := range messages {
			h.forward(subCtx, msg, filter, out)
		}
	}()

	return out, cancel, nil
}

func (h *WatermillHub) forward(ctx context.Context, msg *message.Message, filter EventFilter, out chan<- *store.Event) {
	defer msg.Ack()

	if filter.RunID != "" && msg.Metadata.Get(MetadataRunID) != filter.RunID {
		return
	}
	var event store.Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		h.logger.WarnContext(ctx, "discarding undecodable event message",
			slog.String("message_id", msg.UUID), slog.String("error", err.Error()))
		return
	}
	if !filter.Matches(&event) {
		return
	}
	select {
	case out <- &event:
	default:
	}
}

// Close closes the publisher and subscriber and waits for forwarders to exit.
func (h *WatermillHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	err := h.publisher.Close()
	if any(h.subscriber) != any(h.publisher) {
		if serr := h.subscriber.Close(); serr != nil && err == nil {
			err = serr
		}
	}
	h.wg.Wait()
	return err
}

var _ EventHub = (*WatermillHub)(nil)
