package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/rendis/dagflow/internal/logging"
)

// DefaultRedisQueue is the list RedisEventSource pops from when none is configured.
const DefaultRedisQueue = "dagflow:events"

// EventFirer receives decoded events. *Scheduler satisfies it.
type EventFirer interface {
	FireEvent(ctx context.Context, ev Event) ([]*FireResult, error)
}

// RedisEventSource pops JSON events from a Redis list and hands them to
// FireEvent. A message that is not an Event object becomes an event of type
// FallbackType with the raw message under payload.message.
type RedisEventSource struct {
	client       redis.UniversalClient
	queue        string
	firer        EventFirer
	logger       *slog.Logger
	popTimeout   time.Duration
	retryDelay   time.Duration
	FallbackType string

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRedisEventSource creates a source over an existing client.
func NewRedisEventSource(client redis.UniversalClient, queue string, firer EventFirer, logger *slog.Logger) *RedisEventSource {
	if queue == "" {
		queue = DefaultRedisQueue
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &RedisEventSource{
		client:       client,
		queue:        queue,
		firer:        firer,
		logger:       logger.With("module", "redis_event_source", "queue", queue),
		popTimeout:   time.Second,
		retryDelay:   time.Second,
		FallbackType: "message",
		stopCh:       make(chan struct{}),
	}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// Start launches the consumer goroutine.
func (r *RedisEventSource) Start(ctx context.Context) {
	r.logger.InfoContext(ctx, "starting redis event source")
	r.wg.Add(1)
	go r.consume(ctx)
}

func (r *RedisEventSource) consume(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err := r.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.ErrorContext(ctx, "redis event poll failed", slog.String("error", err.Error()))
			select {
			case <-time.After(r.retryDelay):
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// Poll waits up to the pop timeout for one message and fires it. A timeout
// with no message is not an error.
func (r *RedisEventSource) Poll(ctx context.Context) error {
	result, err := r.client.BLPop(ctx, r.popTimeout, r.queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("pop from %s: %w", r.queue, err)
	}
	if len(result) < 2 {
		return nil
	}

	ev := r.Decode(result[1])
	results, err := r.firer.FireEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("fire event %s: %w", ev.Type, err)
	}
	r.logger.DebugContext(ctx, "redis event delivered",
		slog.String("type", ev.Type), slog.Int("fired", len(results)))
	return nil
}

// Decode parses a queue message into an Event.
func (r *RedisEventSource) Decode(message string) Event {
	var ev Event
	if err := json.Unmarshal([]byte(message), &ev); err != nil || ev.Type == "" {
		var payload map[string]any
		if json.Unmarshal([]byte(message), &payload) != nil {
			payload = map[string]any{"message": message}
		}
		ev = Event{Type: r.FallbackType, Source: "redis:" + r.queue, Payload: payload}
	}
	if ev.Source == "" {
		ev.Source = "redis:" + r.queue
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev
}

// Stop ends the consumer and waits for it. The client is left open.
func (r *RedisEventSource) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
