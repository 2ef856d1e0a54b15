package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/handoff/pkg/ports"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "handoff:events:"

// StreamsEventBus implements EventBus using Redis Streams.
//
// With a consumer group every Subscribe call joins that group, so
// subscribers across instances share the stream. Without one, and for every
// SubscribeBroadcast call, a subscription gets its own ephemeral group
// starting at the stream tail and sees every new event.
type StreamsEventBus struct {
	client        *redis.Client
	logger        *zap.Logger
	consumerGroup string
	consumerName  string
	maxLen        int64

	mu      sync.Mutex
	nextID  uint64
	cancels map[string]map[uint64]context.CancelFunc
}

// NewStreamsEventBus creates a new Redis Streams event bus. maxLen caps each
// stream approximately; zero leaves it unbounded.
func NewStreamsEventBus(client *redis.Client, consumerGroup, consumerName string, maxLen int64, logger *zap.Logger) (*StreamsEventBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if consumerName == "" {
		consumerName = uuid.New().String()
	}
	return &StreamsEventBus{
		client:        client,
		logger:        logger,
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
		maxLen:        maxLen,
		cancels:       make(map[string]map[uint64]context.CancelFunc),
	}, nil
}

// Publish publishes an event to the appropriate stream topic
func (e *StreamsEventBus) Publish(ctx context.Context, topic string, event ports.Event) error {
	streamKey := getStreamKey(topic)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}
	if e.maxLen > 0 {
		args.MaxLen = e.maxLen
		args.Approx = true
	}

	if _, err := e.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	e.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("topic", topic),
		zap.String("stream", streamKey))

	return nil
}

// Subscribe subscribes to events on a specific topic until ctx is done or
// the topic is unsubscribed
func (e *StreamsEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	return e.subscribe(ctx, topic, e.consumerGroup, handler)
}

// SubscribeBroadcast delivers every new event of topic to handler, ignoring
// the configured consumer group.
func (e *StreamsEventBus) SubscribeBroadcast(ctx context.Context, topic string, handler ports.EventHandler) error {
	return e.subscribe(ctx, topic, "", handler)
}

func (e *StreamsEventBus) subscribe(ctx context.Context, topic, group string, handler ports.EventHandler) error {
	streamKey := getStreamKey(topic)

	start, ephemeral := "0", false
	if group == "" {
		group, start, ephemeral = "handoff-"+uuid.New().String(), "$", true
	}

	err := e.client.XGroupCreateMkStream(ctx, streamKey, group, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	id := e.track(topic, cancel)

	e.logger.Info("subscribed to event stream",
		zap.String("stream", streamKey),
		zap.String("topic", topic),
		zap.String("consumer_group", group),
		zap.String("consumer", e.consumerName))

	go func() {
		defer e.untrack(topic, id)
		e.readStream(subCtx, streamKey, group, handler)
		if ephemeral {
			if err := e.client.XGroupDestroy(context.Background(), streamKey, group).Err(); err != nil {
				e.logger.Warn("failed to destroy consumer group",
					zap.String("stream", streamKey),
					zap.String("consumer_group", group),
					zap.Error(err))
			}
		}
	}()

	return nil
}

// track registers the cancel func of a subscription and returns its id.
func (e *StreamsEventBus) track(topic string, cancel context.CancelFunc) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	if e.cancels[topic] == nil {
		e.cancels[topic] = make(map[uint64]context.CancelFunc)
	}
	e.cancels[topic][e.nextID] = cancel
	return e.nextID
}

// untrack drops a finished subscription and releases its context.
func (e *StreamsEventBus) untrack(topic string, id uint64) {
	e.mu.Lock()
	cancel, ok := e.cancels[topic][id]
	delete(e.cancels[topic], id)
	if len(e.cancels[topic]) == 0 {
		delete(e.cancels, topic)
	}
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// subscriptions returns the number of live readers.
func (e *StreamsEventBus) subscriptions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, subs := range e.cancels {
		n += len(subs)
	}
	return n
}

// readStream reads events from a stream
func (e *StreamsEventBus) readStream(ctx context.Context, streamKey, group string, handler ports.EventHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := e.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: e.consumerName,
			Streams:  []string{streamKey, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				// No new messages
				continue
			}
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("failed to read from stream",
				zap.String("stream", streamKey),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				e.processMessage(ctx, streamKey, group, message, handler)
			}
		}
	}
}

// processMessage processes a single message from the stream
func (e *StreamsEventBus) processMessage(ctx context.Context, streamKey, group string, message redis.XMessage, handler ports.EventHandler) {
	data, ok := message.Values["data"].(string)
	if !ok {
		e.logger.Error("invalid message format",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID))
		return
	}

	event, err := decodeEvent(data)
	if err != nil {
		e.logger.Error("failed to unmarshal event",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if err := handler(ctx, event); err != nil {
		e.logger.Error("handler error",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if err := e.client.XAck(ctx, streamKey, group, message.ID).Err(); err != nil {
		e.logger.Error("failed to acknowledge message",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
}

// Unsubscribe stops every reader of a topic started by this bus
func (e *StreamsEventBus) Unsubscribe(ctx context.Context, topic string) error {
	e.mu.Lock()
	cancels := e.cancels[topic]
	delete(e.cancels, topic)
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// Close stops all readers. The Redis client is closed by the caller.
func (e *StreamsEventBus) Close() error {
	e.mu.Lock()
	all := e.cancels
	e.cancels = make(map[string]map[uint64]context.CancelFunc)
	e.mu.Unlock()

	for _, cancels := range all {
		for _, cancel := range cancels {
			cancel()
		}
	}
	return nil
}

func decodeEvent(data string) (ports.Event, error) {
	var event ports.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return ports.Event{}, err
	}
	return event, nil
}

// getStreamKey returns the Redis stream key for a topic
func getStreamKey(topic string) string {
	return streamPrefix + topic
}
