package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/examhive/examhive/pkg/domain"
	"github.com/examhive/examhive/pkg/ports"
)

const (
	streamPrefix = "examhive:events:"

	// DeadLetterStream holds messages that exhausted their retry budget.
	DeadLetterStream = streamPrefix + "deadletter"
)

// StreamKey returns the Redis stream key for an event type.
func StreamKey(t domain.EventType) string {
	return streamPrefix + string(t)
}

// Options configures the streams bus.
type Options struct {
	ConsumerGroup string
	MaxRetries    int
	ReadBlock     time.Duration
	ReadCount     int64
	ErrorBackoff  time.Duration
}

// StreamsBus implements ports.EventBus on Redis Streams. Each event type has
// its own append-only stream read through one shared consumer group, so
// multiple process instances compete for messages without in-process
// coordination. A failed delivery is re-appended to the back of the same
// stream with an incremented retry count and the original is acknowledged;
// this trades strict ordering under failure for a pending list that stays
// empty in steady state.
// Reclaiming via XAUTOCLAIM would preserve entry ids instead but leaves
// poison messages pending until claimed.
type StreamsBus struct {
	client  *redis.Client
	logger  *zap.Logger
	metrics ports.MetricsCollector
	opts    Options

	mu       sync.RWMutex
	handlers map[domain.EventType][]ports.EventHandler

	consumer  string
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	consuming bool
}

// NewStreamsBus creates a new Redis Streams event bus.
func NewStreamsBus(client *redis.Client, opts Options, metrics ports.MetricsCollector, logger *zap.Logger) *StreamsBus {
	if opts.ReadBlock <= 0 {
		opts.ReadBlock = 2 * time.Second
	}
	if opts.ReadCount <= 0 {
		opts.ReadCount = 10
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Second
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &StreamsBus{
		client:   client,
		logger:   logger,
		metrics:  metrics,
		opts:     opts,
		handlers: make(map[domain.EventType][]ports.EventHandler),
	}
}

// Initialize verifies connectivity and creates streams and the consumer
// group for every known event type.
func (b *StreamsBus) Initialize(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	for _, t := range domain.KnownEventTypes() {
		err := b.client.XGroupCreateMkStream(ctx, StreamKey(t), b.opts.ConsumerGroup, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("failed to create consumer group for %s: %w", t, err)
		}
	}

	b.logger.Info("event bus initialized",
		zap.String("consumer_group", b.opts.ConsumerGroup),
		zap.Int("event_types", len(domain.KnownEventTypes())))

	return nil
}

// Publish appends the event to its type's stream.
func (b *StreamsBus) Publish(ctx context.Context, event *domain.Event) (string, error) {
	if !event.Type.Valid() {
		return "", fmt.Errorf("unknown event type: %s", event.Type)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(event.Type),
		Values: map[string]interface{}{
			"data":        string(data),
			"retry_count": 0,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to add to stream: %w", err)
	}

	b.metrics.RecordEventPublished(string(event.Type))
	b.logger.Debug("event published",
		zap.String("event_id", event.Metadata.EventID),
		zap.String("type", string(event.Type)),
		zap.String("message_id", id))

	return id, nil
}

// RegisterHandler adds the handler to the registry for each of its types.
func (b *StreamsBus) RegisterHandler(handler ports.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range handler.EventTypes() {
		if !t.Valid() {
			b.logger.Warn("handler registered for unknown event type",
				zap.String("handler", handler.Name()),
				zap.String("type", string(t)))
			continue
		}
		b.handlers[t] = append(b.handlers[t], handler)
	}
}

// StartConsuming starts one consume loop per event type that has at least
// one registered handler.
func (b *StreamsBus) StartConsuming(consumerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consuming {
		return fmt.Errorf("already consuming")
	}
	if len(b.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.consumer = consumerID
	b.consuming = true

	for t := range b.handlers {
		b.wg.Add(1)
		go b.consumeLoop(ctx, t)
	}

	b.logger.Info("consuming started",
		zap.String("consumer", consumerID),
		zap.Int("streams", len(b.handlers)))

	return nil
}

// StopConsuming stops all consume loops, waiting up to ctx's deadline.
func (b *StreamsBus) StopConsuming(ctx context.Context) error {
	b.mu.Lock()
	if !b.consuming {
		b.mu.Unlock()
		return nil
	}
	b.consuming = false
	b.cancel()
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("consuming stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop consuming timeout")
	}
}

// consumeLoop reads one event type's stream until the context is cancelled.
// Transient read errors back off briefly; a bad message never crashes the
// loop.
func (b *StreamsBus) consumeLoop(ctx context.Context, t domain.EventType) {
	defer b.wg.Done()

	streamKey := StreamKey(t)
	b.logger.Debug("consume loop started", zap.String("stream", streamKey))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.opts.ConsumerGroup,
			Consumer: b.consumer,
			Streams:  []string{streamKey, ">"},
			Count:    b.opts.ReadCount,
			Block:    b.opts.ReadBlock,
		}).Result()

		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			b.logger.Error("failed to read from stream",
				zap.String("stream", streamKey),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.opts.ErrorBackoff):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				b.processMessage(ctx, t, streamKey, message)
			}
		}
	}
}

// processMessage delivers one message to every interested handler and
// acknowledges it exactly once: directly on success, after re-appending a
// retry copy on failure, or after dead-lettering when retries are exhausted.
// When the retry or dead-letter append itself fails, the ack is skipped and
// the delivery stays pending, so the event is never lost to a write error.
func (b *StreamsBus) processMessage(ctx context.Context, t domain.EventType, streamKey string, message redis.XMessage) {
	raw, ok := message.Values["data"].(string)
	if !ok {
		b.logger.Error("invalid message format",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID))
		if err := b.deadLetterRaw(ctx, streamKey, fmt.Sprintf("%v", message.Values), 0); err == nil {
			b.ack(ctx, streamKey, message.ID)
		}
		return
	}

	retryCount := fieldInt(message.Values, "retry_count")

	var event domain.Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		b.logger.Error("failed to unmarshal event",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		if err := b.deadLetterRaw(ctx, streamKey, raw, retryCount); err == nil {
			b.ack(ctx, streamKey, message.ID)
		}
		return
	}

	b.mu.RLock()
	handlers := make([]ports.EventHandler, len(b.handlers[t]))
	copy(handlers, b.handlers[t])
	b.mu.RUnlock()

	start := time.Now()
	var handlerErr error
	for _, handler := range handlers {
		if err := handler.Handle(ctx, &event); err != nil {
			b.logger.Error("handler error",
				zap.String("handler", handler.Name()),
				zap.String("event_id", event.Metadata.EventID),
				zap.String("stream", streamKey),
				zap.Int("retry_count", retryCount),
				zap.Error(err))
			if handlerErr == nil {
				handlerErr = err
			}
		}
	}

	if handlerErr == nil {
		b.metrics.RecordEventConsumed(string(t), "ok", time.Since(start))
		b.ack(ctx, streamKey, message.ID)
		return
	}

	b.metrics.RecordEventConsumed(string(t), "error", time.Since(start))

	if retryCount < b.opts.MaxRetries {
		if err := b.requeue(ctx, streamKey, raw, retryCount+1); err != nil {
			return
		}
		b.metrics.RecordEventRetried(string(t))
	} else {
		if err := b.deadLetterRaw(ctx, streamKey, raw, retryCount); err != nil {
			return
		}
		b.metrics.RecordEventDeadLettered(string(t))
		b.logger.Warn("event dead-lettered",
			zap.String("event_id", event.Metadata.EventID),
			zap.String("stream", streamKey),
			zap.Int("retry_count", retryCount))
	}

	// The failed delivery is only acknowledged once its copy exists elsewhere.
	b.ack(ctx, streamKey, message.ID)
}

// requeue appends a copy of the message to the back of the same stream with
// an incremented retry count.
func (b *StreamsBus) requeue(ctx context.Context, streamKey, raw string, retryCount int) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{
			"data":        raw,
			"retry_count": retryCount,
			"last_retry":  time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		b.logger.Error("failed to requeue message",
			zap.String("stream", streamKey),
			zap.Int("retry_count", retryCount),
			zap.Error(err))
		return fmt.Errorf("failed to requeue message: %w", err)
	}
	return nil
}

// deadLetterRaw appends the payload to the dead-letter stream tagged with
// its origin and failure time.
func (b *StreamsBus) deadLetterRaw(ctx context.Context, originStream, raw string, retryCount int) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStream,
		Values: map[string]interface{}{
			"data":          raw,
			"origin_stream": originStream,
			"retry_count":   retryCount,
			"failed_at":     time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		b.logger.Error("failed to dead-letter message",
			zap.String("origin_stream", originStream),
			zap.Error(err))
		return fmt.Errorf("failed to dead-letter message: %w", err)
	}
	return nil
}

func (b *StreamsBus) ack(ctx context.Context, streamKey, messageID string) {
	if err := b.client.XAck(ctx, streamKey, b.opts.ConsumerGroup, messageID).Err(); err != nil {
		b.logger.Error("failed to acknowledge message",
			zap.String("stream", streamKey),
			zap.String("message_id", messageID),
			zap.Error(err))
	}
}

// ReplayEvents reconstructs events appended within the time window. Entry
// ids encode the append time in milliseconds, so the window maps directly to
// an XRANGE. Live consumer offsets are untouched.
func (b *StreamsBus) ReplayEvents(ctx context.Context, t domain.EventType, start, end time.Time) ([]*domain.Event, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown event type: %s", t)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("replay window end precedes start")
	}

	// The end bound carries the maximum sequence number so no entry within
	// the final millisecond is excluded.
	messages, err := b.client.XRange(ctx, StreamKey(t),
		strconv.FormatInt(start.UnixMilli(), 10),
		strconv.FormatInt(end.UnixMilli(), 10)+"-18446744073709551615",
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range stream: %w", err)
	}

	events := make([]*domain.Event, 0, len(messages))
	for _, message := range messages {
		raw, ok := message.Values["data"].(string)
		if !ok {
			continue
		}
		var event domain.Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			b.logger.Warn("skipping undecodable event during replay",
				zap.String("message_id", message.ID),
				zap.Error(err))
			continue
		}
		events = append(events, &event)
	}

	return events, nil
}

// GetStreamInfo describes one event type's stream.
func (b *StreamsBus) GetStreamInfo(ctx context.Context, t domain.EventType) (*domain.StreamInfo, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown event type: %s", t)
	}

	info, err := b.client.XInfoStream(ctx, StreamKey(t)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}

	return &domain.StreamInfo{
		Stream:          StreamKey(t),
		Length:          info.Length,
		Groups:          info.Groups,
		LastGeneratedID: info.LastGeneratedID,
	}, nil
}

// GetPendingMessages lists in-flight deliveries for one event type,
// optionally filtered by consumer.
func (b *StreamsBus) GetPendingMessages(ctx context.Context, t domain.EventType, consumer string) ([]domain.PendingMessage, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown event type: %s", t)
	}

	args := &redis.XPendingExtArgs{
		Stream: StreamKey(t),
		Group:  b.opts.ConsumerGroup,
		Start:  "-",
		End:    "+",
		Count:  100,
	}
	if consumer != "" {
		args.Consumer = consumer
	}

	entries, err := b.client.XPendingExt(ctx, args).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending messages: %w", err)
	}

	pending := make([]domain.PendingMessage, 0, len(entries))
	for _, entry := range entries {
		pending = append(pending, domain.PendingMessage{
			Stream:        StreamKey(t),
			MessageID:     entry.ID,
			Consumer:      entry.Consumer,
			DeliveryCount: entry.RetryCount,
			IdleMS:        entry.Idle.Milliseconds(),
		})
	}

	return pending, nil
}

// ListDeadLetters returns the most recent dead-lettered events.
func (b *StreamsBus) ListDeadLetters(ctx context.Context, limit int64) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}

	messages, err := b.client.XRevRangeN(ctx, DeadLetterStream, "+", "-", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter stream: %w", err)
	}

	letters := make([]domain.DeadLetter, 0, len(messages))
	for _, message := range messages {
		letter := domain.DeadLetter{
			OriginStream: fieldString(message.Values, "origin_stream"),
			RetryCount:   fieldInt(message.Values, "retry_count"),
		}
		if ts := fieldString(message.Values, "failed_at"); ts != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				letter.FailedAt = parsed
			}
		}
		raw := fieldString(message.Values, "data")
		var event domain.Event
		if err := json.Unmarshal([]byte(raw), &event); err == nil {
			letter.Event = &event
		} else {
			letter.Raw = raw
		}
		letters = append(letters, letter)
	}

	return letters, nil
}

// Close stops consuming. The Redis client is owned by the caller.
func (b *StreamsBus) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.StopConsuming(ctx)
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func fieldString(values map[string]interface{}, key string) string {
	if s, ok := values[key].(string); ok {
		return s
	}
	return ""
}

func fieldInt(values map[string]interface{}, key string) int {
	if s, ok := values[key].(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return 0
}
