package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nimasrn/email-gateway/pkg/logger"
	"github.com/nimasrn/email-gateway/pkg/redis"
)

var (
	ErrAlreadyAcked   = errors.New("message already acknowledged")
	ErrHandlerMissing = errors.New("message handler is required")
)

type Message struct {
	ID        string
	Data      []byte
	Metadata  map[string]string
	Timestamp time.Time
	// Attempts counts earlier deliveries of this stream entry that were not
	// acknowledged. Zero on first delivery.
	Attempts int
	acked    bool
	queue    *Queue
}

// Ack removes the message from the consumer group's pending list.
func (m *Message) Ack(ctx context.Context) error {
	if m.acked {
		return ErrAlreadyAcked
	}
	m.acked = true
	return m.queue.ackMessage(ctx, m.ID)
}

// MessageHandler processes one message.
//   - nil: the message is acked
//   - error: the message stays pending and is reclaimed after the visibility timeout
type MessageHandler func(ctx context.Context, msg *Message) error

type QueueConfig struct {
	Name              string
	ConsumerGroup     string
	ConsumerName      string
	MaxRetries        int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int64
	EnableDLQ         bool
}

type Queue struct {
	adapter    redis.RedisAdapter
	config     QueueConfig
	handler    MessageHandler
	log        *logger.ZapLogger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	processing map[string]*Message
}

// NewQueue creates the consumer group if it does not exist yet.
func NewQueue(ctx context.Context, adapter redis.RedisAdapter, config QueueConfig) (*Queue, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "default-group"
	}
	if config.ConsumerName == "" {
		config.ConsumerName = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.VisibilityTimeout == 0 {
		config.VisibilityTimeout = 30 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 10
	}

	q := &Queue{
		adapter:    adapter,
		config:     config,
		log:        logger.Named("queue").With("queue", config.Name, "consumer", config.ConsumerName),
		processing: make(map[string]*Message),
	}

	err := adapter.XGroupCreateMkStream(ctx, config.Name, config.ConsumerGroup, "0")
	if err != nil && !redis.IsBusyGroup(err) {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return q, nil
}

func (q *Queue) Name() string {
	return q.config.Name
}

func (q *Queue) DeadLetterName() string {
	return q.config.Name + ":dlq"
}

// Consume starts the poll loop. It returns immediately; Stop ends the loop.
func (q *Queue) Consume(ctx context.Context, handler MessageHandler) error {
	if handler == nil {
		return ErrHandlerMissing
	}

	q.handler = handler
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)

	go q.consumeLoop()

	return nil
}

func (q *Queue) consumeLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.poll(q.ctx)
		}
	}
}

// poll reads one batch of new messages and reclaims stuck ones.
func (q *Queue) poll(ctx context.Context) {
	q.processMessages(ctx)
	q.claimStuckMessages(ctx)
}

func (q *Queue) processMessages(ctx context.Context) {
	messages, err := q.adapter.XReadGroup(
		ctx,
		q.config.ConsumerGroup,
		q.config.ConsumerName,
		q.config.Name,
		q.config.BatchSize,
	)
	if err != nil {
		if !errors.Is(err, redis.NilError) && ctx.Err() == nil {
			q.log.Error("failed to read from stream", "error", err)
		}
		return
	}

	for _, streamMsg := range messages {
		if ctx.Err() != nil {
			return
		}
		msg := q.streamMessageToMessage(streamMsg)
		q.handleMessage(ctx, msg)
	}
}

func (q *Queue) claimStuckMessages(ctx context.Context) {
	pending, err := q.adapter.XPendingExt(ctx, q.config.Name, q.config.ConsumerGroup, 100)
	if err != nil || len(pending) == 0 {
		return
	}

	retries := make(map[string]int64, len(pending))
	var idsToReclaim []string
	for _, p := range pending {
		if p.Idle >= q.config.VisibilityTimeout {
			idsToReclaim = append(idsToReclaim, p.ID)
			retries[p.ID] = p.RetryCount
		}
	}
	if len(idsToReclaim) == 0 {
		return
	}

	messages, err := q.adapter.XClaim(
		ctx,
		q.config.Name,
		q.config.ConsumerGroup,
		q.config.ConsumerName,
		q.config.VisibilityTimeout,
		idsToReclaim...,
	)
	if err != nil {
		q.log.Warn("failed to claim stuck messages", "count", len(idsToReclaim), "error", err)
		return
	}

	for _, streamMsg := range messages {
		if ctx.Err() != nil {
			return
		}
		msg := q.streamMessageToMessage(streamMsg)
		msg.Attempts = int(retries[msg.ID])
		q.log.Info("reclaimed stuck message", "id", msg.ID, "attempts", msg.Attempts)
		q.handleMessage(ctx, msg)
	}
}

func (q *Queue) handleMessage(ctx context.Context, msg *Message) {
	q.mu.Lock()
	q.processing[msg.ID] = msg
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.processing, msg.ID)
		q.mu.Unlock()
	}()

	if msg.Attempts >= q.config.MaxRetries {
		q.log.Warn("message exceeded max retries", "id", msg.ID, "attempts", msg.Attempts)
		q.moveToDeadLetterQueue(ctx, msg)
		if err := q.ackMessage(ctx, msg.ID); err != nil {
			q.log.Error("failed to ack dead message", "id", msg.ID, "error", err)
		}
		return
	}

	hctx, cancel := context.WithTimeout(ctx, q.config.VisibilityTimeout)
	defer cancel()

	if err := q.handler(hctx, msg); err != nil {
		q.log.Warn("handler failed, message left pending", "id", msg.ID, "error", err)
		return
	}

	if msg.acked {
		return
	}
	if err := msg.Ack(ctx); err != nil {
		q.log.Error("failed to ack message", "id", msg.ID, "error", err)
	}
}

func (q *Queue) ackMessage(ctx context.Context, messageID string) error {
	return q.adapter.XAck(ctx, q.config.Name, q.config.ConsumerGroup, messageID)
}

func (q *Queue) moveToDeadLetterQueue(ctx context.Context, msg *Message) {
	if !q.config.EnableDLQ {
		return
	}

	values := map[string]interface{}{
		"data":           string(msg.Data),
		"original_id":    msg.ID,
		"attempts":       msg.Attempts,
		"failed_at":      time.Now().Unix(),
		"original_queue": q.config.Name,
	}
	for k, v := range msg.Metadata {
		values["meta_"+k] = v
	}

	if _, err := q.adapter.XAdd(ctx, q.DeadLetterName(), values); err != nil {
		q.log.Error("failed to move message to dead letter queue", "id", msg.ID, "error", err)
	}
}

func (q *Queue) streamMessageToMessage(streamMsg redis.StreamMessage) *Message {
	msg := &Message{
		ID:       streamMsg.ID,
		Metadata: make(map[string]string),
		queue:    q,
	}

	for k, v := range streamMsg.Values {
		s, _ := v.(string)
		switch k {
		case "data":
			msg.Data = []byte(s)
		case "timestamp":
			if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
				msg.Timestamp = time.Unix(unix, 0)
			}
		case "attempts":
			if n, err := strconv.Atoi(s); err == nil {
				msg.Attempts = n
			}
		default:
			if strings.HasPrefix(k, "meta_") {
				msg.Metadata[strings.TrimPrefix(k, "meta_")] = s
			}
		}
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	return msg
}

// InFlight is the number of messages currently inside this consumer's handler.
func (q *Queue) InFlight() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.processing)
}

func (q *Queue) Stop(timeout time.Duration) error {
	if q.cancel == nil {
		return nil
	}
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for queue to stop")
	}
}
