package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"

	"github.com/abdelmounim-dev/tasksync/metrics"
)

const (
	kafkaPublishRetries = 3
	kafkaReadyTimeout   = 10 * time.Second
)

// KafkaBroker relays fan-out through a Kafka topic. Records are keyed by
// user id so one user's events share a partition and keep their order.
// Each instance must use its own consumer group to see every record.
type KafkaBroker struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup

	mu     sync.RWMutex
	closed bool
}

func newKafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V4_0_0_0

	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = kafkaPublishRetries

	// Relayed events only matter to sessions connected now.
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true
	return cfg
}

// NewKafkaBroker connects a producer and a consumer group to brokers.
func NewKafkaBroker(brokers []string, groupID string) (*KafkaBroker, error) {
	cfg := newKafkaConfig()

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}
	return &KafkaBroker{producer: producer, group: group}, nil
}

func (b *KafkaBroker) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Publish writes message to the topic named by channel, retrying with
// exponential backoff until ctx ends.
func (b *KafkaBroker) Publish(ctx context.Context, channel string, message Message) error {
	if b.isClosed() {
		return errors.New("broker is closed")
	}
	record, err := encodeRecord(channel, message)
	if err != nil {
		return err
	}

	send := func() error {
		_, _, err := b.producer.SendMessage(record)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), kafkaPublishRetries), ctx)
	return backoff.RetryNotify(send, policy, func(err error, next time.Duration) {
		metrics.RelayPublishRetries.WithLabelValues(b.Type()).Inc()
		slog.Warn("retrying kafka publish", "user_id", message.UserID, "err", err, "next_attempt", next)
	})
}

// Subscribe joins the consumer group on the channel topic. The returned
// channel closes when ctx ends or the group stops.
func (b *KafkaBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	if b.isClosed() {
		return nil, errors.New("broker is closed")
	}

	out := make(chan Message, 100)
	rc := &relayConsumer{out: out, ready: make(chan struct{})}

	go func() {
		defer close(out)
		// Consume returns after every rebalance.
		for ctx.Err() == nil {
			if err := b.group.Consume(ctx, []string{channel}, rc); err != nil {
				if !errors.Is(err, sarama.ErrClosedConsumerGroup) {
					slog.Error("kafka consumer group stopped", "err", err)
				}
				return
			}
		}
	}()
	go func() {
		for err := range b.group.Errors() {
			slog.Warn("kafka consumer group error", "err", err)
		}
	}()

	select {
	case <-rc.ready:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(kafkaReadyTimeout):
		return nil, errors.New("timeout waiting for kafka consumer group")
	}
}

func (b *KafkaBroker) Type() string { return "kafka" }

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return errors.Join(b.producer.Close(), b.group.Close())
}

func encodeRecord(topic string, message Message) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(message.UserID),
		Value: sarama.ByteEncoder(data),
	}, nil
}

// relayConsumer forwards decoded records to out.
type relayConsumer struct {
	out       chan<- Message
	ready     chan struct{}
	readyOnce sync.Once
}

func (c *relayConsumer) Setup(sarama.ConsumerGroupSession) error {
	c.readyOnce.Do(func() { close(c.ready) })
	return nil
}

func (c *relayConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *relayConsumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case record, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal(record.Value, &msg); err != nil {
				// Undecodable records are skipped for good.
				slog.Warn("relay message decode error", "topic", record.Topic, "offset", record.Offset, "err", err)
				sess.MarkMessage(record, "")
				continue
			}
			select {
			case c.out <- msg:
				sess.MarkMessage(record, "")
			case <-sess.Context().Done():
				return nil
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}
