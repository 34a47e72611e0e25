package broker

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/lumina-learning/pulse-core/infrastructure/errors"
	"github.com/lumina-learning/pulse-core/infrastructure/logging"
)

var errNoReachableBroker = stderrors.New("no reachable broker in cluster")

// KafkaConfig configures the sarama-backed broker client.
type KafkaConfig struct {
	Brokers []string
	Version sarama.KafkaVersion
}

// KafkaClient is a Publisher and Subscriber backed by a Kafka-compatible
// log. Producer acks are set to "all" with idempotent delivery and a
// single in-flight request per connection to preserve per-key ordering.
type KafkaClient struct {
	cfg      KafkaConfig
	producer sarama.SyncProducer
	client   sarama.Client
	logger   *logging.Logger

	mu      sync.Mutex
	closed  bool
	groups  []sarama.ConsumerGroup
}

// NewKafkaClient dials the given brokers and constructs a producer ready
// for immediate use.
func NewKafkaClient(cfg KafkaConfig, logger *logging.Logger) (*KafkaClient, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.MissingParameter("brokers")
	}

	saramaCfg := sarama.NewConfig()
	if cfg.Version != (sarama.KafkaVersion{}) {
		saramaCfg.Version = cfg.Version
	} else {
		saramaCfg.Version = sarama.V2_8_0_0
	}
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Idempotent = true
	saramaCfg.Producer.Retry.Max = 5
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Net.MaxOpenRequests = 1
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, errors.Internal("connect to broker", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, errors.Internal("create broker producer", err)
	}

	return &KafkaClient{cfg: cfg, producer: producer, client: client, logger: logger}, nil
}

// Publish sends value to topic, partitioned by key so same-key messages
// preserve order.
func (k *KafkaClient) Publish(ctx context.Context, topic, key string, value []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	_, _, err := k.producer.SendMessage(msg)
	if k.logger != nil {
		k.logger.LogBrokerPublish(ctx, topic, key, err)
	}
	if err != nil {
		return errors.Internal("publish to broker", err)
	}
	return nil
}

// HealthCheck verifies at least one broker in the cluster is reachable.
func (k *KafkaClient) HealthCheck(ctx context.Context) error {
	if err := k.client.RefreshMetadata(); err != nil {
		return errors.Internal("broker health check", err)
	}
	for _, b := range k.client.Brokers() {
		if connected, _ := b.Connected(); connected {
			return nil
		}
	}
	return errors.Internal("broker health check", errNoReachableBroker)
}

// Subscribe joins groupID and streams messages from topics until ctx is
// cancelled or an unrecoverable error occurs.
func (k *KafkaClient) Subscribe(ctx context.Context, topics []string, groupID string, handler Handler) error {
	group, err := sarama.NewConsumerGroupFromClient(groupID, k.client)
	if err != nil {
		return errors.Internal("join consumer group", err)
	}

	k.mu.Lock()
	k.groups = append(k.groups, group)
	k.mu.Unlock()

	go func() {
		for err := range group.Errors() {
			if k.logger != nil {
				k.logger.WithError(err).Error("consumer group error")
			}
		}
	}()

	consumerHandler := &groupHandler{handler: handler, logger: k.logger}

	for {
		if err := group.Consume(ctx, topics, consumerHandler); err != nil {
			if err == sarama.ErrClosedConsumerGroup {
				return nil
			}
			return errors.Internal("consume from broker", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close releases the producer, client, and any joined consumer groups.
func (k *KafkaClient) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true

	for _, g := range k.groups {
		g.Close()
	}
	if err := k.producer.Close(); err != nil {
		return errors.Internal("close broker producer", err)
	}
	return k.client.Close()
}

type groupHandler struct {
	handler Handler
	logger  *logging.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			m := Message{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Key:       string(msg.Key),
				Value:     msg.Value,
			}
			ctx, cancel := context.WithTimeout(sess.Context(), 30*time.Second)
			err := h.handler(ctx, m)
			cancel()
			if err != nil {
				if h.logger != nil {
					h.logger.WithError(err).Error("message handler failed, not committing offset")
				}
				// Ending the claim without marking msg makes the group
				// resume from the last committed offset, redelivering it.
				return err
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}
