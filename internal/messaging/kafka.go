// Package messaging publishes miner events (jobs, solutions and hash-rate
// samples) to Kafka for downstream dashboards and accounting.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/kminer/pkg/circuit"
	"github.com/bardlex/kminer/pkg/errors"
	"github.com/bardlex/kminer/pkg/log"
	"github.com/bardlex/kminer/pkg/retry"
)

// messageWriter is the subset of *kafka.Writer the client uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient publishes messages with one pooled writer per topic
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]messageWriter
	writersMu      sync.RWMutex
	newWriter      func(topic string) messageWriter
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka publisher. No connection is made until
// the first publish.
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	k := &KafkaClient{
		brokers:        brokers,
		logger:         logger.WithComponent("kafka"),
		writers:        make(map[string]messageWriter),
		circuitBreaker: circuit.New(circuit.SinkConfig("kafka")),
		retryConfig:    retry.NetworkConfig(),
	}
	k.newWriter = k.kafkaWriter
	k.circuitBreaker.OnStateChange(func(name string, from, to circuit.State) {
		k.logger.LogBreakerState(name, from.String(), to.String())
	})
	return k
}

func (k *KafkaClient) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
}

// getProducer gets or creates the writer for a topic
func (k *KafkaClient) getProducer(topic string) messageWriter {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := k.newWriter(topic)
	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// PublishProto publishes a protobuf message
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			NonRetryable().
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, "publish_proto", topic, key, data)
}

// PublishJSON encodes v with sonic and publishes it
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal JSON message").
			NonRetryable().
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, "publish_json", topic, key, data)
}

func (k *KafkaClient) publish(ctx context.Context, op, topic, key string, data []byte) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.getProducer(topic)
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, op,
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// Breaker exposes the publish circuit breaker for health reporting.
func (k *KafkaClient) Breaker() *circuit.Breaker {
	return k.circuitBreaker
}

// Close closes all producers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]messageWriter)
	return lastErr
}
