package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds connection settings for the Kafka event bus.
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// KafkaEventBus publishes engine events to a Kafka topic. Used when the
// engine runs alongside external consumers (notification fan-out, audit).
type KafkaEventBus struct {
	config  KafkaConfig
	writer  *kafka.Writer
	mu      sync.Mutex
	readers []*kafka.Reader
	cancel  context.CancelFunc
	ctx     context.Context
}

func NewKafkaEventBus(config KafkaConfig) *KafkaEventBus {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      config.Brokers,
		Topic:        config.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaEventBus{
		config: config,
		writer: writer,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (k *KafkaEventBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := event.RunID
	if key == "" {
		key = event.ID
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}

	return k.writer.WriteMessages(ctx, msg)
}

// Subscribe consumes the topic and invokes handler for messages whose
// event-type header matches eventType ("*" matches everything).
func (k *KafkaEventBus) Subscribe(eventType string, handler EventHandler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       k.config.Topic,
		GroupID:     k.config.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
		MaxWait:     time.Second,
	})

	k.mu.Lock()
	k.readers = append(k.readers, reader)
	k.mu.Unlock()

	go k.consume(reader, eventType, handler)
	return nil
}

func (k *KafkaEventBus) consume(reader *kafka.Reader, eventType string, handler EventHandler) {
	for {
		msg, err := reader.ReadMessage(k.ctx)
		if err != nil {
			if k.ctx.Err() != nil {
				return
			}
			time.Sleep(time.Second)
			continue
		}

		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			continue
		}
		if eventType != "*" && event.Type != eventType {
			continue
		}
		_ = handler(k.ctx, event)
	}
}

func (k *KafkaEventBus) Close() error {
	k.cancel()

	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	for _, reader := range k.readers {
		if err := reader.Close(); err != nil {
			return fmt.Errorf("failed to close reader: %w", err)
		}
	}
	return nil
}
