package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	appconfig "depthsync/config"
	"depthsync/logger"
	"depthsync/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes each top-of-book as a JSON message keyed by symbol.
type KafkaSink struct {
	writer messageWriter
	topic  string
	log    *logger.Log
}

func NewKafkaSink(cfg appconfig.KafkaConfig, log *logger.Log) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	entry := log.WithComponent("kafka_sink")
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				entry.WithError(err).WithField("messages", len(msgs)).Warn("kafka delivery failed")
			}
		},
	}
	entry.WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("kafka sink initialized")
	return &KafkaSink{writer: w, topic: cfg.Topic, log: log}, nil
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(ctx context.Context, tob models.TopOfBook) error {
	data, err := json.Marshal(tob)
	if err != nil {
		return fmt.Errorf("marshal top of book: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(tob.Symbol),
		Value: data,
		Time:  tob.Timestamp,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes pending async messages.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
