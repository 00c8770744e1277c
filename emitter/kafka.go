package emitter

import (
	"context"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/lgr"
)

// Kafka sends every batch with real detections to a topic, keyed by source so
// one source's batches stay ordered within a partition.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafka(brokers []string, topic string) (*Kafka, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, xerrors.Errorf("failed to create Kafka producer: %w", err)
	}

	return NewKafkaWithProducer(producer, topic), nil
}

func NewKafkaWithProducer(producer sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{
		producer: producer,
		topic:    topic,
	}
}

func (k *Kafka) Name() string {
	return "kafka"
}

func (k *Kafka) ProcessDetection(_ context.Context, batch model.Batch) error {
	if len(batch) == 0 {
		return model.ErrEmptyBatch
	}
	if batch.IsNull() {
		return nil
	}

	payload, err := batchJSON(batch, time.Now())
	if err != nil {
		return xerrors.Errorf("encoding batch: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(batch.Source()),
		Value: sarama.ByteEncoder(payload),
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return xerrors.Errorf("sending to %s: %w", k.topic, err)
	}

	lgr.Logger.Debug(
		"sent detections to kafka",
		slog.String("topic", k.topic),
		slog.Int("partition", int(partition)),
		slog.Int64("offset", offset),
	)
	return nil
}

func (k *Kafka) Close() error {
	if err := k.producer.Close(); err != nil {
		return xerrors.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}
