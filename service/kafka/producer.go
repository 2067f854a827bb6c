package kafka

import (
	"chatty/logger"
	"chatty/tools/errs"
	"context"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// EventLog appends records to a single topic through a sync producer.
type EventLog struct {
	topic    string
	producer sarama.SyncProducer
	client   sarama.Client // nil when built from a bare producer
}

// NewEventLog connects to the brokers, optionally ensures the topic and starts a sync producer.
func NewEventLog(c Config) (*EventLog, error) {
	c.norm()
	if len(c.Brokers) == 0 {
		return nil, errs.ErrArgs.WrapMsg("kafka brokers missing")
	}
	client, err := sarama.NewClient(c.Brokers, BuildBaseConfig(c))
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka client", "brokers", c.Brokers)
	}
	if c.EnsureTopic {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, errs.WrapMsg(err, "kafka admin")
		}
		err = EnsureTopics(admin, []string{c.Topic}, c)
		// admin shares the client; closing the client below covers it
		if err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	p, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errs.WrapMsg(err, "kafka sync producer")
	}
	return &EventLog{topic: c.Topic, producer: p, client: client}, nil
}

func NewEventLogWithProducer(topic string, p sarama.SyncProducer) *EventLog {
	return &EventLog{topic: topic, producer: p}
}

func (l *EventLog) Topic() string { return l.topic }

// Append writes one record keyed by key; records with the same key land on the same partition.
func (l *EventLog) Append(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err)
	}
	msg := &sarama.ProducerMessage{
		Topic: l.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	partition, offset, err := l.producer.SendMessage(msg)
	if err != nil {
		return errs.WrapMsg(err, "kafka send", "topic", l.topic, "key", key)
	}
	logger.Debug("[Kafka] appended", zap.String("topic", l.topic), zap.String("key", key),
		zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (l *EventLog) Close() error {
	err := l.producer.Close()
	if l.client != nil && !l.client.Closed() {
		if cerr := l.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
