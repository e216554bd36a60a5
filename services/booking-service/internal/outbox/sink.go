package outbox

import (
	"context"

	"github.com/md-rashed-zaman/citizenbook/libs/amqpx"
	"github.com/md-rashed-zaman/citizenbook/libs/kafkax"
	otelx "github.com/md-rashed-zaman/citizenbook/libs/otel"
	"github.com/segmentio/kafka-go"
)

// Sink delivers outbox records to a broker.
type Sink interface {
	Name() string
	Publish(ctx context.Context, records []Record) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes one message per record to the topic named by the event type,
// keyed by aggregate id so an appointment's events stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(kafkax.SplitBrokers(brokers)...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, records []Record) error {
	msgs := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		msgCtx := otelx.TraceContext{Parent: r.Traceparent, State: r.Tracestate}.Restore(ctx)
		meta := kafkax.EventMeta{EventID: r.EventID, EventType: r.EventType, AggregateType: r.AggregateType}
		msgs = append(msgs, kafka.Message{
			Topic:   r.EventType,
			Key:     []byte(r.AggregateID),
			Value:   r.Payload,
			Headers: kafkax.InjectTraceHeaders(msgCtx, meta.Headers()),
		})
	}
	return s.writer.WriteMessages(ctx, msgs...)
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

type amqpPublisher interface {
	Publish(ctx context.Context, msg amqpx.Message) error
	Close() error
}

// RabbitSink publishes each record to the topic exchange with the event type as routing key.
type RabbitSink struct {
	pub amqpPublisher
}

func NewRabbitSink(url, exchange string) (*RabbitSink, error) {
	pub, err := amqpx.NewPublisher(url, exchange)
	if err != nil {
		return nil, err
	}
	return &RabbitSink{pub: pub}, nil
}

func (s *RabbitSink) Name() string { return "rabbitmq" }

func (s *RabbitSink) Publish(ctx context.Context, records []Record) error {
	for _, r := range records {
		msgCtx := otelx.TraceContext{Parent: r.Traceparent, State: r.Tracestate}.Restore(ctx)
		if err := s.pub.Publish(msgCtx, amqpx.Message{
			RoutingKey: r.EventType,
			MessageID:  r.EventID,
			Type:       r.EventType,
			Body:       r.Payload,
			Headers: map[string]string{
				"aggregate_type": r.AggregateType,
				"aggregate_id":   r.AggregateID,
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *RabbitSink) Close() error { return s.pub.Close() }
