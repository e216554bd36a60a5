package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

// EventMeta is the metadata carried as headers on every published message.
type EventMeta struct {
	EventID       string
	EventType     string
	AggregateType string
}

// Headers renders the meta as Kafka headers, skipping empty values.
func (m EventMeta) Headers() []kafka.Header {
	var headers []kafka.Header
	add := func(k, v string) {
		if v != "" {
			headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	add("event_id", m.EventID)
	add("event_type", m.EventType)
	add("aggregate_type", m.AggregateType)
	return headers
}

func ExtractEventMeta(msg kafka.Message) EventMeta {
	eventID := HeaderValue(msg.Headers, "event_id")
	eventType := HeaderValue(msg.Headers, "event_type")
	if eventID == "" {
		eventID = string(msg.Key)
	}
	if eventType == "" {
		eventType = msg.Topic
	}
	return EventMeta{
		EventID:       eventID,
		EventType:     eventType,
		AggregateType: HeaderValue(msg.Headers, "aggregate_type"),
	}
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
