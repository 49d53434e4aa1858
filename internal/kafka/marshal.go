package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

const (
	HeaderEventType     = "x-event-type"
	HeaderCorrelationID = "x-correlation-id"
)

// EncodeMessage turns env into a keyed message on the topic of its event type,
// carrying the active trace context in the headers.
func EncodeMessage(ctx context.Context, env events.Envelope) (kafka.Message, error) {
	topic := events.TopicFor(env.EventType)
	if topic == "" {
		return kafka.Message{}, fmt.Errorf("no topic for event type %q", env.EventType)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode envelope: %w", err)
	}
	m := kafka.Message{
		Topic: topic,
		Key:   events.PartitionKey(env.CorrelationID),
		Value: b,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(env.EventType)},
			{Key: HeaderCorrelationID, Value: []byte(env.CorrelationID)},
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier{Headers: &m.Headers})
	return m, nil
}

// DecodeMessage reads the envelope out of m.
func DecodeMessage(m kafka.Message) (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return env, fmt.Errorf("%w: envelope: %v", events.ErrMalformedPayload, err)
	}
	if env.EventType == "" {
		env.EventType = header(m.Headers, HeaderEventType)
	}
	if env.CorrelationID == "" {
		env.CorrelationID = header(m.Headers, HeaderCorrelationID)
	}
	return env, nil
}

func header(hs []kafka.Header, key string) string {
	for _, h := range hs {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// HeaderCarrier adapts message headers to the OTel TextMapCarrier.
type HeaderCarrier struct {
	Headers *[]kafka.Header
}

func (c HeaderCarrier) Get(key string) string { return header(*c.Headers, key) }

func (c HeaderCarrier) Set(key, value string) {
	hs := *c.Headers
	for i := range hs {
		if hs[i].Key == key {
			hs[i].Value = []byte(value)
			return
		}
	}
	*c.Headers = append(hs, kafka.Header{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.Headers))
	for _, h := range *c.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}
