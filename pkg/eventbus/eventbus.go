// Package eventbus publishes gateway fleet events to Kafka so off-box
// consumers (dashboards, alerting) see the same health and composition
// transitions the in-process websocket stream does. The bus is optional:
// with no brokers configured the gateway runs without it.
package eventbus

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"meshgate/pkg/stream"
)

// Publisher writes fleet events to one topic, keyed by event type so
// consumers see per-type ordering.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher connects to the comma-separated broker list. Empty brokers
// yield a nil publisher, which every method tolerates.
func NewPublisher(brokers, topic string) *Publisher {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil
	}
	if topic == "" {
		topic = "meshgate.events"
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(addrs...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 100 * time.Millisecond,
			Async:        true,
		},
	}
}

func (p *Publisher) Publish(ctx context.Context, ev stream.Event) error {
	if p == nil || p.writer == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Type),
		Value: payload,
	})
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Bridge subscribes to the hub and forwards every event to the bus until
// ctx is done. Publish failures are logged and dropped; the in-process
// stream stays authoritative.
func Bridge(ctx context.Context, hub *stream.Hub, pub *Publisher) {
	if hub == nil || pub == nil {
		return
	}
	sub := hub.Subscribe(64)
	defer hub.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := pub.Publish(ctx, ev); err != nil {
				log.Printf("eventbus: publish %s: %v", ev.Type, err)
			}
		}
	}
}
