package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	rideExchange     = "ride_topic"
	locationExchange = "location_fanout"
)

// AMQPBridge republishes bus events to RabbitMQ so out-of-process observers
// (notification workers, analytics) can consume the change feed without
// holding a websocket open.
type AMQPBridge struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *slog.Logger
}

func NewAMQPBridge(url string, log *slog.Logger) (*AMQPBridge, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareTopology(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &AMQPBridge{conn: conn, ch: ch, log: log}, nil
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(rideExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", rideExchange, err)
	}
	if err := ch.ExchangeDeclare(locationExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", locationExchange, err)
	}
	return nil
}

// Run consumes the subscription until ctx is cancelled. Publish failures are
// logged and skipped; the in-process bus remains the source of truth.
func (b *AMQPBridge) Run(ctx context.Context, sub *Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if err := b.publish(ctx, e); err != nil {
				b.log.Warn("amqp publish failed", "kind", e.Kind(), "entity", e.Entity(), "error", err)
			}
		}
	}
}

func (b *AMQPBridge) publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(wsEnvelope{Type: e.Kind(), Data: e})
	if err != nil {
		return err
	}
	exchange := rideExchange
	routingKey := ""
	switch e.Kind() {
	case KindLocationChanged:
		exchange = locationExchange
	case KindRideStatusChanged:
		routingKey = "ride." + string(e.(RideStatusChanged).Status)
	case KindDispatchEscalated:
		routingKey = "ride.escalated"
	default:
		routingKey = e.Kind()
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return b.ch.PublishWithContext(pubCtx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

func (b *AMQPBridge) Close() {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
}
