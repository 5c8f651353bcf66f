package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// AMQPBridge relays events through a fanout exchange. Each process binds
// its own exclusive auto-delete queue.
type AMQPBridge struct {
	conn     *amqp.Connection
	pub      *amqp.Channel
	pubMu    sync.Mutex
	exchange string
	codec    Codec
}

func NewAMQPBridge(url, exchange string) (*AMQPBridge, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		"fanout", // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // args
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPBridge{conn: conn, pub: ch, exchange: exchange, codec: JSONCodec{}}, nil
}

func (b *AMQPBridge) Name() string { return "amqp" }

func (b *AMQPBridge) Send(ctx context.Context, ev Event) error {
	body, err := b.codec.Marshal(ev)
	if err != nil {
		return err
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.pub.Publish(b.exchange, "", false, false, amqp.Publishing{
		ContentType: b.codec.ContentType(),
		MessageId:   ev.ID,
		Timestamp:   ev.TS,
		Type:        string(ev.Type),
		Body:        body,
	})
}

func (b *AMQPBridge) Listen(ctx context.Context, deliver func(Event)) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp delivery channel closed")
			}
			var ev Event
			if err := b.codec.Unmarshal(d.Body, &ev); err != nil {
				continue
			}
			deliver(ev)
		}
	}
}

func (b *AMQPBridge) Close() error { return b.conn.Close() }
