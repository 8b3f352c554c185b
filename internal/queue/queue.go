// Package queue wraps RabbitMQ for the order event stream.
//
// The worker consumes raw deliveries from the durable "orders" queue and
// acks manually. Parsing happens downstream in the pipeline, not here: a
// malformed payload must flow into the durable retry queue like any other
// failure, so the transport never discards anything on its own.
//
// Broker redelivery is deliberately not used for retry — every delivery
// is acked after one processing attempt, and retries live in the retry
// store. The "orders-dlq" sibling queue receives a copy of messages whose
// retry budget is exhausted, for operator tooling.
package queue

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is one raw message plus its ack handle.
type Delivery struct {
	Body []byte
	raw  amqp.Delivery
}

// Ack removes the message from the broker. Per the processing contract it
// is called exactly once per delivery, whatever the outcome was.
func (d *Delivery) Ack() error { return d.raw.Ack(false) }

// Consumer owns the AMQP connection for the worker side.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
	tag     string

	done      chan struct{}
	closeOnce sync.Once
}

// NewConsumer dials RabbitMQ, declares the durable queue and bounds the
// number of unacked in-flight messages with prefetch.
func NewConsumer(url, queueName, tag string, prefetch int) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("queue: set qos: %w", err)
	}

	q, err := declareQueue(ch, queueName)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, channel: ch, queue: q, tag: tag, done: make(chan struct{})}, nil
}

// Consume returns a channel of deliveries. Every value must be Ack'd.
func (c *Consumer) Consume() (<-chan Delivery, error) {
	rawMsgs, err := c.channel.Consume(
		c.queue.Name,
		c.tag,
		false, // auto-ack disabled — we ack after one processing attempt
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: consume: %w", err)
	}

	out := make(chan Delivery)
	go forward(rawMsgs, out, c.done)
	return out, nil
}

// forward relays broker deliveries onto the worker channel. The done
// signal unblocks a pending send when the readers are gone, so Close
// never strands this goroutine holding an unsent delivery.
func forward(raw <-chan amqp.Delivery, out chan<- Delivery, done <-chan struct{}) {
	defer close(out)
	for d := range raw {
		select {
		case out <- Delivery{Body: d.Body, raw: d}:
		case <-done:
			return
		}
	}
}

// Close releases the AMQP channel and connection.
func (c *Consumer) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.channel.Close()
	c.conn.Close()
}

// Publisher owns an AMQP connection for publishing.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
}

// NewPublisher dials RabbitMQ and declares the target queue.
func NewPublisher(url, queueName string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}

	q, err := declareQueue(ch, queueName)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, channel: ch, queue: q}, nil
}

// Publish sends a raw JSON body to the queue, marked Persistent so it
// survives a broker restart.
func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	return p.channel.PublishWithContext(ctx,
		"",           // default exchange — routes directly to named queue
		p.queue.Name, // routing key == queue name for default exchange
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// Close releases the AMQP channel and connection.
func (p *Publisher) Close() {
	p.channel.Close()
	p.conn.Close()
}

// declareQueue is shared so every side declares the same durable queue
// (idempotent — safe to call multiple times).
func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,
		true,  // durable — survives broker restart
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("queue: declare %s: %w", name, err)
	}
	return q, nil
}
