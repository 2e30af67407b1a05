package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges.
const (
	ExchangeJobs Exchange = "xdispatch.jobs"
	ExchangeDLQ  Exchange = "xdispatch.dlq"
)

// Queues.
const (
	QueueJobsFinished Queue = "jobs.finished"
	QueueDLQJobs      Queue = "dlq.jobs"
)

// Routing keys.
const (
	RoutingKeyFinished RoutingKey = "finished"
	RoutingKeyDLQJobs  RoutingKey = "jobs"
)

type exchangeDecl struct {
	name Exchange
	kind string
}

type queueDecl struct {
	name Queue
	args amqp.Table
}

type bindingDecl struct {
	queue      Queue
	routingKey RoutingKey
	exchange   Exchange
}

func exchanges() []exchangeDecl {
	return []exchangeDecl{
		{ExchangeJobs, amqp.ExchangeDirect},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}
}

func queues() []queueDecl {
	return []queueDecl{
		// jobs.finished — отклонённые notifier'ом события уходят в DLQ
		{QueueJobsFinished, amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQJobs),
		}},
		{QueueDLQJobs, nil},
	}
}

func bindings() []bindingDecl {
	return []bindingDecl{
		{QueueJobsFinished, RoutingKeyFinished, ExchangeJobs},
		{QueueDLQJobs, RoutingKeyDLQJobs, ExchangeDLQ},
	}
}

// SetupTopology объявляет exchanges, queues и bindings. Идемпотентна:
// её вызывают и сервер, и notifier при старте.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range exchanges() {
			err := ch.ExchangeDeclare(
				string(ex.name), // name
				ex.kind,         // type
				true,            // durable
				false,           // auto-deleted
				false,           // internal
				false,           // no-wait
				nil,             // arguments
			)
			if err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex.name, err)
			}
		}

		for _, q := range queues() {
			_, err := ch.QueueDeclare(
				string(q.name), // name
				true,           // durable
				false,          // delete when unused
				false,          // exclusive
				false,          // no-wait
				q.args,         // arguments
			)
			if err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
		}

		for _, b := range bindings() {
			err := ch.QueueBind(
				string(b.queue),      // queue name
				string(b.routingKey), // routing key
				string(b.exchange),   // exchange
				false,                // no-wait
				nil,                  // arguments
			)
			if err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}
		return nil
	})
}
