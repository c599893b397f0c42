package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/gpsflow/transport"
)

// Declarer is the subset of *amqp091.Channel used to declare the topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
}

// Exchange kinds used by the pipeline.
const (
	ExchangeKindTopic  = "topic"
	ExchangeKindDirect = "direct"
)

// mainQueueArguments routes rejected deliveries of the processing queue to
// the dead-letter exchange. The subscriber redeclares the queue with the same
// arguments, so both sides must agree.
func mainQueueArguments(topo transport.Topology) amqp091.Table {
	return amqp091.Table{
		"x-dead-letter-exchange":    topo.DeadLetterExchange,
		"x-dead-letter-routing-key": topo.DeadLetterRoutingKey,
	}
}

// DeclareTopology declares both exchanges, both durable queues and their
// bindings. Declarations are idempotent.
func DeclareTopology(d Declarer, topo transport.Topology) error {
	if err := topo.Validate(); err != nil {
		return err
	}

	if err := d.ExchangeDeclare(topo.DeadLetterExchange, ExchangeKindDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topo.DeadLetterExchange, err)
	}
	if _, err := d.QueueDeclare(topo.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", topo.DeadLetterQueue, err)
	}
	if err := d.QueueBind(topo.DeadLetterQueue, topo.DeadLetterRoutingKey, topo.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", topo.DeadLetterQueue, err)
	}

	if err := d.ExchangeDeclare(topo.Exchange, ExchangeKindTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topo.Exchange, err)
	}
	if _, err := d.QueueDeclare(topo.Queue, true, false, false, false, mainQueueArguments(topo)); err != nil {
		return fmt.Errorf("declare queue %s: %w", topo.Queue, err)
	}
	if err := d.QueueBind(topo.Queue, topo.RoutingKey, topo.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", topo.Queue, err)
	}
	return nil
}

// DialTimeout bounds how long startup waits for the broker.
var DialTimeout = 30 * time.Second

// declareOverConnection dials the broker with exponential backoff, declares
// the topology on a short-lived channel and closes the connection again.
func declareOverConnection(ctx context.Context, url string, topo transport.Topology) error {
	conn, err := backoff.Retry(ctx, func() (*amqp091.Connection, error) {
		return amqp091.Dial(url)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(DialTimeout),
	)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	return DeclareTopology(ch, topo)
}
