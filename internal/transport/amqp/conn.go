package amqp

import (
	"context"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// connection is the part of *amqp091.Connection the transport uses.
type connection interface {
	channel() (channel, error)
	notifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	close() error
}

// channel is the part of *amqp091.Channel the transport uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// dialFunc opens an AMQP connection.
type dialFunc func(url string, cfg amqp091.Config) (connection, error)

func dialAMQP(url string, cfg amqp091.Config) (connection, error) {
	c, err := amqp091.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConn{c: c}, nil
}

// amqpConn adapts *amqp091.Connection to connection.
type amqpConn struct {
	c *amqp091.Connection
}

func (a amqpConn) channel() (channel, error) {
	ch, err := a.c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (a amqpConn) notifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	return a.c.NotifyClose(receiver)
}

func (a amqpConn) close() error {
	if a.c.IsClosed() {
		return nil
	}
	return a.c.Close()
}
