package broker

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/streadway/amqp"
)

var (
	ErrNotConnected = errors.New("broker is not connected")
	ErrDisposed     = errors.New("broker connection manager is closed")
)

// Connection is the subset of *amqp.Connection the manager relies on.
type Connection interface {
	// Channel opens a lightweight session on the connection.
	Channel() (Channel, error)
	// Close closes the connection and all its channels.
	Close() error
	IsClosed() bool
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
}

// Channel is the subset of *amqp.Channel used for topology, publishing and consuming.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Cancel(consumer string, noWait bool) error
	Close() error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
}

// DialFunc opens a broker connection.
type DialFunc func(url string) (Connection, error)

// Dial is the default DialFunc backed by streadway/amqp.
var Dial DialFunc = func(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return &amqpConnection{Connection: conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// IsTransient reports whether err is a network-class failure worth retrying.
// Authentication and protocol errors are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	// amqp.ErrClosed carries code 504 but means the socket is gone.
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Recover || amqpErr.Code == amqp.ConnectionForced
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}
