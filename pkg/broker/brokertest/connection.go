package brokertest

import (
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"github.com/zoff-tech/go-eventbus/pkg/broker"
)

// Connection is an in-memory broker.Connection.
type Connection struct {
	server *Server

	mu       sync.Mutex
	closed   bool
	channels []*Channel
	onClose  []chan *amqp.Error
	onBlock  []chan amqp.Blocking
}

func (c *Connection) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		server:    c.server,
		unacked:   make(map[uint64]*inflight),
		consumers: make(map[string]chan struct{}),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Connection) Close() error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.onClose = append(c.onClose, receiver)
	return receiver
}

func (c *Connection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.onBlock = append(c.onBlock, receiver)
	return receiver
}

func (c *Connection) notifyBlocked(b amqp.Blocking) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.onBlock {
		select {
		case r <- b:
		default:
		}
	}
}

func (c *Connection) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := c.channels
	onClose := c.onClose
	onBlock := c.onBlock
	c.channels, c.onClose, c.onBlock = nil, nil, nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	for _, r := range onClose {
		if err != nil {
			select {
			case r <- err:
			default:
			}
		}
		close(r)
	}
	for _, r := range onBlock {
		close(r)
	}
}

// Channel is an in-memory broker.Channel and the amqp.Acknowledger of its deliveries.
type Channel struct {
	server *Server

	mu        sync.Mutex
	closed    bool
	prefetch  int
	unacked   map[uint64]*inflight
	consumers map[string]chan struct{}
	onClose   []chan *amqp.Error
	wg        sync.WaitGroup
	seq       int
}

type inflight struct {
	queue *queue
	msg   *message
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := ch.check(); err != nil {
		return err
	}
	return ch.server.declareExchange(name, kind)
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.check(); err != nil {
		return amqp.Queue{}, err
	}
	q := ch.server.declareQueue(name)
	return amqp.Queue{Name: name, Messages: q.depth()}, nil
}

func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if err := ch.check(); err != nil {
		return err
	}
	q, err := ch.server.lookup(name, exchange)
	if err != nil {
		return err
	}
	q.bind(exchange, key)
	return nil
}

func (ch *Channel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	if err := ch.check(); err != nil {
		return err
	}
	q, err := ch.server.lookup(name, exchange)
	if err != nil {
		return err
	}
	q.unbind(exchange, key)
	return nil
}

func (ch *Channel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ch.check(); err != nil {
		return err
	}
	return ch.server.publish(exchange, key, msg)
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if err := ch.check(); err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.prefetch = prefetchCount
	return nil
}

// Prefetch returns the last Qos prefetch count.
func (ch *Channel) Prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetch
}

func (ch *Channel) Consume(queueName, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	q, err := ch.server.lookup(queueName, "")
	if err != nil {
		return nil, err
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	if consumer == "" {
		ch.seq++
		consumer = fmt.Sprintf("ctag-%d", ch.seq)
	}
	done := make(chan struct{})
	ch.consumers[consumer] = done
	out := make(chan amqp.Delivery)
	ch.wg.Add(1)
	ch.mu.Unlock()

	go ch.forward(q, consumer, autoAck, out, done)
	return out, nil
}

func (ch *Channel) forward(q *queue, consumer string, autoAck bool, out chan amqp.Delivery, done chan struct{}) {
	defer ch.wg.Done()
	defer close(out)
	for {
		m, ok := q.pop(done)
		if !ok {
			return
		}
		tag := ch.server.nextTag()
		d := amqp.Delivery{
			Acknowledger:  ch,
			Headers:       m.msg.Headers,
			ContentType:   m.msg.ContentType,
			DeliveryMode:  m.msg.DeliveryMode,
			CorrelationId: m.msg.CorrelationId,
			MessageId:     m.msg.MessageId,
			Timestamp:     m.msg.Timestamp,
			Type:          m.msg.Type,
			AppId:         m.msg.AppId,
			ConsumerTag:   consumer,
			DeliveryTag:   tag,
			Redelivered:   m.redelivered,
			Exchange:      m.exchange,
			RoutingKey:    m.key,
			Body:          m.msg.Body,
		}
		if !autoAck {
			ch.mu.Lock()
			ch.unacked[tag] = &inflight{queue: q, msg: m}
			ch.mu.Unlock()
		}
		select {
		case out <- d:
		case <-done:
			ch.mu.Lock()
			delete(ch.unacked, tag)
			ch.mu.Unlock()
			m.redelivered = true
			q.push(m)
			return
		}
	}
}

func (ch *Channel) Cancel(consumer string, noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	done, ok := ch.consumers[consumer]
	if !ok {
		return nil
	}
	delete(ch.consumers, consumer)
	close(done)
	return nil
}

func (ch *Channel) Close() error {
	if err := ch.check(); err != nil {
		return err
	}
	ch.shutdown(nil)
	return nil
}

func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.onClose = append(ch.onClose, c)
	return c
}

// Ack implements amqp.Acknowledger.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	if _, err := ch.settle(tag); err != nil {
		return err
	}
	ch.server.settled(true)
	return nil
}

// Nack implements amqp.Acknowledger.
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	in, err := ch.settle(tag)
	if err != nil {
		return err
	}
	ch.server.settled(false)
	if requeue {
		in.msg.redelivered = true
		in.queue.push(in.msg)
	}
	return nil
}

// Reject implements amqp.Acknowledger.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settle(tag uint64) (*inflight, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	in, ok := ch.unacked[tag]
	if !ok {
		return nil, &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
	}
	delete(ch.unacked, tag)
	return in, nil
}

func (ch *Channel) check() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	return nil
}

func (ch *Channel) shutdown(err *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	for tag, done := range ch.consumers {
		delete(ch.consumers, tag)
		close(done)
	}
	onClose := ch.onClose
	ch.onClose = nil
	ch.mu.Unlock()

	ch.wg.Wait()

	ch.mu.Lock()
	unacked := ch.unacked
	ch.unacked = make(map[uint64]*inflight)
	ch.mu.Unlock()
	for _, in := range unacked {
		in.msg.redelivered = true
		in.queue.push(in.msg)
	}

	for _, r := range onClose {
		if err != nil {
			select {
			case r <- err:
			default:
			}
		}
		close(r)
	}
}

var (
	_ broker.Connection = (*Connection)(nil)
	_ broker.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)
