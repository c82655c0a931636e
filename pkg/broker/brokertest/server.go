// Package brokertest provides an in-memory AMQP broker for tests. It routes
// topic publishes to bound queues, tracks unacked deliveries per channel and
// requeues them when a channel or connection goes away.
package brokertest

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/streadway/amqp"

	"github.com/zoff-tech/go-eventbus/pkg/broker"
)

// Server is a single in-memory broker node.
type Server struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*queue
	conns     []*Connection

	dials     int
	failDials int
	dialErr   error

	published []Published
	acks      int
	nacks     int
	tags      uint64
}

// Published records a publish accepted by an exchange.
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

func NewServer() *Server {
	return &Server{
		exchanges: make(map[string]string),
		queues:    make(map[string]*queue),
	}
}

// Dial satisfies broker.DialFunc.
func (s *Server) Dial(string) (broker.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.failDials > 0 {
		s.failDials--
		return nil, s.dialErr
	}
	conn := &Connection{server: s}
	s.conns = append(s.conns, conn)
	return conn, nil
}

// FailDials makes the next n dials fail with err, or with a refused connection when err is nil.
func (s *Server) FailDials(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)
	}
	s.failDials = n
	s.dialErr = err
}

func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Disconnect force-closes every open connection as a broker restart would.
func (s *Server) Disconnect() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{
			Code:    amqp.ConnectionForced,
			Reason:  "CONNECTION_FORCED - broker forced connection closure",
			Server:  true,
			Recover: true,
		})
	}
}

// Block sends a connection.blocked (or unblocked) notification to every connection.
func (s *Server) Block(active bool, reason string) {
	s.mu.Lock()
	conns := append([]*Connection(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.notifyBlocked(amqp.Blocking{Active: active, Reason: reason})
	}
}

// Inject routes msg through exchange as if a producer had published it.
func (s *Server) Inject(exchange, key string, msg amqp.Publishing) error {
	return s.publish(exchange, key, msg)
}

func (s *Server) Published() []Published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Published(nil), s.published...)
}

func (s *Server) Acks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acks
}

func (s *Server) Nacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nacks
}

// ExchangeKind returns the kind of a declared exchange.
func (s *Server) ExchangeKind(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind, ok := s.exchanges[name]
	return kind, ok
}

// Bindings returns the routing keys bound from exchange to the queue.
func (s *Server) Bindings(queueName, exchange string) []string {
	s.mu.Lock()
	q, ok := s.queues[queueName]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return q.keys(exchange)
}

// Depth is the number of ready messages in the queue.
func (s *Server) Depth(queueName string) int {
	s.mu.Lock()
	q, ok := s.queues[queueName]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return q.depth()
}

func (s *Server) nextTag() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags++
	return s.tags
}

func (s *Server) declareExchange(name, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.exchanges[name]; ok && existing != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'type' for exchange " + name}
	}
	s.exchanges[name] = kind
	return nil
}

func (s *Server) declareQueue(name string) *queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		q = newQueue(name)
		s.queues[name] = q
	}
	return q
}

func (s *Server) lookup(queueName, exchange string) (*queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exchange != "" {
		if _, ok := s.exchanges[exchange]; !ok {
			return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'"}
		}
	}
	q, ok := s.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queueName + "'"}
	}
	return q, nil
}

func (s *Server) publish(exchange, key string, msg amqp.Publishing) error {
	s.mu.Lock()
	if _, ok := s.exchanges[exchange]; !ok {
		s.mu.Unlock()
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'"}
	}
	s.published = append(s.published, Published{Exchange: exchange, RoutingKey: key, Msg: msg})
	queues := make([]*queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	for _, q := range queues {
		if q.matches(exchange, key) {
			q.push(&message{exchange: exchange, key: key, msg: msg})
		}
	}
	return nil
}

func (s *Server) settled(ack bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ack {
		s.acks++
	} else {
		s.nacks++
	}
}

type message struct {
	exchange    string
	key         string
	msg         amqp.Publishing
	redelivered bool
}

type binding struct {
	exchange string
	key      string
}

type queue struct {
	name string

	mu       sync.Mutex
	bindings map[binding]struct{}
	pending  []*message
	signal   chan struct{}
}

func newQueue(name string) *queue {
	return &queue{
		name:     name,
		bindings: make(map[binding]struct{}),
		signal:   make(chan struct{}),
	}
}

func (q *queue) bind(exchange, key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bindings[binding{exchange, key}] = struct{}{}
}

func (q *queue) unbind(exchange, key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.bindings, binding{exchange, key})
}

func (q *queue) keys(exchange string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var keys []string
	for b := range q.bindings {
		if b.exchange == exchange {
			keys = append(keys, b.key)
		}
	}
	return keys
}

func (q *queue) matches(exchange, key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for b := range q.bindings {
		if b.exchange == exchange && (b.key == key || b.key == "#") {
			return true
		}
	}
	return false
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *queue) push(m *message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, m)
	close(q.signal)
	q.signal = make(chan struct{})
}

// pop blocks until a message is ready or done is closed.
func (q *queue) pop(done <-chan struct{}) (*message, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			m := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return m, true
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-signal:
		case <-done:
			return nil, false
		}
	}
}
