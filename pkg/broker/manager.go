package broker

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-eventbus/pkg/config"
	"github.com/zoff-tech/go-eventbus/pkg/telemetry"
)

// State is the lifecycle of the managed connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Blocked
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Blocked:
		return "blocked"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// ConnectionManager owns the single long-lived broker connection of the process
// and hands out channels on it.
type ConnectionManager struct {
	settings config.BrokerSettings
	dial     DialFunc
	logger   *zap.Logger

	connectMu sync.Mutex // serializes connection attempts

	mu       sync.Mutex
	conn     Connection
	state    State
	disposed bool

	closeOnce sync.Once
}

// Option configures a ConnectionManager.
type Option func(*ConnectionManager)

// WithDialer replaces the amqp dialer.
func WithDialer(dial DialFunc) Option {
	return func(m *ConnectionManager) { m.dial = dial }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *ConnectionManager) { m.logger = logger }
}

func NewConnectionManager(settings config.BrokerSettings, opts ...Option) *ConnectionManager {
	settings.ApplyDefaults()
	m := &ConnectionManager{
		settings: settings,
		dial:     Dial,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = telemetry.Component(m.logger, "broker")
	return m
}

// TryConnect connects if needed and reports whether a connection is open.
// Transient failures are retried with exponential backoff (base * 2^attempt);
// exhaustion is logged and reported as false, never as a process exit.
func (m *ConnectionManager) TryConnect(ctx context.Context) bool {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return false
	}
	if m.isConnectedLocked() {
		m.mu.Unlock()
		return true
	}
	m.state = Connecting
	m.mu.Unlock()

	m.logger.Info("connecting to broker")

	attempt := 0
	operation := func() (Connection, error) {
		attempt++
		conn, err := m.dial(m.settings.URL)
		if err != nil {
			if !IsTransient(err) {
				return nil, backoff.Permanent(err)
			}
			m.logger.Warn("broker connection attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return nil, err
		}
		return conn, nil
	}

	conn, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(m.newBackOff()),
		backoff.WithMaxTries(uint(m.settings.ConnectRetries)),
	)
	if err != nil {
		m.mu.Lock()
		m.state = Disconnected
		m.mu.Unlock()
		m.logger.Error("could not connect to broker",
			zap.Bool("fatal", true),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return false
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		_ = conn.Close()
		return false
	}
	m.conn = conn
	m.state = Connected
	m.mu.Unlock()

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	blockCh := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	go m.watch(conn, closeCh, blockCh)

	m.logger.Info("connected to broker", zap.Int("attempts", attempt))
	return true
}

func (m *ConnectionManager) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * m.settings.RetryBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = m.settings.RetryBackoff << uint(m.settings.ConnectRetries+1)
	return bo
}

// watch logs broker signals for conn until it shuts down.
func (m *ConnectionManager) watch(conn Connection, closeCh chan *amqp.Error, blockCh chan amqp.Blocking) {
	for {
		select {
		case err, ok := <-closeCh:
			m.mu.Lock()
			if m.conn == conn && !m.disposed {
				m.state = Disconnected
			}
			m.mu.Unlock()
			if ok && err != nil {
				m.logger.Warn("broker connection shut down",
					zap.Int("code", err.Code),
					zap.String("reason", err.Reason),
					zap.Bool("server", err.Server),
				)
			} else {
				m.logger.Info("broker connection closed")
			}
			return
		case b, ok := <-blockCh:
			if !ok {
				blockCh = nil
				continue
			}
			m.mu.Lock()
			if m.conn == conn && !m.disposed {
				if b.Active {
					m.state = Blocked
				} else {
					m.state = Connected
				}
			}
			m.mu.Unlock()
			if b.Active {
				m.logger.Warn("broker connection blocked", zap.String("reason", b.Reason))
			} else {
				m.logger.Info("broker connection unblocked")
			}
		}
	}
}

// IsConnected is true while the connection is open and the manager has not been closed.
func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isConnectedLocked()
}

func (m *ConnectionManager) isConnectedLocked() bool {
	return !m.disposed && m.conn != nil && !m.conn.IsClosed()
}

func (m *ConnectionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != ShuttingDown && m.conn != nil && m.conn.IsClosed() {
		return Disconnected
	}
	return m.state
}

// CreateChannel opens a channel on the current connection. Callers are
// expected to have called TryConnect.
func (m *ConnectionManager) CreateChannel() (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, ErrDisposed
	}
	if !m.isConnectedLocked() {
		return nil, ErrNotConnected
	}
	return m.conn.Channel()
}

// Close closes the connection once; later calls are no-ops.
func (m *ConnectionManager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.disposed = true
		m.state = ShuttingDown
		conn := m.conn
		m.mu.Unlock()

		if conn != nil && !conn.IsClosed() {
			err = conn.Close()
		}

		m.mu.Lock()
		m.state = Disconnected
		m.mu.Unlock()
		m.logger.Info("broker connection manager closed")
	})
	return err
}
