package broker

import (
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-eventbus/pkg/telemetry"
)

// ChannelSource opens new channels. *ConnectionManager implements it.
type ChannelSource interface {
	CreateChannel() (Channel, error)
}

// PooledChannel is a channel borrowed from a ChannelPool.
type PooledChannel struct {
	Channel
	notifyClose chan *amqp.Error
}

func (pc *PooledChannel) closed() (*amqp.Error, bool) {
	select {
	case err := <-pc.notifyClose:
		return err, true
	default:
		return nil, false
	}
}

// ChannelPool reuses publishing channels. Channels closed by the broker are
// dropped on the way in and out, and surplus channels are closed.
type ChannelPool struct {
	source   ChannelSource
	channels chan *PooledChannel
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
}

func NewChannelPool(source ChannelSource, size int, logger *zap.Logger) *ChannelPool {
	if size <= 0 {
		size = 1
	}
	return &ChannelPool{
		source:   source,
		channels: make(chan *PooledChannel, size),
		logger:   telemetry.Component(logger, "broker.pool"),
	}
}

// Get returns an open pooled channel or a new one.
func (p *ChannelPool) Get() (*PooledChannel, error) {
	for {
		select {
		case pc, ok := <-p.channels:
			if !ok {
				return nil, ErrDisposed
			}
			if err, closed := pc.closed(); closed {
				p.logger.Debug("discarding closed channel", zap.Error(err))
				continue
			}
			return pc, nil
		default:
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return nil, ErrDisposed
			}

			ch, err := p.source.CreateChannel()
			if err != nil {
				return nil, err
			}
			p.logger.Debug("created channel")
			return &PooledChannel{
				Channel:     ch,
				notifyClose: ch.NotifyClose(make(chan *amqp.Error, 1)),
			}, nil
		}
	}
}

// Put returns pc to the pool, closing it if the pool is full or closed.
func (p *ChannelPool) Put(pc *PooledChannel) {
	if pc == nil {
		return
	}
	if err, closed := pc.closed(); closed {
		p.logger.Debug("discarding closed channel", zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = pc.Close()
		return
	}
	select {
	case p.channels <- pc:
	default:
		p.logger.Debug("closing channel as pool is full")
		_ = pc.Close()
	}
}

// Discard closes pc without returning it. Use it after an operation failed on the channel.
func (p *ChannelPool) Discard(pc *PooledChannel) {
	if pc == nil {
		return
	}
	if _, closed := pc.closed(); !closed {
		_ = pc.Close()
	}
}

// Len is the number of idle channels.
func (p *ChannelPool) Len() int {
	return len(p.channels)
}

// Drain closes every idle channel but keeps the pool usable. It is called
// after a reconnect, when pooled channels belong to the old connection.
func (p *ChannelPool) Drain() {
	for {
		select {
		case pc, ok := <-p.channels:
			if !ok {
				return
			}
			_ = pc.Close()
		default:
			return
		}
	}
}

// Close closes every idle channel and refuses further use.
func (p *ChannelPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.channels)
	p.mu.Unlock()

	for pc := range p.channels {
		_ = pc.Close()
	}
}
