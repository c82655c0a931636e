package broker_test

import (
	"context"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-eventbus/pkg/broker"
	"github.com/zoff-tech/go-eventbus/pkg/broker/brokertest"
)

func newPool(t *testing.T, size int) (*broker.ChannelPool, *brokertest.Server) {
	t.Helper()
	server := brokertest.NewServer()
	m := newManager(t, server)
	require.True(t, m.TryConnect(context.Background()))
	pool := broker.NewChannelPool(m, size, nil)
	t.Cleanup(pool.Close)
	return pool, server
}

func TestChannelPool_Reuse(t *testing.T) {
	pool, _ := newPool(t, 2)

	first, err := pool.Get()
	require.NoError(t, err)
	pool.Put(first)
	assert.Equal(t, 1, pool.Len())

	second, err := pool.Get()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 0, pool.Len())
}

func TestChannelPool_DiscardsClosedChannels(t *testing.T) {
	pool, _ := newPool(t, 2)

	pc, err := pool.Get()
	require.NoError(t, err)
	require.NoError(t, pc.Close())

	pool.Put(pc)
	assert.Equal(t, 0, pool.Len())

	next, err := pool.Get()
	require.NoError(t, err)
	assert.NotSame(t, pc, next)
}

func TestChannelPool_ClosesSurplus(t *testing.T) {
	pool, _ := newPool(t, 1)

	a, err := pool.Get()
	require.NoError(t, err)
	b, err := pool.Get()
	require.NoError(t, err)

	pool.Put(a)
	pool.Put(b)
	assert.Equal(t, 1, pool.Len())
	assert.ErrorIs(t, b.Publish("events", "x", false, false, amqp.Publishing{}), amqp.ErrClosed)
}

func TestChannelPool_Discard(t *testing.T) {
	pool, _ := newPool(t, 1)

	pc, err := pool.Get()
	require.NoError(t, err)
	pool.Discard(pc)
	assert.Equal(t, 0, pool.Len())
	assert.ErrorIs(t, pc.ExchangeDeclare("events", "topic", true, false, false, false, nil), amqp.ErrClosed)
}

func TestChannelPool_DrainAndClose(t *testing.T) {
	pool, _ := newPool(t, 2)

	a, err := pool.Get()
	require.NoError(t, err)
	pool.Put(a)
	pool.Drain()
	assert.Equal(t, 0, pool.Len())

	b, err := pool.Get()
	require.NoError(t, err)
	pool.Put(b)

	pool.Close()
	_, err = pool.Get()
	assert.ErrorIs(t, err, broker.ErrDisposed)
	pool.Close()
}

func TestChannelPool_NotConnected(t *testing.T) {
	server := brokertest.NewServer()
	pool := broker.NewChannelPool(newManager(t, server), 1, nil)
	defer pool.Close()

	_, err := pool.Get()
	assert.ErrorIs(t, err, broker.ErrNotConnected)
}
