package eventbus_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-eventbus/pkg/config"
	"github.com/zoff-tech/go-eventbus/pkg/eventbus"
	"github.com/zoff-tech/go-eventbus/pkg/inbox"
	"github.com/zoff-tech/go-eventbus/pkg/outbox"
	"github.com/zoff-tech/go-eventbus/pkg/store"
	"github.com/zoff-tech/go-eventbus/pkg/subscription"
	"github.com/zoff-tech/go-eventbus/schema"
)

func openSQLite(t *testing.T, name string) *store.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), name+".db") + "?_pragma=busy_timeout(5000)"
	db, err := store.Open(context.Background(), config.DbSettings{Type: "sqlite", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// An order committed with its outbox entry reaches the billing service
// exactly once even though the delivery is requeued twice.
func TestOrderCreatedReachesBillingOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// ordering service
	ordersDB := openSQLite(t, "ordering")
	_, err := ordersDB.Exec(`CREATE TABLE orders (id TEXT PRIMARY KEY, total INTEGER NOT NULL)`)
	require.NoError(t, err)
	ob := outbox.NewSQLStore(ordersDB, config.OutboxSettings{})
	require.NoError(t, ob.EnsureSchema(ctx))

	// billing service
	billingDB := openSQLite(t, "billing")
	_, err = billingDB.Exec(`CREATE TABLE reservations (order_id TEXT NOT NULL)`)
	require.NoError(t, err)
	ib := inbox.NewSQLStore(billingDB, config.InboxSettings{})
	require.NoError(t, ib.EnsureSchema(ctx))
	guard := inbox.NewGuard(ib, inbox.WithTransactor(ib))

	var reserved atomic.Int32
	f.resolver.RegisterHandler("billing.reserve", guard.Wrap(eventbus.HandlerFunc(func(ctx context.Context, msg eventbus.Message) error {
		order := msg.Event.(orderCreated)
		if _, err := billingDB.Querier(ctx).ExecContext(ctx, `INSERT INTO reservations (order_id) VALUES (?)`, order.OrderID); err != nil {
			return err
		}
		reserved.Add(1)
		return nil
	})))
	flaky := &recorder{fail: func(call int) bool { return call <= 2 }}
	f.resolver.RegisterHandler("audit.record", flaky)

	decoder := subscription.WithDecoder(subscription.Decode[orderCreated]())
	require.NoError(t, f.bus.Subscribe(ctx, "OrderCreated", "billing.reserve", decoder))
	require.NoError(t, f.bus.Subscribe(ctx, "OrderCreated", "audit.record", decoder))

	env := newOrderCreated(t, "o-1")
	require.NoError(t, ob.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := ordersDB.Querier(ctx).ExecContext(ctx, `INSERT INTO orders (id, total) VALUES (?, ?)`, "o-1", 4200); err != nil {
			return err
		}
		return ob.Enqueue(ctx, env)
	}))

	res, err := outbox.NewDispatcher(ob, f.bus, config.OutboxSettings{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Result{Processed: 1}, res)

	entry, err := ob.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.True(t, entry.Processed())

	require.Eventually(t, func() bool { return f.server.Acks() == 1 }, waitFor, tick)
	assert.Equal(t, 2, f.server.Nacks())
	assert.Equal(t, 3, flaky.calls())
	assert.Equal(t, int32(1), reserved.Load())

	var rows int
	require.NoError(t, billingDB.QueryRow(`SELECT COUNT(*) FROM inbox WHERE message_id = ?`, env.ID.String()).Scan(&rows))
	assert.Equal(t, 1, rows)
	require.NoError(t, billingDB.QueryRow(`SELECT COUNT(*) FROM reservations`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

type paymentSucceeded struct {
	OrderID string `json:"order_id"`
	Amount  int    `json:"amount"`
}

type billingView struct {
	Total     int64
	Paid      bool
	InboxRows int
}

// project feeds envs to a billing read model one delivery at a time, in the
// given order, and returns what the model ends up holding for orderID.
func project(t *testing.T, orderID string, envs ...schema.Envelope) billingView {
	t.Helper()
	ctx := context.Background()
	f := newFixture(t)

	db := openSQLite(t, "billing")
	_, err := db.Exec(`CREATE TABLE order_view (order_id TEXT PRIMARY KEY, total INTEGER NULL, paid INTEGER NOT NULL DEFAULT 0)`)
	require.NoError(t, err)
	ib := inbox.NewSQLStore(db, config.InboxSettings{})
	require.NoError(t, ib.EnsureSchema(ctx))
	guard := inbox.NewGuard(ib, inbox.WithTransactor(ib))

	f.resolver.RegisterHandler("billing.project", guard.Wrap(eventbus.HandlerFunc(func(ctx context.Context, msg eventbus.Message) error {
		q := db.Querier(ctx)
		switch e := msg.Event.(type) {
		case orderCreated:
			_, err := q.ExecContext(ctx, `INSERT INTO order_view (order_id, total) VALUES (?, ?)
				ON CONFLICT (order_id) DO UPDATE SET total = excluded.total`, e.OrderID, e.Total)
			return err
		case paymentSucceeded:
			_, err := q.ExecContext(ctx, `INSERT INTO order_view (order_id, paid) VALUES (?, 1)
				ON CONFLICT (order_id) DO UPDATE SET paid = 1`, e.OrderID)
			return err
		default:
			return fmt.Errorf("unexpected event %T", msg.Event)
		}
	})))
	require.NoError(t, f.bus.Subscribe(ctx, "OrderCreated", "billing.project",
		subscription.WithDecoder(subscription.Decode[orderCreated]())))
	require.NoError(t, f.bus.Subscribe(ctx, "PaymentSucceeded", "billing.project",
		subscription.WithDecoder(subscription.Decode[paymentSucceeded]())))

	for i, env := range envs {
		require.NoError(t, f.bus.Publish(ctx, env))
		require.Eventually(t, func() bool { return f.server.Acks() == i+1 }, waitFor, tick)
	}
	assert.Zero(t, f.server.Nacks())

	var (
		view  billingView
		total sql.NullInt64
	)
	require.NoError(t, db.QueryRow(`SELECT total, paid FROM order_view WHERE order_id = ?`, orderID).Scan(&total, &view.Paid))
	view.Total = total.Int64
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM inbox`).Scan(&view.InboxRows))
	return view
}

// A payment may overtake the order it pays for; the billing view converges
// to the same state for every delivery order, redeliveries included.
func TestOrderAndPaymentInAnyOrder(t *testing.T) {
	created := newOrderCreated(t, "o-7")
	paid, err := schema.NewEnvelope("PaymentSucceeded", paymentSucceeded{OrderID: "o-7", Amount: 4200})
	require.NoError(t, err)

	want := billingView{Total: 4200, Paid: true, InboxRows: 2}
	orders := map[string][]schema.Envelope{
		"order first":               {created, paid},
		"payment first":             {paid, created},
		"payment first redelivered": {paid, created, paid},
		"order redelivered last":    {created, paid, created},
	}
	for name, envs := range orders {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, want, project(t, "o-7", envs...))
		})
	}
}
