//go:build integration

package outbox

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	natsmodule "github.com/testcontainers/testcontainers-go/modules/nats"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/bloodlink/internal/donation/domain"
	"github.com/example/bloodlink/internal/donation/repository"
)

func TestRelayPublishesRecordedAlerts(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, ctx)
	store := repository.NewPostgresStore(db, "alerts.dispatched")
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.Record(ctx, domain.AlertRecord{
		ID: "a1", RequestID: "r1", Kind: domain.AlertEmergency, Urgency: domain.UrgencyCritical,
		DonorsNotified: 2, TotalCompatible: 3, CreatedAt: time.Now().UTC(),
	}))

	nc := connectNATS(t, ctx)
	msgs := make(chan *nats.Msg, 1)
	_, err := nc.Subscribe("alerts.dispatched", func(m *nats.Msg) { msgs <- m })
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	worker := NewWorker(db, nc, zap.NewNop(), WorkerConfig{PollInterval: 100 * time.Millisecond})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = worker.Run(runCtx) }()

	select {
	case <-time.After(10 * time.Second):
		t.Fatal("expected relayed alert")
	case m := <-msgs:
		require.Contains(t, string(m.Data), `"blood_request_id":"r1"`)
		require.Equal(t, "1", m.Header.Get("x-outbox-id"))
	}
	require.Eventually(t, func() bool { return published(t, ctx, db, 1) }, 5*time.Second, 50*time.Millisecond)
}

type flakyPublisher struct {
	base    *nats.Conn
	failFor atomic.Int32
}

func (f *flakyPublisher) PublishMsg(msg *nats.Msg) error {
	if f.failFor.Add(-1) >= 0 {
		return errors.New("simulated nats outage")
	}
	return f.base.PublishMsg(msg)
}

func TestRelayRetriesThenPublishes(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, ctx)
	store := repository.NewPostgresStore(db, "alerts.retry")
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.Record(ctx, domain.AlertRecord{ID: "a1", RequestID: "r1", Kind: domain.AlertReminder, CreatedAt: time.Now().UTC()}))

	nc := connectNATS(t, ctx)
	msgs := make(chan *nats.Msg, 1)
	_, err := nc.Subscribe("alerts.retry", func(m *nats.Msg) { msgs <- m })
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	worker := NewWorker(db, nc, zap.NewNop(), WorkerConfig{PollInterval: 100 * time.Millisecond, RetryMax: 5})
	flaky := &flakyPublisher{base: nc}
	flaky.failFor.Store(3)
	worker.publisher = flaky
	worker.backoff = func(int) time.Duration { return 10 * time.Millisecond }

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = worker.Run(runCtx) }()

	select {
	case <-time.After(10 * time.Second):
		t.Fatal("expected publish after retries")
	case m := <-msgs:
		require.Contains(t, string(m.Data), `"alert_type":"reminder"`)
	}
}

func openDB(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	pg, err := postgrescontainer.Run(ctx, "postgres:16",
		postgrescontainer.WithDatabase("bloodlink"),
		postgrescontainer.WithUsername("postgres"),
		postgrescontainer.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2)))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pg.Terminate(ctx)) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func connectNATS(t *testing.T, ctx context.Context) *nats.Conn {
	t.Helper()
	container, err := natsmodule.Run(ctx, "nats:2")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })
	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Drain() })
	return nc
}

func published(t *testing.T, ctx context.Context, db *sql.DB, id int64) bool {
	t.Helper()
	var ok bool
	require.NoError(t, db.QueryRowContext(ctx, `SELECT published FROM alert_outbox WHERE id = $1`, id).Scan(&ok))
	return ok
}
