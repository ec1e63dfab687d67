// Package outbox relays alert records committed to alert_outbox onto NATS.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	relayPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alert_outbox_published_total",
		Help: "Alert outbox rows published to NATS.",
	})
	relayFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alert_outbox_failed_total",
		Help: "Alert outbox rows that exhausted their publish retries.",
	})
	relayLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alert_outbox_lag_seconds",
		Help: "Age of the oldest row in the last relayed batch.",
	})
)

type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
}

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker polls alert_outbox and publishes pending rows in id order. Rows are
// locked with SKIP LOCKED so several replicas can relay concurrently.
type Worker struct {
	db        *sql.DB
	publisher msgPublisher
	logger    *zap.Logger
	cfg       WorkerConfig
	tracer    trace.Tracer
	backoff   func(attempt int) time.Duration
}

func NewWorker(db *sql.DB, conn *nats.Conn, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		db:      db,
		logger:  logger,
		cfg:     cfg,
		tracer:  otel.Tracer("bloodlink.outbox"),
		backoff: func(attempt int) time.Duration { return time.Duration(attempt*attempt) * 100 * time.Millisecond },
	}
	if conn != nil {
		w.publisher = conn
	}
	return w
}

// Run relays until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.db == nil || w.publisher == nil {
		return errors.New("outbox relay requires database and NATS connection")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if n, err := w.relayBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("outbox batch failed", zap.Error(err))
		} else if n > 0 {
			w.logger.Debug("outbox batch relayed", zap.Int("rows", n))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type row struct {
	ID        int64
	Subject   string
	Payload   []byte
	CreatedAt time.Time
}

// relayBatch publishes one batch inside a transaction. A row that cannot be
// published rolls the batch back so ordering is kept.
func (w *Worker) relayBatch(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "outbox.relay")
	defer span.End()

	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := w.pending(ctx, tx)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("outbox.rows", len(rows)))
	if len(rows) == 0 {
		return 0, tx.Commit()
	}

	oldest := 0.0
	for _, r := range rows {
		if err := w.publish(ctx, r); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE alert_outbox SET published = TRUE WHERE id = $1`, r.ID); err != nil {
			return 0, fmt.Errorf("mark published %d: %w", r.ID, err)
		}
		relayPublishedTotal.Inc()
		if lag := time.Since(r.CreatedAt).Seconds(); lag > oldest {
			oldest = lag
		}
	}
	relayLagSeconds.Set(oldest)
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox: %w", err)
	}
	return len(rows), nil
}

func (w *Worker) pending(ctx context.Context, tx *sql.Tx) ([]row, error) {
	rs, err := tx.QueryContext(ctx, `SELECT id, subject, payload, created_at FROM alert_outbox
WHERE NOT published ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, w.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select outbox: %w", err)
	}
	defer rs.Close()
	var out []row
	for rs.Next() {
		var r row
		if err := rs.Scan(&r.ID, &r.Subject, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		out = append(out, r)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

func (w *Worker) publish(ctx context.Context, r row) error {
	ctx, span := w.tracer.Start(ctx, "outbox.publish", trace.WithAttributes(attribute.Int64("outbox.id", r.ID)))
	defer span.End()
	if r.Subject == "" {
		return fmt.Errorf("outbox row %d has no subject", r.ID)
	}
	msg := nats.NewMsg(r.Subject)
	msg.Data = r.Payload
	msg.Header.Set("x-outbox-id", fmt.Sprint(r.ID))
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}

	for attempt := 1; ; attempt++ {
		err := w.publisher.PublishMsg(msg)
		if err == nil {
			return nil
		}
		w.logger.Warn("outbox publish failed", zap.Int64("outbox_id", r.ID), zap.Int("attempt", attempt), zap.Error(err))
		if attempt >= w.cfg.RetryMax {
			relayFailedTotal.Inc()
			return fmt.Errorf("publish outbox %d: %w", r.ID, err)
		}
		select {
		case <-time.After(w.backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
