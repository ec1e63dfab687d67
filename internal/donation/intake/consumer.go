// Package intake feeds request-created and donor-registered events from NATS
// into the alert broadcaster.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/bloodlink/internal/donation/domain"
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "intake_events_total",
	Help: "Inbound domain events grouped by subject kind and outcome.",
}, []string{"event", "result"})

// Handler is the subset of the broadcaster the consumer drives.
type Handler interface {
	HandleRequestCreated(ctx context.Context, requestID string) (domain.DeliverySummary, error)
	AnnounceDonor(ctx context.Context, donorID string) (int, error)
}

type Config struct {
	RequestSubject string
	DonorSubject   string
	QueueGroup     string
	HandlerTimeout time.Duration
	// Workers bounds how many events are handled at once across both
	// subjects. Buffer is the pending-message capacity per subject.
	Workers int
	Buffer  int
}

type Consumer struct {
	conn    *nats.Conn
	handler Handler
	logger  *zap.Logger
	cfg     Config
}

func NewConsumer(conn *nats.Conn, handler Handler, logger *zap.Logger, cfg Config) *Consumer {
	if cfg.RequestSubject == "" {
		cfg.RequestSubject = "bloodrequests.created"
	}
	if cfg.DonorSubject == "" {
		cfg.DonorSubject = "donors.registered"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "alertservice"
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{conn: conn, handler: handler, logger: logger, cfg: cfg}
}

// Run subscribes and handles events on a pool of workers until ctx is
// cancelled, so one slow dispatch cannot hold up the next event.
func (c *Consumer) Run(ctx context.Context) error {
	if c.conn == nil {
		return errors.New("intake consumer requires a NATS connection")
	}
	requests := make(chan *nats.Msg, c.cfg.Buffer)
	reqSub, err := c.conn.ChanQueueSubscribe(c.cfg.RequestSubject, c.cfg.QueueGroup, requests)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.cfg.RequestSubject, err)
	}
	defer reqSub.Unsubscribe() //nolint:errcheck

	donors := make(chan *nats.Msg, c.cfg.Buffer)
	donorSub, err := c.conn.ChanQueueSubscribe(c.cfg.DonorSubject, c.cfg.QueueGroup, donors)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.cfg.DonorSubject, err)
	}
	defer donorSub.Unsubscribe() //nolint:errcheck

	c.logger.Info("intake subscribed",
		zap.String("requests", c.cfg.RequestSubject),
		zap.String("donors", c.cfg.DonorSubject),
		zap.String("queue", c.cfg.QueueGroup),
		zap.Int("workers", c.cfg.Workers))
	return c.process(ctx, requests, donors)
}

// process drains both channels with cfg.Workers goroutines and returns once
// ctx is done and every in-flight event has finished.
func (c *Consumer) process(ctx context.Context, requests, donors <-chan *nats.Msg) error {
	var g errgroup.Group
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg := <-requests:
					c.onRequestCreated(ctx, msg)
				case msg := <-donors:
					c.onDonorRegistered(ctx, msg)
				}
			}
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (c *Consumer) onRequestCreated(ctx context.Context, msg *nats.Msg) {
	id := gjson.GetBytes(msg.Data, "request_id").String()
	if id == "" {
		eventsTotal.WithLabelValues("request_created", "malformed").Inc()
		c.logger.Warn("request event without request_id", zap.ByteString("payload", msg.Data))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()

	summary, err := c.handler.HandleRequestCreated(ctx, id)
	if err != nil {
		eventsTotal.WithLabelValues("request_created", "failed").Inc()
		c.logger.Warn("request dispatch failed",
			zap.String("request_id", id),
			zap.String("trace_id", msg.Header.Get("x-trace-id")),
			zap.Error(err))
		return
	}
	eventsTotal.WithLabelValues("request_created", "ok").Inc()
	c.logger.Debug("request dispatched", zap.String("request_id", id), zap.Int("delivered", summary.OnlineCount))
}

func (c *Consumer) onDonorRegistered(ctx context.Context, msg *nats.Msg) {
	id := gjson.GetBytes(msg.Data, "donor_id").String()
	if id == "" {
		eventsTotal.WithLabelValues("donor_registered", "malformed").Inc()
		c.logger.Warn("donor event without donor_id", zap.ByteString("payload", msg.Data))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()

	if _, err := c.handler.AnnounceDonor(ctx, id); err != nil {
		eventsTotal.WithLabelValues("donor_registered", "failed").Inc()
		c.logger.Warn("donor announcement failed", zap.String("donor_id", id), zap.Error(err))
		return
	}
	eventsTotal.WithLabelValues("donor_registered", "ok").Inc()
}
