// Package hub owns live donor connections. It is the only writer to a
// connection: every outbound frame goes through a per-connection bounded
// queue drained by that connection's writer, so a stalled peer can only
// hurt itself.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/donation/domain"
	"github.com/example/bloodlink/internal/realtime/presence"
	"github.com/example/bloodlink/internal/realtime/wire"
)

var (
	ErrNotConnected     = fmt.Errorf("%w: donor not connected", domain.ErrDeliveryFailure)
	ErrQueueOverflow    = fmt.Errorf("%w: outbound queue full", domain.ErrDeliveryFailure)
	ErrConnectionClosed = fmt.Errorf("%w: connection closed", domain.ErrDeliveryFailure)
	ErrHubClosed        = fmt.Errorf("%w: hub closed", domain.ErrDeliveryFailure)

	errShutdown = errors.New("server shutting down")
)

// Config tunes connection handling.
type Config struct {
	SendQueueSize  int
	WriteTimeout   time.Duration
	ReadLimit      int64
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

// Hub tracks open connections and routes frames to bound donors.
type Hub struct {
	cfg      Config
	presence *presence.Registry
	logger   *zap.Logger

	mu     sync.RWMutex
	conns  map[uuid.UUID]*Conn
	closed bool
	wg     sync.WaitGroup
}

// New constructs a hub writing presence into reg.
func New(reg *presence.Registry, logger *zap.Logger, cfg Config) *Hub {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:      cfg,
		presence: reg,
		logger:   logger,
		conns:    make(map[uuid.UUID]*Conn),
	}
}

// Serve runs one connection until it closes. The connection starts Unbound
// and receives a welcome frame immediately.
func (h *Hub) Serve(ctx context.Context, t Transport) error {
	c, err := h.attach(ctx, t)
	if err != nil {
		_ = t.Close(false, errShutdown.Error())
		return err
	}
	defer h.wg.Done()

	c.logger.Debug("connection opened")
	_ = c.enqueue(wire.MustEncode(wire.Welcome{
		Type:         wire.TypeWelcome,
		Message:      "Connected to emergency alert system",
		ConnectionID: c.id.String(),
	}), nil)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()
	c.readLoop()
	<-writerDone
	return c.Err()
}

func (h *Hub) attach(ctx context.Context, t Transport) (*Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	c := newConn(ctx, h, t)
	h.conns[c.id] = c
	h.wg.Add(1)
	connectionsGauge.Inc()
	return c, nil
}

func (h *Hub) detach(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; ok {
		delete(h.conns, c.id)
		connectionsGauge.Dec()
	}
	h.mu.Unlock()
}

// Enqueue queues frame on the donor's live connection without blocking. The
// returned receipt resolves when the frame is written, the write deadline
// expires or the connection closes. Every failure wraps
// domain.ErrDeliveryFailure; a connection that cannot keep up is closed and
// unbound.
func (h *Hub) Enqueue(donorID string, frame wire.Frame) domain.Receipt {
	s, ok := h.presence.Lookup(donorID)
	if !ok {
		return failedReceipt{err: ErrNotConnected}
	}
	c, ok := s.(*Conn)
	if !ok {
		return failedReceipt{err: ErrNotConnected}
	}
	return c.submit(frame)
}

// Send is Enqueue followed by Wait.
func (h *Hub) Send(ctx context.Context, donorID string, frame wire.Frame) error {
	return h.Enqueue(donorID, frame).Wait(ctx)
}

// Broadcast queues frame on every open connection without waiting for the
// writes and returns how many connections accepted it.
func (h *Hub) Broadcast(frame wire.Frame) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	queued := 0
	for _, c := range targets {
		if err := c.enqueue(frame, nil); err == nil {
			queued++
		}
	}
	return queued
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Shutdown refuses new connections, closes every open one and clears
// presence before returning.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.logger.Info("closing connections", zap.Int("count", len(conns)))
	for _, c := range conns {
		go c.close(errShutdown, true)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("hub shutdown: %w", ctx.Err())
	}
	h.presence.Clear()
	return err
}
