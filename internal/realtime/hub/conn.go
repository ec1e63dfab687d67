package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/donation/domain"
	"github.com/example/bloodlink/internal/realtime/wire"
)

// State is a connection's position in Unbound -> Bound -> Closed.
type State int32

const (
	StateUnbound State = iota
	StateBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	default:
		return "closed"
	}
}

type outbound struct {
	frame  wire.Frame
	result chan error
}

// Conn is one live transport session. Inbound frames are handled on a single
// reader goroutine; outbound frames on a single writer goroutine.
type Conn struct {
	id        uuid.UUID
	hub       *Hub
	transport Transport
	queue     chan outbound
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger

	mu      sync.Mutex
	state   State
	donorID string
	err     error

	closeOnce sync.Once
}

func newConn(parent context.Context, h *Hub, t Transport) *Conn {
	id := uuid.New()
	ctx, cancel := context.WithCancel(parent)
	return &Conn{
		id:        id,
		hub:       h,
		transport: t,
		queue:     make(chan outbound, h.cfg.SendQueueSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		logger:    h.logger.With(zap.String("conn_id", id.String())),
	}
}

// ID satisfies presence.Session.
func (c *Conn) ID() uuid.UUID { return c.id }

// State returns the current state and, when bound, the donor id.
func (c *Conn) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.donorID
}

// Err returns the reason the connection closed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) readLoop() {
	for {
		readCtx, cancel := c.ctx, context.CancelFunc(func() {})
		if c.hub.cfg.IdleTimeout > 0 {
			readCtx, cancel = context.WithTimeout(c.ctx, c.hub.cfg.IdleTimeout)
		}
		data, err := c.transport.Read(readCtx)
		cancel()
		if err != nil {
			c.close(fmt.Errorf("read: %w", err), false)
			return
		}
		c.handle(data)
	}
}

func (c *Conn) handle(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		malformedTotal.Inc()
		c.logger.Warn("dropping malformed message", zap.Error(err))
		_ = c.enqueue(wire.MustEncode(wire.Error{Type: wire.TypeError, Message: err.Error()}), nil)
		return
	}

	switch msg.Type {
	case wire.TypeRegisterDonor:
		if err := c.bind(msg.DonorID); err != nil {
			return
		}
		_ = c.enqueue(wire.MustEncode(wire.RegistrationSuccess{
			Type:    wire.TypeRegistrationSuccess,
			DonorID: msg.DonorID,
			Message: "Registered for emergency alerts",
		}), nil)
	}
}

func (c *Conn) bind(donorID string) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	replaced := c.hub.presence.Bind(donorID, c)
	c.state = StateBound
	c.donorID = donorID
	c.mu.Unlock()

	if replaced != nil {
		if prev, ok := replaced.(*Conn); ok && prev != c {
			prev.supersede(donorID)
		}
		c.logger.Info("donor binding superseded",
			zap.String("donor_id", donorID),
			zap.String("previous_conn_id", replaced.ID().String()))
	} else {
		c.logger.Debug("donor bound", zap.String("donor_id", donorID))
	}
	return nil
}

// supersede drops a connection back to Unbound after another connection
// claimed its donor. The transport stays open.
func (c *Conn) supersede(donorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateBound && c.donorID == donorID {
		c.state = StateUnbound
		c.donorID = ""
	}
}

func (c *Conn) enqueue(frame wire.Frame, result chan error) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.queue <- outbound{frame: frame, result: result}:
		return nil
	default:
		dropsTotal.WithLabelValues("overflow").Inc()
		c.close(ErrQueueOverflow, false)
		return ErrQueueOverflow
	}
}

type receipt struct {
	c      *Conn
	result chan error
}

func (r *receipt) Wait(ctx context.Context) error {
	select {
	case err := <-r.result:
		return writeFailure(err)
	case <-r.c.done:
		select {
		case err := <-r.result:
			return writeFailure(err)
		default:
			return ErrConnectionClosed
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", domain.ErrDeliveryFailure, ctx.Err())
	}
}

type failedReceipt struct{ err error }

func (f failedReceipt) Wait(context.Context) error { return f.err }

func (c *Conn) submit(frame wire.Frame) domain.Receipt {
	result := make(chan error, 1)
	if err := c.enqueue(frame, result); err != nil {
		return failedReceipt{err: err}
	}
	return &receipt{c: c, result: result}
}

func writeFailure(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrDeliveryFailure, err)
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case ob := <-c.queue:
			err := c.write(ob.frame)
			if ob.result != nil {
				ob.result <- err
			}
			if err != nil {
				dropsTotal.WithLabelValues("write_error").Inc()
				c.close(fmt.Errorf("write: %w", err), false)
				return
			}
		}
	}
}

func (c *Conn) write(frame wire.Frame) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.hub.cfg.WriteTimeout)
	defer cancel()
	return c.transport.Write(ctx, frame)
}

// close moves the connection to Closed exactly once. Presence is released
// before the transport is torn down so the donor reads offline immediately.
func (c *Conn) close(reason error, graceful bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.err = reason
		c.mu.Unlock()

		if donorID, ok := c.hub.presence.Unbind(c); ok {
			c.logger.Debug("donor offline", zap.String("donor_id", donorID))
		}
		close(c.done)
		c.cancel()
		c.hub.detach(c)

		if reason != nil && !errors.Is(reason, errShutdown) {
			c.logger.Debug("connection closed", zap.Error(reason))
		}
		_ = c.transport.Close(graceful, closeReason(reason))
	})
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errShutdown):
		return errShutdown.Error()
	case errors.Is(err, ErrQueueOverflow):
		return "slow consumer"
	default:
		return "connection error"
	}
}
