package hub

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/example/bloodlink/internal/donation/domain"
	"github.com/example/bloodlink/internal/realtime/presence"
	"github.com/example/bloodlink/internal/realtime/wire"
)

type fakeTransport struct {
	in        chan []byte
	written   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	stall     atomic.Bool
	graceful  atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:      make(chan []byte, 16),
		written: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(ctx context.Context, frame []byte) error {
	if f.stall.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.closed:
			return io.ErrClosedPipe
		}
	}
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	f.written <- append([]byte(nil), frame...)
	return nil
}

func (f *fakeTransport) Close(graceful bool, _ string) error {
	f.closeOnce.Do(func() {
		f.graceful.Store(graceful)
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) expect(t *testing.T, typ wire.Type) gjson.Result {
	t.Helper()
	select {
	case b := <-f.written:
		parsed := gjson.ParseBytes(b)
		require.Equal(t, string(typ), parsed.Get("type").String(), string(b))
		return parsed
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s frame", typ)
		return gjson.Result{}
	}
}

func serve(h *Hub, tr Transport) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.Serve(context.Background(), tr) }()
	return done
}

func register(t *testing.T, tr *fakeTransport, donorID string) {
	t.Helper()
	tr.in <- []byte(`{"type":"register_donor","donor_id":"` + donorID + `"}`)
	got := tr.expect(t, wire.TypeRegistrationSuccess)
	require.Equal(t, donorID, got.Get("donor_id").String())
}

func TestWelcomeThenRegister(t *testing.T) {
	reg := presence.NewRegistry(4)
	h := New(reg, nil, Config{})
	tr := newFakeTransport()
	serve(h, tr)

	welcome := tr.expect(t, wire.TypeWelcome)
	require.NotEmpty(t, welcome.Get("connection_id").String())
	require.False(t, reg.IsOnline("d1"))

	register(t, tr, "d1")
	require.True(t, reg.IsOnline("d1"))
	require.Equal(t, 1, h.ConnectionCount())

	require.NoError(t, h.Send(context.Background(), "d1", wire.Frame(`{"type":"emergency_alert"}`)))
	tr.expect(t, wire.TypeEmergencyAlert)
}

func TestMalformedMessageKeepsConnectionOpen(t *testing.T) {
	reg := presence.NewRegistry(4)
	h := New(reg, nil, Config{})
	tr := newFakeTransport()
	serve(h, tr)
	tr.expect(t, wire.TypeWelcome)

	tr.in <- []byte(`invalid json`)
	tr.expect(t, wire.TypeError)
	tr.in <- []byte(`{"type":"subscribe"}`)
	tr.expect(t, wire.TypeError)

	require.False(t, tr.isClosed())
	register(t, tr, "d1")
	require.True(t, reg.IsOnline("d1"))
}

func TestSendToOfflineDonor(t *testing.T) {
	h := New(presence.NewRegistry(4), nil, Config{})
	err := h.Send(context.Background(), "ghost", wire.Frame(`{}`))
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, err, domain.ErrDeliveryFailure)
}

func TestPeerCloseReleasesPresence(t *testing.T) {
	reg := presence.NewRegistry(4)
	h := New(reg, nil, Config{})
	tr := newFakeTransport()
	done := serve(h, tr)
	tr.expect(t, wire.TypeWelcome)
	register(t, tr, "d1")

	require.NoError(t, tr.Close(false, ""))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after peer close")
	}
	require.False(t, reg.IsOnline("d1"))
	require.Equal(t, 0, h.ConnectionCount())

	err := h.Send(context.Background(), "d1", wire.Frame(`{}`))
	require.ErrorIs(t, err, domain.ErrDeliveryFailure)
}

func TestLastRegistrationWins(t *testing.T) {
	reg := presence.NewRegistry(4)
	h := New(reg, nil, Config{})
	first, second := newFakeTransport(), newFakeTransport()
	serve(h, first)
	serve(h, second)
	first.expect(t, wire.TypeWelcome)
	second.expect(t, wire.TypeWelcome)

	register(t, first, "d1")
	prev, ok := reg.Lookup("d1")
	require.True(t, ok)
	register(t, second, "d1")

	state, donor := prev.(*Conn).State()
	require.Equal(t, StateUnbound, state)
	require.Empty(t, donor)
	require.False(t, first.isClosed())

	require.NoError(t, h.Send(context.Background(), "d1", wire.Frame(`{"type":"emergency_alert"}`)))
	second.expect(t, wire.TypeEmergencyAlert)
	require.Empty(t, first.written)

	// Closing the superseded connection must not take the donor offline.
	require.NoError(t, first.Close(false, ""))
	require.Eventually(t, func() bool { return h.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.True(t, reg.IsOnline("d1"))
}

func TestStalledWriterFailsDelivery(t *testing.T) {
	reg := presence.NewRegistry(4)
	h := New(reg, nil, Config{WriteTimeout: 50 * time.Millisecond})
	tr := newFakeTransport()
	serve(h, tr)
	tr.expect(t, wire.TypeWelcome)
	register(t, tr, "d1")

	tr.stall.Store(true)
	start := time.Now()
	err := h.Send(context.Background(), "d1", wire.Frame(`{"type":"emergency_alert"}`))
	require.ErrorIs(t, err, domain.ErrDeliveryFailure)
	require.Less(t, time.Since(start), time.Second)

	require.Eventually(t, func() bool { return !reg.IsOnline("d1") }, time.Second, 10*time.Millisecond)
	require.True(t, tr.isClosed())
}

func TestEnqueueDoesNotWaitForStalledPeers(t *testing.T) {
	reg := presence.NewRegistry(4)
	h := New(reg, nil, Config{WriteTimeout: 5 * time.Second})
	stalled, healthy := newFakeTransport(), newFakeTransport()
	serve(h, stalled)
	serve(h, healthy)
	stalled.expect(t, wire.TypeWelcome)
	healthy.expect(t, wire.TypeWelcome)
	register(t, stalled, "slow")
	register(t, healthy, "fast")
	stalled.stall.Store(true)

	frame := wire.Frame(`{"type":"emergency_alert"}`)
	start := time.Now()
	slow := h.Enqueue("slow", frame)
	fast := h.Enqueue("fast", frame)
	require.NoError(t, fast.Wait(context.Background()))
	healthy.expect(t, wire.TypeEmergencyAlert)
	require.Less(t, time.Since(start), time.Second)

	require.True(t, reg.IsOnline("slow"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, slow.Wait(ctx), domain.ErrDeliveryFailure)

	require.ErrorIs(t, h.Enqueue("ghost", frame).Wait(context.Background()), ErrNotConnected)
}

func TestQueueOverflowClosesConnection(t *testing.T) {
	reg := presence.NewRegistry(4)
	h := New(reg, nil, Config{SendQueueSize: 1, WriteTimeout: 5 * time.Second})
	tr := newFakeTransport()
	serve(h, tr)
	tr.expect(t, wire.TypeWelcome)
	register(t, tr, "d1")

	tr.stall.Store(true)
	frame := wire.Frame(`{"type":"general_alert"}`)
	require.Eventually(t, func() bool {
		h.Broadcast(frame)
		return !reg.IsOnline("d1")
	}, 2*time.Second, time.Millisecond)
	require.True(t, tr.isClosed())
	require.False(t, tr.graceful.Load())

	err := h.Send(context.Background(), "d1", frame)
	require.ErrorIs(t, err, domain.ErrDeliveryFailure)
}

func TestSendHonoursContext(t *testing.T) {
	reg := presence.NewRegistry(4)
	h := New(reg, nil, Config{WriteTimeout: 5 * time.Second})
	tr := newFakeTransport()
	serve(h, tr)
	tr.expect(t, wire.TypeWelcome)
	register(t, tr, "d1")

	tr.stall.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Send(ctx, "d1", wire.Frame(`{}`))
	require.ErrorIs(t, err, domain.ErrDeliveryFailure)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestBroadcastReachesUnboundConnections(t *testing.T) {
	h := New(presence.NewRegistry(4), nil, Config{})
	a, b := newFakeTransport(), newFakeTransport()
	serve(h, a)
	serve(h, b)
	a.expect(t, wire.TypeWelcome)
	b.expect(t, wire.TypeWelcome)
	register(t, a, "d1")

	require.Equal(t, 2, h.Broadcast(wire.Frame(`{"type":"new_donor"}`)))
	a.expect(t, wire.TypeNewDonor)
	b.expect(t, wire.TypeNewDonor)
}

func TestShutdownClosesEverything(t *testing.T) {
	reg := presence.NewRegistry(4)
	h := New(reg, nil, Config{})
	transports := make([]*fakeTransport, 3)
	dones := make([]<-chan error, 3)
	for i := range transports {
		transports[i] = newFakeTransport()
		dones[i] = serve(h, transports[i])
		transports[i].expect(t, wire.TypeWelcome)
		register(t, transports[i], string(rune('a'+i)))
	}
	require.Equal(t, 3, reg.OnlineCount())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))

	require.Equal(t, 0, reg.OnlineCount())
	require.Equal(t, 0, h.ConnectionCount())
	for i, tr := range transports {
		require.True(t, tr.isClosed())
		require.True(t, tr.graceful.Load())
		select {
		case <-dones[i]:
		case <-time.After(time.Second):
			t.Fatalf("connection %d still serving after shutdown", i)
		}
	}

	late := newFakeTransport()
	require.ErrorIs(t, h.Serve(context.Background(), late), ErrHubClosed)
	require.True(t, late.isClosed())
}

func TestWebsocketEndToEnd(t *testing.T) {
	reg := presence.NewRegistry(4)
	h := New(reg, nil, Config{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	read := func(typ wire.Type) gjson.Result {
		_, data, err := ws.Read(ctx)
		require.NoError(t, err)
		parsed := gjson.ParseBytes(data)
		require.Equal(t, string(typ), parsed.Get("type").String())
		return parsed
	}

	read(wire.TypeWelcome)
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"type":"register_donor","donor_id":"d9"}`)))
	read(wire.TypeRegistrationSuccess)
	require.True(t, reg.IsOnline("d9"))

	frame := wire.MustEncode(wire.GeneralAlert{Type: wire.TypeGeneralAlert, Message: "hello"})
	require.NoError(t, h.Send(ctx, "d9", frame))
	got := read(wire.TypeGeneralAlert)
	require.Equal(t, "hello", got.Get("message").String())

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return !reg.IsOnline("d9") }, 2*time.Second, 10*time.Millisecond)
}
