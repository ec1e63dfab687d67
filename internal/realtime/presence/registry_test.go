package presence_test

import (
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/bloodlink/internal/realtime/presence"
)

type session struct{ id uuid.UUID }

func (s session) ID() uuid.UUID { return s.id }

func newSession() session { return session{id: uuid.New()} }

func TestBindIsIdempotent(t *testing.T) {
	r := presence.NewRegistry(4)
	s := newSession()

	require.Nil(t, r.Bind("d1", s))
	require.Nil(t, r.Bind("d1", s))
	require.True(t, r.IsOnline("d1"))
	require.Equal(t, 1, r.OnlineCount())
}

func TestLastRegistrationWins(t *testing.T) {
	r := presence.NewRegistry(4)
	c1, c2 := newSession(), newSession()

	r.Bind("d1", c1)
	replaced := r.Bind("d1", c2)
	require.Equal(t, c1, replaced)
	require.Equal(t, 1, r.OnlineCount())

	got, ok := r.Lookup("d1")
	require.True(t, ok)
	require.Equal(t, c2.ID(), got.ID())

	// closing the superseded session must not take the donor offline
	_, ok = r.Unbind(c1)
	require.False(t, ok)
	require.True(t, r.IsOnline("d1"))

	donorID, ok := r.Unbind(c2)
	require.True(t, ok)
	require.Equal(t, "d1", donorID)
	require.False(t, r.IsOnline("d1"))
}

func TestUnbindOnlyOnce(t *testing.T) {
	r := presence.NewRegistry(4)
	s := newSession()
	r.Bind("d1", s)

	_, ok := r.Unbind(s)
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		_, ok = r.Unbind(s)
		require.False(t, ok)
	}
	require.Equal(t, 0, r.OnlineCount())
}

func TestRebindSessionToAnotherDonor(t *testing.T) {
	r := presence.NewRegistry(4)
	s := newSession()
	r.Bind("d1", s)
	r.Bind("d2", s)

	require.False(t, r.IsOnline("d1"))
	require.True(t, r.IsOnline("d2"))
	require.Equal(t, 1, r.OnlineCount())

	donorID, ok := r.Unbind(s)
	require.True(t, ok)
	require.Equal(t, "d2", donorID)
}

func TestSnapshotAndClear(t *testing.T) {
	r := presence.NewRegistry(8)
	for i := 0; i < 10; i++ {
		r.Bind("d"+strconv.Itoa(i), newSession())
	}
	snap := r.SnapshotOnlineDonorIDs()
	require.Len(t, snap, 10)
	require.Contains(t, snap, "d7")

	r.Clear()
	require.Equal(t, 0, r.OnlineCount())
	require.Empty(t, r.SnapshotOnlineDonorIDs())
}

func TestConcurrentChurn(t *testing.T) {
	r := presence.NewRegistry(16)
	const donors = 50
	const rounds = 40

	var wg sync.WaitGroup
	for d := 0; d < donors; d++ {
		for w := 0; w < 3; w++ {
			wg.Add(1)
			go func(donorID string) {
				defer wg.Done()
				for i := 0; i < rounds; i++ {
					s := newSession()
					r.Bind(donorID, s)
					r.IsOnline(donorID)
					r.Unbind(s)
				}
			}("donor-" + strconv.Itoa(d))
		}
	}
	wg.Wait()

	require.Equal(t, 0, r.OnlineCount())
	require.Empty(t, r.SnapshotOnlineDonorIDs())
}
