package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/bloodlink/internal/donation/domain"
	"github.com/example/bloodlink/internal/donation/repository"
	"github.com/example/bloodlink/internal/donation/service"
)

func TestAggregatorSnapshot(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.CreateDonor(ctx, domain.Donor{ID: "1", BloodType: domain.APos, Available: true}))
	require.NoError(t, repo.CreateDonor(ctx, domain.Donor{ID: "2", BloodType: domain.ONeg, Available: true}))
	require.NoError(t, repo.CreateDonor(ctx, domain.Donor{ID: "3", BloodType: domain.ONeg, Available: false}))
	require.NoError(t, repo.CreateRequest(ctx, domain.BloodRequest{ID: "r1", BloodTypeNeeded: domain.APos, Status: domain.StatusActive}))
	require.NoError(t, repo.CreateRequest(ctx, domain.BloodRequest{ID: "r2", BloodTypeNeeded: domain.APos, Status: domain.StatusCancelled}))

	notifier := newStubNotifier()
	notifier.conns = 3
	agg := service.NewAggregator(repo, repo, newStubPresence("1", "2"), notifier)

	stats, err := agg.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalDonors)
	require.Equal(t, 2, stats.OnlineDonors)
	require.Equal(t, 1, stats.TotalActiveRequests)
	require.Equal(t, 3, stats.ActiveAlertConnections)
	require.Len(t, stats.BloodTypeBreakdown, 8)
	require.Equal(t, service.TypeCounts{Donors: 1, Requests: 1}, stats.BloodTypeBreakdown[domain.APos])
	require.Equal(t, service.TypeCounts{Donors: 1}, stats.BloodTypeBreakdown[domain.ONeg])
	require.Equal(t, service.TypeCounts{}, stats.BloodTypeBreakdown[domain.ABNeg])
}

type failingRequests struct{ *repository.MemoryRepository }

func (failingRequests) CountActive(context.Context) (int, error) {
	return 0, errors.New("store unavailable")
}

func TestAggregatorPropagatesStoreErrors(t *testing.T) {
	repo := repository.NewMemoryRepository()
	agg := service.NewAggregator(repo, failingRequests{repo}, newStubPresence(), nil)
	_, err := agg.Snapshot(context.Background())
	require.ErrorContains(t, err, "store unavailable")
}

func TestParseReminderPolicy(t *testing.T) {
	p, err := service.ParseReminderPolicy("")
	require.NoError(t, err)
	require.Equal(t, service.ReminderResendAll, p)

	p, err = service.ParseReminderPolicy("skip_alerted")
	require.NoError(t, err)
	require.Equal(t, service.ReminderSkipAlerted, p)

	_, err = service.ParseReminderPolicy("sometimes")
	require.Error(t, err)
}
