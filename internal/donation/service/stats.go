package service

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/example/bloodlink/internal/donation/domain"
)

// TypeCounts pairs available donors and active requests for one blood type.
type TypeCounts struct {
	Donors   int `json:"donors"`
	Requests int `json:"requests"`
}

type Stats struct {
	TotalDonors            int                             `json:"total_donors"`
	OnlineDonors           int                             `json:"online_donors"`
	TotalActiveRequests    int                             `json:"total_active_requests"`
	ActiveAlertConnections int                             `json:"active_alert_connections"`
	BloodTypeBreakdown     map[domain.BloodType]TypeCounts `json:"blood_type_breakdown"`
}

// Aggregator composes dashboard counts. It only reads.
type Aggregator struct {
	donors      domain.DonorStore
	requests    domain.RequestStore
	presence    Presence
	connections interface{ ConnectionCount() int }
}

func NewAggregator(donors domain.DonorStore, requests domain.RequestStore, presence Presence, connections interface{ ConnectionCount() int }) *Aggregator {
	return &Aggregator{donors: donors, requests: requests, presence: presence, connections: connections}
}

// Snapshot gathers store counts in parallel and reads presence last.
func (a *Aggregator) Snapshot(ctx context.Context) (Stats, error) {
	var (
		stats         Stats
		donorsByType  map[domain.BloodType]int
		requestByType map[domain.BloodType]int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := a.donors.CountAvailable(gctx)
		if err != nil {
			return fmt.Errorf("count donors: %w", err)
		}
		stats.TotalDonors = n
		return nil
	})
	g.Go(func() error {
		n, err := a.requests.CountActive(gctx)
		if err != nil {
			return fmt.Errorf("count requests: %w", err)
		}
		stats.TotalActiveRequests = n
		return nil
	})
	g.Go(func() error {
		m, err := a.donors.CountAvailableByBloodType(gctx)
		if err != nil {
			return fmt.Errorf("count donors by type: %w", err)
		}
		donorsByType = m
		return nil
	})
	g.Go(func() error {
		m, err := a.requests.CountActiveByBloodType(gctx)
		if err != nil {
			return fmt.Errorf("count requests by type: %w", err)
		}
		requestByType = m
		return nil
	})
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	stats.BloodTypeBreakdown = make(map[domain.BloodType]TypeCounts, len(domain.BloodTypes))
	for _, bt := range domain.BloodTypes {
		stats.BloodTypeBreakdown[bt] = TypeCounts{Donors: donorsByType[bt], Requests: requestByType[bt]}
	}
	stats.OnlineDonors = a.presence.OnlineCount()
	if a.connections != nil {
		stats.ActiveAlertConnections = a.connections.ConnectionCount()
	}
	return stats, nil
}
