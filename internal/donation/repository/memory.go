package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/bloodlink/internal/donation/domain"
)

// MemoryRepository keeps donors and requests in process. It backs local runs
// and tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	donors   map[string]domain.Donor
	requests map[string]domain.BloodRequest
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		donors:   make(map[string]domain.Donor),
		requests: make(map[string]domain.BloodRequest),
	}
}

// CreateDonor inserts a new donor. Emails are unique, compared after
// NormalizeEmail; a reused one yields ErrDuplicateDonor.
func (m *MemoryRepository) CreateDonor(_ context.Context, d domain.Donor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := domain.NormalizeEmail(d.Email)
	if email != "" {
		for _, existing := range m.donors {
			if domain.NormalizeEmail(existing.Email) == email {
				return fmt.Errorf("create donor: %w", domain.ErrDuplicateDonor)
			}
		}
	}
	if _, ok := m.donors[d.ID]; ok {
		return fmt.Errorf("create donor %s: id in use", d.ID)
	}
	m.donors[d.ID] = d
	return nil
}

// CreateRequest inserts a new request.
func (m *MemoryRepository) CreateRequest(_ context.Context, r domain.BloodRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("create request %s: id in use", r.ID)
	}
	m.requests[r.ID] = r
	return nil
}

// ListActive returns active requests newest first.
func (m *MemoryRepository) ListActive(_ context.Context) ([]domain.BloodRequest, error) {
	m.mu.RLock()
	out := make([]domain.BloodRequest, 0, len(m.requests))
	for _, r := range m.requests {
		if r.Status == domain.StatusActive {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListAvailable returns available donors oldest first.
func (m *MemoryRepository) ListAvailable(_ context.Context) ([]domain.Donor, error) {
	m.mu.RLock()
	out := make([]domain.Donor, 0, len(m.donors))
	for _, d := range m.donors {
		if d.Available {
			out = append(out, d)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryRepository) GetDonor(_ context.Context, id string) (domain.Donor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.donors[id]
	if !ok {
		return domain.Donor{}, fmt.Errorf("donor %s: %w", id, domain.ErrNotFound)
	}
	return d, nil
}

func (m *MemoryRepository) CountAvailable(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.donors {
		if d.Available {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) CountAvailableByBloodType(_ context.Context) (map[domain.BloodType]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.BloodType]int)
	for _, d := range m.donors {
		if d.Available {
			out[d.BloodType]++
		}
	}
	return out, nil
}

func (m *MemoryRepository) GetRequest(_ context.Context, id string) (domain.BloodRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return domain.BloodRequest{}, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	return r, nil
}

func (m *MemoryRepository) CountActive(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.requests {
		if r.Status == domain.StatusActive {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) CountActiveByBloodType(_ context.Context) (map[domain.BloodType]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.BloodType]int)
	for _, r := range m.requests {
		if r.Status == domain.StatusActive {
			out[r.BloodTypeNeeded]++
		}
	}
	return out, nil
}

// MemoryAlertLog is a bounded ring of recent alert records.
type MemoryAlertLog struct {
	mu       sync.RWMutex
	capacity int
	records  []domain.AlertRecord
}

// NewMemoryAlertLog keeps at most capacity records (default 500).
func NewMemoryAlertLog(capacity int) *MemoryAlertLog {
	if capacity <= 0 {
		capacity = 500
	}
	return &MemoryAlertLog{capacity: capacity}
}

func (l *MemoryAlertLog) Record(_ context.Context, rec domain.AlertRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	if over := len(l.records) - l.capacity; over > 0 {
		l.records = append(l.records[:0:0], l.records[over:]...)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (l *MemoryAlertLog) Recent(_ context.Context, limit int) ([]domain.AlertRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.records) {
		limit = len(l.records)
	}
	out := make([]domain.AlertRecord, 0, limit)
	for i := len(l.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.records[i])
	}
	return out, nil
}
