package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/donation/domain"
	"github.com/example/bloodlink/internal/donation/ledger"
	"github.com/example/bloodlink/internal/donation/matching"
	"github.com/example/bloodlink/internal/realtime/wire"
)

// Notifier is the write side of the connection hub.
type Notifier interface {
	Enqueue(donorID string, frame wire.Frame) domain.Receipt
	Broadcast(frame wire.Frame) int
	ConnectionCount() int
}

// Presence answers who is online.
type Presence interface {
	IsOnline(donorID string) bool
	OnlineCount() int
	SnapshotOnlineDonorIDs() map[string]struct{}
}

// ReminderPolicy decides whether reminders go to donors already alerted for
// the same request.
type ReminderPolicy string

const (
	ReminderResendAll   ReminderPolicy = "resend_all"
	ReminderSkipAlerted ReminderPolicy = "skip_alerted"
)

// ParseReminderPolicy maps a config string to a policy, defaulting to
// ReminderResendAll.
func ParseReminderPolicy(s string) (ReminderPolicy, error) {
	switch ReminderPolicy(s) {
	case "", ReminderResendAll:
		return ReminderResendAll, nil
	case ReminderSkipAlerted:
		return ReminderSkipAlerted, nil
	}
	return "", fmt.Errorf("unknown reminder policy %q", s)
}

type Config struct {
	ReminderPolicy   ReminderPolicy
	GeneralBroadcast bool
}

// Deps are the collaborators of a Broadcaster. Events may be nil when alert
// records are relayed by the outbox instead.
type Deps struct {
	Donors   domain.DonorStore
	Requests domain.RequestStore
	Notifier Notifier
	Presence Presence
	Alerts   domain.AlertLog
	Ledger   ledger.Ledger
	Events   domain.EventPublisher
	Clock    domain.Clock
	Logger   *zap.Logger
}

// Broadcaster turns blood requests into delivered alerts.
type Broadcaster struct {
	donors   domain.DonorStore
	requests domain.RequestStore
	notifier Notifier
	presence Presence
	alerts   domain.AlertLog
	ledger   ledger.Ledger
	events   domain.EventPublisher
	clock    domain.Clock
	logger   *zap.Logger
	tracer   trace.Tracer
	cfg      Config
}

func New(deps Deps, cfg Config) *Broadcaster {
	if cfg.ReminderPolicy == "" {
		cfg.ReminderPolicy = ReminderResendAll
	}
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.NewMemory(0)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Broadcaster{
		donors:   deps.Donors,
		requests: deps.Requests,
		notifier: deps.Notifier,
		presence: deps.Presence,
		alerts:   deps.Alerts,
		ledger:   deps.Ledger,
		events:   deps.Events,
		clock:    deps.Clock,
		logger:   deps.Logger,
		tracer:   otel.Tracer("bloodlink.alerts"),
		cfg:      cfg,
	}
}

// DispatchEmergency alerts every online compatible donor for a Critical or
// Urgent request. Normal requests produce an empty summary and send nothing.
func (b *Broadcaster) DispatchEmergency(ctx context.Context, req domain.BloodRequest) (domain.DeliverySummary, error) {
	if !req.Urgency.Valid() {
		return emptySummary(req.ID), fmt.Errorf("dispatch %s: %w: %q", req.ID, domain.ErrInvalidUrgency, req.Urgency)
	}
	if !req.Urgency.IsEmergency() {
		dispatchTotal.WithLabelValues(string(domain.AlertEmergency), string(req.Urgency), "skipped").Inc()
		return emptySummary(req.ID), nil
	}
	return b.dispatch(ctx, req, domain.AlertEmergency)
}

// SendReminder re-runs the dispatch pipeline for a stored request. Requests
// that are no longer Active are not re-announced.
func (b *Broadcaster) SendReminder(ctx context.Context, requestID string) (domain.DeliverySummary, error) {
	req, err := b.requests.GetRequest(ctx, requestID)
	if err != nil {
		return emptySummary(requestID), fmt.Errorf("reminder %s: %w", requestID, err)
	}
	if !req.Urgency.Valid() {
		return emptySummary(requestID), fmt.Errorf("reminder %s: %w: %q", requestID, domain.ErrInvalidUrgency, req.Urgency)
	}
	if req.Status != domain.StatusActive || !req.Urgency.IsEmergency() {
		dispatchTotal.WithLabelValues(string(domain.AlertReminder), string(req.Urgency), "skipped").Inc()
		return emptySummary(requestID), nil
	}
	return b.dispatch(ctx, req, domain.AlertReminder)
}

// HandleRequestCreated is the entry point for request-created events.
func (b *Broadcaster) HandleRequestCreated(ctx context.Context, requestID string) (domain.DeliverySummary, error) {
	req, err := b.requests.GetRequest(ctx, requestID)
	if err != nil {
		return emptySummary(requestID), fmt.Errorf("request created %s: %w", requestID, err)
	}
	if req.Status != domain.StatusActive {
		b.logger.Debug("ignoring inactive request", zap.String("request_id", requestID), zap.String("status", string(req.Status)))
		return emptySummary(requestID), nil
	}
	return b.DispatchEmergency(ctx, req)
}

func (b *Broadcaster) dispatch(ctx context.Context, req domain.BloodRequest, kind domain.AlertKind) (domain.DeliverySummary, error) {
	ctx, span := b.tracer.Start(ctx, "alerts.dispatch", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("alert.kind", string(kind)),
		attribute.String("request.urgency", string(req.Urgency)),
	))
	defer span.End()
	started := time.Now()

	summary := emptySummary(req.ID)
	summary.Kind = kind

	pool, err := b.donors.ListAvailable(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return summary, fmt.Errorf("list donors: %w", err)
	}
	matches, err := matching.ComputeMatches(req, pool)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return summary, fmt.Errorf("dispatch %s: %w", req.ID, err)
	}
	summary.TotalCompatible = len(matches)

	online := b.presence.SnapshotOnlineDonorIDs()
	skip := b.previouslyAlerted(ctx, req.ID, kind)
	targets := make([]string, 0, len(online))
	for _, m := range matches {
		if _, ok := online[m.Donor.ID]; !ok {
			continue
		}
		if _, done := skip[m.Donor.ID]; done {
			continue
		}
		targets = append(targets, m.Donor.ID)
	}

	summary.AlertID = uuid.NewString()
	frame, err := wire.Encode(wire.EmergencyAlert{
		Type:         wire.TypeEmergencyAlert,
		AlertID:      summary.AlertID,
		Urgency:      req.Urgency,
		Reminder:     kind == domain.AlertReminder,
		BloodRequest: req,
	})
	if err != nil {
		return summary, err
	}

	summary.PerDonor = b.fanOut(ctx, req.ID, targets, frame)
	delivered := make([]string, 0, len(summary.PerDonor))
	for _, d := range summary.PerDonor {
		if d.Delivered {
			delivered = append(delivered, d.DonorID)
		}
	}
	summary.OnlineCount = len(delivered)
	span.SetAttributes(
		attribute.Int("alert.total_compatible", summary.TotalCompatible),
		attribute.Int("alert.delivered", summary.OnlineCount),
	)

	if err := b.ledger.Mark(ctx, req.ID, delivered...); err != nil {
		b.logger.Warn("mark alerted donors failed", zap.String("request_id", req.ID), zap.Error(err))
	}
	if kind == domain.AlertEmergency && b.cfg.GeneralBroadcast {
		b.notifier.Broadcast(wire.MustEncode(wire.GeneralAlert{
			Type:                    wire.TypeGeneralAlert,
			Message:                 fmt.Sprintf("%s blood request for %s in %s, %s", req.Urgency, req.BloodTypeNeeded, req.City, req.State),
			Urgency:                 req.Urgency,
			CompatibleDonorsAlerted: summary.OnlineCount,
			TotalCompatibleDonors:   summary.TotalCompatible,
		}))
	}
	b.record(ctx, domain.AlertRecord{
		ID:              summary.AlertID,
		RequestID:       req.ID,
		Kind:            kind,
		Urgency:         req.Urgency,
		DonorsNotified:  summary.OnlineCount,
		TotalCompatible: summary.TotalCompatible,
		CreatedAt:       b.clock.Now(),
	})

	dispatchTotal.WithLabelValues(string(kind), string(req.Urgency), "dispatched").Inc()
	dispatchDuration.WithLabelValues(string(kind)).Observe(time.Since(started).Seconds())
	b.logger.Info("alert dispatched",
		zap.String("request_id", req.ID),
		zap.String("alert_id", summary.AlertID),
		zap.String("kind", string(kind)),
		zap.Int("total_compatible", summary.TotalCompatible),
		zap.Int("targets", len(targets)),
		zap.Int("delivered", summary.OnlineCount),
	)
	return summary, nil
}

// fanOut queues the frame on every target before waiting on any receipt, so
// a stalled connection only holds up its own outcome. A failed send never
// affects its siblings; each outcome lands in its own slot.
func (b *Broadcaster) fanOut(ctx context.Context, requestID string, targets []string, frame wire.Frame) []domain.DonorDelivery {
	receipts := make([]domain.Receipt, len(targets))
	for i, donorID := range targets {
		receipts[i] = b.notifier.Enqueue(donorID, frame)
	}
	results := make([]domain.DonorDelivery, len(targets))
	for i, donorID := range targets {
		if err := receipts[i].Wait(ctx); err != nil {
			results[i] = domain.DonorDelivery{DonorID: donorID, Error: err.Error()}
			deliveriesTotal.WithLabelValues("failed").Inc()
			b.logger.Warn("alert delivery failed",
				zap.String("request_id", requestID),
				zap.String("donor_id", donorID),
				zap.Error(err))
			continue
		}
		results[i] = domain.DonorDelivery{DonorID: donorID, Delivered: true}
		deliveriesTotal.WithLabelValues("delivered").Inc()
	}
	return results
}

func (b *Broadcaster) previouslyAlerted(ctx context.Context, requestID string, kind domain.AlertKind) map[string]struct{} {
	if kind != domain.AlertReminder || b.cfg.ReminderPolicy != ReminderSkipAlerted {
		return nil
	}
	alerted, err := b.ledger.Alerted(ctx, requestID)
	if err != nil {
		b.logger.Warn("load alerted donors failed, resending to all", zap.String("request_id", requestID), zap.Error(err))
		return nil
	}
	return alerted
}

func (b *Broadcaster) record(ctx context.Context, rec domain.AlertRecord) {
	if b.alerts != nil {
		if err := b.alerts.Record(ctx, rec); err != nil {
			b.logger.Warn("record alert failed", zap.String("alert_id", rec.ID), zap.Error(err))
		}
	}
	if b.events != nil {
		if err := b.events.Publish(ctx, rec); err != nil {
			b.logger.Warn("publish alert failed", zap.String("alert_id", rec.ID), zap.Error(err))
		}
	}
}

// AnnounceDonor tells every open connection about a newly registered donor
// and returns how many connections the notice was queued on.
func (b *Broadcaster) AnnounceDonor(ctx context.Context, donorID string) (int, error) {
	donor, err := b.donors.GetDonor(ctx, donorID)
	if err != nil {
		return 0, fmt.Errorf("announce donor %s: %w", donorID, err)
	}
	n := b.notifier.Broadcast(wire.MustEncode(wire.NewDonor{
		Type:           wire.TypeNewDonor,
		Message:        fmt.Sprintf("New %s donor registered in %s", donor.BloodType, donor.Location()),
		DonorBloodType: donor.BloodType,
		Location:       donor.Location(),
	}))
	return n, nil
}

// MatchedDonor is a ranked match annotated with live presence.
type MatchedDonor struct {
	Donor         domain.Donor         `json:"donor"`
	Compatibility domain.Compatibility `json:"compatibility"`
	LocationMatch domain.LocationMatch `json:"location_match"`
	IsOnline      bool                 `json:"is_online"`
}

type MatchReport struct {
	Request          domain.BloodRequest `json:"blood_request"`
	TotalMatches     int                 `json:"total_matches"`
	OnlineDonors     int                 `json:"online_donors"`
	CompatibleDonors []MatchedDonor      `json:"compatible_donors"`
}

// Match ranks compatible donors for a stored request without sending anything.
func (b *Broadcaster) Match(ctx context.Context, requestID string) (MatchReport, error) {
	req, err := b.requests.GetRequest(ctx, requestID)
	if err != nil {
		return MatchReport{}, fmt.Errorf("match %s: %w", requestID, err)
	}
	pool, err := b.donors.ListAvailable(ctx)
	if err != nil {
		return MatchReport{}, fmt.Errorf("list donors: %w", err)
	}

	started := time.Now()
	matches, err := matching.ComputeMatches(req, pool)
	matchDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return MatchReport{}, fmt.Errorf("match %s: %w", requestID, err)
	}

	online := b.presence.SnapshotOnlineDonorIDs()
	report := MatchReport{
		Request:          req,
		TotalMatches:     len(matches),
		CompatibleDonors: make([]MatchedDonor, 0, len(matches)),
	}
	for _, m := range matches {
		_, isOnline := online[m.Donor.ID]
		if isOnline {
			report.OnlineDonors++
		}
		report.CompatibleDonors = append(report.CompatibleDonors, MatchedDonor{
			Donor:         m.Donor,
			Compatibility: m.Compatibility,
			LocationMatch: m.LocationMatch,
			IsOnline:      isOnline,
		})
	}
	return report, nil
}

// RecentAlerts lists the newest alert records first. limit is clamped to
// [1, 100] with 10 as the default.
func (b *Broadcaster) RecentAlerts(ctx context.Context, limit int) ([]domain.AlertRecord, error) {
	switch {
	case limit <= 0:
		limit = 10
	case limit > 100:
		limit = 100
	}
	if b.alerts == nil {
		return []domain.AlertRecord{}, nil
	}
	recs, err := b.alerts.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	return recs, nil
}

func emptySummary(requestID string) domain.DeliverySummary {
	return domain.DeliverySummary{RequestID: requestID, PerDonor: []domain.DonorDelivery{}}
}
