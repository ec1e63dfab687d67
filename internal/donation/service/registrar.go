package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/donation/domain"
)

// DonorDirectory is the donor store plus inserts.
type DonorDirectory interface {
	domain.DonorStore
	CreateDonor(ctx context.Context, d domain.Donor) error
}

// RequestBoard is the request store plus inserts and the active listing.
type RequestBoard interface {
	domain.RequestStore
	CreateRequest(ctx context.Context, r domain.BloodRequest) error
	ListActive(ctx context.Context) ([]domain.BloodRequest, error)
}

// Announcer reacts to newly stored records. Broadcaster implements it.
type Announcer interface {
	AnnounceDonor(ctx context.Context, donorID string) (int, error)
	HandleRequestCreated(ctx context.Context, requestID string) (domain.DeliverySummary, error)
}

type DonorInput struct {
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	BloodType string `json:"blood_type"`
	Age       int    `json:"age"`
	City      string `json:"city"`
	State     string `json:"state"`
}

type RequestInput struct {
	RequesterName   string `json:"requester_name"`
	PatientName     string `json:"patient_name"`
	Phone           string `json:"phone"`
	Email           string `json:"email"`
	BloodTypeNeeded string `json:"blood_type_needed"`
	Urgency         string `json:"urgency"`
	UnitsNeeded     int    `json:"units_needed"`
	HospitalName    string `json:"hospital_name"`
	City            string `json:"city"`
	State           string `json:"state"`
	Description     string `json:"description,omitempty"`
}

// CreatedRequest is a stored request with the outcome of its emergency
// dispatch. Dispatch is empty for Normal requests.
type CreatedRequest struct {
	Request  domain.BloodRequest    `json:"request"`
	Dispatch domain.DeliverySummary `json:"dispatch"`
}

// Registrar stores donors and blood requests and hands them to the
// announcer once saved.
type Registrar struct {
	donors    DonorDirectory
	requests  RequestBoard
	announcer Announcer
	clock     domain.Clock
	logger    *zap.Logger
}

func NewRegistrar(donors DonorDirectory, requests RequestBoard, announcer Announcer, clock domain.Clock, logger *zap.Logger) *Registrar {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{donors: donors, requests: requests, announcer: announcer, clock: clock, logger: logger}
}

// RegisterDonor validates and stores a new available donor, then announces
// it on open connections. A failed announcement is logged and does not undo
// the registration.
func (r *Registrar) RegisterDonor(ctx context.Context, in DonorInput) (domain.Donor, error) {
	bt, err := domain.ParseBloodType(strings.TrimSpace(in.BloodType))
	if err != nil {
		return domain.Donor{}, err
	}
	email := domain.NormalizeEmail(in.Email)
	switch {
	case blank(in.Name, in.City, in.State):
		return domain.Donor{}, fmt.Errorf("%w: name, city and state are required", domain.ErrInvalidInput)
	case !strings.Contains(email, "@"):
		return domain.Donor{}, fmt.Errorf("%w: email %q", domain.ErrInvalidInput, in.Email)
	case in.Age < 0:
		return domain.Donor{}, fmt.Errorf("%w: age %d", domain.ErrInvalidInput, in.Age)
	}

	donor := domain.Donor{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(in.Name),
		Phone:     strings.TrimSpace(in.Phone),
		Email:     email,
		Age:       in.Age,
		BloodType: bt,
		City:      strings.TrimSpace(in.City),
		State:     strings.TrimSpace(in.State),
		Available: true,
		CreatedAt: r.clock.Now(),
	}
	if err := r.donors.CreateDonor(ctx, donor); err != nil {
		return domain.Donor{}, err
	}
	registrationsTotal.WithLabelValues("donor").Inc()

	if r.announcer != nil {
		if _, err := r.announcer.AnnounceDonor(ctx, donor.ID); err != nil {
			r.logger.Warn("announce donor failed", zap.String("donor_id", donor.ID), zap.Error(err))
		}
	}
	return donor, nil
}

func (r *Registrar) ListDonors(ctx context.Context) ([]domain.Donor, error) {
	donors, err := r.donors.ListAvailable(ctx)
	if err != nil {
		return nil, fmt.Errorf("list donors: %w", err)
	}
	return donors, nil
}

func (r *Registrar) GetDonor(ctx context.Context, id string) (domain.Donor, error) {
	return r.donors.GetDonor(ctx, id)
}

// CreateRequest validates and stores an Active request, then runs the
// request-created dispatch. The request is kept even when dispatch fails.
func (r *Registrar) CreateRequest(ctx context.Context, in RequestInput) (CreatedRequest, error) {
	bt, err := domain.ParseBloodType(strings.TrimSpace(in.BloodTypeNeeded))
	if err != nil {
		return CreatedRequest{}, err
	}
	urgency := domain.Urgency(strings.TrimSpace(in.Urgency))
	if !urgency.Valid() {
		return CreatedRequest{}, fmt.Errorf("%w: %q", domain.ErrInvalidUrgency, in.Urgency)
	}
	switch {
	case blank(in.RequesterName, in.PatientName, in.HospitalName, in.City, in.State):
		return CreatedRequest{}, fmt.Errorf("%w: requester, patient, hospital, city and state are required", domain.ErrInvalidInput)
	case in.UnitsNeeded <= 0:
		return CreatedRequest{}, fmt.Errorf("%w: units_needed must be positive, got %d", domain.ErrInvalidInput, in.UnitsNeeded)
	}

	req := domain.BloodRequest{
		ID:              uuid.NewString(),
		RequesterName:   strings.TrimSpace(in.RequesterName),
		Phone:           strings.TrimSpace(in.Phone),
		Email:           domain.NormalizeEmail(in.Email),
		PatientName:     strings.TrimSpace(in.PatientName),
		HospitalName:    strings.TrimSpace(in.HospitalName),
		BloodTypeNeeded: bt,
		UnitsNeeded:     in.UnitsNeeded,
		Urgency:         urgency,
		City:            strings.TrimSpace(in.City),
		State:           strings.TrimSpace(in.State),
		Description:     strings.TrimSpace(in.Description),
		Status:          domain.StatusActive,
		CreatedAt:       r.clock.Now(),
	}
	if err := r.requests.CreateRequest(ctx, req); err != nil {
		return CreatedRequest{}, err
	}
	registrationsTotal.WithLabelValues("request").Inc()

	out := CreatedRequest{Request: req, Dispatch: emptySummary(req.ID)}
	if r.announcer == nil {
		return out, nil
	}
	summary, err := r.announcer.HandleRequestCreated(ctx, req.ID)
	if err != nil {
		r.logger.Warn("dispatch for new request failed", zap.String("request_id", req.ID), zap.Error(err))
		return out, nil
	}
	out.Dispatch = summary
	return out, nil
}

func (r *Registrar) ListRequests(ctx context.Context) ([]domain.BloodRequest, error) {
	reqs, err := r.requests.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return reqs, nil
}

func (r *Registrar) GetRequest(ctx context.Context, id string) (domain.BloodRequest, error) {
	return r.requests.GetRequest(ctx, id)
}

func blank(fields ...string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) == "" {
			return true
		}
	}
	return false
}
