package domain

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidBloodType = errors.New("invalid blood type")
	ErrInvalidUrgency   = errors.New("invalid urgency level")
	ErrNotFound         = errors.New("not found")
	ErrDeliveryFailure  = errors.New("delivery failure")
	ErrMalformedMessage = errors.New("malformed message")
	ErrInvalidInput     = errors.New("invalid input")
	ErrDuplicateDonor   = errors.New("donor with this email already exists")
)

type Urgency string

const (
	UrgencyCritical Urgency = "Critical"
	UrgencyUrgent   Urgency = "Urgent"
	UrgencyNormal   Urgency = "Normal"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyCritical, UrgencyUrgent, UrgencyNormal:
		return true
	}
	return false
}

// IsEmergency reports whether requests of this urgency are pushed to donors.
func (u Urgency) IsEmergency() bool {
	return u == UrgencyCritical || u == UrgencyUrgent
}

type RequestStatus string

const (
	StatusActive    RequestStatus = "Active"
	StatusFulfilled RequestStatus = "Fulfilled"
	StatusCancelled RequestStatus = "Cancelled"
	StatusExpired   RequestStatus = "Expired"
)

type Donor struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	Age       int       `json:"age,omitempty"`
	BloodType BloodType `json:"blood_type"`
	City      string    `json:"city"`
	State     string    `json:"state"`
	Available bool      `json:"is_available"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeEmail is the form emails are compared and stored in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Location renders the donor's city and state for notices.
func (d Donor) Location() string {
	return strings.TrimSpace(d.City) + ", " + strings.TrimSpace(d.State)
}

type BloodRequest struct {
	ID              string        `json:"id"`
	RequesterName   string        `json:"requester_name,omitempty"`
	Phone           string        `json:"phone,omitempty"`
	Email           string        `json:"email,omitempty"`
	PatientName     string        `json:"patient_name,omitempty"`
	HospitalName    string        `json:"hospital_name,omitempty"`
	BloodTypeNeeded BloodType     `json:"blood_type_needed"`
	UnitsNeeded     int           `json:"units_needed,omitempty"`
	Urgency         Urgency       `json:"urgency"`
	City            string        `json:"city"`
	State           string        `json:"state"`
	Description     string        `json:"description,omitempty"`
	Status          RequestStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
}

type Compatibility string

const (
	CompatibilityDirect     Compatibility = "Direct"
	CompatibilityCompatible Compatibility = "Compatible"
)

// LocationMatch ranks how close a donor is to a request: 2 same city and
// state, 1 same state, 0 elsewhere.
type LocationMatch int

const (
	LocationElsewhere LocationMatch = 0
	LocationSameState LocationMatch = 1
	LocationSameCity  LocationMatch = 2
)

type MatchResult struct {
	Donor         Donor         `json:"donor"`
	Compatibility Compatibility `json:"compatibility"`
	LocationMatch LocationMatch `json:"location_match"`
}

type DonorDelivery struct {
	DonorID   string `json:"donor_id"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

type AlertKind string

const (
	AlertEmergency AlertKind = "emergency"
	AlertReminder  AlertKind = "reminder"
)

// DeliverySummary is produced per dispatch and never stored.
type DeliverySummary struct {
	RequestID       string          `json:"request_id"`
	AlertID         string          `json:"alert_id,omitempty"`
	Kind            AlertKind       `json:"kind,omitempty"`
	TotalCompatible int             `json:"total_compatible"`
	OnlineCount     int             `json:"online_count"`
	PerDonor        []DonorDelivery `json:"per_donor"`
}

type AlertRecord struct {
	ID              string    `json:"id"`
	RequestID       string    `json:"blood_request_id"`
	Kind            AlertKind `json:"alert_type"`
	Urgency         Urgency   `json:"urgency"`
	DonorsNotified  int       `json:"donors_notified"`
	TotalCompatible int       `json:"total_compatible"`
	CreatedAt       time.Time `json:"created_at"`
}

type DonorStore interface {
	ListAvailable(ctx context.Context) ([]Donor, error)
	GetDonor(ctx context.Context, id string) (Donor, error)
	CountAvailable(ctx context.Context) (int, error)
	CountAvailableByBloodType(ctx context.Context) (map[BloodType]int, error)
}

type RequestStore interface {
	GetRequest(ctx context.Context, id string) (BloodRequest, error)
	CountActive(ctx context.Context) (int, error)
	CountActiveByBloodType(ctx context.Context) (map[BloodType]int, error)
}

type AlertLog interface {
	Record(ctx context.Context, rec AlertRecord) error
	Recent(ctx context.Context, limit int) ([]AlertRecord, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, rec AlertRecord) error
}

// Receipt resolves once a queued frame has been written to its connection
// or has failed.
type Receipt interface {
	Wait(ctx context.Context) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
