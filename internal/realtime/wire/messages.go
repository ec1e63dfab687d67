// Package wire defines the JSON frames exchanged over donor connections.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/example/bloodlink/internal/donation/domain"
)

type Type string

const (
	TypeWelcome             Type = "welcome"
	TypeRegisterDonor       Type = "register_donor"
	TypeRegistrationSuccess Type = "registration_success"
	TypeEmergencyAlert      Type = "emergency_alert"
	TypeGeneralAlert        Type = "general_alert"
	TypeNewDonor            Type = "new_donor"
	TypeError               Type = "error"
)

// Frame is an encoded outbound message, shared across recipients.
type Frame []byte

type Welcome struct {
	Type         Type   `json:"type"`
	Message      string `json:"message"`
	ConnectionID string `json:"connection_id"`
}

type RegistrationSuccess struct {
	Type    Type   `json:"type"`
	DonorID string `json:"donor_id"`
	Message string `json:"message"`
}

type EmergencyAlert struct {
	Type         Type                `json:"type"`
	AlertID      string              `json:"alert_id"`
	Urgency      domain.Urgency      `json:"urgency"`
	Reminder     bool                `json:"reminder,omitempty"`
	BloodRequest domain.BloodRequest `json:"blood_request"`
}

type GeneralAlert struct {
	Type                    Type           `json:"type"`
	Message                 string         `json:"message"`
	Urgency                 domain.Urgency `json:"urgency"`
	CompatibleDonorsAlerted int            `json:"compatible_donors_alerted"`
	TotalCompatibleDonors   int            `json:"total_compatible_donors"`
}

type NewDonor struct {
	Type           Type             `json:"type"`
	Message        string           `json:"message"`
	DonorBloodType domain.BloodType `json:"donor_blood_type"`
	Location       string           `json:"location"`
}

type Error struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

// Encode marshals an outbound message once so it can be queued to many
// connections.
func Encode(v any) (Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return Frame(b), nil
}

// MustEncode is Encode for messages built from static shapes.
func MustEncode(v any) Frame {
	f, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return f
}

// Inbound is a decoded client message.
type Inbound struct {
	Type    Type
	DonorID string
}

// Decode validates an inbound frame. Anything that is not a JSON object with
// a known type and its required fields wraps domain.ErrMalformedMessage.
func Decode(raw []byte) (Inbound, error) {
	if !gjson.ValidBytes(raw) {
		return Inbound{}, fmt.Errorf("%w: invalid json", domain.ErrMalformedMessage)
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return Inbound{}, fmt.Errorf("%w: expected object", domain.ErrMalformedMessage)
	}
	typ := parsed.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", domain.ErrMalformedMessage)
	}

	msg := Inbound{Type: Type(typ.Str)}
	switch msg.Type {
	case TypeRegisterDonor:
		id := parsed.Get("donor_id")
		switch id.Type {
		case gjson.String, gjson.Number:
			msg.DonorID = strings.TrimSpace(id.String())
		}
		if msg.DonorID == "" {
			return Inbound{}, fmt.Errorf("%w: register_donor without donor_id", domain.ErrMalformedMessage)
		}
	default:
		return Inbound{}, fmt.Errorf("%w: unknown type %q", domain.ErrMalformedMessage, msg.Type)
	}
	return msg, nil
}
