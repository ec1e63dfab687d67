package domain

import (
	"fmt"
	"strings"
)

type BloodType string

const (
	APos  BloodType = "A+"
	ANeg  BloodType = "A-"
	BPos  BloodType = "B+"
	BNeg  BloodType = "B-"
	ABPos BloodType = "AB+"
	ABNeg BloodType = "AB-"
	OPos  BloodType = "O+"
	ONeg  BloodType = "O-"
)

// BloodTypes lists every valid type in display order.
var BloodTypes = []BloodType{APos, ANeg, BPos, BNeg, ABPos, ABNeg, OPos, ONeg}

// recipients maps a donor type to every type it may donate to (ABO/Rh).
var recipients = map[BloodType]map[BloodType]struct{}{
	ONeg:  set(ONeg, OPos, ANeg, APos, BNeg, BPos, ABNeg, ABPos),
	OPos:  set(OPos, APos, BPos, ABPos),
	ANeg:  set(ANeg, APos, ABNeg, ABPos),
	APos:  set(APos, ABPos),
	BNeg:  set(BNeg, BPos, ABNeg, ABPos),
	BPos:  set(BPos, ABPos),
	ABNeg: set(ABNeg, ABPos),
	ABPos: set(ABPos),
}

func set(types ...BloodType) map[BloodType]struct{} {
	out := make(map[BloodType]struct{}, len(types))
	for _, t := range types {
		out[t] = struct{}{}
	}
	return out
}

func (b BloodType) Valid() bool {
	_, ok := recipients[b]
	return ok
}

// ParseBloodType accepts the canonical spelling, tolerating surrounding
// whitespace and a unicode minus sign.
func ParseBloodType(s string) (BloodType, error) {
	normalized := strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(s, "−", "-")))
	bt := BloodType(normalized)
	if !bt.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidBloodType, s)
	}
	return bt, nil
}

// CanDonateTo returns the recipient types a donor type may give to. The
// returned slice is in BloodTypes order and safe to modify.
func CanDonateTo(donor BloodType) []BloodType {
	allowed := recipients[donor]
	out := make([]BloodType, 0, len(allowed))
	for _, t := range BloodTypes {
		if _, ok := allowed[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// CanDonate reports whether donor blood may be transfused to recipient.
func CanDonate(donor, recipient BloodType) bool {
	_, ok := recipients[donor][recipient]
	return ok
}
