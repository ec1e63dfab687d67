package matching

import (
	"fmt"
	"sort"
	"strings"

	"github.com/example/bloodlink/internal/donation/domain"
)

// ComputeMatches returns every donor in pool whose blood may be given for the
// request, ranked Direct before Compatible, then by location closeness, then
// by donor id. The request status is not consulted.
func ComputeMatches(req domain.BloodRequest, pool []domain.Donor) ([]domain.MatchResult, error) {
	if !req.BloodTypeNeeded.Valid() {
		return nil, fmt.Errorf("request %s: %w: %q", req.ID, domain.ErrInvalidBloodType, req.BloodTypeNeeded)
	}

	matches := make([]domain.MatchResult, 0, len(pool))
	for _, donor := range pool {
		if !donor.BloodType.Valid() {
			return nil, fmt.Errorf("donor %s: %w: %q", donor.ID, domain.ErrInvalidBloodType, donor.BloodType)
		}
		if !domain.CanDonate(donor.BloodType, req.BloodTypeNeeded) {
			continue
		}
		compat := domain.CompatibilityCompatible
		if donor.BloodType == req.BloodTypeNeeded {
			compat = domain.CompatibilityDirect
		}
		matches = append(matches, domain.MatchResult{
			Donor:         donor,
			Compatibility: compat,
			LocationMatch: Locate(donor, req),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Compatibility != b.Compatibility {
			return a.Compatibility == domain.CompatibilityDirect
		}
		if a.LocationMatch != b.LocationMatch {
			return a.LocationMatch > b.LocationMatch
		}
		return a.Donor.ID < b.Donor.ID
	})
	return matches, nil
}

// Locate scores the donor's location against the request's.
func Locate(donor domain.Donor, req domain.BloodRequest) domain.LocationMatch {
	sameState := sameText(donor.State, req.State)
	switch {
	case sameState && sameText(donor.City, req.City):
		return domain.LocationSameCity
	case sameState:
		return domain.LocationSameState
	default:
		return domain.LocationElsewhere
	}
}

func sameText(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
