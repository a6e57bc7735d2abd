// Package engine holds the per-frame helmet association logic and the
// cross-frame violation state that turns it into debounced alerts.
package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/andresmejia3/hardhat/internal/types"
)

// DefaultTopFraction is the share of a person's box height treated as the
// head region when looking for a worn helmet.
const DefaultTopFraction = 0.3

var (
	// ErrMalformedDetection is returned when a detection breaks the input contract.
	ErrMalformedDetection = errors.New("malformed detection")
	// ErrInvalidTopFraction is returned for a shoulder band fraction outside (0, 1].
	ErrInvalidTopFraction = errors.New("top fraction must be in (0, 1]")
)

// PersonSet is a set of person track ids.
type PersonSet map[types.PersonID]struct{}

// NewPersonSet builds a set from the given ids.
func NewPersonSet(ids ...types.PersonID) PersonSet {
	s := make(PersonSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s PersonSet) Has(id types.PersonID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in ascending order.
func (s PersonSet) Sorted() []types.PersonID {
	ids := make([]types.PersonID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PersonFrameStatus is the helmet verdict for one person in one frame.
// Helmet is non-nil iff Compliant.
type PersonFrameStatus struct {
	Person    types.Detection
	Compliant bool
	Helmet    *types.Detection
}

// ID returns the person's track id.
func (s PersonFrameStatus) ID() types.PersonID { return s.Person.PersonID() }

// Association is the result of matching one frame's persons and helmets.
type Association struct {
	Statuses         []PersonFrameStatus
	UnmatchedHelmets []types.Detection
}

// CompliantCount returns the number of persons wearing a helmet.
func (a *Association) CompliantCount() int {
	n := 0
	for _, s := range a.Statuses {
		if s.Compliant {
			n++
		}
	}
	return n
}

// NonCompliantCount returns the number of persons without a helmet.
func (a *Association) NonCompliantCount() int {
	return len(a.Statuses) - a.CompliantCount()
}

// NonCompliantIDs returns the set fed to the violation tracker.
func (a *Association) NonCompliantIDs() PersonSet {
	s := make(PersonSet)
	for _, st := range a.Statuses {
		if !st.Compliant {
			s[st.ID()] = struct{}{}
		}
	}
	return s
}

// UnmatchedHelmetIDs returns the ids of helmets no person claimed, in input order.
func (a *Association) UnmatchedHelmetIDs() []types.HelmetID {
	ids := make([]types.HelmetID, 0, len(a.UnmatchedHelmets))
	seen := make(map[types.HelmetID]struct{}, len(a.UnmatchedHelmets))
	for _, h := range a.UnmatchedHelmets {
		id := h.HelmetID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// Associate decides, per person, whether a helmet sits in the top band of the
// person's box. Persons are processed in input order and each takes the first
// helmet (in input order) whose center lies strictly inside the band.
//
// A claimed helmet stays eligible for later persons: claiming only affects
// which helmets are reported as unmatched.
func Associate(persons, helmets []types.Detection, topFraction float64) (*Association, error) {
	if math.IsNaN(topFraction) || topFraction <= 0 || topFraction > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidTopFraction, topFraction)
	}
	for i, p := range persons {
		if err := validate(p, types.ClassPerson); err != nil {
			return nil, fmt.Errorf("person %d: %w", i, err)
		}
	}
	for i, h := range helmets {
		if err := validate(h, types.ClassHelmet); err != nil {
			return nil, fmt.Errorf("helmet %d: %w", i, err)
		}
	}

	res := &Association{Statuses: make([]PersonFrameStatus, 0, len(persons))}
	claimed := make(map[types.HelmetID]struct{})

	for _, p := range persons {
		st := PersonFrameStatus{Person: p}
		for i := range helmets {
			if onShoulders(helmets[i].Box, p.Box, topFraction) {
				h := helmets[i]
				st.Compliant = true
				st.Helmet = &h
				claimed[h.HelmetID()] = struct{}{}
				break
			}
		}
		res.Statuses = append(res.Statuses, st)
	}

	for _, h := range helmets {
		if _, ok := claimed[h.HelmetID()]; !ok {
			res.UnmatchedHelmets = append(res.UnmatchedHelmets, h)
		}
	}
	return res, nil
}

// onShoulders reports whether the helmet's center is strictly inside the
// person's horizontal extent and the top band of its height.
func onShoulders(helmet, person types.BBox, topFraction float64) bool {
	cx, cy := helmet.Center()
	band := person.Y1 + person.Height()*topFraction
	return person.X1 < cx && cx < person.X2 &&
		person.Y1 < cy && cy < band
}

func validate(d types.Detection, want types.Class) error {
	switch {
	case d.Class != want:
		return fmt.Errorf("%w: expected %s, got %s", ErrMalformedDetection, want, d.Class)
	case d.TrackID < 0:
		return fmt.Errorf("%w: missing track id", ErrMalformedDetection)
	case !d.Box.Valid():
		return fmt.Errorf("%w: bbox %v", ErrMalformedDetection, d.Box)
	case math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1:
		return fmt.Errorf("%w: confidence %v", ErrMalformedDetection, d.Confidence)
	}
	return nil
}
