package engine

import (
	"errors"
	"math"
	"testing"

	"github.com/andresmejia3/hardhat/internal/types"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func person(id int, x1, y1, x2, y2 float64) types.Detection {
	return types.Detection{Class: types.ClassPerson, TrackID: id, Box: types.BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}, Confidence: 0.9}
}

func helmet(id int, x1, y1, x2, y2 float64) types.Detection {
	return types.Detection{Class: types.ClassHelmet, TrackID: id, Box: types.BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}, Confidence: 0.95}
}

func TestAssociate_HelmetInShoulderBand(t *testing.T) {
	p := person(1, 100, 100, 200, 300)
	h := helmet(7, 140, 110, 160, 130) // center (150,120), band y in (100,160)

	res, err := Associate([]types.Detection{p}, []types.Detection{h}, DefaultTopFraction)
	require.NoError(t, err)
	require.Len(t, res.Statuses, 1)

	st := res.Statuses[0]
	assert.True(t, st.Compliant)
	require.NotNil(t, st.Helmet)
	assert.Equal(t, types.HelmetID(7), st.Helmet.HelmetID())
	assert.Empty(t, res.UnmatchedHelmets)
	assert.Equal(t, 1, res.CompliantCount())
	assert.Equal(t, 0, res.NonCompliantCount())
}

func TestAssociate_HelmetBelowBand(t *testing.T) {
	p := person(1, 100, 100, 200, 300)
	h := helmet(7, 140, 250, 160, 270) // center (150,260)

	res, err := Associate([]types.Detection{p}, []types.Detection{h}, DefaultTopFraction)
	require.NoError(t, err)

	assert.False(t, res.Statuses[0].Compliant)
	assert.Nil(t, res.Statuses[0].Helmet)
	assert.Equal(t, []types.HelmetID{7}, res.UnmatchedHelmetIDs())
	assert.True(t, res.NonCompliantIDs().Has(1))
}

func TestAssociate_StrictBoundaries(t *testing.T) {
	// Person (100,100)-(200,300): band spans y in (100,160).
	p := person(1, 100, 100, 200, 300)

	tests := []struct {
		name   string
		cx, cy float64
		want   bool
	}{
		{"inside", 150, 130, true},
		{"on left edge", 100, 130, false},
		{"on right edge", 200, 130, false},
		{"on top edge", 150, 100, false},
		{"on band edge", 150, 160, false},
		{"just inside band edge", 150, 159.5, true},
		{"just inside left edge", 100.5, 130, true},
		{"left of person", 90, 130, false},
		{"above person", 150, 90, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := helmet(3, tt.cx-5, tt.cy-5, tt.cx+5, tt.cy+5)
			res, err := Associate([]types.Detection{p}, []types.Detection{h}, DefaultTopFraction)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Statuses[0].Compliant)
		})
	}
}

func TestAssociate_FirstMatchWins(t *testing.T) {
	p := person(1, 0, 0, 100, 200)
	h1 := helmet(10, 20, 10, 40, 30)
	h2 := helmet(11, 45, 5, 55, 15) // closer to the head center, but later in input order

	res, err := Associate([]types.Detection{p}, []types.Detection{h1, h2}, DefaultTopFraction)
	require.NoError(t, err)

	require.NotNil(t, res.Statuses[0].Helmet)
	assert.Equal(t, types.HelmetID(10), res.Statuses[0].Helmet.HelmetID())
	assert.Equal(t, []types.HelmetID{11}, res.UnmatchedHelmetIDs())
}

func TestAssociate_SharedHelmetMatchesOverlappingPersons(t *testing.T) {
	// Two overlapping persons whose bands both contain the helmet center.
	// Claiming does not exclude the helmet from the second person.
	p1 := person(1, 100, 100, 200, 300)
	p2 := person(2, 120, 90, 220, 290)
	h := helmet(5, 140, 110, 160, 130)

	res, err := Associate([]types.Detection{p1, p2}, []types.Detection{h}, DefaultTopFraction)
	require.NoError(t, err)

	assert.True(t, res.Statuses[0].Compliant)
	assert.True(t, res.Statuses[1].Compliant)
	assert.Equal(t, 2, res.CompliantCount())
	assert.Empty(t, res.UnmatchedHelmets)
}

func TestAssociate_UnmatchedIsComplementOfClaimed(t *testing.T) {
	persons := []types.Detection{
		person(1, 0, 0, 100, 200),
		person(2, 300, 0, 400, 200),
		person(3, 600, 0, 700, 200),
	}
	helmets := []types.Detection{
		helmet(1, 40, 10, 60, 30),     // on person 1 (same numeric id, different class)
		helmet(2, 900, 10, 920, 30),   // nobody
		helmet(3, 340, 10, 360, 30),   // on person 2
		helmet(4, 640, 150, 660, 170), // person 3's torso
	}

	res, err := Associate(persons, helmets, DefaultTopFraction)
	require.NoError(t, err)

	claimed := map[types.HelmetID]bool{}
	for _, st := range res.Statuses {
		if st.Compliant {
			claimed[st.Helmet.HelmetID()] = true
		}
	}
	var want []types.HelmetID
	for _, h := range helmets {
		if !claimed[h.HelmetID()] {
			want = append(want, h.HelmetID())
		}
	}

	if diff := cmp.Diff(want, res.UnmatchedHelmetIDs()); diff != "" {
		t.Errorf("unmatched helmets mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]types.PersonID{3}, res.NonCompliantIDs().Sorted()); diff != "" {
		t.Errorf("non-compliant ids mismatch (-want +got):\n%s", diff)
	}
}

func TestAssociate_EmptyInputs(t *testing.T) {
	h := helmet(1, 0, 0, 10, 10)
	res, err := Associate(nil, []types.Detection{h}, DefaultTopFraction)
	require.NoError(t, err)
	assert.Empty(t, res.Statuses)
	assert.Equal(t, []types.HelmetID{1}, res.UnmatchedHelmetIDs())

	res, err = Associate([]types.Detection{person(1, 0, 0, 10, 10), person(2, 20, 0, 30, 10)}, nil, DefaultTopFraction)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NonCompliantCount())
	assert.Empty(t, res.UnmatchedHelmets)

	res, err = Associate(nil, nil, DefaultTopFraction)
	require.NoError(t, err)
	assert.Empty(t, res.Statuses)
	assert.Empty(t, res.NonCompliantIDs())
}

func TestAssociate_CustomTopFraction(t *testing.T) {
	p := person(1, 100, 100, 200, 300)
	h := helmet(1, 140, 170, 160, 190) // center y=180, outside 0.3 band, inside 0.5 band

	res, err := Associate([]types.Detection{p}, []types.Detection{h}, DefaultTopFraction)
	require.NoError(t, err)
	assert.False(t, res.Statuses[0].Compliant)

	res, err = Associate([]types.Detection{p}, []types.Detection{h}, 0.5)
	require.NoError(t, err)
	assert.True(t, res.Statuses[0].Compliant)
}

func TestAssociate_RejectsMalformedInput(t *testing.T) {
	good := person(1, 0, 0, 10, 10)

	tests := []struct {
		name    string
		persons []types.Detection
		helmets []types.Detection
	}{
		{"inverted x", []types.Detection{person(1, 10, 0, 0, 10)}, nil},
		{"zero height", []types.Detection{person(1, 0, 5, 10, 5)}, nil},
		{"nan coordinate", []types.Detection{person(1, math.NaN(), 0, 10, 10)}, nil},
		{"missing track id", []types.Detection{person(-1, 0, 0, 10, 10)}, nil},
		{"helmet in person list", []types.Detection{helmet(1, 0, 0, 10, 10)}, nil},
		{"person in helmet list", []types.Detection{good}, []types.Detection{good}},
		{"bad helmet box", []types.Detection{good}, []types.Detection{helmet(2, 0, 10, 10, 0)}},
		{"confidence above one", []types.Detection{{Class: types.ClassPerson, TrackID: 1, Box: good.Box, Confidence: 1.5}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Associate(tt.persons, tt.helmets, DefaultTopFraction)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, ErrMalformedDetection), "got %v", err)
		})
	}
}

func TestAssociate_RejectsBadTopFraction(t *testing.T) {
	for _, f := range []float64{0, -0.1, 1.01, math.NaN()} {
		_, err := Associate(nil, nil, f)
		assert.ErrorIs(t, err, ErrInvalidTopFraction)
	}
	_, err := Associate(nil, nil, 1)
	assert.NoError(t, err)
}
