package distill

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceRatio(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "submit", "submit", 1.0},
		{"both empty", "", "", 1.0},
		{"one empty", "submit", "", 0.0},
		{"disjoint", "abc", "xyz", 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, sequenceRatio(tt.a, tt.b), 1e-9)
		})
	}
}

func TestSequenceRatioNearMatch(t *testing.T) {
	// One changed rune out of eleven keeps the ratio well above 0.8.
	r := sequenceRatio("[Sign In now]", "[Sign in now]")
	assert.Greater(t, r, fuzzyMatchThreshold)

	r = sequenceRatio("[Login]", "[Logout]")
	assert.Less(t, r, 1.0)
}

func TestSequenceRatioSymmetryOfMatches(t *testing.T) {
	a, b := "checkout cart", "cart checkout"
	assert.InDelta(t, sequenceRatio(a, b), sequenceRatio(b, a), 0.2)
	assert.Greater(t, sequenceRatio(a, b), 0.5)
}
