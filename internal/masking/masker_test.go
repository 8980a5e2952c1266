package masking

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMasker(opts ...Option) *NumericMasker {
	opts = append([]Option{WithRand(rand.New(rand.NewSource(7)))}, opts...)
	return NewNumericMasker(opts...)
}

func TestMaskRoundTrip(t *testing.T) {
	m := newTestMasker()
	text := "Account 1234567 balance 98765 routing 021000021"

	masked := m.Mask(text, nil)
	assert.NotEqual(t, text, masked)
	assert.NotContains(t, masked, "1234567")

	unmasked := m.Unmask(masked)
	assert.Equal(t, text, unmasked)
}

func TestMaskSkipsShortTokens(t *testing.T) {
	m := newTestMasker()
	text := "code 42 pin 1234"
	assert.Equal(t, text, m.Mask(text, nil))
}

func TestMaskSkipsDates(t *testing.T) {
	m := newTestMasker()
	tests := []string{
		"12/31/2030",
		"2030-01-15",
		"10:30:45",
		"11:45 PM",
		"Jan 15, 2030",
		"-12/31/2030",
	}
	for _, tok := range tests {
		masked := m.Mask(tok, nil)
		assert.Equal(t, tok, masked, "date/time token %q must not be masked", tok)
	}
}

func TestMaskSkipsDonotMaskDefaults(t *testing.T) {
	m := newTestMasker()
	text := "form 1099 for 2025 and 401k plan"
	assert.Equal(t, text, m.Mask(text, nil))
}

func TestMaskSkipsTaskGoalTerms(t *testing.T) {
	m := newTestMasker()
	m.AddDonotMaskTermsFromString("Transfer $5,000.00 to checking")

	masked := m.Mask("amount $5,000.00 due", nil)
	assert.Contains(t, masked, "$5,000.00")
}

func TestMaskSkipsDonotMaskArgument(t *testing.T) {
	m := newTestMasker()
	masked := m.Mask("confirmation 86420x", []string{"order 86420x placed"})
	assert.Contains(t, masked, "86420x")
}

func TestMaskStableWithinPass(t *testing.T) {
	m := newTestMasker()
	masked := m.Mask("ref 7654321 again 7654321", nil)

	fields := strings.Fields(masked)
	require.Len(t, fields, 4)
	assert.Equal(t, fields[1], fields[3], "same token must mask identically within a pass")
}

func TestMaskDistinctTokensGetDistinctMasks(t *testing.T) {
	m := newTestMasker()
	masked := m.Mask("a 1111111 b 2222222", nil)

	fields := strings.Fields(masked)
	require.Len(t, fields, 4)
	assert.NotEqual(t, fields[1], fields[3])
}

func TestUnmaskNormalizedNumberLookup(t *testing.T) {
	m := newTestMasker()
	masked := m.Mask("balance $98,765 today", nil)

	fields := strings.Fields(masked)
	maskedAmount := fields[1]

	// Model reformats the masked amount; normalized lookup still reverts it.
	reformatted := strings.ReplaceAll(maskedAmount, ",", "")
	unmasked := m.Unmask("pay " + reformatted + " now")
	assert.Contains(t, unmasked, "98765")
}

func TestUnmaskKeepsLocatorBrackets(t *testing.T) {
	m := newTestMasker()
	m.Mask("plain text only", nil)

	assert.Equal(t, "{Search}", m.Unmask("{Search}"))
	assert.Equal(t, "[Login]2", m.Unmask("[Login]2"))
	assert.Equal(t, "[[More filters]]", m.Unmask("[[More filters]]"))
}

func TestUnmaskStripsBracketsFromPlainText(t *testing.T) {
	m := newTestMasker()
	m.Mask("plain text only", nil)

	assert.Equal(t, "see the Login button", m.Unmask("see the [Login] button"))
}

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"$5,000.00", "$5000.00"},
		{"1234", "1234"},
		{"-42", "-42"},
		{"{98765}", "98765"},
		{"12.50", "12.50"},
		{"abc123", "abc123"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeNumber(tt.in), "input %q", tt.in)
	}
}
