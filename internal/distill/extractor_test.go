package distill

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfari/surfari/internal/config"
	"github.com/surfari/surfari/internal/observability"
)

func newTestExtractor() *Extractor {
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	return NewExtractor(config.Default(), logger)
}

func extractedLine(content, xpath, locatorString string) string {
	return fmt.Sprintf("main_frame %s (x=10.00, y=20.00, w=100.00, h=16.00, xpath=%s, locator_string=%s)", content, xpath, locatorString)
}

func TestMatchTextLine(t *testing.T) {
	line := extractedLine("[Submit]", "/html[1]/body[1]/button[1]", `{"role":"button","name":"Submit","exact":true}`)

	m := matchTextLine(line)
	require.NotNil(t, m)
	assert.Equal(t, "main_frame", m["frame_name"])
	assert.Equal(t, "[Submit]", strings.TrimSpace(m["content"]))
	assert.Equal(t, "/html[1]/body[1]/button[1]", m["xpath"])
	assert.Contains(t, m["locator_string"], `"role":"button"`)
}

func TestMatchTextLineRejectsPlainProse(t *testing.T) {
	assert.Nil(t, matchTextLine("just some prose without coordinates"))
}

func TestProcessSelectOptionContent(t *testing.T) {
	tests := []struct {
		in            string
		wantToken     string
		wantRemainder string
	}{
		{"{{Red}} || Green | Blue", "{{Red}}", "Green | Blue"},
		{"{{ Red }} || Green", "{{Red}}", "Green"},
		{"[Submit]", "[Submit]", ""},
		{"plain text", "plain text", ""},
	}
	for _, tt := range tests {
		token, remainder := processSelectOptionContent(tt.in)
		assert.Equal(t, tt.wantToken, token, "input %q", tt.in)
		assert.Equal(t, tt.wantRemainder, remainder, "input %q", tt.in)
	}
}

func TestIsIncludedToDuplicate(t *testing.T) {
	assert.True(t, isIncludedToDuplicate("[Submit]"))
	assert.True(t, isIncludedToDuplicate("{{Red}}"))
	assert.True(t, isIncludedToDuplicate("{Search}"))
	assert.True(t, isIncludedToDuplicate("☐"))
	assert.True(t, isIncludedToDuplicate("🔘"))
	assert.False(t, isIncludedToDuplicate("plain paragraph text"))
}

func TestProcessDuplicateContentIndexesInteractables(t *testing.T) {
	e := newTestExtractor()
	text := strings.Join([]string{
		extractedLine("[Edit]", "/html[1]/body[1]/a[1]", ""),
		extractedLine("[Edit]", "/html[1]/body[1]/a[2]", ""),
		extractedLine("Edit your profile", "/html[1]/body[1]/p[1]", ""),
	}, "\n")

	out, _ := e.processDuplicateContent(context.Background(), text, map[string]string{})

	assert.Contains(t, out, "[Edit]1")
	assert.Contains(t, out, "[Edit]2")
	assert.Contains(t, out, "Edit your profile", "plain text is never indexed")

	dups := e.GetDuplicateTexts()
	assert.Equal(t, []string{"[Edit]1", "[Edit]2"}, dups)
}

func TestProcessDuplicateContentSelectRemainder(t *testing.T) {
	e := newTestExtractor()
	text := strings.Join([]string{
		extractedLine("{{Red}} || Green | Blue", "/html[1]/body[1]/select[1]", ""),
		extractedLine("{{Red}} || Green | Blue", "/html[1]/body[1]/select[2]", ""),
	}, "\n")

	out, _ := e.processDuplicateContent(context.Background(), text, map[string]string{})

	assert.Contains(t, out, "{{Red}}1|| Green | Blue")
	assert.Contains(t, out, "{{Red}}2|| Green | Blue")
}

func TestProcessDuplicateContentRekeysLegend(t *testing.T) {
	e := newTestExtractor()
	text := strings.Join([]string{
		extractedLine("[B]", "/html[1]/body[1]/button[1]", ""),
		extractedLine("[B]", "/html[1]/body[1]/button[2]", ""),
	}, "\n")
	legendByXpath := map[string]string{
		"/html[1]/body[1]/button[1]": "Open settings",
		"/html[1]/body[1]/button[2]": "Open help",
	}

	_, legend := e.processDuplicateContent(context.Background(), text, legendByXpath)

	assert.Equal(t, "Open settings", legend["[B]1"])
	assert.Equal(t, "Open help", legend["[B]2"])
}

func TestFindLineTransforms(t *testing.T) {
	e := newTestExtractor()
	e.originalTextMapping["[Sign In]2"] = extractedLine("[Sign In]2", "/html[1]/body[1]/a[1]", "")

	tests := []struct {
		name  string
		token string
	}{
		{"exact", "[Sign In]2"},
		{"newline to space", "[Sign\nIn]2"},
		{"digit outside bracket", "[Sign In2]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, matched := e.findLine(tt.token)
			require.NotEmpty(t, line, "token %q", tt.token)
			assert.Equal(t, "[Sign In]2", matched)
		})
	}
}

func TestFindLineBracketButtonFix(t *testing.T) {
	e := newTestExtractor()
	e.originalTextMapping["[B]3"] = extractedLine("[B]3", "/html[1]/body[1]/button[3]", "")

	line, matched := e.findLine("[B3]")
	require.NotEmpty(t, line)
	assert.Equal(t, "[B]3", matched)
}

func TestFindLineBracketedPrefix(t *testing.T) {
	e := newTestExtractor()
	e.originalTextMapping["[Checkout]"] = extractedLine("[Checkout]", "/html[1]/body[1]/button[1]", "")

	line, matched := e.findLine("[Checkout] to continue")
	require.NotEmpty(t, line)
	assert.Equal(t, "[Checkout]", matched)

	// A remainder containing brackets means the model quoted two tokens.
	line, _ = e.findLine("[Checkout] then [Pay]")
	assert.Empty(t, line)
}

func TestFindLineFuzzySameShapeOnly(t *testing.T) {
	e := newTestExtractor()
	e.originalTextMapping["[Sign In now]"] = extractedLine("[Sign In now]", "/html[1]/body[1]/a[1]", "")
	e.originalTextMapping["{Sign in now}"] = extractedLine("{Sign in now}", "/html[1]/body[1]/input[1]", "")

	line, matched := e.findLine("[Sign in now]")
	require.NotEmpty(t, line)
	assert.Equal(t, "[Sign In now]", matched, "fuzzy match must stay within the same bracket shape")
}

func TestFindLineNoMatch(t *testing.T) {
	e := newTestExtractor()
	e.originalTextMapping["[Login]"] = extractedLine("[Login]", "/html[1]/body[1]/a[1]", "")

	line, _ := e.findLine("[Completely Different]")
	assert.Empty(t, line)
}

func TestBracketShape(t *testing.T) {
	assert.Equal(t, "[[", bracketShape("[[More]]"))
	assert.Equal(t, "{{", bracketShape("{{Red}}"))
	assert.Equal(t, "[", bracketShape("[Submit]"))
	assert.Equal(t, "{", bracketShape("{Search}"))
	assert.Equal(t, "", bracketShape("plain"))
}

func TestStripAnnotation(t *testing.T) {
	assert.Equal(t, "Submit", stripAnnotation("[Submit]"))
	assert.Equal(t, "Submit", stripAnnotation("[Submit]2"))
	assert.Equal(t, "More filters", stripAnnotation("[[More filters]]"))
	assert.Equal(t, "Red", stripAnnotation("{{Red}}"))
	assert.Equal(t, "Search", stripAnnotation("{Search}"))
}

func TestFilterLegend(t *testing.T) {
	legend := map[string]string{
		"[B]1": "Open settings",
		"[→]":  "Next",
		"[B]2": "Delete row",
	}

	out := FilterLegend(legend)

	assert.Contains(t, out, "[B]1 Open settings")
	assert.Contains(t, out, "[B]2 Delete row")
	assert.NotContains(t, out, "Next", "directional labels are dropped")
	assert.True(t, strings.HasPrefix(out, strings.Repeat("=", 80)))
}

func TestEscapeQuotes(t *testing.T) {
	assert.Equal(t, `say \"hi\"`, escapeQuotes(`say "hi"`))
	assert.Equal(t, `it\'s`, escapeQuotes(`it's`))
}
