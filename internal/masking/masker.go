// Package masking rewrites digit-bearing tokens in distilled page text so
// that account numbers and amounts never reach the model, and reverses the
// rewrite on model output.
package masking

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var (
	tokenPattern = regexp.MustCompile(`\S+`)

	// HH:MM(:SS)? with optional AM/PM.
	timePattern = regexp.MustCompile(`^\d{1,2}:\d{2}(?::\d{2})?(?: ?[APMapm]{2})?$`)

	monthPattern = regexp.MustCompile(`(?i)\b(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec|January|February|March|April|June|July|August|September|October|November|December)\b`)

	digitPattern    = regexp.MustCompile(`\d`)
	slashDash       = regexp.MustCompile(`[/-]`)
	nonWordPattern  = regexp.MustCompile(`[^\w]`)
	numberJunk      = regexp.MustCompile(`[{}\[\]():;,$']`)
	bracketsOnly    = regexp.MustCompile(`[{}\[\]()]`)
	locatorShaped   = regexp.MustCompile(`^(\[\[.*\]\]|\{\{.*\}\}|\[.*\]|\{.*\})\d*$`)
)

// defaultDonotMaskTerms are never masked (normalized, lowercase).
var defaultDonotMaskTerms = []string{"1099", "2024", "2025", "2026", "401k"}

// NumericMasker masks digit-bearing tokens at or above a minimum length,
// skipping date/time shapes and a configurable do-not-mask set. The mapping
// is 1:1 and stable within one mask pass; unmasking falls back to a
// normalized-number lookup when the model reformats a value.
type NumericMasker struct {
	mu sync.Mutex

	donotMaskTerms map[string]bool
	minTokenLength int

	replacementMap       map[string]string // original -> masked
	reverseMap           map[string]string // masked -> original
	normalizedReverseMap map[string]string
	usedMasked           map[string]bool

	rng *rand.Rand
}

// Option configures a NumericMasker.
type Option func(*NumericMasker)

// WithMinTokenLength overrides the default minimum maskable token length (5).
func WithMinTokenLength(n int) Option {
	return func(m *NumericMasker) { m.minTokenLength = n }
}

// WithRand sets a deterministic random source, used by tests.
func WithRand(r *rand.Rand) Option {
	return func(m *NumericMasker) { m.rng = r }
}

// NewNumericMasker creates a masker seeded with the default do-not-mask set.
func NewNumericMasker(opts ...Option) *NumericMasker {
	m := &NumericMasker{
		donotMaskTerms:       make(map[string]bool),
		minTokenLength:       5,
		replacementMap:       make(map[string]string),
		reverseMap:           make(map[string]string),
		normalizedReverseMap: make(map[string]string),
		usedMasked:           make(map[string]bool),
	}
	for _, term := range defaultDonotMaskTerms {
		m.donotMaskTerms[normalizeTerm(term)] = true
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func normalizeTerm(term string) string {
	return strings.ToLower(nonWordPattern.ReplaceAllString(term, ""))
}

// AddDonotMaskTermsFromString tokenizes the input and registers every
// digit-bearing token meeting the minimum length as exempt from masking.
// Used to keep task-goal values (dates, amounts) visible to the model.
func (m *NumericMasker) AddDonotMaskTermsFromString(in string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, token := range tokenPattern.FindAllString(in, -1) {
		if hasDigit(token) && len(strings.TrimSpace(token)) >= m.minTokenLength {
			if normalized := normalizeTerm(token); normalized != "" {
				m.donotMaskTerms[normalized] = true
			}
		}
	}
}

func hasDigit(token string) bool {
	return digitPattern.MatchString(token)
}

func (m *NumericMasker) isDonotMaskTerm(token string) bool {
	return m.donotMaskTerms[normalizeTerm(token)]
}

func isDateish(token string) bool {
	t := strings.TrimSpace(token)
	t2 := t
	if strings.HasPrefix(t, "-") {
		t2 = strings.TrimLeft(t[1:], " ")
	}
	if timePattern.MatchString(t2) {
		return true
	}
	if slashDash.MatchString(t2) && hasDigit(t2) {
		return true
	}
	if monthPattern.MatchString(t2) && hasDigit(t2) {
		return true
	}
	return false
}

func (m *NumericMasker) maskDigitChar(c rune) rune {
	if c >= '0' && c <= '9' {
		if c == '0' {
			return rune('0' + m.intn(10))
		}
		return rune('1' + m.intn(9))
	}
	return c
}

func (m *NumericMasker) intn(n int) int {
	if m.rng != nil {
		return m.rng.Intn(n)
	}
	return rand.Intn(n)
}

func (m *NumericMasker) maskToken(token string) string {
	if masked, ok := m.replacementMap[token]; ok {
		return masked
	}
	for attempt := 0; ; attempt++ {
		if attempt > 100 {
			fallback := fmt.Sprintf("MASK%06d", 100000+m.intn(900000))
			m.replacementMap[token] = fallback
			m.usedMasked[fallback] = true
			return fallback
		}
		var b strings.Builder
		for _, c := range token {
			b.WriteRune(m.maskDigitChar(c))
		}
		candidate := b.String()
		if !m.usedMasked[candidate] {
			m.replacementMap[token] = candidate
			m.usedMasked[candidate] = true
			return candidate
		}
	}
}

// normalizeNumber normalizes a numeric string for comparison, preserving a
// leading sign and a dollar sign. Non-numeric inputs come back with
// punctuation stripped only.
func normalizeNumber(numStr string) string {
	hasDollar := strings.Contains(numStr, "$")
	prefix := ""

	s := numberJunk.ReplaceAllString(numStr, "")
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, ".")
	tmp := s
	if strings.HasPrefix(tmp, "+") || strings.HasPrefix(tmp, "-") {
		prefix = tmp[:1]
		tmp = strings.TrimLeft(tmp[1:], " ")
	}

	val, err := strconv.ParseFloat(tmp, 64)
	if err != nil {
		return s
	}

	var formatted string
	if strings.Contains(tmp, ".") {
		formatted = strconv.FormatFloat(val, 'f', 2, 64)
	} else {
		formatted = strconv.FormatInt(int64(val), 10)
	}
	if hasDollar {
		return prefix + "$" + formatted
	}
	return prefix + formatted
}

func (m *NumericMasker) buildReverseMap() {
	m.reverseMap = make(map[string]string, len(m.replacementMap))
	for original, masked := range m.replacementMap {
		m.reverseMap[masked] = original
		m.normalizedReverseMap[normalizeNumber(masked)] = normalizeNumber(original)
	}
}

// Mask replaces maskable tokens in text and rebuilds the reverse map.
// Tokens appearing in any donotMask entry are left alone.
func (m *NumericMasker) Mask(text string, donotMask []string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.replacementMap = make(map[string]string)
	m.reverseMap = make(map[string]string)
	m.normalizedReverseMap = make(map[string]string)
	m.usedMasked = make(map[string]bool)

	masked := tokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		normToken := normalizeNumber(token)
		if len(normToken) < m.minTokenLength {
			return token
		}
		if !hasDigit(token) {
			return token
		}
		if m.isDonotMaskTerm(token) {
			return token
		}
		if isDateish(token) {
			return token
		}
		for _, item := range donotMask {
			if strings.Contains(item, token) {
				return token
			}
		}
		return m.maskToken(token)
	})

	m.buildReverseMap()
	return masked
}

// Unmask reverts masked tokens in model output. A token found in neither the
// reverse map nor the normalized reverse map is left unchanged. Unless the
// whole input is a locator-shaped target, brackets are stripped from the
// result so plain text stays plain.
func (m *NumericMasker) Unmask(maskedText string) string {
	if maskedText == "" {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	unmasked := tokenPattern.ReplaceAllStringFunc(maskedText, func(token string) string {
		if !hasDigit(token) || isDateish(token) {
			return token
		}
		if original, ok := m.reverseMap[token]; ok {
			return original
		}
		if normOriginal, ok := m.normalizedReverseMap[normalizeNumber(token)]; ok {
			return normOriginal
		}
		return token
	})

	if !locatorShaped.MatchString(maskedText) {
		return bracketsOnly.ReplaceAllString(unmasked, "")
	}
	return unmasked
}
