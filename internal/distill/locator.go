package distill

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/playwright-community/playwright-go"
)

// fuzzyMatchThreshold is the minimum similarity for matching a model-emitted
// token against an extracted token when exact and transformed lookups fail.
const fuzzyMatchThreshold = 0.8

var iconTokenPrefixes = []string{"☐", "✅", "🔘", "🟢", "[↑]", "[↓]", "[←]", "[→]", "[B]", "[E]", "[X]", "[IMG]"}

// locatorHint is the JSON emitted by the in-page script for elements with a
// usable accessible role and name.
type locatorHint struct {
	Role  string `json:"role"`
	Name  string `json:"name"`
	Exact bool   `json:"exact"`
}

// frameScope abstracts "main frame" vs "inside an iframe" so the resolution
// cascade runs identically in both. Exactly one of page or frame is set.
type frameScope struct {
	page  playwright.Page
	frame playwright.FrameLocator
}

func (s frameScope) locator(selector string) playwright.Locator {
	if s.frame != nil {
		return s.frame.Locator(selector)
	}
	return s.page.Locator(selector)
}

func (s frameScope) getByRole(role playwright.AriaRole, name string, exact bool) playwright.Locator {
	if s.frame != nil {
		return s.frame.GetByRole(role, playwright.FrameLocatorGetByRoleOptions{
			Name:  name,
			Exact: playwright.Bool(exact),
		})
	}
	return s.page.GetByRole(role, playwright.PageGetByRoleOptions{
		Name:  name,
		Exact: playwright.Bool(exact),
	})
}

func (s frameScope) getByRoleAll(role playwright.AriaRole) playwright.Locator {
	if s.frame != nil {
		return s.frame.GetByRole(role)
	}
	return s.page.GetByRole(role)
}

// GetLocatorFromText resolves a token the model quoted from the distilled
// text to a unique Playwright locator. The second return reports whether the
// target is an expandable element, so the caller can watch for a DOM burst
// after clicking it. Matching order: exact content-map lookup, duplicate
// index lookup, mechanical transforms of the token, then fuzzy matching
// against tokens of the same bracket shape.
func (e *Extractor) GetLocatorFromText(ctx context.Context, page playwright.Page, text string) (playwright.Locator, bool, error) {
	token := strings.TrimSpace(text)
	if token == "" {
		return nil, false, fmt.Errorf("empty target text")
	}

	line, matchedToken := e.findLine(token)
	if line == "" {
		e.logger.Warn(ctx, "no extracted line for target", "target", token)
		return nil, false, fmt.Errorf("no element found matching %q", token)
	}

	m := matchTextLine(line)
	if m == nil {
		return nil, false, fmt.Errorf("unparseable extracted line for %q", token)
	}

	content := strings.TrimSpace(m["content"])
	xpath := strings.TrimSpace(m["xpath"])
	locatorString := strings.TrimSpace(m["locator_string"])

	expandable := strings.HasPrefix(content, "[[") || strings.HasPrefix(content, "[E]")

	if cached, ok := e.locatorMap[matchedToken]; ok {
		return cached, expandable, nil
	}

	locator, err := e.createLocatorFromText(ctx, page, content, xpath, locatorString)
	if err != nil {
		return nil, false, err
	}
	e.locatorMap[matchedToken] = locator
	return locator, expandable, nil
}

// findLine locates the extracted line for a token, returning the line and
// the token under which it was found.
func (e *Extractor) findLine(token string) (string, string) {
	candidates := []string{
		token,
		escapeQuotes(token),
		strings.ReplaceAll(token, "\n", " "),
		strings.ReplaceAll(token, "\n", ""),
		bracketDigitFix.ReplaceAllString(token, "$1$2$4$3$5"),
		bracketButtonFix.ReplaceAllString(token, "[$1]$2$3"),
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if line, ok := e.duplicateTextMapping[c]; ok {
			return line, c
		}
		if line, ok := e.originalTextMapping[c]; ok {
			return line, c
		}
	}

	// Bracketed prefix: the model sometimes appends text after the token.
	if pm := bracketedPrefixRe.FindStringSubmatch(token); pm != nil {
		prefix := pm[1]
		remainder := token[len(prefix):]
		if !strings.ContainsAny(remainder, "[]{}") {
			if line, ok := e.originalTextMapping[strings.TrimSpace(prefix)]; ok {
				return line, strings.TrimSpace(prefix)
			}
			if line, ok := e.duplicateTextMapping[strings.TrimSpace(prefix)]; ok {
				return line, strings.TrimSpace(prefix)
			}
		}
	}

	// Fuzzy match, restricted to tokens of the same bracket shape so a
	// button never resolves to an input that merely shares the label.
	shape := bracketShape(token)
	bestRatio := 0.0
	bestToken := ""
	for candidate := range e.originalTextMapping {
		if bracketShape(candidate) != shape {
			continue
		}
		if r := sequenceRatio(token, candidate); r > bestRatio {
			bestRatio = r
			bestToken = candidate
		}
	}
	if bestRatio >= fuzzyMatchThreshold {
		return e.originalTextMapping[bestToken], bestToken
	}
	return "", ""
}

// bracketShape classifies a token by its enclosing annotation so fuzzy
// matching stays within one interaction kind.
func bracketShape(token string) string {
	switch {
	case strings.HasPrefix(token, "[["):
		return "[["
	case strings.HasPrefix(token, "{{"):
		return "{{"
	case strings.HasPrefix(token, "["):
		return "["
	case strings.HasPrefix(token, "{"):
		return "{"
	default:
		return ""
	}
}

// createLocatorFromText runs the resolution cascade for one extracted line.
func (e *Extractor) createLocatorFromText(ctx context.Context, page playwright.Page, content, xpath, locatorString string) (playwright.Locator, error) {
	scope, relativeXpath := scopeForXpath(page, xpath)

	// Generated role hint first: it survives re-renders that shift xpaths.
	if locatorString != "" && locatorString != "null" {
		var hint locatorHint
		if err := json.Unmarshal([]byte(locatorString), &hint); err == nil && hint.Role != "" {
			loc := scope.getByRole(playwright.AriaRole(hint.Role), hint.Name, hint.Exact)
			if resolved, ok := uniqueOrNarrowed(ctx, e, scope, loc, relativeXpath); ok {
				return resolved, nil
			}
		}
	}

	// Icons and icon-button placeholders carry no usable text; go by xpath.
	for _, prefix := range iconTokenPrefixes {
		if strings.HasPrefix(content, prefix) {
			return e.locateWithXpath(ctx, scope, relativeXpath)
		}
	}

	stripped := stripAnnotation(content)

	switch bracketShape(content) {
	case "[", "[[":
		if loc, err := e.locateClickable(ctx, scope, stripped, relativeXpath); err == nil {
			return loc, nil
		}
	case "{{":
		if loc, err := e.locateSelect(ctx, scope, stripped, relativeXpath); err == nil {
			return loc, nil
		}
	case "{":
		if loc, err := e.locateTextInput(ctx, scope, stripped, relativeXpath); err == nil {
			return loc, nil
		}
	}

	return e.locateWithXpath(ctx, scope, relativeXpath)
}

// stripAnnotation removes the bracket wrapper and trailing duplicate index
// from a token, leaving the visible text.
func stripAnnotation(content string) string {
	m := bracketRe.FindStringSubmatch(content)
	inner := content
	if m != nil {
		inner = m[2]
	}
	inner = strings.Trim(inner, "[]{}")
	return strings.TrimSpace(inner)
}

// clickableRoleForXpath picks the role and tag to try first for a clickable
// token, from the tag the stored xpath ends in.
func clickableRoleForXpath(xpath string) (playwright.AriaRole, string) {
	switch {
	case strings.Contains(xpath, "/a["):
		return *playwright.AriaRoleLink, "a"
	case strings.Contains(xpath, "/button["):
		return *playwright.AriaRoleButton, "button"
	}
	return *playwright.AriaRoleMenuitem, "div"
}

// locateClickable resolves single and double bracket tokens. The xpath hints
// at the underlying tag, which picks the role to try first.
func (e *Extractor) locateClickable(ctx context.Context, scope frameScope, text, xpath string) (playwright.Locator, error) {
	role, tag := clickableRoleForXpath(xpath)

	loc := scope.getByRole(role, text, true)
	if resolved, ok := uniqueOrNarrowed(ctx, e, scope, loc, xpath); ok {
		return resolved, nil
	}

	exactText := regexp.MustCompile("^" + regexp.QuoteMeta(text) + "$")
	loc = scope.getByRoleAll(role).Filter(playwright.LocatorFilterOptions{HasText: exactText})
	if resolved, ok := uniqueOrNarrowed(ctx, e, scope, loc, xpath); ok {
		return resolved, nil
	}

	loc = scope.locator(fmt.Sprintf(`%s:has-text("%s")`, tag, escapeQuotes(text)))
	if resolved, ok := uniqueOrNarrowed(ctx, e, scope, loc, xpath); ok {
		return resolved, nil
	}
	return nil, fmt.Errorf("no clickable element for %q", text)
}

// locateSelect resolves double-brace tokens: a combobox whose selected
// option matches the text.
func (e *Extractor) locateSelect(ctx context.Context, scope frameScope, selected, xpath string) (playwright.Locator, error) {
	loc := scope.getByRole(*playwright.AriaRoleCombobox, selected, true)
	if resolved, ok := uniqueOrNarrowed(ctx, e, scope, loc, xpath); ok {
		return resolved, nil
	}

	loc = scope.locator(fmt.Sprintf(`select:has(option:text-is("%s"))`, escapeQuotes(selected)))
	if resolved, ok := uniqueOrNarrowed(ctx, e, scope, loc, xpath); ok {
		return resolved, nil
	}
	return nil, fmt.Errorf("no select element with option %q", selected)
}

// textInputRoles are the editable roles a single-brace token may resolve to,
// in match order.
var textInputRoles = []playwright.AriaRole{
	*playwright.AriaRoleTextbox,
	*playwright.AriaRoleSearchbox,
	*playwright.AriaRoleCombobox,
	*playwright.AriaRoleSpinbutton,
}

// locateTextInput resolves single-brace tokens across the editable roles,
// then by placeholder, then by the input's name attribute.
func (e *Extractor) locateTextInput(ctx context.Context, scope frameScope, text, xpath string) (playwright.Locator, error) {
	for _, role := range textInputRoles {
		loc := scope.getByRole(role, text, true)
		if resolved, ok := uniqueOrNarrowed(ctx, e, scope, loc, xpath); ok {
			return resolved, nil
		}
	}

	loc := scope.locator(fmt.Sprintf(`input[placeholder="%s"]`, escapeQuotes(text)))
	if resolved, ok := uniqueOrNarrowed(ctx, e, scope, loc, xpath); ok {
		return resolved, nil
	}

	loc = scope.locator(fmt.Sprintf(`input[name="%s"]`, escapeQuotes(text)))
	if resolved, ok := uniqueOrNarrowed(ctx, e, scope, loc, xpath); ok {
		return resolved, nil
	}
	return nil, fmt.Errorf("no text input for %q", text)
}

// scopeForXpath splits an xpath into the frame scope it addresses and the
// xpath relative to that scope. Nested iframe and shadow-root markers produce
// chained locators inside the scope's root.
func scopeForXpath(page playwright.Page, xpath string) (frameScope, string) {
	xpath = trailingSvgPattern.ReplaceAllString(xpath, "")

	if idx := strings.Index(xpath, "/iframe["); idx >= 0 {
		end := strings.Index(xpath[idx:], "]")
		if end > 0 {
			frameXpath := xpath[:idx+end+1]
			rest := xpath[idx+end+1:]
			frame := page.FrameLocator("xpath=" + frameXpath)
			// Frames inside frames chain naturally.
			for {
				next := strings.Index(rest, "/iframe[")
				if next < 0 {
					break
				}
				nend := strings.Index(rest[next:], "]")
				if nend <= 0 {
					break
				}
				frame = frame.FrameLocator("xpath=" + rest[:next+nend+1])
				rest = rest[next+nend+1:]
			}
			return frameScope{frame: frame}, rest
		}
	}
	return frameScope{page: page}, xpath
}

// locateWithXpath builds a locator straight from the stored xpath, chaining
// through shadow-root boundaries.
func (e *Extractor) locateWithXpath(ctx context.Context, scope frameScope, xpath string) (playwright.Locator, error) {
	if xpath == "" {
		return nil, fmt.Errorf("element has no xpath")
	}

	parts := strings.Split(xpath, "/#shadow-root")
	loc := scope.locator("xpath=" + strings.TrimSuffix(parts[0], "/"))
	for _, part := range parts[1:] {
		part = strings.TrimPrefix(part, "/")
		if part == "" {
			continue
		}
		loc = loc.Locator("xpath=" + part)
	}

	if n, err := loc.Count(); err == nil && n > 1 {
		loc = loc.First()
	}
	return loc, nil
}

// uniqueOrNarrowed accepts a locator that matches exactly one element, or
// narrows a multi-match down to the element whose generated xpath equals the
// stored one.
func uniqueOrNarrowed(ctx context.Context, e *Extractor, scope frameScope, loc playwright.Locator, xpath string) (playwright.Locator, bool) {
	n, err := loc.Count()
	if err != nil || n == 0 {
		return nil, false
	}
	if n == 1 {
		return loc, true
	}
	if narrowed := e.narrowLocatorByXpath(ctx, loc, n, xpath); narrowed != nil {
		return narrowed, true
	}
	return nil, false
}

// narrowLocatorByXpath computes the xpath of every matched element in the
// page and returns the candidate whose xpath equals the target.
func (e *Extractor) narrowLocatorByXpath(ctx context.Context, loc playwright.Locator, count int, targetXpath string) playwright.Locator {
	if targetXpath == "" {
		return nil
	}

	raw, err := loc.EvaluateAll(`(elements) => elements.map((el) => {
		const parts = [];
		let current = el;
		while (current && current.nodeType === Node.ELEMENT_NODE) {
			const tag = current.tagName.toLowerCase();
			let index = 1;
			let sib = current.previousElementSibling;
			while (sib) {
				if (sib.tagName.toLowerCase() === tag) index++;
				sib = sib.previousElementSibling;
			}
			parts.unshift(tag + "[" + index + "]");
			let parent = current.parentElement;
			if (!parent) {
				const root = current.getRootNode();
				if (root instanceof ShadowRoot) {
					parts.unshift("#shadow-root");
					parent = root.host;
				}
			}
			current = parent;
		}
		return "/" + parts.join("/");
	})`)
	if err != nil {
		e.logger.Debug(ctx, "xpath narrowing failed", "error", err)
		return nil
	}

	xpaths, ok := raw.([]any)
	if !ok {
		return nil
	}
	for i, xp := range xpaths {
		s, _ := xp.(string)
		if s == targetXpath || strings.HasSuffix(targetXpath, s) {
			if i < count {
				return loc.Nth(i)
			}
		}
	}
	return nil
}
