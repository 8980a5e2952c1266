// Package distill turns a rendered page into a deterministic textual layout
// plus a side table mapping annotated tokens back to actionable locators.
package distill

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/surfari/surfari/internal/config"
	"github.com/surfari/surfari/internal/observability"
)

//go:embed extract.js
var extractScript string

// PDFViewerText is emitted instead of page text when the current tab renders
// an embedded PDF document.
const PDFViewerText = "Embedded PDF Viewer Detected. The document has been downloaded for you.\n"

var (
	textLinePattern = regexp.MustCompile(`^(?P<frame_name>[^\s]+)\s+(?P<content>.*?)\s*\((?P<coords>x=[-\d\.]+,\s*y=[-\d\.]+,\s*w=[\d\.]+,\s*h=[\d\.]+),\s*xpath=(?P<xpath>.*?),\s+locator_string=(?P<locator_string>.*?)\s*\)$`)

	bracketDigitFix  = regexp.MustCompile(`(\[+|\{+)([^\d\[\]\{\}]{3,})(\d+)(\]+|\}+)([^\d]|$)`)
	bracketButtonFix = regexp.MustCompile(`\[(↑|↓|←|→|B|E|X|IMG)(\d+)\]([^\d]|$)`)

	iconPrefixRe       = regexp.MustCompile(`^[^\[\{]*?([☐✅🔘🟢]\d*)`)
	bracketRe          = regexp.MustCompile(`^((\[{1,2}[^\[\]\{\}]+\]{1,2}|\{{1,2}[^\[\]\{\}]+\}{1,2})\d*)$`)
	bracketedPrefixRe  = regexp.MustCompile(`^((\[{1,2}[^\[\]]+\]{1,2}|\{{1,2}[^\{\}]+\}{1,2})\d*)`)
	trailingSvgPattern = regexp.MustCompile(`/svg(?:\[\d+\])?$`)
)

// matchTextLine parses one extracted line into its named groups, or nil.
func matchTextLine(line string) map[string]string {
	m := textLinePattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	out := make(map[string]string, 5)
	for i, name := range textLinePattern.SubexpNames() {
		if name != "" {
			out[name] = m[i]
		}
	}
	return out
}

// Extractor extracts distilled text from a page and resolves annotated
// tokens to Playwright locators. One extractor serves one agent; all maps
// are rebuilt on each GetFullText call.
type Extractor struct {
	cfg    *config.Config
	logger *observability.Logger

	locatorMap           map[string]playwright.Locator
	originalTextMapping  map[string]string
	duplicateTextMapping map[string]string
}

// NewExtractor creates an extractor bound to the given config and logger.
func NewExtractor(cfg *config.Config, logger *observability.Logger) *Extractor {
	return &Extractor{
		cfg:                  cfg,
		logger:               logger.WithComponent("distill"),
		locatorMap:           make(map[string]playwright.Locator),
		originalTextMapping:  make(map[string]string),
		duplicateTextMapping: make(map[string]string),
	}
}

func (e *Extractor) reset() {
	e.locatorMap = make(map[string]playwright.Locator)
	e.originalTextMapping = make(map[string]string)
	e.duplicateTextMapping = make(map[string]string)
}

// GetFullText extracts text from the main frame and all reachable nested
// frames, indexes duplicate tokens, applies the secret replacements, and
// builds the content map used for lazy locator resolution. Returns the
// distilled text and the legend (small-button labels keyed by token).
func (e *Extractor) GetFullText(ctx context.Context, page playwright.Page, secretsToMask map[string]string) (string, map[string]string, error) {
	start := time.Now()
	e.reset()

	fullText, legendByXpath, err := e.extractTextFromFrame(ctx, page.MainFrame(), 0, 0, 0, "")
	if err != nil {
		return "", nil, err
	}

	fullText, legend := e.processDuplicateContent(ctx, fullText, legendByXpath)

	for secretValue, maskedValue := range secretsToMask {
		if secretValue != "" && maskedValue != "" {
			fullText = strings.ReplaceAll(fullText, secretValue, maskedValue)
		}
	}

	e.createContentMap(ctx, fullText)
	e.logger.Info(ctx, "page text extracted",
		"chars", len(fullText), "legend_entries", len(legend),
		"elapsed_ms", time.Since(start).Milliseconds())
	return fullText, legend, nil
}

// extractTextFromFrame recursively extracts segments from one frame,
// translating child-frame coordinates by the parent iframe's offset and
// prefixing xpaths with the parent iframe's xpath.
func (e *Extractor) extractTextFromFrame(ctx context.Context, frame playwright.Frame, depth int, parentX, parentY float64, parentXpath string) (string, map[string]string, error) {
	prefix := "main_frame"
	isInsideIframe := depth > 0
	var frameID, frameName string

	if isInsideIframe {
		frameElement, err := frame.FrameElement()
		if err != nil {
			return "", map[string]string{}, nil
		}
		if id, err := frameElement.GetAttribute("id"); err == nil {
			frameID = id
		}
		if name, err := frameElement.GetAttribute("name"); err == nil {
			frameName = name
		}
		prefix = frameID
		if prefix == "" {
			prefix = frameName
		}
		if prefix == "" {
			// Anonymous nested frames cannot be addressed later; skip.
			return "", map[string]string{}, nil
		}
	}

	expression := fmt.Sprintf(`({isInsideIframe, myFrameId, myFrameName, consoleDebugLogEnabled, consoleLogVisibilityCheck, generateLocatorDisabled}) => {
%s
return segments;
}`, extractScript)

	raw, err := frame.Evaluate(expression, map[string]any{
		"isInsideIframe":          isInsideIframe,
		"myFrameId":               frameID,
		"myFrameName":             frameName,
		"consoleDebugLogEnabled":  false,
		"consoleLogVisibilityCheck": false,
		"generateLocatorDisabled": e.cfg.App.GenerateLocatorDisabled,
	})
	if err != nil {
		e.logger.Error(ctx, "frame extraction failed", "frame", prefix, "error", err)
		return "", map[string]string{}, nil
	}

	segments, _ := raw.([]any)
	var pieces []string
	legend := map[string]string{}

	for _, rawSeg := range segments {
		seg, ok := rawSeg.(map[string]any)
		if !ok {
			continue
		}
		segType, _ := seg["type"].(string)

		switch segType {
		case "text", "input":
			adjustedX := asFloat(seg["x"]) + parentX
			adjustedY := asFloat(seg["y"]) + parentY

			combinedXpath, _ := seg["xpath"].(string)
			if parentXpath != "" {
				combinedXpath = strings.TrimRight(parentXpath, "/") + combinedXpath
			}

			locatorString, _ := seg["locatorString"].(string)
			content, _ := seg["content"].(string)

			switch int(asFloat(seg["enclose"])) {
			case 2:
				content = "[[" + content + "]]"
			case 1:
				content = "[" + content + "]"
			}
			content = whitespaceRun.ReplaceAllString(content, " ")

			if labelText, _ := seg["labelText"].(string); labelText != "" {
				if len(labelText) > 80 {
					labelText = labelText[:80] + "..."
				}
				legend[combinedXpath] = labelText
			}

			pieces = append(pieces, fmt.Sprintf("%s %s (x=%.2f, y=%.2f, w=%.2f, h=%.2f, xpath=%s, locator_string=%s)",
				prefix, content, adjustedX, adjustedY,
				asFloat(seg["width"]), asFloat(seg["height"]), combinedXpath, locatorString))

		case "iframe":
			childFrameID, _ := seg["id"].(string)
			adjustedIframeX := asFloat(seg["x"]) + parentX
			adjustedIframeY := asFloat(seg["y"]) + parentY

			combinedIframeXpath, _ := seg["xpath"].(string)
			if parentXpath != "" {
				combinedIframeXpath = strings.TrimRight(parentXpath, "/") + combinedIframeXpath
			}

			handle, err := frame.QuerySelector(fmt.Sprintf(`iframe[data-frame-id="%s"]`, childFrameID))
			if err != nil || handle == nil {
				continue
			}
			nestedFrame, err := handle.ContentFrame()
			if err != nil || nestedFrame == nil {
				continue
			}
			nestedText, nestedLegend, err := e.extractTextFromFrame(ctx, nestedFrame, depth+1, adjustedIframeX, adjustedIframeY, combinedIframeXpath)
			if err != nil {
				continue
			}
			if nestedText != "" {
				pieces = append(pieces, nestedText)
			}
			for k, v := range nestedLegend {
				if _, exists := legend[k]; !exists {
					legend[k] = v
				}
			}
		}
	}

	return strings.Join(pieces, "\n"), legend, nil
}

// processDuplicateContent appends a 1-based occurrence index to every
// interactable token appearing more than once, and rewrites the legend to be
// keyed by the final display token.
func (e *Extractor) processDuplicateContent(ctx context.Context, text string, legendByXpath map[string]string) (string, map[string]string) {
	contentCount := map[string]int{}

	for _, line := range splitLines(text) {
		m := matchTextLine(line)
		if m == nil {
			continue
		}
		content, _ := processSelectOptionContent(strings.TrimSpace(m["content"]))
		if isIncludedToDuplicate(content) {
			contentCount[content]++
		}
	}

	contentOccurrences := map[string]int{}
	var modifiedLines []string
	newLegend := map[string]string{}

	for _, line := range splitLines(text) {
		m := matchTextLine(line)
		if m == nil {
			e.logger.Warn(ctx, "skipping malformed extracted line", "line", line)
			continue
		}

		content, remainder := processSelectOptionContent(strings.TrimSpace(m["content"]))
		if remainder != "" {
			remainder = "|| " + remainder
		}

		labelText := legendByXpath[strings.TrimSpace(m["xpath"])]

		if contentCount[content] > 1 {
			contentOccurrences[content]++
			newContent := fmt.Sprintf("%s%d%s", content, contentOccurrences[content], remainder)
			modifiedLine := fmt.Sprintf("%s %s (%s, xpath=%s, locator_string=%s)",
				strings.TrimSpace(m["frame_name"]), newContent,
				strings.TrimSpace(m["coords"]), strings.TrimSpace(m["xpath"]), m["locator_string"])
			e.duplicateTextMapping[newContent] = modifiedLine
			modifiedLines = append(modifiedLines, modifiedLine)
			if labelText != "" {
				newLegend[newContent] = labelText
			}
		} else {
			modifiedLines = append(modifiedLines, line)
			if labelText != "" {
				newLegend[content] = labelText
			}
		}
	}

	return strings.Join(modifiedLines, "\n"), newLegend
}

// createContentMap maps each token (the text between the frame name and the
// coordinate block) to its full extracted line for lazy locator resolution.
func (e *Extractor) createContentMap(ctx context.Context, text string) {
	for _, line := range splitLines(text) {
		m := matchTextLine(line)
		if m == nil {
			continue
		}
		content := escapeQuotes(strings.TrimSpace(m["content"]))
		content, _ = processSelectOptionContent(content)
		e.originalTextMapping[content] = line
	}
	e.logger.Debug(ctx, "content map built", "entries", len(e.originalTextMapping))
}

// processSelectOptionContent splits combobox content on the first "||",
// returning the normalized selected token and the remaining options.
func processSelectOptionContent(content string) (string, string) {
	if !strings.Contains(content, "||") {
		return strings.TrimSpace(content), ""
	}
	parts := strings.SplitN(content, "||", 2)
	first := strings.TrimSpace(parts[0])
	remainder := strings.TrimSpace(parts[1])

	if strings.HasPrefix(first, "{{") && strings.HasSuffix(first, "}}") {
		inner := strings.TrimSpace(first[2 : len(first)-2])
		first = "{{" + inner + "}}"
	}
	return first, remainder
}

// isIncludedToDuplicate reports whether the token takes part in duplicate
// indexing. Plain text is excluded; only interactable tokens are indexed.
func isIncludedToDuplicate(content string) bool {
	if (strings.HasPrefix(content, "[") || strings.HasPrefix(content, "{")) &&
		(strings.HasSuffix(content, "]") || strings.HasSuffix(content, "}")) {
		return true
	}
	switch content {
	case "☐", "✅", "🔘", "🟢":
		return true
	}
	return false
}

// escapeQuotes escapes " and ' for use in Playwright text selectors.
func escapeQuotes(text string) string {
	text = strings.ReplaceAll(text, `"`, `\"`)
	return strings.ReplaceAll(text, `'`, `\'`)
}

// FilterLegend renders the legend block appended below the layout, dropping
// entries whose label is a bare directional word.
func FilterLegend(legend map[string]string) string {
	directional := map[string]bool{
		"previous": true, "next": true, "up": true,
		"down": true, "back": true, "forward": true,
	}

	keys := make([]string, 0, len(legend))
	for k := range legend {
		if !directional[strings.ToLower(legend[k])] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(strings.Repeat("=", 80) + "\n")
	b.WriteString("Legend Area for Small Buttons to help you choose the right button.\n")
	for _, k := range keys {
		b.WriteString(k + " " + legend[k] + "\n")
	}
	b.WriteString("End Legend Area for Small Buttons. Not part of the page layout. Don't React within this Region\n")
	b.WriteString(strings.Repeat("=", 80) + "\n")
	return b.String()
}

// GetDuplicateTexts returns the display tokens created by duplicate indexing.
func (e *Extractor) GetDuplicateTexts() []string {
	keys := make([]string, 0, len(e.duplicateTextMapping))
	for k := range e.duplicateTextMapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
