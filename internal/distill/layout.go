package distill

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	// DefaultYThreshold is the vertical distance grouping entries into rows.
	DefaultYThreshold = 16.0

	// DefaultHScaleFactor converts pixel x-coordinates to character columns.
	DefaultHScaleFactor = 4.0

	// xNear is the max horizontal distance for merging near-y entries into a row.
	xNear = 320.0

	yEps = 1e-3
)

var (
	layoutLinePattern = regexp.MustCompile(`^(?:([^\s]+)\s+)?(.*?)\s*\(x=([-\d\.]+),\s*y=([-\d\.]+),\s*w=([\d\.]+),\s*h=([\d\.]+),\s*xpath=(.*?),\s*locator_string=(.*?)\)$`)

	layoutMonthPattern = regexp.MustCompile(`(?i)^(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)(\s?\d{4})?$`)

	dayTokenPattern = regexp.MustCompile(`(?:\[\s*)?\b\d{1,2}\b(?:\s*\])?`)

	whitespaceRun = regexp.MustCompile(`\s+`)

	excessiveNewlines = regexp.MustCompile(`(?:\r?\n){4,}`)
)

type layoutEntry struct {
	origIndex int
	text      string
	x, y, w, h float64
}

// RearrangeTexts turns coordinate-annotated lines into an ASCII layout that
// approximates the on-screen arrangement. Lines with similar y fall into one
// row; items are placed at a column proportional to x; vertical gaps beyond
// yThreshold emit blank lines. Multi-month calendars are linearized by
// shifting each month block downward (see shiftCalendarBlocks).
func RearrangeTexts(input string, yThreshold, hScaleFactor float64, additionalText string) string {
	if yThreshold <= 0 {
		yThreshold = DefaultYThreshold
	}
	if hScaleFactor <= 0 {
		hScaleFactor = DefaultHScaleFactor
	}

	entries := parseLayoutEntries(input)
	shiftCalendarBlocks(entries)

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].y != entries[j].y {
			return entries[i].y < entries[j].y
		}
		if entries[i].x != entries[j].x {
			return entries[i].x < entries[j].x
		}
		return entries[i].origIndex < entries[j].origIndex
	})

	rows := groupRows(entries, yThreshold)

	var outputLines []string
	prevRowMinY := math.NaN()
	prevRowHeight := 0

	for _, row := range rows {
		rowMinY := row[0].y
		for _, e := range row {
			if e.y < rowMinY {
				rowMinY = e.y
			}
		}

		if !math.IsNaN(prevRowMinY) {
			contentBottom := prevRowMinY + float64(prevRowHeight)*yThreshold
			gap := rowMinY - contentBottom
			if gap >= yThreshold {
				for i := 0; i < int(gap/yThreshold); i++ {
					outputLines = append(outputLines, "")
				}
			}
		}

		sort.SliceStable(row, func(i, j int) bool {
			if row[i].x != row[j].x {
				return row[i].x < row[j].x
			}
			return row[i].origIndex < row[j].origIndex
		})

		type wrappedEntry struct {
			lines     []string
			targetCol int
		}
		var entryLines []wrappedEntry
		maxWrappedLines := 1

		for _, e := range row {
			maxColWidth := int(math.Round(e.w / hScaleFactor))
			if maxColWidth < 1 {
				maxColWidth = 1
			}
			targetCol := int(math.Round(e.x / hScaleFactor))
			if targetCol < 0 {
				targetCol = 0
			}

			wrappingFactor := 1.0
			if len(e.text) <= 40 {
				wrappingFactor = 1.8
			}
			if len(e.text) <= 6 {
				wrappingFactor = 6
			}

			var wrapped []string
			if strings.Contains(e.text, "||") || float64(len(e.text)) > float64(maxColWidth)*wrappingFactor {
				wrapped = wordWrap(e.text, maxColWidth)
			} else {
				wrapped = []string{e.text}
			}

			entryLines = append(entryLines, wrappedEntry{lines: wrapped, targetCol: targetCol})
			if len(wrapped) > maxWrappedLines {
				maxWrappedLines = len(wrapped)
			}
		}

		rowLines := make([]string, maxWrappedLines)
		for _, entry := range entryLines {
			for i, line := range entry.lines {
				if i < len(rowLines) {
					rowLines[i] = placeText(rowLines[i], line, entry.targetCol)
				} else {
					rowLines = append(rowLines, placeText("", line, entry.targetCol))
				}
			}
		}

		outputLines = append(outputLines, rowLines...)
		prevRowMinY = rowMinY
		prevRowHeight = maxWrappedLines
	}

	output := strings.Join(outputLines, "\n")
	output = excessiveNewlines.ReplaceAllString(output, "\n\n\n")
	if additionalText != "" {
		output = additionalText + "\n" + output
	}
	return output
}

func parseLayoutEntries(input string) []*layoutEntry {
	var entries []*layoutEntry
	for i, line := range strings.Split(strings.TrimSpace(input), "\n") {
		line = strings.TrimSpace(line)
		if !strings.Contains(line, "(x=") || !strings.Contains(line, "xpath=") {
			continue
		}
		m := layoutLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		text := whitespaceRun.ReplaceAllString(strings.TrimSpace(m[2]), " ")
		x, _ := strconv.ParseFloat(m[3], 64)
		y, _ := strconv.ParseFloat(m[4], 64)
		w, _ := strconv.ParseFloat(m[5], 64)
		h, _ := strconv.ParseFloat(m[6], 64)

		// Keep 1x1 radios, checkboxes, and icon buttons; drop longer
		// zero-size text, it is off screen.
		if (w <= 1 || h <= 1) && len(text) > 5 {
			continue
		}

		entries = append(entries, &layoutEntry{
			origIndex: i,
			text:      text,
			x:         x, y: y, w: w, h: h,
		})
	}
	return entries
}

// shiftCalendarBlocks detects a multi-month calendar: two consecutive pure
// month headers with at least five day-number tokens between them. Each month
// block after the first shifts downward by the first block's height plus a
// fixed margin so the months no longer overlap horizontally.
func shiftCalendarBlocks(entries []*layoutEntry) {
	var headerIndices []int
	for i, e := range entries {
		if layoutMonthPattern.MatchString(e.text) {
			headerIndices = append(headerIndices, i)
		}
	}
	if len(headerIndices) < 2 {
		return
	}

	offsetY := 0.0
	startPair := -1
	for i := 0; i < len(headerIndices)-1; i++ {
		s, t := headerIndices[i], headerIndices[i+1]
		between := entries[s:t]
		dayLikeCount := 0
		for _, e := range between {
			dayLikeCount += len(dayTokenPattern.FindAllString(e.text, -1))
		}
		if dayLikeCount >= 5 {
			startPair = i
			if len(between) > 0 {
				minY, maxY := between[0].y, between[0].y+between[0].h
				for _, e := range between {
					if e.y < minY {
						minY = e.y
					}
					if e.y+e.h > maxY {
						maxY = e.y + e.h
					}
				}
				offsetY = (maxY - minY) + 40
			} else {
				offsetY = (entries[t].y + entries[t].h) - entries[s].y + 40
			}
			break
		}
	}
	if startPair < 0 || offsetY <= 0 {
		return
	}

	boundaries := append(append([]int{}, headerIndices[startPair:]...), len(entries))
	for blockIdx := 1; blockIdx < len(boundaries)-1; blockIdx++ {
		shift := offsetY * float64(blockIdx)
		for j := boundaries[blockIdx]; j < boundaries[blockIdx+1]; j++ {
			entries[j].y += shift
		}
	}
}

func groupRows(entries []*layoutEntry, yThreshold float64) [][]*layoutEntry {
	var rows [][]*layoutEntry

	rowMinY := func(row []*layoutEntry) float64 {
		minY := row[0].y
		for _, e := range row {
			if e.y < minY {
				minY = e.y
			}
		}
		return minY
	}

	for _, entry := range entries {
		var candidates []int
		for idx, row := range rows {
			if math.Abs(entry.y-rowMinY(row)) < yThreshold {
				candidates = append(candidates, idx)
			}
		}

		if len(candidates) == 0 {
			rows = append(rows, []*layoutEntry{entry})
			continue
		}

		placed := false
		for _, idx := range candidates {
			if math.Abs(entry.y-rowMinY(rows[idx])) < yEps {
				rows[idx] = append(rows[idx], entry)
				placed = true
				break
			}
		}
		if placed {
			continue
		}

		bestIdx, bestDist := -1, math.Inf(1)
		for _, idx := range candidates {
			for _, e := range rows[idx] {
				if d := math.Abs(entry.x - e.x); d < bestDist {
					bestDist = d
					bestIdx = idx
				}
			}
		}
		if bestDist < xNear {
			rows[bestIdx] = append(rows[bestIdx], entry)
		} else {
			rows = append(rows, []*layoutEntry{entry})
		}
	}
	return rows
}

// placeText places text into existingLine at the target column, padding with
// spaces or separating with one space when the line already runs past it.
func placeText(existingLine, text string, target int) string {
	if len(existingLine) < target {
		existingLine += strings.Repeat(" ", target-len(existingLine))
	} else if existingLine != "" && !strings.HasSuffix(existingLine, " ") {
		existingLine += " "
	}
	return existingLine + text
}

// wordWrap splits text into lines of at most maxWidth characters at word
// boundaries. "||" forces line breaks; lone dashes between breaks are dropped.
func wordWrap(text string, maxWidth int) []string {
	if strings.Contains(text, "||") {
		var wrappedLines []string
		for _, seg := range strings.Split(text, "||") {
			seg = strings.TrimSpace(seg)
			if seg == "-" || seg == "" {
				continue
			}
			wrappedLines = append(wrappedLines, wordWrap(seg, maxWidth)...)
		}
		return wrappedLines
	}

	words := strings.Fields(text)
	var lines []string
	currentLine := ""

	for _, w := range words {
		if currentLine != "" {
			if len(currentLine)+1+len(w) <= maxWidth {
				currentLine += " " + w
			} else {
				lines = append(lines, currentLine)
				currentLine = w
			}
		} else if len(w) > maxWidth {
			for i := 0; i < len(w); i += maxWidth {
				end := i + maxWidth
				if end > len(w) {
					end = len(w)
				}
				if currentLine != "" {
					lines = append(lines, currentLine)
				}
				currentLine = w[i:end]
			}
		} else {
			currentLine = w
		}
	}
	if currentLine != "" {
		lines = append(lines, currentLine)
	}
	return lines
}
