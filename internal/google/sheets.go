package google

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
)

// SheetData is the result of reading a Sheets range as records.
type SheetData struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

func escapeRange(rangeA1 string) string {
	return url.PathEscape(rangeA1)
}

// SheetsReadToJSON reads a range in A1 notation and converts the rows to
// records. The first returned row is the header; short rows pad with
// empty strings and long rows truncate to the header width.
func (c *Client) SheetsReadToJSON(ctx context.Context, spreadsheetID, rangeA1 string) (*SheetData, error) {
	readURL := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s",
		c.sheetsBaseURL, url.PathEscape(spreadsheetID), escapeRange(rangeA1))
	params := url.Values{}
	params.Set("majorDimension", "ROWS")

	resp, err := c.requestJSON(ctx, http.MethodGet, readURL, params, nil, []string{sheetsScopeReadonly})
	if err != nil {
		return nil, err
	}

	values, _ := resp["values"].([]any)
	out := &SheetData{Columns: []string{}, Rows: []map[string]any{}}
	if len(values) == 0 {
		return out, nil
	}

	if header, ok := values[0].([]any); ok {
		for _, cell := range header {
			out.Columns = append(out.Columns, fmt.Sprint(cell))
		}
	}
	for _, rawRow := range values[1:] {
		cells, ok := rawRow.([]any)
		if !ok {
			continue
		}
		row := map[string]any{}
		for i, col := range out.Columns {
			if i < len(cells) {
				row[col] = cells[i]
			} else {
				row[col] = ""
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// SheetsCreateFromJSON creates a spreadsheet and fills its first sheet
// from records. Columns are the union of record keys in first-seen order.
func (c *Client) SheetsCreateFromJSON(ctx context.Context, title string, records []map[string]any, sheetName string) (string, error) {
	if sheetName == "" {
		sheetName = "Sheet1"
	}

	createBody := map[string]any{
		"properties": map[string]any{"title": title},
		"sheets":     []any{map[string]any{"properties": map[string]any{"title": sheetName}}},
	}
	createURL := c.sheetsBaseURL + "/v4/spreadsheets"
	created, err := c.requestJSON(ctx, http.MethodPost, createURL, nil, createBody, []string{sheetsScopeRW})
	if err != nil {
		return "", err
	}
	spreadsheetID, _ := created["spreadsheetId"].(string)
	if spreadsheetID == "" {
		return "", fmt.Errorf("create returned no spreadsheetId")
	}

	var columns []string
	seen := map[string]bool{}
	for _, rec := range records {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	// Map iteration order varies per record, so a sorted header keeps
	// repeated exports identical.
	sort.Strings(columns)

	values := [][]any{toRow(columns)}
	for _, rec := range records {
		row := make([]any, len(columns))
		for i, col := range columns {
			if v, ok := rec[col]; ok {
				row[i] = v
			} else {
				row[i] = ""
			}
		}
		values = append(values, row)
	}

	rng := sheetName + "!A1"
	updateURL := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s",
		c.sheetsBaseURL, url.PathEscape(spreadsheetID), escapeRange(rng))
	params := url.Values{}
	params.Set("valueInputOption", "USER_ENTERED")
	updateBody := map[string]any{"range": rng, "majorDimension": "ROWS", "values": values}

	if _, err := c.requestJSON(ctx, http.MethodPut, updateURL, params, updateBody, []string{sheetsScopeRW}); err != nil {
		return "", err
	}
	return spreadsheetID, nil
}

func toRow(columns []string) []any {
	row := make([]any, len(columns))
	for i, c := range columns {
		row[i] = c
	}
	return row
}

