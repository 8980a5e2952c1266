package google

import (
	"context"

	"github.com/surfari/surfari/internal/tools"
)

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func errResult(err error) map[string]any {
	return map[string]any{"ok": false, "error": err.Error()}
}

// RegisterTools adds the Gmail and Sheets tools to a registry so agents
// can call them directly.
func RegisterTools(registry *tools.Registry, client *Client) {
	registry.Register(tools.NewFuncTool(
		"gmail_send_email",
		"Send an email using the authenticated Gmail account. Recipients are comma-separated; set html to true to send an HTML body.",
		objectSchema(map[string]any{
			"to":      map[string]any{"type": "string", "description": "Comma-separated recipients"},
			"subject": map[string]any{"type": "string"},
			"body":    map[string]any{"type": "string"},
			"cc":      map[string]any{"type": "string"},
			"bcc":     map[string]any{"type": "string"},
			"html":    map[string]any{"type": "boolean"},
		}, "to", "subject", "body"),
		func(ctx context.Context, args map[string]any) (any, error) {
			to, _ := args["to"].(string)
			subject, _ := args["subject"].(string)
			body, _ := args["body"].(string)
			cc, _ := args["cc"].(string)
			bcc, _ := args["bcc"].(string)
			html, _ := args["html"].(bool)
			id, err := client.SendEmail(ctx, to, subject, body, SendOptions{CC: cc, BCC: bcc, HTML: html})
			if err != nil {
				return errResult(err), nil
			}
			return map[string]any{"ok": true, "id": id}, nil
		}))

	registry.Register(tools.NewFuncTool(
		"gmail_search_emails",
		"Search the inbox with a Gmail query (for example 'from:me after:1723950000' or 'subject:OTP') and return a compact message list.",
		objectSchema(map[string]any{
			"query":       map[string]any{"type": "string"},
			"max_results": map[string]any{"type": "integer"},
		}, "query"),
		func(ctx context.Context, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			maxResults := 5
			if n, ok := args["max_results"].(float64); ok {
				maxResults = int(n)
			}
			messages, err := client.SearchEmails(ctx, query, maxResults)
			if err != nil {
				return errResult(err), nil
			}
			if messages == nil {
				messages = []MessageSummary{}
			}
			return map[string]any{"ok": true, "messages": messages}, nil
		}))

	registry.Register(tools.NewFuncTool(
		"gmail_get_message",
		"Fetch a single Gmail message by ID, returning its metadata headers and snippet.",
		objectSchema(map[string]any{
			"message_id": map[string]any{"type": "string"},
		}, "message_id"),
		func(ctx context.Context, args map[string]any) (any, error) {
			id, _ := args["message_id"].(string)
			msg, err := client.GetMessage(ctx, id)
			if err != nil {
				return errResult(err), nil
			}
			return map[string]any{"ok": true, "message": msg}, nil
		}))

	registry.Register(tools.NewFuncTool(
		"sheets_read_json",
		"Read a Google Sheets range in A1 notation (first row is the header) and return JSON rows.",
		objectSchema(map[string]any{
			"spreadsheet_id": map[string]any{"type": "string"},
			"range_a1":       map[string]any{"type": "string", "description": "For example Sheet1!A1:D200"},
		}, "spreadsheet_id", "range_a1"),
		func(ctx context.Context, args map[string]any) (any, error) {
			id, _ := args["spreadsheet_id"].(string)
			rangeA1, _ := args["range_a1"].(string)
			data, err := client.SheetsReadToJSON(ctx, id, rangeA1)
			if err != nil {
				return errResult(err), nil
			}
			return map[string]any{"ok": true, "rows": data.Rows, "columns": data.Columns, "count": len(data.Rows)}, nil
		}))

	registry.Register(tools.NewFuncTool(
		"sheets_create_from_json",
		"Create a Google Sheet and populate it from a list of records; keys become columns.",
		objectSchema(map[string]any{
			"title":      map[string]any{"type": "string"},
			"records":    map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
			"sheet_name": map[string]any{"type": "string"},
		}, "title", "records"),
		func(ctx context.Context, args map[string]any) (any, error) {
			title, _ := args["title"].(string)
			sheetName, _ := args["sheet_name"].(string)
			var records []map[string]any
			if raw, ok := args["records"].([]any); ok {
				for _, item := range raw {
					if rec, ok := item.(map[string]any); ok {
						records = append(records, rec)
					}
				}
			}
			id, err := client.SheetsCreateFromJSON(ctx, title, records, sheetName)
			if err != nil {
				return errResult(err), nil
			}
			return map[string]any{"ok": true, "spreadsheetId": id, "count": len(records)}, nil
		}))
}
