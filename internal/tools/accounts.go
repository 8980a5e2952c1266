package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Account is one account row reported from scraped page text.
type Account struct {
	AccountName  string `json:"account_name" jsonschema:"required,description=The name of the account"`
	AccountNum   string `json:"account_num,omitempty" jsonschema:"description=The number of the account"`
	AccountValue string `json:"account_value" jsonschema:"required,description=The value/balance of the account"`
	AccountType  string `json:"account_type,omitempty" jsonschema:"description=The type/category of the account"`
}

// InvestmentPosition is one holding row reported from scraped page text.
type InvestmentPosition struct {
	Symbol              string  `json:"symbol" jsonschema:"required,description=Ticker symbol; use CASH for cash positions"`
	Name                string  `json:"name,omitempty" jsonschema:"description=Instrument name"`
	Quantity            int     `json:"quantity" jsonschema:"required,description=Quantity/Shares"`
	Price               float64 `json:"price" jsonschema:"required,description=Unit price (use 1 for CASH)"`
	CostBasis           string  `json:"cost_basis,omitempty" jsonschema:"description=Cost basis as text"`
	MarketValue         string  `json:"market_value,omitempty" jsonschema:"description=Market value as text"`
	DayChangeAmount     string  `json:"day_change_amount,omitempty" jsonschema:"description=Daily change as text"`
	DayChangePercentage string  `json:"day_change_percentage,omitempty" jsonschema:"description=Daily change percentage as text"`
	PositionType        string  `json:"position_type,omitempty" jsonschema:"description=Type/category of position"`
	PercentOfHoldings   string  `json:"percent_of_holdings,omitempty" jsonschema:"description=Percent of total holdings as text"`
}

type reportAccountsArgs struct {
	Accounts []Account `json:"accounts" jsonschema:"required,description=Account rows extracted from the page"`
}

type reportPositionsArgs struct {
	Holdings []InvestmentPosition `json:"holdings" jsonschema:"required,description=Holding rows extracted from the page"`
}

// AccountTools returns the built-in reporting tools for account scraping
// tasks. Each tool validates its rows and answers with a compact summary.
func AccountTools() []Tool {
	report := NewFuncTool(
		"report_account_details",
		"Extract account details from scraped text.",
		SchemaFor(&reportAccountsArgs{}),
		func(ctx context.Context, args map[string]any) (any, error) {
			valid, invalid := decodeRows[Account](args["accounts"])
			return map[string]any{
				"ok":      true,
				"summary": fmt.Sprintf("accounts=%d; invalid=%d", len(valid), invalid),
			}, nil
		},
	)

	positions := NewFuncTool(
		"report_investment_positions",
		"Extract investment holding details from scraped text.",
		SchemaFor(&reportPositionsArgs{}),
		func(ctx context.Context, args map[string]any) (any, error) {
			valid, invalid := decodeRows[InvestmentPosition](args["holdings"])
			return map[string]any{
				"ok":      true,
				"summary": fmt.Sprintf("positions=%d; invalid=%d", len(valid), invalid),
			}, nil
		},
	)

	return []Tool{report, positions}
}

// decodeRows coerces a loosely typed row list into T values, counting the
// rows that do not decode.
func decodeRows[T any](v any) ([]T, int) {
	items, ok := v.([]any)
	if !ok {
		return nil, 0
	}
	var valid []T
	invalid := 0
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			invalid++
			continue
		}
		var row T
		if err := json.Unmarshal(raw, &row); err != nil {
			invalid++
			continue
		}
		valid = append(valid, row)
	}
	return valid, invalid
}
