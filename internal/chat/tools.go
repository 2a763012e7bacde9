package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"tradelog/internal/storage"
)

// Tool is a server-side function the model may invoke mid-conversation.
// Parameters is a JSON-schema object describing Execute's input.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Execute     func(ctx context.Context, input json.RawMessage) (string, error)
}

// JournalTools builds the fixed per-request tool set, bound to one user's
// journal rows.
func JournalTools(store *storage.Store, userID string) []Tool {
	return []Tool{
		getTradesTool(store, userID),
		getTradeStatsTool(store, userID),
		generateChartTool(store, userID),
	}
}

type tradeQueryInput struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Limit     uint64 `json:"limit"`
}

func (in tradeQueryInput) filter(userID string) (storage.TradeFilter, error) {
	f := storage.TradeFilter{
		UserID: userID,
		Symbol: in.Symbol,
		Side:   in.Side,
		Limit:  in.Limit,
	}
	var err error
	if f.From, err = parseDate(in.StartDate); err != nil {
		return f, fmt.Errorf("start_date: %w", err)
	}
	if f.To, err = parseDate(in.EndDate); err != nil {
		return f, fmt.Errorf("end_date: %w", err)
	}
	if !f.To.IsZero() {
		// Inclusive end of day.
		f.To = f.To.Add(24*time.Hour - time.Nanosecond)
	}
	return f, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD, got %q", s)
	}
	return t, nil
}

var dateProperties = map[string]any{
	"start_date": map[string]any{"type": "string", "description": "Start date in YYYY-MM-DD (optional)"},
	"end_date":   map[string]any{"type": "string", "description": "End date in YYYY-MM-DD (optional)"},
}

func objectSchema(properties map[string]any) map[string]any {
	merged := map[string]any{}
	for k, v := range dateProperties {
		merged[k] = v
	}
	for k, v := range properties {
		merged[k] = v
	}
	return map[string]any{
		"type":       "object",
		"properties": merged,
	}
}

func getTradesTool(store *storage.Store, userID string) Tool {
	return Tool{
		Name:        "get_trades",
		Description: "Fetch the user's trades, optionally filtered by symbol, side (long/short) or date range. Returns the most recent trades first.",
		Parameters: objectSchema(map[string]any{
			"symbol": map[string]any{"type": "string", "description": "Ticker symbol, e.g. AAPL (optional)"},
			"side":   map[string]any{"type": "string", "enum": []string{"long", "short"}, "description": "Trade direction (optional)"},
			"limit":  map[string]any{"type": "integer", "description": "Maximum number of trades to return, default 50"},
		}),
		Execute: func(ctx context.Context, input json.RawMessage) (string, error) {
			var in tradeQueryInput
			if err := json.Unmarshal(input, &in); err != nil {
				return "Error: invalid input: " + err.Error(), nil
			}
			f, err := in.filter(userID)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			if f.Limit == 0 || f.Limit > 200 {
				f.Limit = 50
			}
			trades, err := store.ListTrades(ctx, f)
			if err != nil {
				return "", fmt.Errorf("list trades: %w", err)
			}
			if len(trades) == 0 {
				return "No trades found for the given filters.", nil
			}

			type row struct {
				Symbol     string  `json:"symbol"`
				Side       string  `json:"side"`
				Quantity   float64 `json:"quantity"`
				EntryPrice float64 `json:"entryPrice"`
				ExitPrice  float64 `json:"exitPrice"`
				PnL        float64 `json:"pnl"`
				OpenedAt   string  `json:"openedAt"`
				ClosedAt   string  `json:"closedAt"`
				Notes      string  `json:"notes,omitempty"`
			}
			rows := make([]row, 0, len(trades))
			for _, t := range trades {
				rows = append(rows, row{
					Symbol:     t.Symbol,
					Side:       t.Side,
					Quantity:   t.Quantity,
					EntryPrice: t.EntryPrice,
					ExitPrice:  t.ExitPrice,
					PnL:        t.PnL,
					OpenedAt:   t.OpenedAt.Format(time.RFC3339),
					ClosedAt:   t.ClosedAt.Format(time.RFC3339),
					Notes:      t.Notes,
				})
			}
			b, err := json.Marshal(rows)
			if err != nil {
				return "", fmt.Errorf("marshal trades: %w", err)
			}
			return string(b), nil
		},
	}
}

func getTradeStatsTool(store *storage.Store, userID string) Tool {
	return Tool{
		Name:        "get_trade_stats",
		Description: "Compute performance statistics over the user's trades: totals, win rate, average and best/worst PnL. Optionally filtered by symbol or date range.",
		Parameters: objectSchema(map[string]any{
			"symbol": map[string]any{"type": "string", "description": "Ticker symbol (optional)"},
		}),
		Execute: func(ctx context.Context, input json.RawMessage) (string, error) {
			var in tradeQueryInput
			if err := json.Unmarshal(input, &in); err != nil {
				return "Error: invalid input: " + err.Error(), nil
			}
			f, err := in.filter(userID)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			stats, err := store.GetTradeStats(ctx, f)
			if err != nil {
				return "", fmt.Errorf("trade stats: %w", err)
			}
			b, err := json.Marshal(map[string]any{
				"totalTrades": stats.TotalTrades,
				"wins":        stats.Wins,
				"losses":      stats.Losses,
				"winRate":     stats.WinRate,
				"totalPnl":    stats.TotalPnL,
				"avgPnl":      stats.AvgPnL,
				"bestPnl":     stats.BestPnL,
				"worstPnl":    stats.WorstPnL,
			})
			if err != nil {
				return "", fmt.Errorf("marshal stats: %w", err)
			}
			return string(b), nil
		},
	}
}

// chartSpec is handed back to the client, which renders it. The loop treats
// it as an opaque tool result.
type chartSpec struct {
	Type   string        `json:"type"`
	Title  string        `json:"title"`
	Series []chartSeries `json:"series"`
}

type chartSeries struct {
	Label  string       `json:"label"`
	Points []chartPoint `json:"points"`
}

type chartPoint struct {
	X string  `json:"x"`
	Y float64 `json:"y"`
}

func generateChartTool(store *storage.Store, userID string) Tool {
	return Tool{
		Name:        "generate_chart",
		Description: "Generate a chart from the user's trades. chart_type 'equity_curve' plots cumulative PnL over time; 'pnl_by_symbol' plots total PnL per ticker.",
		Parameters: objectSchema(map[string]any{
			"chart_type": map[string]any{
				"type":        "string",
				"enum":        []string{"equity_curve", "pnl_by_symbol"},
				"description": "Which chart to generate",
			},
		}),
		Execute: func(ctx context.Context, input json.RawMessage) (string, error) {
			var in struct {
				tradeQueryInput
				ChartType string `json:"chart_type"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return "Error: invalid input: " + err.Error(), nil
			}
			f, err := in.filter(userID)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			trades, err := store.ListTrades(ctx, f)
			if err != nil {
				return "", fmt.Errorf("list trades: %w", err)
			}
			if len(trades) == 0 {
				return "No trades found, nothing to chart.", nil
			}

			var spec chartSpec
			switch in.ChartType {
			case "pnl_by_symbol":
				spec = pnlBySymbolChart(trades)
			default:
				spec = equityCurveChart(trades)
			}
			b, err := json.Marshal(spec)
			if err != nil {
				return "", fmt.Errorf("marshal chart: %w", err)
			}
			return string(b), nil
		},
	}
}

func equityCurveChart(trades []storage.Trade) chartSpec {
	// ListTrades returns newest first; the curve runs oldest to newest.
	ordered := make([]storage.Trade, len(trades))
	copy(ordered, trades)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ClosedAt.Before(ordered[j].ClosedAt) })

	points := make([]chartPoint, 0, len(ordered))
	var cumulative float64
	for _, t := range ordered {
		cumulative += t.PnL
		points = append(points, chartPoint{X: t.ClosedAt.Format("2006-01-02"), Y: cumulative})
	}
	return chartSpec{
		Type:   "line",
		Title:  "Equity curve",
		Series: []chartSeries{{Label: "Cumulative PnL", Points: points}},
	}
}

func pnlBySymbolChart(trades []storage.Trade) chartSpec {
	totals := map[string]float64{}
	for _, t := range trades {
		totals[t.Symbol] += t.PnL
	}
	symbols := make([]string, 0, len(totals))
	for s := range totals {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	points := make([]chartPoint, 0, len(symbols))
	for _, s := range symbols {
		points = append(points, chartPoint{X: s, Y: totals[s]})
	}
	return chartSpec{
		Type:   "bar",
		Title:  "PnL by symbol",
		Series: []chartSeries{{Label: "Total PnL", Points: points}},
	}
}
