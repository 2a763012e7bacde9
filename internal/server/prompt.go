package server

import (
	"fmt"
	"strings"
	"time"
)

// buildSystemPrompt frames the assistant for one request. Username, locale
// and timezone come from the client; the current time anchors relative date
// questions ("how did I do last week").
func buildSystemPrompt(username, locale, timezone string, now time.Time, extra string) string {
	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		loc = time.UTC
	}
	if username == "" {
		username = "the trader"
	}
	if locale == "" {
		locale = "en"
	}

	var sb strings.Builder
	sb.WriteString("You are a trading-journal assistant. You answer questions about ")
	sb.WriteString(username)
	sb.WriteString("'s trading history using the available tools.\n\n")
	sb.WriteString("Guidelines:\n")
	sb.WriteString("- Use get_trades for questions about specific trades and get_trade_stats for aggregate performance questions.\n")
	sb.WriteString("- Use generate_chart when a visualization would help; tell the user a chart was generated.\n")
	sb.WriteString("- Base every factual claim on tool results. If the tools return no data, say so.\n")
	sb.WriteString("- Keep answers concise and numeric where possible.\n\n")
	fmt.Fprintf(&sb, "Respond in the language of locale %q.\n", locale)
	fmt.Fprintf(&sb, "The current date and time is %s.\n", now.In(loc).Format("Monday, 2 January 2006 15:04 MST"))

	if strings.TrimSpace(extra) != "" {
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(extra))
		sb.WriteString("\n")
	}
	return sb.String()
}
