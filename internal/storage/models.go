package storage

import "time"

// AISettings is the persisted per-user provider configuration. The Gemini API
// key is stored only as ciphertext produced by the crypto codec.
type AISettings struct {
	UserID            string
	PreferredProvider string
	GeminiModel       string
	GeminiAPIKeyEnc   *string
	OllamaHostURL     string
	OllamaModel       string
	UpdatedAt         time.Time
}

// AISettingsUpdate carries the columns touched by an upsert. Nil pointers
// leave the stored value untouched; a pointer to the empty string clears it.
type AISettingsUpdate struct {
	UserID            string
	PreferredProvider *string
	GeminiModel       *string
	GeminiAPIKeyEnc   *string
	OllamaHostURL     *string
	OllamaModel       *string
}

// ChatHistory is one user's full conversation, stored as a JSON payload and
// replaced wholesale on save.
type ChatHistory struct {
	UserID    string
	Payload   string
	UpdatedAt time.Time
}

// Trade is a single journal entry read by the chat tools.
type Trade struct {
	ID         int64
	UserID     string
	Symbol     string
	Side       string
	Quantity   float64
	EntryPrice float64
	ExitPrice  float64
	PnL        float64
	OpenedAt   time.Time
	ClosedAt   time.Time
	Notes      string
}

// TradeFilter narrows ListTrades. Zero values are ignored.
type TradeFilter struct {
	UserID string
	Symbol string
	Side   string
	From   time.Time
	To     time.Time
	Limit  uint64
}

// TradeStats are the aggregates the statistics tool reports.
type TradeStats struct {
	TotalTrades int64
	Wins        int64
	Losses      int64
	WinRate     float64
	TotalPnL    float64
	AvgPnL      float64
	BestPnL     float64
	WorstPnL    float64
}
