package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrTableMissing indicates an uninitialized deployment (migrations not
	// applied). Callers degrade to defaults on reads and surface a distinct
	// reason code on writes.
	ErrTableMissing = errors.New("table missing")
)

// IsTableMissing reports whether err stems from querying a table that does
// not exist yet.
func IsTableMissing(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTableMissing) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
		return true
	}
	return strings.Contains(err.Error(), "no such table")
}

func (s *Store) GetAISettings(ctx context.Context, userID string) (AISettings, error) {
	q := s.sql.Select("user_id", "preferred_provider", "gemini_model", "gemini_api_key_enc", "ollama_host_url", "ollama_model", "updated_at").
		From("ai_settings").
		Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return AISettings{}, fmt.Errorf("build ai settings query: %w", err)
	}

	var out AISettings
	var encKey sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&out.UserID,
		&out.PreferredProvider,
		&out.GeminiModel,
		&encKey,
		&out.OllamaHostURL,
		&out.OllamaModel,
		&out.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AISettings{}, ErrNotFound
		}
		if IsTableMissing(err) {
			return AISettings{}, fmt.Errorf("get ai settings: %w", ErrTableMissing)
		}
		return AISettings{}, fmt.Errorf("get ai settings: %w", err)
	}
	if encKey.Valid {
		out.GeminiAPIKeyEnc = &encKey.String
	}
	return out, nil
}

// UpsertAISettings inserts or updates one user's row, writing only the
// columns supplied in the update. A pointer to the empty string clears the
// encrypted key column to NULL.
func (s *Store) UpsertAISettings(ctx context.Context, u AISettingsUpdate) error {
	columns := []string{"user_id"}
	values := []any{u.UserID}
	conflictSets := []string{}

	set := func(col string, v any) {
		columns = append(columns, col)
		values = append(values, v)
		conflictSets = append(conflictSets, col+"=excluded."+col)
	}

	if u.PreferredProvider != nil {
		set("preferred_provider", *u.PreferredProvider)
	}
	if u.GeminiModel != nil {
		set("gemini_model", *u.GeminiModel)
	}
	if u.GeminiAPIKeyEnc != nil {
		if *u.GeminiAPIKeyEnc == "" {
			set("gemini_api_key_enc", nil)
		} else {
			set("gemini_api_key_enc", *u.GeminiAPIKeyEnc)
		}
	}
	if u.OllamaHostURL != nil {
		set("ollama_host_url", *u.OllamaHostURL)
	}
	if u.OllamaModel != nil {
		set("ollama_model", *u.OllamaModel)
	}

	columns = append(columns, "updated_at")
	values = append(values, nowExpr(s.driver))
	conflictSets = append(conflictSets, "updated_at=excluded.updated_at")

	q := s.sql.Insert("ai_settings").
		Columns(columns...).
		Values(values...).
		Suffix("ON CONFLICT(user_id) DO UPDATE SET " + strings.Join(conflictSets, ", "))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build ai settings upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if IsTableMissing(err) {
			return fmt.Errorf("upsert ai settings: %w", ErrTableMissing)
		}
		return fmt.Errorf("upsert ai settings: %w", err)
	}
	return nil
}

func (s *Store) GetChatHistory(ctx context.Context, userID string) (ChatHistory, error) {
	q := s.sql.Select("user_id", "payload", "updated_at").
		From("chat_history").
		Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ChatHistory{}, fmt.Errorf("build chat history query: %w", err)
	}

	var out ChatHistory
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&out.UserID, &out.Payload, &out.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatHistory{}, ErrNotFound
		}
		if IsTableMissing(err) {
			return ChatHistory{}, fmt.Errorf("get chat history: %w", ErrTableMissing)
		}
		return ChatHistory{}, fmt.Errorf("get chat history: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertChatHistory(ctx context.Context, userID, payload string) error {
	if strings.TrimSpace(payload) == "" {
		payload = "[]"
	}
	q := s.sql.Insert("chat_history").
		Columns("user_id", "payload", "updated_at").
		Values(userID, payload, nowExpr(s.driver)).
		Suffix("ON CONFLICT(user_id) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build chat history upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert chat history: %w", err)
	}
	return nil
}

func (s *Store) DeleteChatHistory(ctx context.Context, userID string) error {
	q := s.sql.Delete("chat_history").Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete chat history query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete chat history: %w", err)
	}
	return nil
}

func (s *Store) InsertTrade(ctx context.Context, t Trade) (int64, error) {
	q := s.sql.Insert("trades").
		Columns("user_id", "symbol", "side", "quantity", "entry_price", "exit_price", "pnl", "opened_at", "closed_at", "notes").
		Values(t.UserID, t.Symbol, t.Side, t.Quantity, t.EntryPrice, t.ExitPrice, t.PnL, t.OpenedAt, t.ClosedAt, t.Notes)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build trade insert query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("insert trade: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		// Postgres drivers do not implement LastInsertId; the id is only
		// needed by callers on sqlite.
		return 0, nil
	}
	return id, nil
}

func (s *Store) ListTrades(ctx context.Context, f TradeFilter) ([]Trade, error) {
	q := s.sql.Select("id", "user_id", "symbol", "side", "quantity", "entry_price", "exit_price", "pnl", "opened_at", "closed_at", "notes").
		From("trades").
		Where(sq.Eq{"user_id": f.UserID}).
		OrderBy("closed_at DESC")

	if f.Symbol != "" {
		q = q.Where(sq.Eq{"symbol": strings.ToUpper(strings.TrimSpace(f.Symbol))})
	}
	if f.Side != "" {
		q = q.Where(sq.Eq{"side": strings.ToLower(strings.TrimSpace(f.Side))})
	}
	if !f.From.IsZero() {
		q = q.Where(sq.GtOrEq{"closed_at": f.From})
	}
	if !f.To.IsZero() {
		q = q.Where(sq.LtOrEq{"closed_at": f.To})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list trades query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	out := make([]Trade, 0)
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &t.Side, &t.Quantity, &t.EntryPrice, &t.ExitPrice, &t.PnL, &t.OpenedAt, &t.ClosedAt, &t.Notes); err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetTradeStats(ctx context.Context, f TradeFilter) (TradeStats, error) {
	q := s.sql.Select(
		"COUNT(*)",
		"COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(CASE WHEN pnl < 0 THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(pnl), 0)",
		"COALESCE(AVG(pnl), 0)",
		"COALESCE(MAX(pnl), 0)",
		"COALESCE(MIN(pnl), 0)",
	).From("trades").
		Where(sq.Eq{"user_id": f.UserID})

	if f.Symbol != "" {
		q = q.Where(sq.Eq{"symbol": strings.ToUpper(strings.TrimSpace(f.Symbol))})
	}
	if !f.From.IsZero() {
		q = q.Where(sq.GtOrEq{"closed_at": f.From})
	}
	if !f.To.IsZero() {
		q = q.Where(sq.LtOrEq{"closed_at": f.To})
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return TradeStats{}, fmt.Errorf("build trade stats query: %w", err)
	}

	var st TradeStats
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&st.TotalTrades,
		&st.Wins,
		&st.Losses,
		&st.TotalPnL,
		&st.AvgPnL,
		&st.BestPnL,
		&st.WorstPnL,
	); err != nil {
		return TradeStats{}, fmt.Errorf("get trade stats: %w", err)
	}
	if st.TotalTrades > 0 {
		st.WinRate = float64(st.Wins) / float64(st.TotalTrades)
	}
	return st, nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
