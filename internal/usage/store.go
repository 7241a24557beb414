// Package usage keeps an append-only log of completed chat exchanges:
// who asked, which tools ran, and what the model turns cost.
package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nugget/atrium/internal/config"
	"github.com/nugget/atrium/internal/database"
)

// DefaultTextLimit caps the stored user text, in runes.
const DefaultTextLimit = 500

// Entry is one exchange. Entries are never updated.
type Entry struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	RequestID        string    `json:"request_id"`
	OrgID            string    `json:"org_id"`
	UserID           string    `json:"user_id"`
	ConversationID   string    `json:"conversation_id,omitempty"` // empty stores NULL
	UserText         string    `json:"user_text"`
	ToolNames        []string  `json:"tool_names"`
	Model            string    `json:"model"`
	Steps            int       `json:"steps"`
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	CacheReadTokens  int       `json:"cache_read_tokens"`
	CacheWriteTokens int       `json:"cache_write_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	Outcome          string    `json:"outcome"` // done, aborted, errored
}

// Summary holds aggregated totals.
type Summary struct {
	TotalRecords      int     `json:"total_records"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
}

// Store is an append-only usage log in SQLite.
type Store struct {
	db        *sql.DB
	textLimit int
}

// NewStore wraps db and creates the schema if needed. textLimit caps
// stored user text in runes; non-positive means DefaultTextLimit.
func NewStore(db *sql.DB, textLimit int) (*Store, error) {
	if textLimit <= 0 {
		textLimit = DefaultTextLimit
	}
	s := &Store{db: db, textLimit: textLimit}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	return database.Exec(s.db, `
	CREATE TABLE IF NOT EXISTS usage_log (
		id                 TEXT PRIMARY KEY,
		timestamp          TEXT NOT NULL,
		request_id         TEXT NOT NULL,
		org_id             TEXT NOT NULL,
		user_id            TEXT NOT NULL,
		conversation_id    TEXT,
		user_text          TEXT NOT NULL,
		tool_names         TEXT NOT NULL DEFAULT '[]',
		model              TEXT NOT NULL,
		steps              INTEGER NOT NULL DEFAULT 0,
		input_tokens       INTEGER NOT NULL,
		output_tokens      INTEGER NOT NULL,
		cache_read_tokens  INTEGER NOT NULL DEFAULT 0,
		cache_write_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd           REAL NOT NULL,
		outcome            TEXT NOT NULL DEFAULT 'done'
	);
	CREATE INDEX IF NOT EXISTS idx_usage_org_time ON usage_log(org_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_conversation ON usage_log(conversation_id);
	`)
}

// Truncate cuts s to at most limit runes.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}

// Record appends e. A missing ID is filled with a UUIDv7 and a zero
// timestamp with the current time.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage entry ID: %w", err)
		}
		e.ID = id.String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Outcome == "" {
		e.Outcome = "done"
	}
	tools := e.ToolNames
	if tools == nil {
		tools = []string{}
	}
	toolJSON, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("encode tool names: %w", err)
	}
	var conv sql.NullString
	if e.ConversationID != "" {
		conv = sql.NullString{String: e.ConversationID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO usage_log
			(id, timestamp, request_id, org_id, user_id, conversation_id, user_text, tool_names,
			 model, steps, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		database.FormatTime(e.Timestamp),
		e.RequestID,
		e.OrgID,
		e.UserID,
		conv,
		Truncate(e.UserText, s.textLimit),
		string(toolJSON),
		e.Model,
		e.Steps,
		e.InputTokens,
		e.OutputTokens,
		e.CacheReadTokens,
		e.CacheWriteTokens,
		e.CostUSD,
		e.Outcome,
	)
	if err != nil {
		return fmt.Errorf("insert usage entry: %w", err)
	}
	return nil
}

// Recent returns the org's latest entries, newest first.
func (s *Store) Recent(ctx context.Context, orgID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, request_id, org_id, user_id, COALESCE(conversation_id, ''), user_text, tool_names,
			model, steps, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd, outcome
		 FROM usage_log WHERE org_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts, tools string
		if err := rows.Scan(&e.ID, &ts, &e.RequestID, &e.OrgID, &e.UserID, &e.ConversationID, &e.UserText, &tools,
			&e.Model, &e.Steps, &e.InputTokens, &e.OutputTokens, &e.CacheReadTokens, &e.CacheWriteTokens, &e.CostUSD, &e.Outcome); err != nil {
			return nil, fmt.Errorf("scan usage entry: %w", err)
		}
		e.Timestamp = database.ParseTime(ts)
		if err := json.Unmarshal([]byte(tools), &e.ToolNames); err != nil {
			return nil, fmt.Errorf("decode tool names: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary returns the org's totals for entries within [start, end).
func (s *Store) Summary(ctx context.Context, orgID string, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_log
		 WHERE org_id = ? AND timestamp >= ? AND timestamp < ?`,
		orgID, database.FormatTime(start), database.FormatTime(end),
	)
	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns the org's per-model totals within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, orgID string, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", orgID, start, end)
}

// SummaryByUser returns the org's per-user totals within [start, end).
func (s *Store) SummaryByUser(ctx context.Context, orgID string, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "user_id", orgID, start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column, orgID string, start, end time.Time) (map[string]*Summary, error) {
	// column is a constant from the exported wrappers, never caller input.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_log
		 WHERE org_id = ? AND timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(cost_usd) DESC`,
		column, column,
	)
	rows, err := s.db.QueryContext(ctx, query, orgID, database.FormatTime(start), database.FormatTime(end))
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// ComputeCost prices a model turn from the pricing table. Cache reads are
// billed at a tenth of the input rate and cache writes at 1.25x. Models
// not in the table are free (local models).
func ComputeCost(model string, inputTokens, outputTokens, cacheRead, cacheWrite int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	in := entry.InputPerMillion / 1_000_000.0
	cost := float64(inputTokens) * in
	cost += float64(cacheRead) * in * 0.1
	cost += float64(cacheWrite) * in * 1.25
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}

// Periods are the names ParsePeriod understands.
var Periods = []string{"today", "yesterday", "week", "month", "all"}

// ParsePeriod converts a period name to a [start, end) range ending just
// after now. Unknown names cover all time.
func ParsePeriod(period string, now time.Time) (time.Time, time.Time) {
	end := now.Add(time.Minute)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch period {
	case "today":
		return midnight, end
	case "yesterday":
		return midnight.AddDate(0, 0, -1), midnight
	case "week":
		return now.AddDate(0, 0, -7), end
	case "month":
		return now.AddDate(0, -1, 0), end
	default:
		return time.Time{}, end
	}
}
