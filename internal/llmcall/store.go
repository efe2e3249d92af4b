package llmcall

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store provides access to LLM call records in a SQLite database.
type Store struct {
	db *sql.DB
}

const createCallsTable = `
CREATE TABLE IF NOT EXISTS llm_calls (
	id            TEXT PRIMARY KEY,
	timestamp     TEXT NOT NULL,
	latency_ms    INTEGER NOT NULL,
	book_id       TEXT NOT NULL DEFAULT '',
	chapter       INTEGER NOT NULL,
	chunk         INTEGER NOT NULL,
	purpose       TEXT NOT NULL,
	spec          TEXT NOT NULL,
	attempt       INTEGER NOT NULL,
	provider      TEXT NOT NULL,
	upstream      TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL,
	temperature   REAL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      REAL NOT NULL,
	response      TEXT NOT NULL DEFAULT '',
	streamed      INTEGER NOT NULL,
	success       INTEGER NOT NULL,
	error_kind    TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_llm_calls_book ON llm_calls(book_id, chapter, chunk);
CREATE INDEX IF NOT EXISTS idx_llm_calls_spec ON llm_calls(spec);
`

// Open opens (creating if needed) the call database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open call database: %w", err)
	}
	// SQLite allows a single writer; the recorder is the only one.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCallsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create call tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert writes one call.
func (s *Store) Insert(ctx context.Context, c *Call) error {
	var temp any
	if c.Temperature != nil {
		temp = *c.Temperature
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_calls (
			id, timestamp, latency_ms, book_id, chapter, chunk, purpose, spec,
			attempt, provider, upstream, model, temperature, input_tokens,
			output_tokens, cost_usd, response, streamed, success, error_kind, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Timestamp.UTC().Format(time.RFC3339Nano), c.LatencyMs, c.BookID,
		c.Chapter, c.Chunk, c.Purpose, c.Spec, c.Attempt, c.Provider, c.Upstream,
		c.Model, temp, c.InputTokens, c.OutputTokens, c.CostUSD, c.Response,
		c.Streamed, c.Success, c.ErrorKind, c.Error,
	)
	if err != nil {
		return fmt.Errorf("insert call %s: %w", c.ID, err)
	}
	return nil
}

// QueryFilter specifies filters for listing LLM calls.
type QueryFilter struct {
	BookID  string
	Chapter *int
	Spec    string
	Purpose string
	Success *bool
	After   *time.Time
	Limit   int
	Offset  int
}

func (f QueryFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.BookID != "" {
		conds = append(conds, "book_id = ?")
		args = append(args, f.BookID)
	}
	if f.Chapter != nil {
		conds = append(conds, "chapter = ?")
		args = append(args, *f.Chapter)
	}
	if f.Spec != "" {
		conds = append(conds, "spec = ?")
		args = append(args, f.Spec)
	}
	if f.Purpose != "" {
		conds = append(conds, "purpose = ?")
		args = append(args, f.Purpose)
	}
	if f.Success != nil {
		conds = append(conds, "success = ?")
		args = append(args, *f.Success)
	}
	if f.After != nil {
		conds = append(conds, "timestamp > ?")
		args = append(args, f.After.UTC().Format(time.RFC3339Nano))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Get retrieves a single call by ID. Returns nil, nil if absent.
func (s *Store) Get(ctx context.Context, id string) (*Call, error) {
	calls, err := s.query(ctx, " WHERE id = ?", []any{id}, "")
	if err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return nil, nil
	}
	return &calls[0], nil
}

// List retrieves calls matching the filter, oldest first.
func (s *Store) List(ctx context.Context, filter QueryFilter) ([]Call, error) {
	where, args := filter.where()
	tail := " ORDER BY timestamp, attempt"
	if filter.Limit > 0 {
		tail += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			tail += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	return s.query(ctx, where, args, tail)
}

func (s *Store) query(ctx context.Context, where string, args []any, tail string) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, latency_ms, book_id, chapter, chunk, purpose, spec,
			attempt, provider, upstream, model, temperature, input_tokens,
			output_tokens, cost_usd, response, streamed, success, error_kind, error
		FROM llm_calls`+where+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		var (
			c    Call
			ts   string
			temp sql.NullFloat64
		)
		if err := rows.Scan(&c.ID, &ts, &c.LatencyMs, &c.BookID, &c.Chapter, &c.Chunk,
			&c.Purpose, &c.Spec, &c.Attempt, &c.Provider, &c.Upstream, &c.Model, &temp,
			&c.InputTokens, &c.OutputTokens, &c.CostUSD, &c.Response, &c.Streamed,
			&c.Success, &c.ErrorKind, &c.Error); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			c.Timestamp = t
		}
		if temp.Valid {
			v := temp.Float64
			c.Temperature = &v
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// SpecStats aggregates attempts for one spec.
type SpecStats struct {
	Spec          string  `json:"spec" yaml:"spec"`
	Attempts      int     `json:"attempts" yaml:"attempts"`
	Successes     int     `json:"successes" yaml:"successes"`
	Failures      int     `json:"failures" yaml:"failures"`
	InputTokens   int     `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens  int     `json:"output_tokens" yaml:"output_tokens"`
	CostUSD       float64 `json:"cost_usd" yaml:"cost_usd"`
	AvgLatencyMs  float64 `json:"avg_latency_ms" yaml:"avg_latency_ms"`
	LastErrorKind string  `json:"last_error_kind,omitempty" yaml:"last_error_kind,omitempty"`
}

// Stats returns per-spec attempt statistics, sorted by spec.
func (s *Store) Stats(ctx context.Context, filter QueryFilter) ([]SpecStats, error) {
	where, args := filter.where()
	rows, err := s.db.QueryContext(ctx, `
		SELECT spec,
			COUNT(*),
			COALESCE(SUM(success), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(AVG(latency_ms), 0),
			COALESCE((SELECT error_kind FROM llm_calls l2
				WHERE l2.spec = llm_calls.spec AND l2.success = 0
				ORDER BY l2.timestamp DESC LIMIT 1), '')
		FROM llm_calls`+where+`
		GROUP BY spec
		ORDER BY spec`, args...)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var stats []SpecStats
	for rows.Next() {
		var st SpecStats
		if err := rows.Scan(&st.Spec, &st.Attempts, &st.Successes, &st.InputTokens,
			&st.OutputTokens, &st.CostUSD, &st.AvgLatencyMs, &st.LastErrorKind); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.Failures = st.Attempts - st.Successes
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
