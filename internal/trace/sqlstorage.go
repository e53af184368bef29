package trace

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"craruntime/internal/governerr"
	"craruntime/internal/hashchain"
)

// SQLStorage is a StorageBackend backed by SQLite or PostgreSQL,
// selected by DSN prefix exactly as internal/audit.Store does.
type SQLStorage struct {
	db         *sql.DB
	isPostgres bool
}

// SQLStorageConfig configures a SQL-backed storage backend.
type SQLStorageConfig struct {
	// DSN is the data-source name. A "postgres://" or "postgresql://"
	// prefix selects the PostgreSQL backend (pgx); anything else is
	// treated as a SQLite file path.
	DSN string
}

// rebind rewrites ? placeholders into $N placeholders for PostgreSQL.
func rebind(isPostgres bool, query string) string {
	if !isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// NewSQLStorage opens (and migrates) the configured database.
func NewSQLStorage(cfg SQLStorageConfig) (*SQLStorage, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = "trace.db"
	}
	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	var db *sql.DB
	var err error
	if isPostgres {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, governerr.IoError(fmt.Sprintf("open postgres trace store: %v", err))
		}
	} else {
		dir := filepath.Dir(dsn)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, governerr.IoError(fmt.Sprintf("create trace store directory: %v", err))
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, governerr.IoError(fmt.Sprintf("open sqlite trace store: %v", err))
		}
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, governerr.IoError(fmt.Sprintf("enable WAL mode: %v", err))
		}
	}

	if err := createTraceTables(db, isPostgres); err != nil {
		db.Close()
		return nil, governerr.IoError(fmt.Sprintf("create trace tables: %v", err))
	}

	return &SQLStorage{db: db, isPostgres: isPostgres}, nil
}

func createTraceTables(db *sql.DB, isPostgres bool) error {
	pkDef := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if isPostgres {
		pkDef = "BIGSERIAL PRIMARY KEY"
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS trace_events (
		id %s,
		event_id TEXT UNIQUE NOT NULL,
		session_id TEXT NOT NULL,
		trace_id TEXT NOT NULL,
		span_id TEXT NOT NULL,
		parent_span_id TEXT,
		sequence INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		previous_event_hash TEXT NOT NULL,
		event_hash TEXT NOT NULL,
		raw_json TEXT NOT NULL
	);
	`, pkDef)
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	indexes := `
	CREATE INDEX IF NOT EXISTS idx_trace_events_session ON trace_events(session_id);
	CREATE INDEX IF NOT EXISTS idx_trace_events_trace ON trace_events(trace_id);
	`
	_, err := db.Exec(indexes)
	return err
}

func (s *SQLStorage) Persist(event *hashchain.Event) error {
	rawJSON, err := json.Marshal(event)
	if err != nil {
		return governerr.JSONError(err)
	}
	_, err = s.db.Exec(rebind(s.isPostgres, `
		INSERT INTO trace_events (
			event_id, session_id, trace_id, span_id, parent_span_id,
			sequence, event_type, timestamp, previous_event_hash,
			event_hash, raw_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		event.EventID, event.SessionID, event.TraceID, event.SpanID, event.ParentSpanID,
		event.Sequence, string(event.EventType), event.Timestamp.Format("2006-01-02T15:04:05.000000Z07:00"),
		event.PreviousEventHash, event.EventHash, string(rawJSON),
	)
	if err != nil {
		return governerr.IoError(fmt.Sprintf("insert trace event: %v", err))
	}
	return nil
}

func (s *SQLStorage) Events(sessionID string) ([]hashchain.Event, error) {
	rows, err := s.db.Query(rebind(s.isPostgres, `
		SELECT raw_json FROM trace_events WHERE session_id = ? ORDER BY id ASC
	`), sessionID)
	if err != nil {
		return nil, governerr.IoError(fmt.Sprintf("query trace events: %v", err))
	}
	defer rows.Close()

	var out []hashchain.Event
	for rows.Next() {
		var rawJSON string
		if err := rows.Scan(&rawJSON); err != nil {
			return nil, governerr.IoError(fmt.Sprintf("scan trace event: %v", err))
		}
		var ev hashchain.Event
		if err := json.Unmarshal([]byte(rawJSON), &ev); err != nil {
			return nil, governerr.JSONError(err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, governerr.IoError(err.Error())
	}
	if out == nil {
		return nil, governerr.SessionNotFound(sessionID)
	}
	return out, nil
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}
