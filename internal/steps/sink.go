package steps

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/petrijr/fluxetl/pkg/api"
)

// RowSink receives the data rows of an import. Insert is keyed by the row's
// line number so a row replayed after a resume overwrites itself.
type RowSink interface {
	Insert(ctx context.Context, line int, headers, values []string) error
	Close() error
}

// SinkFactory opens the sink for one run of import_rows.
type SinkFactory func(ctx context.Context, in api.StepInput, headers []string) (RowSink, error)

// DefaultSinkTable is the table SQLiteSink writes to when the driver config
// does not name one.
const DefaultSinkTable = "import_rows"

// SQLiteSink stores imported rows as JSON objects in a SQLite table.
type SQLiteSink struct {
	db    *sql.DB
	table string
	owned bool
}

// NewSQLiteSink opens a SQLiteSink from the driver config. Recognized keys:
// "dsn" (default ":memory:") and "table" (default DefaultSinkTable).
func NewSQLiteSink(ctx context.Context, in api.StepInput, _ []string) (RowSink, error) {
	dsn, _ := in.DriverConfig["dsn"].(string)
	if dsn == "" {
		dsn = ":memory:"
	}
	table, _ := in.DriverConfig["table"].(string)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open row sink: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteSinkDB(ctx, db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLiteSinkDB creates the sink table in db. The caller keeps ownership of
// db; Close does not close it.
func NewSQLiteSinkDB(ctx context.Context, db *sql.DB, table string) (*SQLiteSink, error) {
	if table == "" {
		table = DefaultSinkTable
	}
	s := &SQLiteSink{db: db, table: quoteIdent(table)}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			line INTEGER PRIMARY KEY,
			data TEXT NOT NULL
		);`,
	)
	if err != nil {
		return nil, fmt.Errorf("create row sink table: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) Insert(ctx context.Context, line int, headers, values []string) error {
	row := make(map[string]string, len(headers))
	for i, h := range headers {
		if i < len(values) {
			row[h] = values[i]
		}
	}
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+s.table+` (line, data) VALUES (?, ?)
		ON CONFLICT(line) DO UPDATE SET data = excluded.data`,
		line, string(data),
	)
	return err
}

// Count returns the number of stored rows.
func (s *SQLiteSink) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.table).Scan(&n)
	return n, err
}

func (s *SQLiteSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
