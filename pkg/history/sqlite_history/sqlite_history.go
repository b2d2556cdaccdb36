// Package sqlite_history persists execution logs to sqlite for single-node
// deployments that need the audit trail to survive restarts.
package sqlite_history

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/everflow-crm/everflow/pkg/consts"
	"github.com/everflow-crm/everflow/pkg/execution/state"
	"github.com/everflow-crm/everflow/pkg/history"
)

const schema = `
CREATE TABLE IF NOT EXISTS execution_logs (
	id           CHAR(26) PRIMARY KEY,
	execution_id CHAR(26) NOT NULL,
	tenant_id    UUID NOT NULL,
	type         VARCHAR NOT NULL,
	step_index   INT NOT NULL,
	attempt      INT NOT NULL,
	data         TEXT,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_execution
	ON execution_logs (execution_id, id);
`

// Open opens (or creates) a sqlite-backed history driver at the given file
// path.  An empty path opens a fresh in-memory database.
func Open(path string) (history.Driver, error) {
	dsn := "file:" + path + "?cache=shared"
	if path == "" {
		name := strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "error opening sqlite history db")
	}
	return New(db)
}

// New wraps an existing database handle, creating the schema if needed.
func New(db *sql.DB) (history.Driver, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "error creating history schema")
	}
	return &driver{
		db: db,
		q:  sq.New("sqlite3", db),
	}, nil
}

type driver struct {
	db *sql.DB
	q  *sq.Database
}

func (d *driver) Append(ctx context.Context, entry state.LogEntry) error {
	entry = history.Redact(entry)

	var data []byte
	if entry.Data != nil {
		byt, err := json.Marshal(entry.Data)
		if err != nil {
			return errors.Wrap(err, "error marshalling log data")
		}
		data = byt
	}

	_, err := d.q.Insert("execution_logs").Rows(sq.Record{
		"id":           entry.ID.String(),
		"execution_id": entry.ExecutionID.String(),
		"tenant_id":    entry.TenantID.String(),
		"type":         entry.Type.String(),
		"step_index":   entry.StepIndex,
		"attempt":      entry.Attempt,
		"data":         string(data),
		"created_at":   entry.CreatedAt,
	}).Executor().ExecContext(ctx)
	return errors.Wrap(err, "error inserting log entry")
}

func (d *driver) List(ctx context.Context, executionID ulid.ULID, page, limit int) ([]state.LogEntry, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = consts.DefaultLogPageSize
	}
	if limit > consts.MaxLogPageSize {
		limit = consts.MaxLogPageSize
	}

	// Log IDs are ULIDs, so ordering by id is append order.
	query, args, err := d.q.From("execution_logs").
		Select("id", "execution_id", "tenant_id", "type", "step_index", "attempt", "data", "created_at").
		Where(sq.C("execution_id").Eq(executionID.String())).
		Order(sq.C("id").Asc()).
		Offset(uint((page - 1) * limit)).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, errors.Wrap(err, "error building log query")
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "error querying log entries")
	}
	defer rows.Close()

	out := []state.LogEntry{}
	for rows.Next() {
		var (
			id, execID, tenantID, typ, data string
			stepIndex, attempt              int
			createdAt                       time.Time
		)
		if err := rows.Scan(&id, &execID, &tenantID, &typ, &stepIndex, &attempt, &data, &createdAt); err != nil {
			return nil, errors.Wrap(err, "error scanning log entry")
		}

		entry := state.LogEntry{
			StepIndex: stepIndex,
			Attempt:   attempt,
			CreatedAt: createdAt,
		}
		if err := entry.Type.UnmarshalText([]byte(typ)); err != nil {
			return nil, errors.Wrap(err, "error parsing log type")
		}
		if entry.ID, err = ulid.Parse(id); err != nil {
			return nil, errors.Wrap(err, "error parsing log id")
		}
		if entry.ExecutionID, err = ulid.Parse(execID); err != nil {
			return nil, errors.Wrap(err, "error parsing execution id")
		}
		if entry.TenantID, err = uuid.Parse(tenantID); err != nil {
			return nil, errors.Wrap(err, "error parsing tenant id")
		}
		if data != "" {
			if err := json.Unmarshal([]byte(data), &entry.Data); err != nil {
				return nil, errors.Wrap(err, "error unmarshalling log data")
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (d *driver) Close() error {
	return d.db.Close()
}
