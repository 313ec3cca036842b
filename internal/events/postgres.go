package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/lib/pq"
)

// PostgresCollection is the durable Collection backend. Per-context append
// atomicity uses session-scoped advisory locks, so the check-then-insert
// sequence in AddEvent is serialized across every instance sharing the
// database, not just within one process.
type PostgresCollection struct {
	db *sql.DB
}

// NewPostgresCollection wraps an open database handle. The caller keeps
// ownership of the handle; Close is a no-op on it. Open the handle through
// otelsql so queries are traced.
func NewPostgresCollection(db *sql.DB) *PostgresCollection {
	return &PostgresCollection{db: db}
}

// EnsureSchema creates the events table and its indexes. The index set
// mirrors the query paths: by context, by context+type, and the sparse leaf
// scan.
func (c *PostgresCollection) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id           TEXT PRIMARY KEY,
	client_id    TEXT,
	parent_ids   TEXT[] NOT NULL DEFAULT '{}',
	version      INT NOT NULL,
	ts           TIMESTAMPTZ NOT NULL,
	src          TEXT NOT NULL,
	context_type TEXT NOT NULL,
	context_id   TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	data_hash    TEXT NOT NULL,
	original     JSONB NOT NULL DEFAULT '{}',
	data         JSONB NOT NULL DEFAULT '{}',
	is_leaf      BOOLEAN NOT NULL DEFAULT FALSE,
	deleted_at   TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS events_ctx_idx ON events (context_type, context_id);
CREATE INDEX IF NOT EXISTS events_ctx_ts_idx ON events (context_type, context_id, ts);
CREATE INDEX IF NOT EXISTS events_ctx_type_idx ON events (context_type, context_id, event_type);
CREATE INDEX IF NOT EXISTS events_leaf_idx ON events (context_type, context_id) WHERE is_leaf;
`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure events schema: %w", err)
	}
	return nil
}

func (c *PostgresCollection) Insert(ctx context.Context, ev *Event) error {
	original, err := json.Marshal(ev.Original)
	if err != nil {
		return fmt.Errorf("marshal original data: %w", err)
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal current data: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO events
		 (id, client_id, parent_ids, version, ts, src, context_type, context_id,
		  event_type, data_hash, original, data, is_leaf, deleted_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		ev.ID, nullString(ev.ClientID), pq.Array(ev.ParentIDs), ev.Version, ev.Timestamp,
		ev.Source, ev.ContextType, ev.ContextID, string(ev.Type), ev.DataHash,
		original, data, ev.IsLeaf, ev.DeletedAt, ev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

const eventColumns = `id, client_id, parent_ids, version, ts, src, context_type,
	context_id, event_type, data_hash, original, data, is_leaf, deleted_at, updated_at`

func (c *PostgresCollection) Get(ctx context.Context, id string) (*Event, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	return scanEvent(row)
}

func (c *PostgresCollection) Leaves(ctx context.Context, cq ContextQuery) ([]*Event, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE context_type = $1 AND context_id = $2 AND is_leaf
		 ORDER BY id`,
		cq.ContextType, cq.ContextID)
	if err != nil {
		return nil, fmt.Errorf("query leaves: %w", err)
	}
	defer rows.Close()

	var leaves []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, ev)
	}
	return leaves, rows.Err()
}

func (c *PostgresCollection) ExistingIDs(ctx context.Context, cq ContextQuery, ids []string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id FROM events
		 WHERE context_type = $1 AND context_id = $2 AND id = ANY($3)`,
		cq.ContextType, cq.ContextID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query existing ids: %w", err)
	}
	defer rows.Close()

	var present []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		present = append(present, id)
	}
	return present, rows.Err()
}

func (c *PostgresCollection) ClearLeaves(ctx context.Context, ids []string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE events SET is_leaf = FALSE, updated_at = NOW() WHERE id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("clear leaves: %w", err)
	}
	return nil
}

func (c *PostgresCollection) FindOne(ctx context.Context, cq ContextQuery, t Type, clientID string) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		 WHERE context_type = $1 AND context_id = $2 AND event_type = $3`
	args := []any{cq.ContextType, cq.ContextID, string(t)}
	if clientID != "" {
		query += ` AND client_id = $4`
		args = append(args, clientID)
	}
	query += ` LIMIT 1`

	row := c.db.QueryRowContext(ctx, query, args...)
	return scanEvent(row)
}

func (c *PostgresCollection) SetData(ctx context.Context, id string, data map[string]any, updatedAt time.Time) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal current data: %w", err)
	}
	res, err := c.db.ExecContext(ctx,
		`UPDATE events SET data = $2, updated_at = $3 WHERE id = $1`,
		id, raw, updatedAt)
	if err != nil {
		return fmt.Errorf("update event data: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return nil
}

func (c *PostgresCollection) SetDeletedAt(ctx context.Context, id string, at time.Time) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE events SET deleted_at = $2, updated_at = NOW() WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("flag event deleted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return nil
}

// LockContext takes a session advisory lock keyed on the context. The lock
// is held on a dedicated connection until the release function runs.
func (c *PostgresCollection) LockContext(ctx context.Context, cq ContextQuery) (func(), error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	key := contextLockKey(cq)
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Close()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}

	release := func() {
		// Unlock on a background context so a cancelled caller still
		// releases the lock before the connection returns to the pool.
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Close()
	}
	return release, nil
}

// Close is a no-op: the database handle is owned by the caller.
func (c *PostgresCollection) Close() error {
	return nil
}

func contextLockKey(cq ContextQuery) int64 {
	h := fnv.New64a()
	h.Write([]byte(cq.ContextType))
	h.Write([]byte{0})
	h.Write([]byte(cq.ContextID))
	return int64(h.Sum64())
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev        Event
		clientID  sql.NullString
		parents   pq.StringArray
		eventType string
		original  []byte
		data      []byte
		deletedAt sql.NullTime
	)
	err := row.Scan(&ev.ID, &clientID, &parents, &ev.Version, &ev.Timestamp, &ev.Source,
		&ev.ContextType, &ev.ContextID, &eventType, &ev.DataHash, &original, &data,
		&ev.IsLeaf, &deletedAt, &ev.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}

	ev.ClientID = clientID.String
	ev.ParentIDs = []string(parents)
	ev.Type = Type(eventType)
	if err := json.Unmarshal(original, &ev.Original); err != nil {
		return nil, fmt.Errorf("unmarshal original data: %w", err)
	}
	if err := json.Unmarshal(data, &ev.Data); err != nil {
		return nil, fmt.Errorf("unmarshal current data: %w", err)
	}
	if deletedAt.Valid {
		at := deletedAt.Time
		ev.DeletedAt = &at
	}
	return &ev, nil
}
