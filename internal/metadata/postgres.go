package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore is a database/sql + lib/pq backed Store. It is
// DB-authoritative with no in-memory fallback: a write that fails
// returns an error rather than silently succeeding locally, because
// run-bracketing must be linearizable and a fallback could let a
// write "succeed" while diverging from the database every other
// node's metadata client observes.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgresStore opens a connection pool against url and ensures the
// backing schema exists.
func OpenPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("metadata: opening postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("metadata: pinging postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metadata_nodes (
			id SERIAL PRIMARY KEY,
			name TEXT UNIQUE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metadata_runs (
			id SERIAL PRIMARY KEY,
			open BOOLEAN NOT NULL DEFAULT TRUE,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS metadata_entries (
			id BIGSERIAL PRIMARY KEY,
			node_name TEXT NOT NULL,
			run_id INTEGER NOT NULL DEFAULT 0,
			location TEXT NOT NULL,
			state TEXT NOT NULL,
			hash TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			end_time TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS metadata_kv (
			node_name TEXT NOT NULL,
			run_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (node_name, run_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS metadata_triggers (
			node_name TEXT NOT NULL,
			run_id INTEGER NOT NULL,
			reason TEXT NOT NULL,
			logged_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("metadata: running migration: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) AddNode(ctx context.Context, nodeName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata_nodes (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, nodeName)
	if err != nil {
		return fmt.Errorf("metadata: adding node: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNodeID(ctx context.Context, nodeName string) (int, error) {
	var id int
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM metadata_nodes WHERE name = $1`, nodeName).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("metadata: fetching node id: %w", err)
	}
	return id, nil
}

// StartRun opens a new run inside a SERIALIZABLE transaction so the
// run-bracketing promotion (current->old, new->current) is atomic and
// linearized against concurrent StartRun/EndRun calls.
func (s *PostgresStore) StartRun(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("metadata: beginning StartRun transaction: %w", err)
	}
	defer tx.Rollback()

	var runID int
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO metadata_runs (open) VALUES (TRUE) RETURNING id`).Scan(&runID); err != nil {
		return 0, fmt.Errorf("metadata: inserting run: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE metadata_entries SET state = 'old', end_time = now() WHERE state = 'current'`); err != nil {
		return 0, fmt.Errorf("metadata: demoting current entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE metadata_entries SET state = 'current', run_id = $1 WHERE state = 'new'`, runID); err != nil {
		return 0, fmt.Errorf("metadata: promoting new entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE metadata_triggers SET run_id = $1 WHERE run_id = 0`, runID); err != nil {
		return 0, fmt.Errorf("metadata: associating pending triggers: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("metadata: committing StartRun: %w", err)
	}
	return runID, nil
}

func (s *PostgresStore) EndRun(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("metadata: beginning EndRun transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE metadata_runs SET open = FALSE, ended_at = now()
		 WHERE id = (SELECT id FROM metadata_runs WHERE open ORDER BY id DESC LIMIT 1)`)
	if err != nil {
		return fmt.Errorf("metadata: ending run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("metadata: checking EndRun result: %w", err)
	}
	if n == 0 {
		return ErrRunNotStarted
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE metadata_entries SET state = 'old', end_time = now() WHERE state = 'current'`); err != nil {
		return fmt.Errorf("metadata: demoting current entries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metadata: committing EndRun: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRunID(ctx context.Context) (int, error) {
	var id int
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM metadata_runs WHERE open ORDER BY id DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("metadata: fetching current run id: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) CreateEntry(ctx context.Context, e Entry) (Entry, error) {
	if e.State == "" {
		e.State = EntryNew
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO metadata_entries (node_name, run_id, location, state, hash, content_type)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		e.NodeName, e.RunID, e.Location, e.State, e.Hash, e.ContentType,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("metadata: creating entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) MergeArtifactsTable(ctx context.Context, nodeName string, runID int) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("metadata: beginning MergeArtifactsTable transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE metadata_entries SET state = 'old', end_time = now()
		 WHERE node_name = $1 AND state = 'current'`, nodeName); err != nil {
		return fmt.Errorf("metadata: demoting current entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE metadata_entries SET state = 'current', run_id = $1
		 WHERE node_name = $2 AND state = 'new'`, runID, nodeName); err != nil {
		return fmt.Errorf("metadata: promoting new entries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metadata: committing MergeArtifactsTable: %w", err)
	}
	return nil
}

func (s *PostgresStore) EntryExists(ctx context.Context, nodeName, location string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM metadata_entries WHERE node_name = $1 AND location = $2)`,
		nodeName, location).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("metadata: checking entry existence: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) LogMetrics(ctx context.Context, nodeName string, runID int, metrics map[string]float64) error {
	return s.upsertKV(ctx, nodeName, runID, "metrics", metrics)
}

func (s *PostgresStore) LogParams(ctx context.Context, nodeName string, runID int, params map[string]string) error {
	return s.upsertKV(ctx, nodeName, runID, "params", params)
}

func (s *PostgresStore) SetTags(ctx context.Context, nodeName string, runID int, tags []string) error {
	return s.upsertKV(ctx, nodeName, runID, "tags", tags)
}

func (s *PostgresStore) upsertKV(ctx context.Context, nodeName string, runID int, kind string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("metadata: marshaling %s payload: %w", kind, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO metadata_kv (node_name, run_id, kind, payload) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (node_name, run_id, kind) DO UPDATE SET payload = $4`,
		nodeName, runID, kind, b)
	if err != nil {
		return fmt.Errorf("metadata: upserting %s: %w", kind, err)
	}
	return nil
}

func (s *PostgresStore) GetMetrics(ctx context.Context, nodeName string, runID int) (map[string]float64, error) {
	out := map[string]float64{}
	if err := s.selectKV(ctx, nodeName, runID, "metrics", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetParams(ctx context.Context, nodeName string, runID int) (map[string]string, error) {
	out := map[string]string{}
	if err := s.selectKV(ctx, nodeName, runID, "params", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetTags(ctx context.Context, nodeName string, runID int) ([]string, error) {
	var out []string
	if err := s.selectKV(ctx, nodeName, runID, "tags", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) selectKV(ctx context.Context, nodeName string, runID int, kind string, dest any) error {
	var b []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM metadata_kv WHERE node_name = $1 AND run_id = $2 AND kind = $3`,
		nodeName, runID, kind).Scan(&b)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("metadata: selecting %s: %w", kind, err)
	}
	if err := json.Unmarshal(b, dest); err != nil {
		return fmt.Errorf("metadata: unmarshaling %s: %w", kind, err)
	}
	return nil
}

func (s *PostgresStore) LogTrigger(ctx context.Context, nodeName string, runID int, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata_triggers (node_name, run_id, reason) VALUES ($1, $2, $3)`,
		nodeName, runID, reason)
	if err != nil {
		return fmt.Errorf("metadata: logging trigger: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNumEntries(ctx context.Context, nodeName string, state EntryState) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM metadata_entries WHERE node_name = $1 AND state = $2`,
		nodeName, state).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("metadata: counting entries: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) GetEntries(ctx context.Context, nodeName string, state EntryState) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, location, state, hash, content_type, created_at, end_time
		 FROM metadata_entries WHERE node_name = $1 AND state = $2 ORDER BY id`,
		nodeName, state)
	if err != nil {
		return nil, fmt.Errorf("metadata: listing entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var endTime sql.NullTime
		e.NodeName = nodeName
		if err := rows.Scan(&e.ID, &e.RunID, &e.Location, &e.State, &e.Hash, &e.ContentType, &e.CreatedAt, &endTime); err != nil {
			return nil, fmt.Errorf("metadata: scanning entry: %w", err)
		}
		if endTime.Valid {
			t := endTime.Time
			e.EndTime = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
