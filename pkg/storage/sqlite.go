package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/truongvando/ezstream-sub005/pkg/types"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a single SQLite file. The pool is capped
// at one connection, so every transaction is serialized like a bolt writer.
type SQLiteStore struct {
	rows
	db     *sql.DB
	sealer Sealer
}

// NewSQLiteStore opens <dataDir>/ezstream.sqlite and applies pending migrations
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := OpenSQLite(filepath.Join(dataDir, "ezstream.sqlite"))
	if err != nil {
		return nil, err
	}

	if _, _, err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db}
	s.rows = rows{r: s}
	return s, nil
}

// OpenSQLite opens the database with WAL and a busy timeout
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Migrate applies every embedded migration not yet recorded in db and
// returns the schema version before and after.
func Migrate(db *sql.DB) (from, to uint, err error) {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create iofs source: %w", err)
	}

	dbDriver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	mig, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	from, _, _ = mig.Version()
	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return from, from, fmt.Errorf("migration failed: %w", err)
	}
	to, _, _ = mig.Version()
	return from, to, nil
}

// SetSealer seals node credentials on write and opens them on read. Call
// before first use.
func (s *SQLiteStore) SetSealer(sealer Sealer) {
	s.sealer = sealer
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// View runs fn in a transaction that is always rolled back
func (s *SQLiteStore) View(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	return fn(&sqliteTx{ctx: ctx, tx: tx, sealer: s.sealer})
}

// Update runs fn in a read-write transaction and commits when fn succeeds
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: tx, sealer: s.sealer}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqliteTx struct {
	ctx    context.Context
	tx     *sql.Tx
	sealer Sealer
}

func (t *sqliteTx) GetStream(id int64) (*types.Stream, error) {
	var data string
	err := t.tx.QueryRowContext(t.ctx, `SELECT data FROM streams WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stream %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var stream types.Stream
	if err := json.Unmarshal([]byte(data), &stream); err != nil {
		return nil, err
	}
	return &stream, nil
}

func (t *sqliteTx) ListStreams() ([]*types.Stream, error) {
	rs, err := t.tx.QueryContext(t.ctx, `SELECT data FROM streams ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var streams []*types.Stream
	for rs.Next() {
		var data string
		if err := rs.Scan(&data); err != nil {
			return nil, err
		}
		var stream types.Stream
		if err := json.Unmarshal([]byte(data), &stream); err != nil {
			return nil, err
		}
		streams = append(streams, &stream)
	}
	return streams, rs.Err()
}

func (t *sqliteTx) PutStream(stream *types.Stream) error {
	if stream.ID == 0 {
		id, err := t.nextID("streams")
		if err != nil {
			return err
		}
		stream.ID = id
	}
	stamp(&stream.CreatedAt, &stream.UpdatedAt)

	data, err := json.Marshal(stream)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO streams (id, status, assigned_node_id, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			assigned_node_id = excluded.assigned_node_id,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		stream.ID, string(stream.Status), stream.AssignedNodeID, string(data), stream.UpdatedAt)
	return err
}

func (t *sqliteTx) DeleteStream(id int64) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM streams WHERE id = ?`, id)
	return err
}

func (t *sqliteTx) GetNode(id int64) (*types.Node, error) {
	var data string
	err := t.tx.QueryRowContext(t.ctx, `SELECT data FROM nodes WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeNode([]byte(data), t.sealer)
}

func (t *sqliteTx) ListNodes() ([]*types.Node, error) {
	rs, err := t.tx.QueryContext(t.ctx, `SELECT data FROM nodes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var nodes []*types.Node
	for rs.Next() {
		var data string
		if err := rs.Scan(&data); err != nil {
			return nil, err
		}
		node, err := decodeNode([]byte(data), t.sealer)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rs.Err()
}

func (t *sqliteTx) PutNode(node *types.Node) error {
	if node.ID == 0 {
		id, err := t.nextID("nodes")
		if err != nil {
			return err
		}
		node.ID = id
	}
	stamp(&node.CreatedAt, &node.UpdatedAt)

	data, err := encodeNode(node, t.sealer)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO nodes (id, status, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		node.ID, string(node.Status), string(data), node.UpdatedAt)
	return err
}

func (t *sqliteTx) DeleteNode(id int64) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM nodes WHERE id = ?`, id)
	return err
}

// nextID is safe without a sequence table because the single pooled
// connection serializes writers.
func (t *sqliteTx) nextID(table string) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM `+table).Scan(&id)
	return id, err
}
