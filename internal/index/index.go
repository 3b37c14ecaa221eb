// Package index writes a SQLite table of every closed node so that tools
// can query a finished scan without walking the record tree.
//
// The database is written once, after the scan, by a single writer. Readers
// open it with the same pool and only run SELECTs.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/twinfer/bang/internal/metadir"
)

// FileName is the name of the index inside a scan workspace.
const FileName = "index.sqlite"

// ErrNotFound is returned for ids that are not in the index.
var ErrNotFound = errors.New("node not indexed")

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id        TEXT PRIMARY KEY,
	parent_id TEXT,
	position  INTEGER NOT NULL,
	depth     INTEGER NOT NULL,
	name      TEXT NOT NULL,
	parser    TEXT NOT NULL,
	status    TEXT NOT NULL,
	range_off INTEGER NOT NULL,
	range_len INTEGER NOT NULL,
	size      INTEGER NOT NULL,
	blake3    TEXT NOT NULL,
	sha256    TEXT NOT NULL,
	truncated INTEGER NOT NULL,
	failure   TEXT
);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id, position);
CREATE INDEX IF NOT EXISTS idx_nodes_sha256 ON nodes(sha256);

CREATE TABLE IF NOT EXISTS labels (
	id    TEXT NOT NULL,
	label TEXT NOT NULL,
	PRIMARY KEY (id, label)
);
CREATE INDEX IF NOT EXISTS idx_labels_label ON labels(label);
`

// Node is one indexed record.
type Node struct {
	ID        string
	ParentID  string
	Position  int
	Depth     int
	Name      string
	Parser    string
	Labels    []string
	Status    string
	Offset    int64
	Length    int64
	Size      int64
	BLAKE3    string
	SHA256    string
	Truncated bool
	Failure   string
}

// Index is an open index database.
type Index struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

// Open opens or creates the database at path.
func Open(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    2,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("index: opening %s: %w", path, err)
	}
	return &Index{pool: pool, path: path, logger: logger}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("index: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("index: creating schema: %w", err)
	}
	return nil
}

// Close releases every connection.
func (ix *Index) Close() error {
	if err := ix.pool.Close(); err != nil {
		return fmt.Errorf("index: closing %s: %w", ix.path, err)
	}
	return nil
}

// Build indexes the tree below rootID and returns the number of nodes
// written. Re-indexing the same tree replaces the earlier rows.
func (ix *Index) Build(ctx context.Context, store *metadir.Store, rootID string) (n int, err error) {
	conn, err := ix.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("index: take: %w", err)
	}
	defer ix.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("index: begin: %w", err)
	}
	defer endTransaction(&err)

	positions := map[string]int{}
	err = store.Walk(rootID, func(rec *metadir.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i, child := range rec.Children {
			positions[child] = i
		}
		if err := insert(conn, rec, positions[rec.ID]); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	ix.logger.Info("index written", "path", ix.path, "nodes", n)
	return n, nil
}

func insert(conn *sqlite.Conn, rec *metadir.Record, position int) error {
	var parent, failure any
	if rec.ParentID != "" {
		parent = rec.ParentID
	}
	if rec.Failure != nil {
		failure = rec.Failure.Kind + ": " + rec.Failure.Error
	}
	truncated := 0
	if rec.Truncated {
		truncated = 1
	}
	err := sqlitex.Execute(conn, `INSERT OR REPLACE INTO nodes
		(id, parent_id, position, depth, name, parser, status, range_off, range_len,
		 size, blake3, sha256, truncated, failure)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			rec.ID, parent, position, rec.Depth, rec.Name, rec.Parser,
			string(rec.Status), rec.Range.Offset, rec.Range.Length, rec.Size,
			rec.Hashes.BLAKE3, rec.Hashes.SHA256, truncated, failure,
		},
	})
	if err != nil {
		return fmt.Errorf("index: insert %s: %w", rec.ID, err)
	}
	if err := sqlitex.Execute(conn, "DELETE FROM labels WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{rec.ID},
	}); err != nil {
		return fmt.Errorf("index: clearing labels of %s: %w", rec.ID, err)
	}
	for _, label := range rec.Labels {
		if err := sqlitex.Execute(conn, "INSERT OR IGNORE INTO labels (id, label) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{rec.ID, label},
		}); err != nil {
			return fmt.Errorf("index: labelling %s: %w", rec.ID, err)
		}
	}
	return nil
}

const nodeColumns = `id, parent_id, position, depth, name, parser, status, range_off,
	range_len, size, blake3, sha256, truncated, failure,
	(SELECT group_concat(label, char(31)) FROM (SELECT label FROM labels l WHERE l.id = nodes.id ORDER BY label))`

func scanNode(stmt *sqlite.Stmt) Node {
	n := Node{
		ID:        stmt.ColumnText(0),
		ParentID:  stmt.ColumnText(1),
		Position:  stmt.ColumnInt(2),
		Depth:     stmt.ColumnInt(3),
		Name:      stmt.ColumnText(4),
		Parser:    stmt.ColumnText(5),
		Status:    stmt.ColumnText(6),
		Offset:    stmt.ColumnInt64(7),
		Length:    stmt.ColumnInt64(8),
		Size:      stmt.ColumnInt64(9),
		BLAKE3:    stmt.ColumnText(10),
		SHA256:    stmt.ColumnText(11),
		Truncated: stmt.ColumnInt(12) != 0,
		Failure:   stmt.ColumnText(13),
	}
	if labels := stmt.ColumnText(14); labels != "" {
		n.Labels = strings.Split(labels, "\x1f")
	}
	return n
}

func (ix *Index) query(ctx context.Context, query string, args ...any) ([]Node, error) {
	conn, err := ix.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: take: %w", err)
	}
	defer ix.pool.Put(conn)

	var nodes []Node
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			nodes = append(nodes, scanNode(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("index: query: %w", err)
	}
	return nodes, nil
}

// Node returns the node with the given id.
func (ix *Index) Node(ctx context.Context, id string) (Node, error) {
	nodes, err := ix.query(ctx, "SELECT "+nodeColumns+" FROM nodes WHERE id = ?", id)
	if err != nil {
		return Node{}, err
	}
	if len(nodes) == 0 {
		return Node{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nodes[0], nil
}

// Children returns the children of id in record order.
func (ix *Index) Children(ctx context.Context, id string) ([]Node, error) {
	return ix.query(ctx, "SELECT "+nodeColumns+" FROM nodes WHERE parent_id = ? ORDER BY position", id)
}

// Labelled returns every node carrying label, shallowest first.
func (ix *Index) Labelled(ctx context.Context, label string) ([]Node, error) {
	return ix.query(ctx, "SELECT "+nodeColumns+` FROM nodes
		WHERE id IN (SELECT id FROM labels WHERE label = ?)
		ORDER BY depth, id`, label)
}

// BySHA256 returns every node whose content has the given digest.
func (ix *Index) BySHA256(ctx context.Context, digest string) ([]Node, error) {
	return ix.query(ctx, "SELECT "+nodeColumns+" FROM nodes WHERE sha256 = ? ORDER BY depth, id", strings.ToLower(digest))
}

// Count returns the number of indexed nodes.
func (ix *Index) Count(ctx context.Context) (int, error) {
	conn, err := ix.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("index: take: %w", err)
	}
	defer ix.pool.Put(conn)

	var n int
	err = sqlitex.Execute(conn, "SELECT count(*) FROM nodes", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("index: count: %w", err)
	}
	return n, nil
}
