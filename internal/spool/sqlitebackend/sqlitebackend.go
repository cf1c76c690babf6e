// Package sqlitebackend is the embedded ordered key/value spool backend:
// an embedded ordered key/value store using a write-ahead log and
// background flushing, built on modernc.org/sqlite (a pure-Go driver, so
// the spool has no cgo dependency) in WAL mode. force_sync maps to a
// one-off PRAGMA synchronous=FULL write; otherwise the database runs
// with synchronous=NORMAL, and a background goroutine periodically
// issues PRAGMA wal_checkpoint(PASSIVE) to bound WAL growth.
package sqlitebackend

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kumomta/kumod/internal/spool"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	meta BLOB NOT NULL
);
`

// Backend stores message bodies and metadata as columns of a single
// sqlite table.
type Backend struct {
	db *sql.DB

	checkpointInterval time.Duration
	stopCheckpoint chan struct{}
	wg sync.WaitGroup
}

// Open opens (creating if necessary) a sqlite database at path, enables
// WAL mode and NORMAL synchronous durability, and starts the background
// checkpoint loop.
func Open(path string, checkpointInterval time.Duration) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	b := &Backend{
		db: db,
		checkpointInterval: checkpointInterval,
		stopCheckpoint: make(chan struct{}),
	}
	if checkpointInterval > 0 {
		b.wg.Add(1)
		go b.checkpointLoop()
	}
	return b, nil
}

func (b *Backend) checkpointLoop() {
	defer b.wg.Done()
	t := time.NewTicker(b.checkpointInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			b.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-b.stopCheckpoint:
			return
		}
	}
}

func (b *Backend) Store(ctx context.Context, id string, body io.Reader, meta spool.Meta, forceSync bool) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	if forceSync {
		if _, err := b.db.ExecContext(ctx, "PRAGMA synchronous=FULL"); err != nil {
			return err
		}
		defer b.db.ExecContext(ctx, "PRAGMA synchronous=NORMAL")
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO messages (id, data, meta) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data=excluded.data, meta=excluded.meta`,
		id, data, metaBytes)
	return err
}

func (b *Backend) Load(ctx context.Context, id string) (io.ReadCloser, spool.Meta, error) {
	row := b.db.QueryRowContext(ctx, "SELECT data, meta FROM messages WHERE id = ?", id)

	var data, metaBytes []byte
	if err := row.Scan(&data, &metaBytes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, spool.Meta{}, spool.ErrNotFound
		}
		return nil, spool.Meta{}, err
	}

	var meta spool.Meta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, spool.Meta{}, err
	}

	return io.NopCloser(bytes.NewReader(data)), meta, nil
}

func (b *Backend) LoadMeta(ctx context.Context, id string) (spool.Meta, error) {
	row := b.db.QueryRowContext(ctx, "SELECT meta FROM messages WHERE id = ?", id)

	var metaBytes []byte
	if err := row.Scan(&metaBytes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return spool.Meta{}, spool.ErrNotFound
		}
		return spool.Meta{}, err
	}

	var meta spool.Meta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return spool.Meta{}, err
	}
	return meta, nil
}

func (b *Backend) Remove(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	return err
}

func (b *Backend) Enumerate(ctx context.Context, fn func(id string) error) error {
	rows, err := b.db.QueryContext(ctx, "SELECT id FROM messages")
	if err != nil {
		return err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Close() error {
	if b.checkpointInterval > 0 {
		close(b.stopCheckpoint)
		b.wg.Wait()
	}
	b.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return b.db.Close()
}
