// Package filebackend is the directory-of-files spool backend: one
// file per id per store, named "<id>.data" and "<id>.meta" (the body
// has no separate header section once it's opaque, so there's no
// "<id>.header"/"<id>.body" split to keep). Crash recovery reads meta,
// verifies the data file exists, and drops the meta file otherwise; a
// data file with no meta file is left in place.
package filebackend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kumomta/kumod/internal/spool"
)

// Backend stores each message as a pair of files under a single
// directory.
type Backend struct {
	dir string
}

// Open returns a Backend rooted at dir, creating it if necessary.
func Open(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Backend{dir: dir}, nil
}

func (b *Backend) dataPath(id string) string { return filepath.Join(b.dir, id+".data") }
func (b *Backend) metaPath(id string) string { return filepath.Join(b.dir, id+".meta") }

func (b *Backend) Store(ctx context.Context, id string, body io.Reader, meta spool.Meta, forceSync bool) error {
	dataPath := b.dataPath(id)
	dataFile, err := os.OpenFile(dataPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dataFile, body); err != nil {
		dataFile.Close()
		b.tryRemove(dataPath)
		return err
	}
	if forceSync {
		if err := dataFile.Sync(); err != nil {
			dataFile.Close()
			b.tryRemove(dataPath)
			return err
		}
	}
	if err := dataFile.Close(); err != nil {
		b.tryRemove(dataPath)
		return err
	}

	metaPath := b.metaPath(id)
	metaFile, err := os.OpenFile(metaPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		b.tryRemove(dataPath)
		return err
	}
	if err := json.NewEncoder(metaFile).Encode(meta); err != nil {
		metaFile.Close()
		b.tryRemove(dataPath)
		b.tryRemove(metaPath)
		return err
	}
	if forceSync {
		if err := metaFile.Sync(); err != nil {
			metaFile.Close()
			b.tryRemove(dataPath)
			b.tryRemove(metaPath)
			return err
		}
	}
	return metaFile.Close()
}

func (b *Backend) Load(ctx context.Context, id string) (io.ReadCloser, spool.Meta, error) {
	meta, err := b.LoadMeta(ctx, id)
	if err != nil {
		return nil, spool.Meta{}, err
	}
	f, err := os.Open(b.dataPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, spool.Meta{}, spool.ErrNotFound
		}
		return nil, spool.Meta{}, err
	}
	return f, meta, nil
}

func (b *Backend) LoadMeta(ctx context.Context, id string) (spool.Meta, error) {
	f, err := os.Open(b.metaPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return spool.Meta{}, spool.ErrNotFound
		}
		return spool.Meta{}, err
	}
	defer f.Close()

	var meta spool.Meta
	if err := json.NewDecoder(f).Decode(&meta); err != nil {
		return spool.Meta{}, err
	}
	return meta, nil
}

func (b *Backend) Remove(ctx context.Context, id string) error {
	b.tryRemove(b.dataPath(id))
	b.tryRemove(b.metaPath(id))
	return nil
}

func (b *Backend) tryRemove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		// Best-effort cleanup; a meta file left without its data file
		// is dropped by the next Enumerate pass, a data file left
		// without its meta file is not.
		_ = err
	}
}

// Enumerate walks the spool directory for *.meta files, emitting an id
// for each one whose matching *.data file is present. A *.meta without a
// *.data is dropped as dangling rather than surfaced to the caller.
// Store writes the data file first, so a crash between its two writes
// leaves a *.data without a *.meta, which this walk does not visit.
func (b *Backend) Enumerate(ctx context.Context, fn func(id string) error) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".meta")

		if _, err := os.Stat(b.dataPath(id)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				b.tryRemove(b.metaPath(id))
				continue
			}
			return err
		}

		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Close() error { return nil }
