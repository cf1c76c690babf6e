package sqlitebackend

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/kumomta/kumod/internal/spool"
)

func TestStoreLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")
	b, err := Open(path, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	meta := spool.Meta{ID: "abc", From: "a@b.test", To: []string{"c@d.test"}, Attempts: 3}

	if err := b.Store(ctx, "abc", bytes.NewReader([]byte("payload")), meta, true); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	rc, gotMeta, err := b.Load(ctx, "abc")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected body: %q", data)
	}
	if gotMeta.Attempts != 3 {
		t.Fatalf("meta mismatch: %+v", gotMeta)
	}
}

func TestEnumerateAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")
	b, err := Open(path, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := b.Store(ctx, id, bytes.NewReader([]byte(id)), spool.Meta{ID: id}, false); err != nil {
			t.Fatalf("store failed: %v", err)
		}
	}

	var seen []string
	if err := b.Enumerate(ctx, func(id string) error {
		seen = append(seen, id)
		return nil
	}); err != nil {
		t.Fatalf("enumerate failed: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 ids, got %v", seen)
	}

	if err := b.Remove(ctx, "b"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := b.LoadMeta(ctx, "b"); err != spool.ErrNotFound {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestCheckpointLoopStopsCleanly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")
	b, err := Open(path, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}
