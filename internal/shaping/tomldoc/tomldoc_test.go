package tomldoc

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/kumomta/kumod/internal/shaping"
)

func TestLoadDecodesBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shaping.toml")

	content := `
[default.options]
connection_limit = 10

[site.site-yahoo.options]
max_deliveries_per_connection = 20

[domain.foo_com]
mx_rollup_false = true

[domain.foo_com.options]
connection_limit = 3
max_deliveries_per_connection = 50
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	src := Source{Path: path}
	doc, err := src.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if doc.Default.Options["connection_limit"] != int64(10) {
		t.Fatalf("expected default connection_limit, got %+v", doc.Default.Options)
	}
	site := doc.Site["site-yahoo"]
	if site == nil || site.Options["max_deliveries_per_connection"] != int64(20) {
		t.Fatalf("expected site block, got %+v", site)
	}
	domain := doc.Domain["foo_com"]
	if domain == nil || !domain.MXRollupFalse {
		t.Fatalf("expected mx_rollup_false domain block, got %+v", domain)
	}

	store := shaping.NewStore()
	if _, err := store.Load(doc); err != nil {
		t.Fatalf("unexpected store load error: %v", err)
	}
}

// TestEncodeLoadRoundTrip checks that a loaded document's options
// survive serialize -> parse unchanged.
func TestEncodeLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shaping.toml")

	original := `
[default.options]
connection_limit = 10

[site.site-yahoo.options]
max_deliveries_per_connection = 20
`
	if err := os.WriteFile(path, []byte(original), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	doc, err := (Source{Path: path}).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, doc); err != nil {
		t.Fatalf("encode: %v", err)
	}

	rtPath := filepath.Join(dir, "roundtrip.toml")
	if err := os.WriteFile(rtPath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("failed to write round-trip fixture: %v", err)
	}

	rtDoc, err := (Source{Path: rtPath}).Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if rtDoc.Default.Options["connection_limit"] != doc.Default.Options["connection_limit"] {
		t.Fatalf("connection_limit did not round-trip: got %+v, want %+v", rtDoc.Default.Options, doc.Default.Options)
	}
	if rtDoc.Site["site-yahoo"].Options["max_deliveries_per_connection"] != doc.Site["site-yahoo"].Options["max_deliveries_per_connection"] {
		t.Fatalf("site block did not round-trip")
	}
}
