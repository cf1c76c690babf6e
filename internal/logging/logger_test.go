package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/kumomta/kumod/internal/exterr"
	"github.com/kumomta/kumod/internal/logrecord"
)

func TestLoggerMsgFieldsSorted(t *testing.T) {
	buf := &bytes.Buffer{}
	l := Logger{Out: WriterOutput(buf, false), Name: "test"}

	l.Msg("hello", "zeta", 1, "alpha", 2)

	line := buf.String()
	if !strings.Contains(line, "test: hello\t") {
		t.Fatalf("missing name/msg prefix: %q", line)
	}
	alphaPos := strings.Index(line, `"alpha"`)
	zetaPos := strings.Index(line, `"zeta"`)
	if alphaPos == -1 || zetaPos == -1 || alphaPos > zetaPos {
		t.Fatalf("fields not sorted: %q", line)
	}
}

func TestLoggerErrorAttachesCategoryAndFields(t *testing.T) {
	buf := &bytes.Buffer{}
	l := Logger{Out: WriterOutput(buf, false)}

	base := errors.New("connection reset")
	wrapped := exterr.WithFields(exterr.Transient(base), map[string]interface{}{"attempt": 3})

	l.Error("delivery attempt failed", wrapped)

	line := buf.String()
	if !strings.Contains(line, `"category":"transient"`) {
		t.Fatalf("missing category field: %q", line)
	}
	if !strings.Contains(line, `"attempt":3`) {
		t.Fatalf("missing propagated field: %q", line)
	}
	if !strings.Contains(line, `"reason":"connection reset"`) {
		t.Fatalf("missing default reason field: %q", line)
	}
}

type recordingSink struct {
	got []logrecord.Record
}

func (r *recordingSink) Accept(rec logrecord.Record) { r.got = append(r.got, rec) }

func TestLoggerRecordForwardsToSink(t *testing.T) {
	buf := &bytes.Buffer{}
	sink := &recordingSink{}
	l := Logger{Out: WriterOutput(buf, false), Sink: sink}

	rec := logrecord.Record{Type: logrecord.Delivery, ID: "abc", Recipient: "a@b.test"}
	l.Record(rec)

	if len(sink.got) != 1 || sink.got[0].ID != "abc" {
		t.Fatalf("record not forwarded to sink: %+v", sink.got)
	}
	if !strings.Contains(buf.String(), "Delivery") {
		t.Fatalf("record not written through Msg: %q", buf.String())
	}
}
