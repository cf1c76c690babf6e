package logging

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/kumomta/kumod/internal/exterr"
	"github.com/kumomta/kumod/internal/logrecord"
)

// Logger writes formatted output to an underlying Output. It is adapted
// from framework/log.Logger: stateless, copyable, and with
// no serialization of its own beyond what Output provides.
//
// Each message is prefixed with the logger's Name. Timestamp and debug
// flag formatting is delegated to Output.
type Logger struct {
	Out Output
	Name string
	Debug bool

	// Fields is merged into every Msg/Error/DebugMsg call.
	Fields map[string]interface{}

	// Sink, when set, receives every Record passed to Logger.Record.
	Sink logrecord.Sink
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Debugln(val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.log(false, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Println(val ...interface{}) {
	l.log(false, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

// Msg writes an event log message in a machine-readable format:
//
//	name: msg\t{"key":"value","key2":"value2"}
//
// fields is a flat key, value, key, value... list. Values implementing
// LogFormatter, fmt.Stringer or error are rendered through those
// interfaces; time.Time and time.Duration get their own formatting.
func (l Logger) Msg(msg string, fields ...interface{}) {
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(false, l.formatMsg(msg, m))
}

// Error writes an event log message carrying the classification and
// structured fields attached to err via exterr.WithFields/WithCategory.
// msg should name the context in which the error was handled, e.g.
// "delivery attempt failed", not describe the error itself.
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	errFields := exterr.Fields(err)
	allFields := make(map[string]interface{}, len(fields)+len(errFields)+2)
	for k, v := range errFields {
		allFields[k] = v
	}

	if allFields["reason"] == nil {
		allFields["reason"] = err.Error()
	}
	if cat := exterr.ClassOf(err); cat != exterr.CategoryUnspecified {
		allFields["category"] = cat.String()
	}
	fieldsToMap(fields, allFields)

	l.log(false, l.formatMsg(msg, allFields))
}

func (l Logger) DebugMsg(kind string, fields ...interface{}) {
	if !l.Debug {
		return
	}
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(true, l.formatMsg(kind, m))
}

// Record writes rec through the ordinary log plumbing as a Msg, and, if a
// Sink is registered, also forwards it there unaltered. This is the path
// by which the durable JSON log stream (reception, delivery, bounce,
// feedback, OOB events) reaches both the operator's log file and the TSA
// engine's log-record ingestion.
func (l Logger) Record(rec logrecord.Record) {
	l.Msg(string(rec.Type),
		"id", rec.ID,
		"sender", rec.Sender,
		"recipient", rec.Recipient,
		"queue", rec.Queue,
		"site_name", rec.SiteName,
		"egress_source", rec.EgressSource,
		"code", rec.Code,
	)
	if l.Sink != nil {
		l.Sink.Accept(rec)
	}
}

func fieldsToMap(fields []interface{}, out map[string]interface{}) {
	var lastKey string
	for i, val := range fields {
		if i%2 == 0 {
			key, ok := val.(string)
			if !ok {
				out[fmt.Sprint("field", i)] = key
				continue
			}
			lastKey = key
		} else {
			out[lastKey] = val
		}
	}
}

func (l Logger) formatMsg(msg string, fields map[string]interface{}) string {
	formatted := strings.Builder{}

	formatted.WriteString(msg)
	formatted.WriteRune('\t')

	if len(l.Fields)+len(fields) != 0 {
		if fields == nil {
			fields = make(map[string]interface{})
		}
		for k, v := range l.Fields {
			fields[k] = v
		}
		if err := marshalOrderedJSON(&formatted, fields); err != nil {
			return fmt.Sprintf("[BROKEN FORMATTING: %v] %v %+v", err, msg, fields)
		}
	}

	return formatted.String()
}

// Write implements io.Writer; every write is logged as a separate,
// non-debug message with no line buffering.
func (l Logger) Write(s []byte) (int, error) {
	l.log(false, strings.TrimRight(string(s), "\n"))
	return len(s), nil
}

// DebugWriter returns a writer behaving like Write. Write logs every
// message with the debug flag unset, so the returned writer's messages
// are not tagged as debug either. If l.Debug is false, the returned
// writer discards everything.
func (l Logger) DebugWriter() io.Writer {
	if !l.Debug {
		return ioutil.Discard
	}
	l.Debug = true
	return &l
}

func (l Logger) log(debug bool, s string) {
	if l.Name != "" {
		s = l.Name + ": " + s
	}

	if l.Out != nil {
		l.Out.Write(time.Now(), debug, s)
		return
	}
	if DefaultLogger.Out != nil {
		DefaultLogger.Out.Write(time.Now(), debug, s)
		return
	}
}

// DefaultLogger is the global Logger used by the package-level functions.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}

func Debugf(format string, val ...interface{}) { DefaultLogger.Debugf(format, val...) }
func Debugln(val ...interface{}) { DefaultLogger.Debugln(val...) }
func Printf(format string, val ...interface{}) { DefaultLogger.Printf(format, val...) }
func Println(val ...interface{}) { DefaultLogger.Println(val...) }
