// Package logging implements the operational logger used throughout kumod.
// It is adapted from framework/log package: same Logger
// shape, same Output interface, same field-formatting rules. The zap
// bridge is dropped (see DESIGN.md) since nothing in this module expects
// a zapcore.Core.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Output is the sink a Logger writes formatted lines to.
type Output interface {
	Write(stamp time.Time, debug bool, msg string)
	Close() error
}

type multiOut struct {
	outs []Output
}

func (m multiOut) Write(stamp time.Time, debug bool, msg string) {
	for _, out := range m.outs {
		out.Write(stamp, debug, msg)
	}
}

func (m multiOut) Close() error {
	for _, out := range m.outs {
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}

// MultiOutput fans a single message out to several Outputs.
func MultiOutput(outputs ...Output) Output {
	return multiOut{outputs}
}

// NopOutput discards everything written to it.
type NopOutput struct{}

func (NopOutput) Write(time.Time, bool, string) {}
func (NopOutput) Close() error { return nil }

type wcOutput struct {
	timestamps bool
	wc io.WriteCloser
}

func (w wcOutput) Write(stamp time.Time, debug bool, msg string) {
	b := strings.Builder{}
	if w.timestamps {
		b.WriteString(stamp.UTC().Format("2006-01-02T15:04:05.000Z "))
	}
	if debug {
		b.WriteString("[debug] ")
	}
	b.WriteString(msg)
	b.WriteRune('\n')
	if _, err := io.WriteString(w.wc, b.String()); err != nil {
		fmt.Fprintf(os.Stderr, "!!! failed to write log message: %v\n", err)
	}
}

func (w wcOutput) Close() error {
	return w.wc.Close()
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// WriteCloserOutput writes formatted lines to wc, closing wc on Close.
func WriteCloserOutput(wc io.WriteCloser, timestamps bool) Output {
	return wcOutput{timestamps, wc}
}

// WriterOutput writes formatted lines to w without taking ownership of it.
func WriterOutput(w io.Writer, timestamps bool) Output {
	return wcOutput{timestamps, nopCloser{w}}
}
