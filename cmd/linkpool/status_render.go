package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset = "\x1b[0m"
	ansiBlue  = "\x1b[34m"
)

var statusStyles = map[statusKind]struct {
	label string
	color string
}{
	statusInfo:  {"INFO", ansiBlue},
	statusOK:    {"OK", "\x1b[32m"},
	statusWarn:  {"WARN", "\x1b[33m"},
	statusError: {"ERROR", "\x1b[31m"},
}

const statusLabelWidth = 20

// statusWriter buffers sectioned "label: [KIND] message" lines and colors
// them when writing to a terminal.
type statusWriter struct {
	out      io.Writer
	colorize bool
	lines    []string
}

func newStatusWriter(out io.Writer) *statusWriter {
	return &statusWriter{out: out, colorize: shouldColorize(out)}
}

func (w *statusWriter) section(title string) {
	if len(w.lines) > 0 {
		w.lines = append(w.lines, "")
	}
	heading := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(heading))
	w.lines = append(w.lines, w.paint(ansiBlue, heading), w.paint(ansiBlue, rule))
}

func (w *statusWriter) line(label string, kind statusKind, message string) {
	style := statusStyles[kind]
	text := "[" + style.label + "]"
	if message != "" {
		text += " " + message
	}
	w.lines = append(w.lines, w.paint(style.color, fmt.Sprintf("  %-*s %s", statusLabelWidth, label+":", text)))
}

// check renders a pass/fail line; failures without detail read "check failed".
func (w *statusWriter) check(label string, ok bool, detail string) {
	if ok {
		w.line(label, statusOK, detail)
		return
	}
	if detail == "" {
		detail = "check failed"
	}
	w.line(label, statusError, detail)
}

func (w *statusWriter) flush() {
	if len(w.lines) == 0 {
		return
	}
	fmt.Fprintln(w.out, strings.Join(w.lines, "\n"))
	w.lines = w.lines[:0]
}

func (w *statusWriter) paint(color, text string) string {
	if !w.colorize || color == "" {
		return text
	}
	return color + text + ansiReset
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
