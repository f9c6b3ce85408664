// Package logutil provides the logging setup shared by the EX-AI binaries.
//
// JSON log lines are routed by level: DEBUG/INFO to the info writer and
// WARN/ERROR to the error writer. When stdout is a terminal, info lines are
// pretty-printed for humans; piped output stays compact.
package logutil

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
)

var isTTY bool

func init() {
	if stat, err := os.Stdout.Stat(); err == nil {
		isTTY = (stat.Mode() & os.ModeCharDevice) != 0
	}
}

// IsTTY reports whether stdout appears to be a terminal.
func IsTTY() bool {
	return isTTY
}

// Output returns a writer that sends DEBUG/INFO lines to stdout and
// WARN/ERROR lines to errW. Pass it to slog.NewJSONHandler.
func Output(errW io.Writer) io.Writer {
	return OutputTo(maybeWrapPretty(os.Stdout), errW)
}

// OutputTo is Output with an explicit info writer. The stdio shim uses it to
// keep every log line off stdout, which carries the MCP stream.
func OutputTo(infoW, errW io.Writer) io.Writer {
	return &levelRoutingWriter{info: infoW, err: errW}
}

// ParseLevel maps "debug", "warn" and "error" (any case) to slog levels.
// Anything else is INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func maybeWrapPretty(w io.Writer) io.Writer {
	if !isTTY {
		return w
	}
	return &prettyJSONWriter{w: w}
}

type levelRoutingWriter struct {
	info io.Writer
	err  io.Writer
}

func (lw *levelRoutingWriter) Write(p []byte) (int, error) {
	var entry struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(p, &entry); err != nil {
		// Not JSON: treat as a problem worth seeing.
		return lw.err.Write(p)
	}
	switch entry.Level {
	case "WARN", "ERROR":
		return lw.err.Write(p)
	default:
		return lw.info.Write(p)
	}
}

// prettyJSONWriter re-indents each JSON line written to it.
type prettyJSONWriter struct {
	w io.Writer
}

func (pw *prettyJSONWriter) Write(p []byte) (int, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimRight(p, "\n"), "", "  "); err != nil {
		return pw.w.Write(p)
	}
	buf.WriteByte('\n')
	_, err := pw.w.Write(buf.Bytes())
	return len(p), err
}
