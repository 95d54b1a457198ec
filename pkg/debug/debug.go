// Package debug provides category-based debug logging for ptcgate.
//
// Two orthogonal controls:
//   - Categories (WHAT to debug): controlled via PTCGATE_DEBUG env or config
//   - Levels (HOW MUCH detail): controlled via PTCGATE_LOG_LEVEL env or config
//
// Usage:
//
//	debug.Log("sandbox", "container created", "id", id, "image", image)
//	if debug.Enabled("ipc") { /* expensive formatting */ }
//
// Categories: ptc, session, batch, ipc, sandbox, transport, config, all.
// Levels: ERROR, WARN, INFO, DEBUG, TRACE.
package debug

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// LevelTrace is below slog.LevelDebug for maximum verbosity.
// At TRACE, raw IPC file contents are dumped.
const LevelTrace = slog.LevelDebug - 4

// categories holds the set of enabled debug categories.
// Access is read-only after Init(), so no synchronization needed.
var categories map[string]bool

// output receives Dump text. Replaced together with the default logger.
var output io.Writer = os.Stderr

func init() {
	categories = parseCategories(os.Getenv("PTCGATE_DEBUG"))
}

// Init configures the debug system and the default slog logger. Called at
// startup with values from config. Environment overrides config.
func Init(configCategories string, configLevel string) {
	InitWithWriter(os.Stderr, configCategories, configLevel)
}

// InitWithWriter is Init with an explicit destination for log output.
func InitWithWriter(w io.Writer, configCategories string, configLevel string) {
	cats := os.Getenv("PTCGATE_DEBUG")
	if cats == "" {
		cats = configCategories
	}
	categories = parseCategories(cats)

	level := os.Getenv("PTCGATE_LOG_LEVEL")
	if level == "" {
		level = configLevel
	}

	output = w
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})))
}

// Enabled reports whether debug output is active for the given category.
func Enabled(category string) bool {
	return categories["all"] || categories[category]
}

// Log emits a debug message for the given category.
// If the category is not enabled, this is a no-op.
func Log(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Debug(msg, append([]any{"debug", category}, args...)...)
}

// Trace emits a trace-level message for the given category.
// Only visible when PTCGATE_LOG_LEVEL=TRACE.
func Trace(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Log(context.Background(), LevelTrace, msg, append([]any{"debug", category}, args...)...)
}

// TraceIsEnabled reports whether TRACE level is active for the given category.
func TraceIsEnabled(category string) bool {
	if !Enabled(category) {
		return false
	}
	return slog.Default().Enabled(context.Background(), LevelTrace)
}

// Dump writes a labeled block of raw bytes (an IPC file, a container log)
// without slog formatting. Only emitted when category is enabled AND level is TRACE.
func Dump(category string, label string, data []byte) {
	if !TraceIsEnabled(category) {
		return
	}
	fmt.Fprintf(output, "--- %s (%d bytes) ---\n%s\n--- end %s ---\n", label, len(data), data, label)
}

// ParseLevel converts a level string to a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "INFO", "":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Categories returns the sorted list of enabled categories (for health/status reporting).
func Categories() []string {
	result := make([]string, 0, len(categories))
	for k := range categories {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// Truncate returns s truncated to maxLen bytes, with "..." appended if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func parseCategories(s string) map[string]bool {
	m := make(map[string]bool)
	for _, cat := range strings.Split(s, ",") {
		cat = strings.TrimSpace(strings.ToLower(cat))
		if cat != "" {
			m[cat] = true
		}
	}
	return m
}
