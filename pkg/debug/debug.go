// Package debug sets up labflow's structured logging and gates verbose
// output by category.
//
// The log level decides how much is written; categories decide which
// subsystems may write debug lines at all:
//
//	debug.Log(debug.Timer, "tick", "session_id", id, "remaining", rem)
//
// emits only when the timer category is enabled and the level is DEBUG
// or lower. Trace lines additionally need level TRACE and are used for
// full analysis payloads.
package debug

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync/atomic"
)

// Categories.
const (
	Engine    = "engine"
	Timer     = "timer"
	Analysis  = "analysis"
	Storage   = "storage"
	Catalog   = "catalog"
	Transport = "transport"
	Auth      = "auth"
	Config    = "config"
	All       = "all"
)

var known = []string{Engine, Timer, Analysis, Storage, Catalog, Transport, Auth, Config, All}

// EnvCategories seeds the categories of processes that never call Setup.
const EnvCategories = "LABFLOW_DEBUG"

// LevelTrace sits below slog.LevelDebug.
const LevelTrace = slog.LevelDebug - 4

type categorySet map[string]struct{}

var enabled atomic.Pointer[categorySet]

func init() {
	set, _ := parseCategories(os.Getenv(EnvCategories))
	enabled.Store(&set)
}

// Options configures Setup.
type Options struct {
	Categories string    // comma-separated, "all" for everything
	Level      string    // ERROR, WARN, INFO, DEBUG, TRACE
	Format     string    // "text" (default) or "json"
	Output     io.Writer // default os.Stderr
}

// Setup enables the given categories and installs a default slog
// logger, which it also returns. Unknown category names are kept but
// reported with a warning so typos are noticed.
func Setup(opts Options) (*slog.Logger, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	ho := &slog.HandlerOptions{Level: ParseLevel(opts.Level), ReplaceAttr: levelNames}

	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		h = slog.NewTextHandler(out, ho)
	case "json":
		h = slog.NewJSONHandler(out, ho)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	set, unknown := parseCategories(opts.Categories)
	enabled.Store(&set)

	logger := slog.New(h)
	slog.SetDefault(logger)
	if len(unknown) > 0 {
		logger.Warn("unknown debug categories", "categories", unknown, "known", known)
	}
	return logger, nil
}

// levelNames prints LevelTrace as TRACE rather than DEBUG-4.
func levelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// Enabled reports whether category may emit debug lines.
func Enabled(category string) bool {
	set := *enabled.Load()
	_, all := set[All]
	_, one := set[category]
	return all || one
}

// Log writes a debug line tagged with category when it is enabled.
func Log(category, msg string, args ...any) {
	if Enabled(category) {
		slog.Debug(msg, append([]any{"debug", category}, args...)...)
	}
}

// Trace writes a trace line tagged with category when it is enabled and
// the logger accepts LevelTrace.
func Trace(category, msg string, args ...any) {
	ctx := context.Background()
	if Enabled(category) && slog.Default().Enabled(ctx, LevelTrace) {
		slog.Log(ctx, LevelTrace, msg, append([]any{"debug", category}, args...)...)
	}
}

// ParseLevel maps a level name to a slog.Level. Unknown names mean INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Categories lists the enabled categories, sorted.
func Categories() []string {
	set := *enabled.Load()
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Truncate shortens s to at most n bytes plus an ellipsis.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func parseCategories(s string) (categorySet, []string) {
	set := categorySet{}
	var unknown []string
	for _, c := range strings.Split(s, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		set[c] = struct{}{}
		if !slices.Contains(known, c) {
			unknown = append(unknown, c)
		}
	}
	return set, unknown
}
