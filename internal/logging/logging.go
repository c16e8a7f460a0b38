// Package logging configures the process-wide zerolog setup. Components get
// child loggers tagged with a component field; debug flags raise individual
// components to debug level while the rest stay at info.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/verselab/triptych/internal/config"
)

// Setup builds the root logger. Pretty console output when stderr is a
// terminal is the caller's choice via console.
func Setup(w io.Writer, console bool) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// Component returns a child logger tagged with the component name, at debug
// level when the matching debug flag is set.
func Component(root zerolog.Logger, name string, flags config.DebugFlags) zerolog.Logger {
	l := root.With().Str("component", name).Logger()
	if debugEnabled(name, flags) {
		return l.Level(zerolog.DebugLevel)
	}
	return l
}

func debugEnabled(name string, flags config.DebugFlags) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "variants", "generator":
		return flags.Variants
	case "gate":
		return flags.Gate
	case "regen":
		return flags.Regen
	case "sampling", "llm":
		return flags.Sampling
	case "stop_sequences":
		return flags.StopSequences
	case "lock", "kv":
		return flags.Lock
	case "invariants", "scheduler":
		return flags.Invariants
	case "anchor_realizations", "anchorcheck":
		return flags.AnchorRealizations
	case "subject_form":
		return flags.SubjectForm
	}
	return false
}
