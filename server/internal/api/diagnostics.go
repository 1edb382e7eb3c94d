package api

import (
	"fmt"
	"time"

	"github.com/panopticon/panopticon/server/internal/stats"
	"github.com/panopticon/panopticon/server/internal/store"
)

// DiagnosticHint is one human-readable note about a camera's state, shown
// next to its entry in /info.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical"
	Level string `json:"level"`
	// Title is a short label.
	Title string `json:"title"`
	// Detail is the full explanation.
	Detail string `json:"detail"`
	// Value is an optional number associated with the hint (seconds, percent).
	Value *float64 `json:"value,omitempty"`
}

// computeDiagnostics derives hints from a record and its counters.
// Ordered: critical first, then warnings, then info.
func computeDiagnostics(rec store.Record, e stats.Entry, threshold time.Duration, now time.Time) []DiagnosticHint {
	var hints []DiagnosticHint
	delta := rec.Delta(now)

	// ── Unreachable ──────────────────────────────────────────────────────────
	if e.Fetches > 0 && e.UptimePct == 0 {
		hints = append(hints, DiagnosticHint{
			Key:   "unreachable",
			Level: "critical",
			Title: "Camera unreachable",
			Detail: "None of the recent fetches returned a usable image. The camera may be " +
				"offline, serving its offline placeholder, or answering with errors. " +
				"It stays in rotation and is retried every cycle.",
		})
		return hints
	}

	// ── Freshness ────────────────────────────────────────────────────────────
	switch {
	case delta < 0:
		v := -delta.Seconds()
		hints = append(hints, DiagnosticHint{
			Key:   "stale",
			Level: "warning",
			Title: fmt.Sprintf("Stale for %.0fs", v),
			Detail: fmt.Sprintf(
				"The freshness window ended %.0f seconds ago. The camera will be refreshed "+
					"on the next cycle; if it keeps failing it stays stale.", v),
			Value: &v,
		})
	case delta < threshold:
		v := delta.Seconds()
		hints = append(hints, DiagnosticHint{
			Key:   "expiring",
			Level: "info",
			Title: "Watching for a new image",
			Detail: fmt.Sprintf(
				"The freshness window ends in %.1f seconds, so the camera is being polled "+
					"for a new image.", v),
			Value: &v,
		})
	}

	// ── Uptime ───────────────────────────────────────────────────────────────
	if e.UptimePct < 100 && e.UptimePct > 0 {
		v := e.UptimePct
		level := "info"
		switch {
		case v < 70:
			level = "critical"
		case v < 90:
			level = "warning"
		}
		hints = append(hints, DiagnosticHint{
			Key:   "uptime",
			Level: level,
			Title: fmt.Sprintf("%.0f%% uptime", v),
			Detail: fmt.Sprintf(
				"%.0f%% of the last 20 fetches returned a usable image "+
					"(%d failures out of %d fetches overall).", v, e.Failures, e.Fetches),
			Value: &v,
		})
	}

	if len(hints) == 0 {
		hints = append(hints, DiagnosticHint{
			Key:    "fresh",
			Level:  "ok",
			Title:  "Fresh",
			Detail: "The last image is within its freshness window and recent fetches succeeded.",
		})
	}
	sortHints(hints)
	return hints
}

var levelRank = map[string]int{"critical": 0, "warning": 1, "info": 2, "ok": 3}

func sortHints(hints []DiagnosticHint) {
	// insertion sort; there are at most a handful of hints
	for i := 1; i < len(hints); i++ {
		for j := i; j > 0 && levelRank[hints[j].Level] < levelRank[hints[j-1].Level]; j-- {
			hints[j], hints[j-1] = hints[j-1], hints[j]
		}
	}
}
