package api

import "time"

// RecordResponse is one camera entry in GET /info.
type RecordResponse struct {
	ID           int              `json:"id"`
	URL          string           `json:"url"`
	Location     string           `json:"location,omitempty"`
	ETag         string           `json:"etag"`
	IssuedAt     time.Time        `json:"issued_at"`
	LastModified time.Time        `json:"last_modified"`
	ExpiresAt    time.Time        `json:"expires_at"`
	ExpiresIn    float64          `json:"expires_in_s"`
	Stale        bool             `json:"stale"`
	Diagnostics  []DiagnosticHint `json:"diagnostics"`
}

// StatsEntry is one camera entry in GET /stats.
type StatsEntry struct {
	ID         int        `json:"id"`
	Location   string     `json:"location,omitempty"`
	Hits       uint64     `json:"hits"`
	Fetches    uint64     `json:"fetches"`
	Failures   uint64     `json:"failures"`
	UptimePct  float64    `json:"uptime_pct"`
	LastChange *time.Time `json:"last_change,omitempty"`
}

// StatsResponse is the payload for GET /stats.
type StatsResponse struct {
	TotalHits uint64       `json:"total_hits"`
	Version   uint64       `json:"version"`
	Viewers   int          `json:"viewers"`
	Cameras   []StatsEntry `json:"cameras"`
}

// HealthResponse is the payload for GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Cameras int    `json:"cameras"`
	Version uint64 `json:"version"`
	Viewers int    `json:"viewers"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
