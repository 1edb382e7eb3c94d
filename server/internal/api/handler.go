package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/panopticon/panopticon/server/internal/config"
	"github.com/panopticon/panopticon/server/internal/hub"
	"github.com/panopticon/panopticon/server/internal/stats"
	"github.com/panopticon/panopticon/server/internal/store"
)

const (
	// mjpegBoundary separates parts of the /mjpeg stream.
	mjpegBoundary = "frame"

	// mapsSearchURL is the target of /location redirects.
	mapsSearchURL = "https://www.google.com/maps/search/?api=1&query="
)

const landingPage = `<!DOCTYPE html>
<html>
<head><title>panopticon</title></head>
<body style="margin:0;background:#000">
<a href="/camera"><img src="/mjpeg" style="width:100%" alt="live traffic camera"/></a>
<p><a href="/location">where is this?</a> &middot; <a href="/info">info</a> &middot; <a href="/stats">stats</a></p>
</body>
</html>
`

// Handler serves the viewer-facing HTTP endpoints.
type Handler struct {
	store   *store.Store
	hub     *hub.Hub
	stats   *stats.Registry
	cameras map[int]config.Camera

	// threshold feeds the "expiring" hint in /info.
	threshold time.Duration

	mux *http.ServeMux
	now func() time.Time
}

// New creates a Handler and registers all routes. cameras is the catalog
// used for location lookups.
func New(st *store.Store, h *hub.Hub, reg *stats.Registry, cameras map[int]config.Camera, threshold time.Duration) *Handler {
	if threshold <= 0 {
		threshold = config.DefaultExpiringThreshold
	}
	hd := &Handler{
		store:     st,
		hub:       h,
		stats:     reg,
		cameras:   cameras,
		threshold: threshold,
		mux:       http.NewServeMux(),
		now:       time.Now,
	}

	hd.mux.HandleFunc("/", hd.index)
	hd.mux.HandleFunc("/mjpeg", hd.mjpeg)
	hd.mux.HandleFunc("/frame.jpg", hd.frame)
	hd.mux.HandleFunc("/info", hd.info)
	hd.mux.HandleFunc("/stats", hd.statsDump)
	hd.mux.HandleFunc("/camera", hd.camera)
	hd.mux.HandleFunc("/location", hd.location)
	hd.mux.HandleFunc("/healthz", hd.health)

	return hd
}

// Handle mounts an additional handler, such as /metrics or /ws.
func (h *Handler) Handle(pattern string, handler http.Handler) {
	h.mux.Handle(pattern, handler)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// index returns GET /: the landing page.
func (h *Handler) index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		jsonErr(w, http.StatusNotFound, "not found")
		return
	}
	if !allowGet(w, r) {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(landingPage)) //nolint:errcheck
}

// mjpeg returns GET /mjpeg: a multipart/x-mixed-replace stream with one
// JPEG part per broadcast frame. Blocks until the client goes away.
func (h *Handler) mjpeg(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(mjpegBoundary); err != nil {
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace;boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-store")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	sub := h.hub.Subscribe()
	defer sub.Close()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	slog.Debug("api: mjpeg viewer connected", "subscription", sub.ID(), "remote", r.RemoteAddr)
	for {
		f, err := sub.Next(r.Context())
		if err != nil {
			if !errors.Is(err, hub.ErrClosed) {
				slog.Debug("api: mjpeg viewer gone", "subscription", sub.ID(), "err", err)
			}
			return
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(f.Data))},
		})
		if err != nil {
			return
		}
		if _, err := part.Write(f.Data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// frame returns GET /frame.jpg: the current broadcast frame.
func (h *Handler) frame(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	f := h.hub.Current()
	if f.Empty() {
		jsonErr(w, http.StatusServiceUnavailable, "no frame yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Version", strconv.FormatUint(f.Version, 10))
	w.Header().Set("X-Camera-Id", strconv.Itoa(f.SourceID))
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Write(f.Data) //nolint:errcheck
}

// info returns GET /info: the freshness record of every monitored camera.
func (h *Handler) info(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	now := h.now()
	records := h.store.List()
	out := make([]RecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, RecordResponse{
			ID:           rec.ID,
			URL:          rec.URL,
			Location:     h.cameras[rec.ID].Location,
			ETag:         rec.ETag,
			IssuedAt:     rec.IssuedAt,
			LastModified: rec.LastModified,
			ExpiresAt:    rec.ExpiresAt,
			ExpiresIn:    rec.Delta(now).Seconds(),
			Stale:        rec.Stale(now),
			Diagnostics:  computeDiagnostics(rec, h.stats.Get(rec.ID), h.threshold, now),
		})
	}
	jsonResp(w, http.StatusOK, out)
}

// statsDump returns GET /stats: per-camera counters.
func (h *Handler) statsDump(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	entries := h.stats.Snapshot()
	resp := StatsResponse{
		TotalHits: h.stats.TotalHits(),
		Version:   h.hub.Current().Version,
		Viewers:   h.hub.Subscribers(),
		Cameras:   make([]StatsEntry, 0, len(entries)),
	}
	for _, e := range entries {
		se := StatsEntry{
			ID:        e.ID,
			Location:  h.cameras[e.ID].Location,
			Hits:      e.Hits,
			Fetches:   e.Fetches,
			Failures:  e.Failures,
			UptimePct: e.UptimePct,
		}
		if !e.LastChange.IsZero() {
			lc := e.LastChange.UTC()
			se.LastChange = &lc
		}
		resp.Cameras = append(resp.Cameras, se)
	}
	jsonResp(w, http.StatusOK, resp)
}

// camera returns GET /camera: a redirect to the upstream URL of the camera
// behind the current frame.
func (h *Handler) camera(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	cam, ok := h.currentCamera()
	if !ok || cam.URL == "" {
		jsonErr(w, http.StatusNotFound, "no camera on air")
		return
	}
	http.Redirect(w, r, cam.URL, http.StatusFound)
}

// location returns GET /location: a redirect to a map search for the
// location of the camera behind the current frame.
func (h *Handler) location(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	cam, ok := h.currentCamera()
	if !ok || cam.Location == "" {
		jsonErr(w, http.StatusNotFound, "no location for current camera")
		return
	}
	http.Redirect(w, r, mapsSearchURL+url.QueryEscape(cam.Location), http.StatusFound)
}

// health returns GET /healthz.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	jsonResp(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Cameras: h.store.Len(),
		Version: h.hub.Current().Version,
		Viewers: h.hub.Subscribers(),
	})
}

// --- helpers ----------------------------------------------------------------

// currentCamera resolves the camera behind the current frame. The store's
// URL wins over the catalog's since it is what was actually fetched.
func (h *Handler) currentCamera() (config.Camera, bool) {
	f := h.hub.Current()
	if f.Version == 0 {
		return config.Camera{}, false
	}
	cam, ok := h.cameras[f.SourceID]
	if rec, found := h.store.Get(f.SourceID); found {
		cam.ID = rec.ID
		cam.URL = rec.URL
		ok = true
	}
	return cam, ok
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
