package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/panopticon/panopticon/server/internal/api"
	"github.com/panopticon/panopticon/server/internal/config"
	"github.com/panopticon/panopticon/server/internal/hub"
	"github.com/panopticon/panopticon/server/internal/stats"
	"github.com/panopticon/panopticon/server/internal/store"
)

// --- test helpers -----------------------------------------------------------

type env struct {
	store *store.Store
	hub   *hub.Hub
	stats *stats.Registry
	h     *api.Handler
}

var catalog = map[int]config.Camera{
	7: {ID: 7, URL: "http://cams.example/7.jpg", Location: "Congress Ave / 6th St"},
	9: {ID: 9, URL: "http://cams.example/9.jpg"},
}

func newEnv(placeholder []byte) *env {
	e := &env{store: store.New(), hub: hub.New(placeholder), stats: stats.New()}
	e.h = api.New(e.store, e.hub, e.stats, catalog, 5*time.Second)
	return e
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

// --- / ----------------------------------------------------------------------

func TestIndex(t *testing.T) {
	rr := get(t, newEnv(nil).h, "/")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `src="/mjpeg"`) {
		t.Error("landing page does not embed /mjpeg")
	}
}

func TestIndex_UnknownPath(t *testing.T) {
	rr := get(t, newEnv(nil).h, "/nope")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newEnv(nil).h
	for _, path := range []string{"/", "/info", "/stats", "/frame.jpg", "/camera", "/healthz"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: got %d, want 405", path, rr.Code)
		}
	}
}

// --- /mjpeg -----------------------------------------------------------------

func TestMJPEG_StreamsFrames(t *testing.T) {
	e := newEnv([]byte("placeholder"))
	srv := httptest.NewServer(e.h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/mjpeg", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /mjpeg: %v", err)
	}
	defer resp.Body.Close()

	mt, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mt != "multipart/x-mixed-replace" || params["boundary"] != "frame" {
		t.Fatalf("Content-Type: got %q", resp.Header.Get("Content-Type"))
	}

	// Parts are framed by Content-Length so each one can be read as soon as
	// it is flushed, without waiting for the next boundary.
	br := bufio.NewReader(resp.Body)
	readPart := func() []byte {
		t.Helper()
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				t.Fatalf("read boundary: %v", err)
			}
			if strings.TrimSpace(line) == "--"+params["boundary"] {
				break
			}
		}
		hdr, err := textproto.NewReader(br).ReadMIMEHeader()
		if err != nil {
			t.Fatalf("read part header: %v", err)
		}
		if ct := hdr.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("part Content-Type: got %q", ct)
		}
		n, err := strconv.Atoi(hdr.Get("Content-Length"))
		if err != nil {
			t.Fatalf("part Content-Length %q: %v", hdr.Get("Content-Length"), err)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(br, b); err != nil {
			t.Fatalf("read part: %v", err)
		}
		return b
	}

	if got := readPart(); string(got) != "placeholder" {
		t.Errorf("first part: got %q, want placeholder", got)
	}

	e.hub.Publish([]byte("FRAME-1"), 7)
	if got := readPart(); string(got) != "FRAME-1" {
		t.Errorf("second part: got %q, want FRAME-1", got)
	}

	e.hub.Publish([]byte("FRAME-2"), 9)
	if got := readPart(); string(got) != "FRAME-2" {
		t.Errorf("third part: got %q, want FRAME-2", got)
	}
}

func TestMJPEG_DisconnectReleasesSubscription(t *testing.T) {
	e := newEnv([]byte("p"))
	srv := httptest.NewServer(e.h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/mjpeg", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /mjpeg: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for e.hub.Subscribers() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	resp.Body.Close()

	deadline = time.Now().Add(2 * time.Second)
	for e.hub.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not released: %d subscribers", e.hub.Subscribers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMJPEG_HeadReturnsHeadersOnly(t *testing.T) {
	e := newEnv([]byte("p"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodHead, "/mjpeg", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		e.h.ServeHTTP(rr, req)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		cancel()
		<-done
		t.Fatal("HEAD /mjpeg kept streaming")
	}

	if rr.Code != http.StatusOK {
		t.Errorf("status: got %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "multipart/x-mixed-replace;boundary=frame" {
		t.Errorf("content type: got %q", ct)
	}
	if rr.Body.Len() != 0 {
		t.Errorf("body: got %d bytes, want none", rr.Body.Len())
	}
	if n := e.hub.Subscribers(); n != 0 {
		t.Errorf("subscribers: got %d, want 0", n)
	}
}

// --- /frame.jpg -------------------------------------------------------------

func TestFrame_NoFrame(t *testing.T) {
	rr := get(t, newEnv(nil).h, "/frame.jpg")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", rr.Code)
	}
}

func TestFrame_Current(t *testing.T) {
	e := newEnv(nil)
	e.hub.Publish([]byte("JPEG"), 7)

	rr := get(t, e.h, "/frame.jpg")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if !bytes.Equal(rr.Body.Bytes(), []byte("JPEG")) {
		t.Errorf("body: got %q", rr.Body.Bytes())
	}
	if rr.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("Content-Type: got %q", rr.Header().Get("Content-Type"))
	}
	if rr.Header().Get("X-Camera-Id") != "7" || rr.Header().Get("X-Frame-Version") != "1" {
		t.Errorf("frame headers: camera %q version %q", rr.Header().Get("X-Camera-Id"), rr.Header().Get("X-Frame-Version"))
	}
}

// --- /info ------------------------------------------------------------------

func TestInfo(t *testing.T) {
	e := newEnv(nil)
	now := time.Now()
	e.store.Put(store.Record{ID: 9, URL: catalog[9].URL, ETag: "b", ExpiresAt: now.Add(-30 * time.Second)})
	e.store.Put(store.Record{ID: 7, URL: catalog[7].URL, ETag: "a", ExpiresAt: now.Add(time.Hour)})

	rr := get(t, e.h, "/info")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var out []api.RecordResponse
	decode(t, rr, &out)

	if len(out) != 2 || out[0].ID != 7 || out[1].ID != 9 {
		t.Fatalf("records: got %+v", out)
	}
	if out[0].Location != catalog[7].Location || out[0].ETag != "a" || out[0].Stale {
		t.Errorf("record 7: got %+v", out[0])
	}
	if !out[1].Stale || out[1].ExpiresIn >= 0 {
		t.Errorf("record 9 should be stale: %+v", out[1])
	}
	if len(out[1].Diagnostics) == 0 || out[1].Diagnostics[0].Key != "stale" {
		t.Errorf("record 9 diagnostics: got %+v", out[1].Diagnostics)
	}
	if len(out[0].Diagnostics) != 1 || out[0].Diagnostics[0].Key != "fresh" {
		t.Errorf("record 7 diagnostics: got %+v", out[0].Diagnostics)
	}
}

func TestInfo_Empty(t *testing.T) {
	rr := get(t, newEnv(nil).h, "/info")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("body: got %q, want []", rr.Body.String())
	}
}

// --- /stats -----------------------------------------------------------------

func TestStats(t *testing.T) {
	e := newEnv(nil)
	e.stats.Hit(7, time.Now())
	e.stats.Hit(7, time.Now())
	e.stats.Observe(9, false)
	e.hub.Publish([]byte("x"), 7)

	rr := get(t, e.h, "/stats")
	var resp api.StatsResponse
	decode(t, rr, &resp)

	if resp.TotalHits != 2 || resp.Version != 1 {
		t.Errorf("totals: got %+v", resp)
	}
	if len(resp.Cameras) != 2 {
		t.Fatalf("cameras: got %d, want 2", len(resp.Cameras))
	}
	c7 := resp.Cameras[0]
	if c7.ID != 7 || c7.Hits != 2 || c7.LastChange == nil || c7.Location == "" {
		t.Errorf("camera 7: got %+v", c7)
	}
	c9 := resp.Cameras[1]
	if c9.ID != 9 || c9.Failures != 1 || c9.LastChange != nil {
		t.Errorf("camera 9: got %+v", c9)
	}
}

// --- /camera and /location --------------------------------------------------

func TestCamera_NothingOnAir(t *testing.T) {
	e := newEnv([]byte("placeholder"))
	for _, path := range []string{"/camera", "/location"} {
		if rr := get(t, e.h, path); rr.Code != http.StatusNotFound {
			t.Errorf("%s: got %d, want 404", path, rr.Code)
		}
	}
}

func TestCamera_Redirect(t *testing.T) {
	e := newEnv(nil)
	e.store.Put(store.Record{ID: 7, URL: "http://cams.example/7.jpg?fresh"})
	e.hub.Publish([]byte("x"), 7)

	rr := get(t, e.h, "/camera")
	if rr.Code != http.StatusFound {
		t.Fatalf("status: got %d, want 302", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "http://cams.example/7.jpg?fresh" {
		t.Errorf("Location: got %q", loc)
	}
}

func TestLocation_Redirect(t *testing.T) {
	e := newEnv(nil)
	e.hub.Publish([]byte("x"), 7)

	rr := get(t, e.h, "/location")
	if rr.Code != http.StatusFound {
		t.Fatalf("status: got %d, want 302", rr.Code)
	}
	loc := rr.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://www.google.com/maps/search/") || !strings.Contains(loc, "Congress+Ave") {
		t.Errorf("Location: got %q", loc)
	}
}

func TestLocation_NoLocation(t *testing.T) {
	e := newEnv(nil)
	e.hub.Publish([]byte("x"), 9)
	if rr := get(t, e.h, "/location"); rr.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rr.Code)
	}
}

// --- /healthz and mounts ----------------------------------------------------

func TestHealth(t *testing.T) {
	e := newEnv(nil)
	e.store.Put(store.Record{ID: 7})
	e.hub.Publish([]byte("x"), 7)

	var resp api.HealthResponse
	decode(t, get(t, e.h, "/healthz"), &resp)
	if resp.Status != "ok" || resp.Cameras != 1 || resp.Version != 1 {
		t.Errorf("health: got %+v", resp)
	}
}

func TestHandle_Mounts(t *testing.T) {
	e := newEnv(nil)
	e.h.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("mounted")) //nolint:errcheck
	}))
	if rr := get(t, e.h, "/metrics"); rr.Body.String() != "mounted" {
		t.Errorf("/metrics: got %q", rr.Body.String())
	}
}
