// Package metrics renders the scheduler, hub and stats state in the
// Prometheus text exposition format.
package metrics

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/panopticon/panopticon/server/internal/hub"
	"github.com/panopticon/panopticon/server/internal/stats"
	"github.com/panopticon/panopticon/server/internal/store"
)

const namespace = "panopticon"

// Collector builds metric families from live state on every scrape.
type Collector struct {
	store *store.Store
	hub   *hub.Hub
	stats *stats.Registry
	now   func() time.Time
}

// New returns a Collector reading from the given components.
func New(st *store.Store, h *hub.Hub, reg *stats.Registry) *Collector {
	return &Collector{store: st, hub: h, stats: reg, now: time.Now}
}

// Gather returns all non-empty metric families sorted by name.
func (c *Collector) Gather() []*dto.MetricFamily {
	now := c.now()
	frame := c.hub.Current()

	hits := family("camera_hits_total", "Times a camera's image became the broadcast frame.", dto.MetricType_COUNTER)
	fetches := family("camera_fetches_total", "Upstream fetches per camera.", dto.MetricType_COUNTER)
	failures := family("camera_fetch_failures_total", "Upstream fetches that returned no usable image.", dto.MetricType_COUNTER)
	uptime := family("camera_uptime_percent", "Successful fetches over the last 20 attempts.", dto.MetricType_GAUGE)
	for _, e := range c.stats.Snapshot() {
		l := cameraLabel(e.ID)
		hits.Metric = append(hits.Metric, counter(float64(e.Hits), l))
		fetches.Metric = append(fetches.Metric, counter(float64(e.Fetches), l))
		failures.Metric = append(failures.Metric, counter(float64(e.Failures), l))
		uptime.Metric = append(uptime.Metric, gauge(e.UptimePct, l))
	}

	expiresIn := family("camera_expires_in_seconds", "Seconds until the camera's freshness window ends; negative when stale.", dto.MetricType_GAUGE)
	records := c.store.List()
	for _, rec := range records {
		expiresIn.Metric = append(expiresIn.Metric, gauge(rec.Delta(now).Seconds(), cameraLabel(rec.ID)))
	}

	monitored := family("cameras_monitored", "Cameras admitted by the startup probe.", dto.MetricType_GAUGE)
	monitored.Metric = append(monitored.Metric, gauge(float64(len(records))))

	version := family("broadcast_version", "Version of the current broadcast frame.", dto.MetricType_GAUGE)
	version.Metric = append(version.Metric, gauge(float64(frame.Version)))

	frameBytes := family("broadcast_frame_bytes", "Size of the current broadcast frame.", dto.MetricType_GAUGE)
	frameBytes.Metric = append(frameBytes.Metric, gauge(float64(len(frame.Data))))

	viewers := family("viewers", "Open hub subscriptions.", dto.MetricType_GAUGE)
	viewers.Metric = append(viewers.Metric, gauge(float64(c.hub.Subscribers())))

	var out []*dto.MetricFamily
	for _, mf := range []*dto.MetricFamily{hits, fetches, failures, uptime, expiresIn, monitored, version, frameBytes, viewers} {
		// The text encoder rejects families without samples.
		if len(mf.Metric) > 0 {
			out = append(out, mf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out
}

// ServeHTTP writes the text exposition.
func (c *Collector) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))

	enc := expfmt.NewEncoder(w, format)
	for _, mf := range c.Gather() {
		if err := enc.Encode(mf); err != nil {
			slog.Warn("metrics: encode failed", "family", mf.GetName(), "err", err)
			return
		}
	}
}

func family(name, help string, typ dto.MetricType) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: ptr(namespace + "_" + name),
		Help: ptr(help),
		Type: typ.Enum(),
	}
}

func cameraLabel(id int) *dto.LabelPair {
	return &dto.LabelPair{Name: ptr("camera"), Value: ptr(strconv.Itoa(id))}
}

func counter(v float64, labels ...*dto.LabelPair) *dto.Metric {
	return &dto.Metric{Label: labels, Counter: &dto.Counter{Value: ptr(v)}}
}

func gauge(v float64, labels ...*dto.LabelPair) *dto.Metric {
	return &dto.Metric{Label: labels, Gauge: &dto.Gauge{Value: ptr(v)}}
}

func ptr[T any](v T) *T { return &v }
