package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/panopticon/panopticon/server/internal/config"
	"github.com/panopticon/panopticon/server/internal/fetcher"
	"github.com/panopticon/panopticon/server/internal/hub"
	"github.com/panopticon/panopticon/server/internal/probe"
	"github.com/panopticon/panopticon/server/internal/stats"
	"github.com/panopticon/panopticon/server/internal/store"
)

// Fetcher performs one validated camera fetch. *fetcher.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, id int, url string) *fetcher.Result
}

// Options holds the scheduler timings. Zero values fall back to the config
// package defaults.
type Options struct {
	Resolution        int
	PollInterval      time.Duration
	Cooldown          time.Duration
	ExpiringThreshold time.Duration
	ProbeConcurrency  int
}

func (o Options) withDefaults() Options {
	if o.Resolution <= 0 {
		o.Resolution = config.DefaultResolution
	}
	if o.PollInterval <= 0 {
		o.PollInterval = config.DefaultPollInterval
	}
	if o.Cooldown <= 0 {
		o.Cooldown = config.DefaultCooldown
	}
	if o.ExpiringThreshold <= 0 {
		o.ExpiringThreshold = config.DefaultExpiringThreshold
	}
	if o.ProbeConcurrency <= 0 {
		o.ProbeConcurrency = config.DefaultProbeConcurrency
	}
	return o
}

// Scheduler is the only writer of the record store, the hub and the stats
// registry. It is not safe to call Run or RunCycle concurrently.
type Scheduler struct {
	fetch Fetcher
	store *store.Store
	hub   *hub.Hub
	stats *stats.Registry
	opts  Options

	// injectable for deterministic tests
	now     func() time.Time
	shuffle func([]int)
	sleep   func(context.Context, time.Duration) error
	height  func([]byte) (int, error)
}

// New returns a Scheduler wired to its collaborators.
func New(f Fetcher, st *store.Store, h *hub.Hub, reg *stats.Registry, opts Options) *Scheduler {
	return &Scheduler{
		fetch:   f,
		store:   st,
		hub:     h,
		stats:   reg,
		opts:    opts.withDefaults(),
		now:     time.Now,
		shuffle: shuffleIDs,
		sleep:   sleepCtx,
		height:  probe.Height,
	}
}

// Probe fetches every camera once and admits into the store only those whose
// image height equals the configured resolution. Cameras that fail or do not
// match are excluded for the lifetime of the process. It returns the number
// of admitted cameras.
func (s *Scheduler) Probe(ctx context.Context, cams []config.Camera) int {
	type outcome struct {
		cam    config.Camera
		res    *fetcher.Result
		height int
	}

	results := make([]outcome, len(cams))
	sem := make(chan struct{}, s.opts.ProbeConcurrency)
	var wg sync.WaitGroup

	for i, cam := range cams {
		wg.Add(1)
		go func(i int, cam config.Camera) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			res := s.fetch.Fetch(ctx, cam.ID, cam.URL)
			o := outcome{cam: cam, res: res}
			if res.OK() {
				h, err := s.height(res.Body)
				if err != nil {
					slog.Warn("scheduler: cannot decode probe image", "camera", cam.ID, "url", cam.URL, "err", err)
				}
				o.height = h
			}
			results[i] = o
		}(i, cam)
	}
	wg.Wait()

	admitted := 0
	for _, o := range results {
		if o.res == nil {
			continue // cancelled before fetching
		}
		if !o.res.OK() {
			continue
		}
		if o.height != s.opts.Resolution {
			slog.Debug("scheduler: camera excluded", "camera", o.cam.ID, "height", o.height, "want", s.opts.Resolution)
			continue
		}
		// Only admitted cameras get a stats entry; excluded ones are never
		// fetched again.
		s.stats.Observe(o.cam.ID, true)
		s.store.Put(recordFrom(o.res))
		admitted++
	}

	slog.Info("scheduler: probe complete", "cameras", len(cams), "admitted", admitted, "resolution", s.opts.Resolution)
	return admitted
}

// Run repeats RunCycle followed by the cooldown until ctx is done. It only
// returns ctx's error.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler: started", "cameras", s.store.Len(),
		"poll_interval", s.opts.PollInterval, "cooldown", s.opts.Cooldown,
		"expiring_threshold", s.opts.ExpiringThreshold)
	for {
		if err := s.RunCycle(ctx); err != nil {
			return err
		}
		if err := s.sleep(ctx, s.opts.Cooldown); err != nil {
			return err
		}
	}
}

// RunCycle performs one classify, revalidate, refresh pass. The buckets are
// computed once at the top of the cycle. A non-nil error is always ctx.Err().
func (s *Scheduler) RunCycle(ctx context.Context) error {
	expired, expiring := s.classify(s.now())
	slog.Debug("scheduler: cycle", "expiring", expiring, "expired", expired)

	if len(expiring) > 0 {
		if err := s.revalidate(ctx, expiring); err != nil {
			return err
		}
	}
	s.refreshExpired(ctx, expired)
	return ctx.Err()
}

// classify splits the stored cameras into the EXPIRED (delta < 0) and
// EXPIRING (0 <= delta < threshold) buckets.
func (s *Scheduler) classify(now time.Time) (expired, expiring []int) {
	for _, rec := range s.store.List() {
		delta := rec.Delta(now)
		switch {
		case delta < 0:
			expired = append(expired, rec.ID)
		case delta < s.opts.ExpiringThreshold:
			expiring = append(expiring, rec.ID)
		}
	}
	return expired, expiring
}

// revalidate polls the expiring bucket until one camera's ETag changes. The
// first confirmed change is published and ends the phase.
func (s *Scheduler) revalidate(ctx context.Context, ids []int) error {
	for {
		if err := s.sleep(ctx, s.opts.PollInterval); err != nil {
			return err
		}
		s.shuffle(ids)

		for _, id := range ids {
			cur, ok := s.store.Get(id)
			if !ok {
				continue
			}
			res := s.fetchOne(ctx, id, cur.URL)
			if !res.OK() {
				continue
			}

			s.store.Put(recordFrom(res))
			if res.ETag == cur.ETag {
				continue
			}

			v := s.hub.Publish(res.Body, id)
			s.stats.Hit(id, res.FetchedAt)
			slog.Info("scheduler: etag changed", "camera", id, "url", cur.URL,
				"version", v, "after_expiry", -cur.Delta(res.FetchedAt).Seconds())
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// refreshExpired fetches each expired camera once. Success replaces the
// record without publishing; failure leaves the stale record in place.
func (s *Scheduler) refreshExpired(ctx context.Context, ids []int) {
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		cur, ok := s.store.Get(id)
		if !ok {
			continue
		}
		res := s.fetchOne(ctx, id, cur.URL)
		if !res.OK() {
			continue
		}
		s.store.Put(recordFrom(res))
	}
}

func (s *Scheduler) fetchOne(ctx context.Context, id int, url string) *fetcher.Result {
	res := s.fetch.Fetch(ctx, id, url)
	if ctx.Err() == nil {
		s.stats.Observe(id, res.OK())
	}
	return res
}

func recordFrom(res *fetcher.Result) store.Record {
	return store.Record{
		ID:           res.CameraID,
		URL:          res.URL,
		ETag:         res.ETag,
		IssuedAt:     res.Date,
		LastModified: res.LastModified,
		ExpiresAt:    res.Expires,
	}
}

func shuffleIDs(ids []int) {
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
