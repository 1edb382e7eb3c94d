package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"
)

const (
	defaultFetchTimeout = 10 * time.Second

	// jpegType is the only media type accepted from a camera.
	jpegType = "image/jpeg"

	// OfflineETag is the fingerprint of the placeholder image cameras serve
	// while they are offline.
	OfflineETag = "3098b5594c26b8f0fd53420ad094f2df"
)

// Unavailability classes. Every Result.Err wraps exactly one of these.
var (
	// ErrTransport covers dial failures, timeouts and truncated bodies.
	ErrTransport = errors.New("transport error")

	// ErrProtocol is the parent class of ErrStatus and ErrContentType. It is
	// returned on its own for a 200 response with an empty body.
	ErrProtocol = errors.New("protocol error")

	// ErrStatus is returned for any status other than 200 OK.
	ErrStatus = fmt.Errorf("%w: unexpected status", ErrProtocol)

	// ErrContentType is returned when the response is not a JPEG.
	ErrContentType = fmt.Errorf("%w: unexpected content type", ErrProtocol)

	// ErrOffline is returned when the camera serves its offline placeholder.
	ErrOffline = errors.New("camera offline")

	// ErrHeaderParse is returned for a missing ETag or a malformed date header.
	ErrHeaderParse = errors.New("header parse error")
)

// Result is the outcome of one fetch. A non-nil Err marks the camera as
// unavailable for this attempt; all other fields are then zero except
// CameraID, URL and FetchedAt.
type Result struct {
	CameraID  int
	URL       string
	FetchedAt time.Time

	Body []byte

	// ETag is the content fingerprint with surrounding quotes stripped.
	ETag string

	Date         time.Time
	LastModified time.Time
	Expires      time.Time

	Err error
}

// OK reports whether the fetch produced a usable image.
func (r *Result) OK() bool { return r.Err == nil }

// Options configures a Client.
type Options struct {
	Timeout            time.Duration
	UserAgent          string
	InsecureSkipVerify bool
}

// Client performs validated camera fetches. It is safe for concurrent use.
type Client struct {
	http *http.Client
	now  func() time.Time
}

// New returns a Client with its own HTTP transport built from opts.
func New(opts Options) *Client {
	return NewWithHTTPClient(buildHTTPClient(opts))
}

// NewWithHTTPClient returns a Client that issues requests through hc.
func NewWithHTTPClient(hc *http.Client) *Client {
	return &Client{http: hc, now: time.Now}
}

// userAgentRoundTripper sets the User-Agent header on every outgoing request.
type userAgentRoundTripper struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

// buildHTTPClient constructs an http.Client for the given options.
func buildHTTPClient(opts Options) *http.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	return &http.Client{
		Transport: &userAgentRoundTripper{base: base, userAgent: opts.UserAgent},
		Timeout:   timeout,
	}
}

// Fetch performs one GET against url and classifies the response. Failures
// are logged here and returned in Result.Err; Fetch never returns them any
// other way.
func (c *Client) Fetch(ctx context.Context, id int, url string) *Result {
	res := &Result{CameraID: id, URL: url, FetchedAt: c.now()}

	err := c.fetch(ctx, res)
	if err == nil {
		slog.Debug("fetcher: fetched", "camera", id, "etag", res.ETag, "expires", res.Expires)
		return res
	}

	*res = Result{CameraID: id, URL: url, FetchedAt: res.FetchedAt, Err: err}
	switch {
	case errors.Is(err, ErrContentType):
		slog.Warn("fetcher: non-jpeg response", "camera", id, "url", url, "err", err)
	case errors.Is(err, ErrHeaderParse):
		slog.Error("fetcher: malformed response headers", "camera", id, "url", url, "err", err)
	default:
		slog.Info("fetcher: camera unavailable", "camera", id, "url", url, "err", err)
	}
	return res
}

func (c *Client) fetch(ctx context.Context, res *Result) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: http get: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w %d", ErrStatus, resp.StatusCode)
	}
	if err := checkContentType(resp.Header.Get("Content-Type")); err != nil {
		return err
	}

	etag, err := parseETag(resp.Header)
	if err != nil {
		return err
	}
	if etag == OfflineETag {
		return ErrOffline
	}

	res.ETag = etag
	if res.Date, err = parseDate(resp.Header, "Date"); err != nil {
		return err
	}
	if res.LastModified, err = parseDate(resp.Header, "Last-Modified"); err != nil {
		return err
	}
	if res.Expires, err = parseDate(resp.Header, "Expires"); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", ErrProtocol)
	}
	res.Body = body
	return nil
}

func checkContentType(v string) error {
	mt, _, err := mime.ParseMediaType(v)
	if err != nil || mt != jpegType {
		return fmt.Errorf("%w %q", ErrContentType, v)
	}
	return nil
}

// parseETag returns the ETag header value with a weak prefix and surrounding
// quotes removed.
func parseETag(h http.Header) (string, error) {
	raw := strings.TrimSpace(h.Get("ETag"))
	if raw == "" {
		return "", fmt.Errorf("%w: missing ETag", ErrHeaderParse)
	}
	raw = strings.TrimPrefix(raw, "W/")
	etag := strings.Trim(raw, `"`)
	if etag == "" {
		return "", fmt.Errorf("%w: empty ETag %q", ErrHeaderParse, raw)
	}
	return etag, nil
}

func parseDate(h http.Header, key string) (time.Time, error) {
	v := h.Get(key)
	if v == "" {
		return time.Time{}, fmt.Errorf("%w: missing %s", ErrHeaderParse, key)
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s %q: %v", ErrHeaderParse, key, v, err)
	}
	return t.UTC(), nil
}
