// Package download fetches a single update artifact with a bounded retry loop. Between
// attempts it resets the proxy session and waits for a process-wide concurrency slot. Every
// failure is classified to decide between retrying, falling back to another channel and
// aborting.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/italolelis/resilient_updater/internal/download/progress"
	"github.com/italolelis/resilient_updater/internal/logctx"
	"github.com/italolelis/resilient_updater/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const (
	dirPerm = 0755

	partSuffix = ".part"

	defaultMaxRedirects = 10

	// Progress is reported per percent; with an unknown length, every progressInterval bytes.
	progressInterval = int64(1024 * 1024)
)

// ProxySession is the part of the proxy manager the downloader drives.
type ProxySession interface {
	Reset(ctx context.Context, attempt int) error
	AwaitReset(ctx context.Context) error
	UserAgent() string
}

type requestAuthorizer interface {
	AuthorizeRequest(req *http.Request)
}

// Config tunes the retry loop.
type Config struct {
	MaxAttempts    int
	RetryDelays    []time.Duration
	AttemptTimeout time.Duration
	SettleInterval time.Duration
	MaxRedirects   int
}

// Request describes one artifact fetch.
type Request struct {
	URL     string
	Dest    string
	Channel Channel
	// Binary rejects HTML responses as gateway block pages.
	Binary     bool
	OnProgress func(progress.Progress)
	// OnAttempt, when set, is called with every attempt before it starts.
	OnAttempt func(*Attempt)
}

// Result is a completed download.
type Result struct {
	Path     string
	URL      string
	Bytes    int64
	Attempts int
}

type Downloader struct {
	client    *http.Client
	session   ProxySession
	limiter   *Limiter
	cfg       Config
	telemetry *telemetry.Telemetry
}

// New creates a Downloader. Redirects are followed by the attempt itself, so the client's
// CheckRedirect is overridden on a copy.
func New(client *http.Client, session ProxySession, limiter *Limiter, cfg Config, tel *telemetry.Telemetry) *Downloader {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = len(DefaultRetryDelays)
	}

	if cfg.RetryDelays == nil {
		cfg.RetryDelays = DefaultRetryDelays
	}

	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}

	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}

	c := *client
	c.Timeout = 0
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Downloader{
		client:    &c,
		session:   session,
		limiter:   limiter,
		cfg:       cfg,
		telemetry: tel,
	}
}

// Download fetches req.URL into req.Dest. It returns a *BlockedError when the channel refused
// the artifact, a *FatalError for non-retryable failures and an *ExhaustedError when every
// attempt failed. No partial file is left behind on failure.
func (d *Downloader) Download(ctx context.Context, req Request) (*Result, error) {
	if req.Channel == "" {
		req.Channel = ChannelPrimary
	}

	logger := logctx.LoggerFromContext(ctx).With("channel", req.Channel, "url", req.URL)
	ctx = logctx.WithLogger(ctx, logger)

	var (
		result   *Result
		attempts int
		last     Classification
		lastErr  error
	)

	op := func(ctx context.Context) error {
		attempts++

		if attempts > 1 {
			if err := d.session.Reset(ctx, attempts); err != nil {
				logger.Warn("proxy reset failed, retrying anyway", "attempt", attempts, "err", err)
			}

			if err := sleep(ctx, d.cfg.SettleInterval); err != nil {
				return backoff.Permanent(err)
			}
		}

		if err := d.session.AwaitReset(ctx); err != nil {
			return backoff.Permanent(err)
		}

		if err := d.limiter.Acquire(ctx); err != nil {
			return backoff.Permanent(err)
		}
		defer d.limiter.Release()

		att := newAttempt(attempts, req.Channel, req.URL)
		if req.OnAttempt != nil {
			req.OnAttempt(att)
		}

		res, err := d.runAttempt(ctx, att, req)
		if err == nil {
			result = res
			d.telemetry.RecordDownloadAttempt(string(req.Channel), "success")

			return nil
		}

		last, lastErr = Classify(err), err
		att.fail(last)

		d.telemetry.RecordDownloadAttempt(string(req.Channel), string(last.Kind))
		logger.Warn("download attempt failed",
			"attempt", attempts,
			"max_attempts", d.cfg.MaxAttempts,
			"classification", last.Kind,
			"host", last.Host,
			"err", err)

		if !last.Kind.Retryable() {
			return backoff.Permanent(err)
		}

		return err
	}

	err := d.telemetry.InstrumentDownload(ctx, string(req.Channel), func(ctx context.Context) error {
		policy := backoff.WithContext(
			backoff.WithMaxRetries(NewSchedule(d.cfg.RetryDelays), uint64(d.cfg.MaxAttempts-1)),
			ctx,
		)

		return backoff.Retry(func() error { return op(ctx) }, policy)
	})

	if err == nil {
		logger.Info("download completed",
			"path", result.Path,
			"size", humanize.Bytes(uint64(result.Bytes)),
			"attempts", result.Attempts)

		return result, nil
	}

	removePartial(req.Dest)

	if ctx.Err() != nil {
		return nil, &FatalError{URL: req.URL, Reason: "download cancelled", Err: ctx.Err()}
	}

	if lastErr == nil {
		return nil, &FatalError{URL: req.URL, Reason: "download aborted", Err: err}
	}

	switch last.Kind {
	case KindBlocking:
		return nil, &BlockedError{URL: req.URL, Reason: lastErr.Error(), Err: lastErr}
	case KindFatal:
		var fatal *FatalError
		if errors.As(lastErr, &fatal) {
			return nil, fatal
		}

		return nil, &FatalError{URL: req.URL, Reason: "download failed", Hint: last.Hint, Err: lastErr}
	default:
		return nil, &ExhaustedError{URL: req.URL, Attempts: attempts, Last: last, Err: lastErr}
	}
}

func (d *Downloader) runAttempt(ctx context.Context, att *Attempt, req Request) (*Result, error) {
	ctx, span := d.telemetry.Tracer().Start(ctx, "download_attempt")
	defer span.End()

	span.SetAttributes(
		attribute.String("channel", string(req.Channel)),
		attribute.Int("attempt", att.Number),
	)

	res, err := d.fetch(ctx, att, req, req.URL, 0)
	if err != nil {
		span.SetAttributes(attribute.String("classification", string(Classify(err).Kind)))

		return nil, err
	}

	res.Attempts = att.Number

	return res, nil
}

// fetch performs one GET and follows a redirect by calling itself with the target.
func (d *Downloader) fetch(ctx context.Context, att *Attempt, req Request, rawURL string, hop int) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	if hop > d.cfg.MaxRedirects {
		return nil, fmt.Errorf("failed to fetch %s after %d redirects: %w", req.URL, hop-1, ErrTooManyRedirects)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &FatalError{URL: rawURL, Reason: "malformed artifact URL", Hint: HintURL, Err: err}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &FatalError{URL: rawURL, Reason: fmt.Sprintf("unsupported URL scheme %q", u.Scheme), Hint: HintURL}
	}

	if u.Host == "" {
		return nil, &FatalError{URL: rawURL, Reason: "artifact URL has no host", Hint: HintURL}
	}

	att.connect(rawURL)

	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	timeout := d.cfg.AttemptTimeout
	timer := time.AfterFunc(timeout, func() {
		cancel(&TimeoutError{URL: rawURL, After: timeout})
	})
	defer timer.Stop()

	httpReq, err := http.NewRequestWithContext(actx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FatalError{URL: rawURL, Reason: "failed to build request", Hint: HintURL, Err: err}
	}

	if ua := d.session.UserAgent(); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}

	if a, ok := d.session.(requestAuthorizer); ok {
		a.AuthorizeRequest(httpReq)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, causeOf(actx, err)
	}

	timer.Reset(timeout)

	if isRedirect(resp.StatusCode) {
		loc, err := resp.Location()
		drainAndClose(resp.Body)

		if err != nil {
			return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
		}

		timer.Stop()
		logger.Debug("following redirect", "from", rawURL, "to", loc.String(), "hop", hop+1)

		return d.fetch(ctx, att, req, loc.String(), hop+1)
	}

	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		removePartial(req.Dest)

		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}

	if req.Binary && isHTML(resp.Header.Get("Content-Type")) {
		return nil, &BlockPageError{URL: rawURL, ContentType: resp.Header.Get("Content-Type")}
	}

	n, err := d.writeBody(actx, att, req, resp, timer)
	if err != nil {
		return nil, causeOf(actx, err)
	}

	return &Result{Path: req.Dest, URL: rawURL, Bytes: n}, nil
}

// writeBody streams the response to <dest>.part and renames it on success. Every read resets
// the inactivity timer.
func (d *Downloader) writeBody(ctx context.Context, att *Attempt, req Request, resp *http.Response, timer *time.Timer) (n int64, err error) {
	logger := logctx.LoggerFromContext(ctx)

	part := req.Dest + partSuffix

	if err := os.MkdirAll(filepath.Dir(req.Dest), dirPerm); err != nil {
		return 0, &WriteError{Path: filepath.Dir(req.Dest), Err: err}
	}

	out, err := os.Create(part)
	if err != nil {
		return 0, &WriteError{Path: part, Err: err}
	}

	defer func() {
		if err != nil {
			out.Close()
			os.Remove(part)
		}
	}()

	total := resp.ContentLength
	att.total.Store(total)
	att.transition(PhaseReceiving)

	logger.Info("downloading artifact", "attempt", att.Number, "file_size", humanize.Bytes(uint64(max(total, 0))))

	body := &activityReader{r: resp.Body, onRead: func(n int) {
		timer.Reset(d.cfg.AttemptTimeout)
		att.transferred.Add(int64(n))
		d.telemetry.RecordDownloadBytes(string(req.Channel), int64(n))
	}}

	pr := progress.NewReader(body, total, progressInterval, func(p progress.Progress) {
		if p.Total > 0 {
			logger.Debug("download progress",
				"downloaded", humanize.Bytes(uint64(p.Transferred)),
				"total", humanize.Bytes(uint64(p.Total)),
				"percent", humanize.FtoaWithDigits(p.Percent, 2))
		} else {
			logger.Debug("download progress", "downloaded", humanize.Bytes(uint64(p.Transferred)))
		}

		if req.OnProgress != nil {
			req.OnProgress(p)
		}
	})

	n, err = io.Copy(&fileWriter{w: out, path: part}, pr)
	if err != nil {
		return n, fmt.Errorf("failed to copy artifact body: %w", err)
	}

	if total > 0 && n < total {
		return n, fmt.Errorf("failed to copy artifact body: got %d of %d bytes: %w", n, total, io.ErrUnexpectedEOF)
	}

	if err = out.Close(); err != nil {
		return n, &WriteError{Path: part, Err: err}
	}

	if err = os.Rename(part, req.Dest); err != nil {
		return n, &WriteError{Path: req.Dest, Err: err}
	}

	att.transition(PhaseSucceeded)

	return n, nil
}

// causeOf replaces the cancellation error of an attempt that hit its inactivity timeout with
// the TimeoutError.
func causeOf(ctx context.Context, err error) error {
	var timeout *TimeoutError
	if cause := context.Cause(ctx); errors.As(cause, &timeout) {
		return timeout
	}

	return err
}

type activityReader struct {
	r      io.Reader
	onRead func(n int)
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.onRead(n)
	}

	return n, err
}

type fileWriter struct {
	w    io.Writer
	path string
}

func (f *fileWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, &WriteError{Path: f.path, Err: err}
	}

	return n, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}

	return false
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "text/html")
	}

	return mt == "text/html" || mt == "application/xhtml+xml"
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	body.Close()
}

func removePartial(dest string) {
	if dest == "" {
		return
	}

	_ = os.Remove(dest + partSuffix)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
