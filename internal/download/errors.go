package download

import (
	"errors"
	"fmt"
	"time"
)

// Remediation hints attached to surfaced failures.
const (
	HintProxy     = "check the HTTPS_PROXY / HTTP_PROXY (and NO_PROXY) environment variables"
	HintProxyAuth = "the proxy requires authentication: set PROXY_USERNAME and PROXY_PASSWORD"
	HintCA        = "set EXTRA_CA_CERTS to the path of your organization's root CA bundle"
	HintDisk      = "check free disk space and write permissions of DOWNLOAD_DIR"
	HintURL       = "check the configured artifact URL templates"
	HintBlocked   = "the download was blocked, possibly by a network gateway; ask your administrator to allow the update host"
)

// ErrTooManyRedirects is returned when an attempt exceeds the redirect hop limit.
var ErrTooManyRedirects = errors.New("too many redirects")

// StatusError is a non-2xx response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d from %s", e.Code, e.URL)
}

// TimeoutError is an attempt that received no data for the configured per-attempt timeout.
type TimeoutError struct {
	URL   string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no data received from %s for %s", e.URL, e.After)
}

// Timeout lets TimeoutError satisfy net.Error-style checks.
func (e *TimeoutError) Timeout() bool {
	return true
}

// BlockPageError is an HTML page served in place of a binary artifact, typically by a
// filtering gateway.
type BlockPageError struct {
	URL         string
	ContentType string
}

func (e *BlockPageError) Error() string {
	return fmt.Sprintf("received %s instead of the artifact from %s", e.ContentType, e.URL)
}

// WriteError is a failure writing the artifact to disk.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// BlockedError is surfaced when the channel refused to serve the artifact. It is not retried
// on the same channel.
type BlockedError struct {
	URL    string
	Reason string
	Err    error
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("download from %s blocked: %s", e.URL, e.Reason)
}

func (e *BlockedError) Unwrap() error {
	return e.Err
}

// Hint returns the remediation hint.
func (e *BlockedError) Hint() string {
	return HintBlocked
}

// FatalError aborts a download without retrying.
type FatalError struct {
	URL    string
	Reason string
	Hint   string
	Err    error
}

func (e *FatalError) Error() string {
	msg := e.Reason
	if e.URL != "" {
		msg = fmt.Sprintf("%s (%s)", e.Reason, e.URL)
	}

	if e.Hint != "" {
		msg += ": " + e.Hint
	}

	return msg
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned when every attempt failed with a retryable classification.
type ExhaustedError struct {
	URL      string
	Attempts int
	Last     Classification
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("download of %s failed after %d attempts (last failure: %s): %v", e.URL, e.Attempts, e.Last.Kind, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Hint returns the remediation hint for the last failure.
func (e *ExhaustedError) Hint() string {
	return e.Last.Hint
}

// HintOf returns the remediation hint carried by err, if any.
func HintOf(err error) string {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return fatal.Hint
	}

	var hinted interface{ Hint() string }
	if errors.As(err, &hinted) {
		return hinted.Hint()
	}

	return ""
}
