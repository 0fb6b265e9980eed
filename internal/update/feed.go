package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-version"
)

const maxFeedSize = 1 << 20

// NetworkError is a release feed query that could not be completed.
type NetworkError struct {
	URL        string
	StatusCode int
	Hint       string
	Err        error
}

func (e *NetworkError) Error() string {
	msg := "failed to query release feed " + e.URL
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// FeedResponse is the release feed document.
type FeedResponse struct {
	Version      string `json:"version"`
	ReleaseDate  string `json:"releaseDate"`
	ReleaseNotes string `json:"releaseNotes"`
	Available    *bool  `json:"available"`
}

// FeedClient queries the release feed and compares the published version to the running one.
type FeedClient struct {
	client    *http.Client
	url       string
	current   *version.Version
	userAgent string
}

func NewFeedClient(client *http.Client, feedURL, currentVersion, userAgent string) (*FeedClient, error) {
	current, err := version.NewVersion(currentVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid current version %q: %w", currentVersion, err)
	}

	return &FeedClient{client: client, url: feedURL, current: current, userAgent: userAgent}, nil
}

// Current returns the running version.
func (c *FeedClient) Current() string {
	return c.current.Original()
}

// Fetch returns the feed document and whether it announces an update for the running version.
// An update is available unless the feed says otherwise and the published version is newer.
func (c *FeedClient) Fetch(ctx context.Context) (*FeedResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, false, &NetworkError{URL: c.url, Hint: "check FEED_URL", Err: err}
	}

	req.Header.Set("Accept", "application/json")

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, false, &NetworkError{URL: c.url, Hint: feedHint(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, &NetworkError{URL: c.url, StatusCode: resp.StatusCode, Hint: "the release feed is unavailable, try again later"}
	}

	var feed FeedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFeedSize)).Decode(&feed); err != nil {
		return nil, false, &NetworkError{URL: c.url, Hint: "the release feed returned an unexpected document, a proxy may be rewriting it", Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	latest, err := version.NewVersion(strings.TrimSpace(feed.Version))
	if err != nil {
		return nil, false, &NetworkError{URL: c.url, Hint: "the release feed returned an invalid version", Err: fmt.Errorf("invalid feed version %q: %w", feed.Version, err)}
	}

	feed.Version = latest.Original()

	available := latest.GreaterThan(c.current)
	if feed.Available != nil && !*feed.Available {
		available = false
	}

	return &feed, available, nil
}

func feedHint(err error) string {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "certificate"), strings.Contains(msg, "x509"):
		return "set EXTRA_CA_CERTS to your organization's root CA bundle"
	case strings.Contains(msg, "proxy"):
		return "check the HTTPS_PROXY / HTTP_PROXY environment variables and proxy credentials"
	default:
		return "check your network connection and the HTTPS_PROXY / HTTP_PROXY environment variables"
	}
}
