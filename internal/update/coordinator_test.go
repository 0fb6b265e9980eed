package update

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/resilient_updater/internal/download"
	"github.com/italolelis/resilient_updater/internal/download/progress"
	"github.com/italolelis/resilient_updater/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	resp      *FeedResponse
	available bool
	err       error
}

func (f *fakeFeed) Fetch(context.Context) (*FeedResponse, bool, error) {
	return f.resp, f.available, f.err
}

func (f *fakeFeed) Current() string {
	return "1.0.0"
}

type fakeDownloader struct {
	mu       sync.Mutex
	requests []download.Request
	handle   func(req download.Request) (*download.Result, error)
}

func (f *fakeDownloader) Download(_ context.Context, req download.Request) (*download.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	return f.handle(req)
}

func (f *fakeDownloader) channels() []download.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []download.Channel
	for _, r := range f.requests {
		out = append(out, r.Channel)
	}

	return out
}

type fakeInstaller struct {
	opened   []string
	launched []string
	args     []string
	err      error
}

func (f *fakeInstaller) Open(path string) error {
	f.opened = append(f.opened, path)
	return f.err
}

func (f *fakeInstaller) Launch(path string, args []string) error {
	f.launched = append(f.launched, path)
	f.args = args

	return f.err
}

type fakeHistory struct {
	checks []storage.CheckRecord
	cycles []storage.CycleRecord
}

func (f *fakeHistory) RecordCheck(_ context.Context, rec storage.CheckRecord) error {
	f.checks = append(f.checks, rec)
	return nil
}

func (f *fakeHistory) RecordCycle(_ context.Context, rec storage.CycleRecord) error {
	f.cycles = append(f.cycles, rec)
	return nil
}

type harness struct {
	coord      *Coordinator
	feed       *fakeFeed
	downloader *fakeDownloader
	installer  *fakeInstaller
	history    *fakeHistory
	dir        string
	quits      int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		feed: &fakeFeed{
			resp:      &FeedResponse{Version: "2.3.0", ReleaseDate: "2024-05-01", ReleaseNotes: "fixes"},
			available: true,
		},
		downloader: &fakeDownloader{handle: writeArtifact("installer")},
		installer:  &fakeInstaller{},
		history:    &fakeHistory{},
		dir:        t.TempDir(),
	}

	h.coord = NewCoordinator(Config{
		Product:               "Scribe",
		PrimaryURLTemplate:    "https://updates.example.com/releases/{version}/{product}-Setup-{version}.exe",
		FallbackURLTemplate:   "https://github.com/scribe-app/{product}/releases/download/v{version}/{product}-Setup-{version}-Compressed.zip",
		InstallerPathTemplate: "{product}-Setup-{version}.exe",
		InstallerArgs:         []string{"--updated"},
		DownloadDir:           h.dir,
	}, h.feed, h.downloader, h.installer, h.history, nil, func() { h.quits++ })

	return h
}

// drain returns every event queued so far.
func (h *harness) drain() []Event {
	var out []Event

	for {
		select {
		case ev := <-h.coord.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

// types returns the event types, leaving out progress events.
func types(events []Event) []EventType {
	var out []EventType

	for _, ev := range events {
		if ev.Type != EventDownloadProgress {
			out = append(out, ev.Type)
		}
	}

	return out
}

func writeArtifact(content string) func(req download.Request) (*download.Result, error) {
	return func(req download.Request) (*download.Result, error) {
		if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
			return nil, err
		}

		if err := os.WriteFile(req.Dest, []byte(content), 0o600); err != nil {
			return nil, err
		}

		if req.OnProgress != nil {
			req.OnProgress(progress.Of(int64(len(content)), int64(len(content))))
		}

		return &download.Result{Path: req.Dest, URL: req.URL, Bytes: int64(len(content)), Attempts: 1}, nil
	}
}

// byChannel routes primary and fallback requests to separate handlers.
func byChannel(primary, fallback func(req download.Request) (*download.Result, error)) func(req download.Request) (*download.Result, error) {
	return func(req download.Request) (*download.Result, error) {
		if req.Channel == download.ChannelFallback {
			return fallback(req)
		}

		return primary(req)
	}
}

func fail(err error) func(req download.Request) (*download.Result, error) {
	return func(download.Request) (*download.Result, error) {
		return nil, err
	}
}

func fallbackArchive(t *testing.T, entries map[string]string) func(req download.Request) (*download.Result, error) {
	return func(req download.Request) (*download.Result, error) {
		writeZip(t, req.Dest, entries)
		return &download.Result{Path: req.Dest, URL: req.URL, Attempts: 1}, nil
	}
}

func TestCheckForUpdateAvailable(t *testing.T) {
	h := newHarness(t)

	m, err := h.coord.CheckForUpdate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.Equal(t, "2.3.0", m.Version)
	assert.Equal(t, "2024-05-01", m.ReleaseDate)
	assert.Equal(t, "fixes", m.ReleaseNotes)
	assert.Contains(t, m.PrimaryURL(), "2.3.0")
	assert.Contains(t, m.FallbackURL(), "Setup-2.3.0-Compressed.zip")

	st := h.coord.Status()
	assert.Equal(t, StateUpdateAvailable, st.State)
	assert.Equal(t, "1.0.0", st.CurrentVersion)
	assert.False(t, st.Busy)
	assert.False(t, st.LastCheck.IsZero())

	events := h.drain()
	assert.Equal(t, []EventType{EventChecking, EventAvailable}, types(events))
	assert.Equal(t, "fixes", events[1].ReleaseNotes)
	assert.NotEmpty(t, events[0].CycleID)
	assert.Equal(t, events[0].CycleID, events[1].CycleID)

	require.Len(t, h.history.checks, 1)
	assert.True(t, h.history.checks[0].Available)
	assert.Equal(t, "2.3.0", h.history.checks[0].LatestVersion)
}

func TestCheckForUpdateNotAvailable(t *testing.T) {
	h := newHarness(t)
	h.feed.available = false

	m, err := h.coord.CheckForUpdate(context.Background())
	require.NoError(t, err)
	assert.Nil(t, m)

	assert.Equal(t, StateNoUpdate, h.coord.Status().State)
	assert.Equal(t, []EventType{EventChecking, EventNotAvailable}, types(h.drain()))

	_, err = h.coord.Download(context.Background())
	assert.ErrorIs(t, err, ErrNoManifest)
}

func TestCheckForUpdateNetworkError(t *testing.T) {
	h := newHarness(t)
	h.feed.err = &NetworkError{URL: "https://updates.example.com/latest.json", StatusCode: 502, Hint: "try again later"}

	m, err := h.coord.CheckForUpdate(context.Background())
	assert.Nil(t, m)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)

	st := h.coord.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.NotEmpty(t, st.LastError)

	events := h.drain()
	assert.Equal(t, []EventType{EventChecking, EventError}, types(events))
	assert.Contains(t, events[1].Message, "try again later")

	require.Len(t, h.history.checks, 1)
	assert.NotEmpty(t, h.history.checks[0].Error)
}

func TestDownloadPrimary(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.CheckForUpdate(context.Background())
	require.NoError(t, err)
	h.drain()

	res, err := h.coord.Download(context.Background())
	require.NoError(t, err)

	assert.False(t, res.FallbackUsed)
	assert.Equal(t, filepath.Join(h.dir, "2.3.0", "Scribe-Setup-2.3.0.exe"), res.InstallerPath)
	assert.FileExists(t, res.InstallerPath)
	assert.Equal(t, []download.Channel{download.ChannelPrimary}, h.downloader.channels())

	req := h.downloader.requests[0]
	assert.True(t, req.Binary)
	assert.Equal(t, "https://updates.example.com/releases/2.3.0/Scribe-Setup-2.3.0.exe", req.URL)

	st := h.coord.Status()
	assert.Equal(t, StateDownloaded, st.State)
	assert.False(t, st.FallbackUsed)

	events := h.drain()
	assert.Equal(t, []EventType{EventStatus, EventDownloaded}, types(events))

	var sawProgress bool
	for _, ev := range events {
		if ev.Type == EventDownloadProgress {
			sawProgress = true
			assert.InDelta(t, 100.0, ev.Progress.Percent, 0.001)
		}
	}
	assert.True(t, sawProgress)

	require.Len(t, h.history.cycles, 1)
	assert.Equal(t, storage.OutcomeDownloaded, h.history.cycles[0].Outcome)
	assert.Equal(t, "primary", h.history.cycles[0].Channel)
}

func TestDownloadFallsBackOnce(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "blocked",
			err:  &download.BlockedError{URL: "https://updates.example.com", Reason: "HTTP 403", Err: errors.New("forbidden")},
		},
		{
			name: "exhausted",
			err:  &download.ExhaustedError{URL: "https://updates.example.com", Attempts: 5, Err: errors.New("timeout")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.downloader.handle = byChannel(fail(tt.err), fallbackArchive(t, map[string]string{
				"Scribe-Setup-2.3.0.exe": "installer",
			}))

			_, err := h.coord.CheckForUpdate(context.Background())
			require.NoError(t, err)
			h.drain()

			res, err := h.coord.Download(context.Background())
			require.NoError(t, err)

			assert.True(t, res.FallbackUsed)
			assert.Equal(t, []download.Channel{download.ChannelPrimary, download.ChannelFallback}, h.downloader.channels())
			assert.Equal(t, "https://github.com/scribe-app/Scribe/releases/download/v2.3.0/Scribe-Setup-2.3.0-Compressed.zip", h.downloader.requests[1].URL)

			data, err := os.ReadFile(res.InstallerPath)
			require.NoError(t, err)
			assert.Equal(t, "installer", string(data))
			assert.NoFileExists(t, filepath.Join(h.dir, "2.3.0", "Scribe-Setup-2.3.0-Compressed.zip"))

			st := h.coord.Status()
			assert.Equal(t, StateDownloaded, st.State)
			assert.True(t, st.FallbackUsed)

			events := h.drain()
			assert.Equal(t, []EventType{EventStatus, EventFallbackEntered, EventExtracting, EventDownloaded}, types(events))
			assert.True(t, events[len(events)-1].FallbackUsed)

			require.Len(t, h.history.cycles, 1)
			assert.True(t, h.history.cycles[0].FallbackUsed)
			assert.Equal(t, "fallback", h.history.cycles[0].Channel)
		})
	}
}

func TestDownloadFallbackFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.downloader.handle = byChannel(
		fail(&download.BlockedError{URL: "https://updates.example.com", Reason: "HTTP 403", Err: errors.New("forbidden")}),
		fail(&download.ExhaustedError{URL: "https://github.com", Attempts: 5, Err: errors.New("connection reset")}),
	)

	_, err := h.coord.CheckForUpdate(context.Background())
	require.NoError(t, err)
	h.drain()

	_, err = h.coord.Download(context.Background())

	var exhausted *download.ExhaustedError
	require.ErrorAs(t, err, &exhausted)

	assert.Equal(t, []download.Channel{download.ChannelPrimary, download.ChannelFallback}, h.downloader.channels())

	st := h.coord.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.True(t, st.FallbackUsed)
	assert.NotEmpty(t, st.LastError)

	assert.Equal(t, []EventType{EventStatus, EventFallbackEntered, EventError}, types(h.drain()))

	require.Len(t, h.history.cycles, 1)
	assert.Equal(t, storage.OutcomeFailed, h.history.cycles[0].Outcome)
}

func TestDownloadFatalPrimarySkipsFallback(t *testing.T) {
	h := newHarness(t)
	h.downloader.handle = fail(&download.FatalError{URL: "https://updates.example.com", Reason: "proxy authentication required", Hint: download.HintProxyAuth})

	_, err := h.coord.CheckForUpdate(context.Background())
	require.NoError(t, err)
	h.drain()

	_, err = h.coord.Download(context.Background())
	require.Error(t, err)

	assert.Equal(t, []download.Channel{download.ChannelPrimary}, h.downloader.channels())
	assert.Equal(t, StateFailed, h.coord.Status().State)

	events := h.drain()
	assert.Equal(t, []EventType{EventStatus, EventError}, types(events))
	assert.Contains(t, events[len(events)-1].Message, download.HintProxyAuth)
}

func TestDownloadFallbackArchiveWithoutInstaller(t *testing.T) {
	h := newHarness(t)
	h.downloader.handle = byChannel(
		fail(&download.BlockedError{URL: "https://updates.example.com", Reason: "HTTP 403", Err: errors.New("forbidden")}),
		fallbackArchive(t, map[string]string{"README.txt": "nothing here"}),
	)

	_, err := h.coord.CheckForUpdate(context.Background())
	require.NoError(t, err)

	_, err = h.coord.Download(context.Background())
	require.ErrorIs(t, err, ErrInstallerMissing)
	assert.Equal(t, StateFailed, h.coord.Status().State)

	matches, err := filepath.Glob(filepath.Join(h.dir, "extract-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestOperationsAreExclusive(t *testing.T) {
	h := newHarness(t)

	started := make(chan struct{})
	release := make(chan struct{})
	h.downloader.handle = func(req download.Request) (*download.Result, error) {
		close(started)
		<-release

		return writeArtifact("installer")(req)
	}

	_, err := h.coord.CheckForUpdate(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.coord.Download(context.Background())
		done <- err
	}()

	<-started

	assert.True(t, h.coord.Status().Busy)

	_, err = h.coord.CheckForUpdate(context.Background())
	assert.ErrorIs(t, err, ErrInProgress)

	_, err = h.coord.Download(context.Background())
	assert.ErrorIs(t, err, ErrInProgress)

	assert.ErrorIs(t, h.coord.Install(context.Background()), ErrInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, h.coord.Status().Busy)
}

func TestStartDownloadReservesBeforeReturning(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.coord.StartDownload(context.Background(), nil), ErrNoManifest)
	assert.False(t, h.coord.Status().Busy)

	release := make(chan struct{})
	h.downloader.handle = func(req download.Request) (*download.Result, error) {
		<-release

		return writeArtifact("installer")(req)
	}

	_, err := h.coord.CheckForUpdate(context.Background())
	require.NoError(t, err)

	type outcome struct {
		res *Result
		err error
	}

	done := make(chan outcome, 1)
	require.NoError(t, h.coord.StartDownload(context.Background(), func(res *Result, err error) {
		done <- outcome{res, err}
	}))

	assert.True(t, h.coord.Status().Busy)
	assert.ErrorIs(t, h.coord.StartDownload(context.Background(), nil), ErrInProgress)

	_, err = h.coord.Download(context.Background())
	assert.ErrorIs(t, err, ErrInProgress)

	close(release)

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, "2.3.0", got.res.Version)

	assert.Eventually(t, func() bool { return !h.coord.Status().Busy }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDownloaded, h.coord.Status().State)
	assert.Len(t, h.downloader.channels(), 1)
}

func TestInstall(t *testing.T) {
	t.Run("primary installer is launched", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.coord.CheckForUpdate(context.Background())
		require.NoError(t, err)

		res, err := h.coord.Download(context.Background())
		require.NoError(t, err)

		require.NoError(t, h.coord.Install(context.Background()))

		assert.Equal(t, []string{res.InstallerPath}, h.installer.launched)
		assert.Equal(t, []string{"--updated"}, h.installer.args)
		assert.Empty(t, h.installer.opened)
		assert.Equal(t, 1, h.quits)
		assert.Equal(t, StateIdle, h.coord.Status().State)

		last := h.history.cycles[len(h.history.cycles)-1]
		assert.Equal(t, storage.OutcomeInstalled, last.Outcome)
	})

	t.Run("fallback installer is opened", func(t *testing.T) {
		h := newHarness(t)
		h.downloader.handle = byChannel(
			fail(&download.BlockedError{URL: "https://updates.example.com", Reason: "HTTP 403", Err: errors.New("forbidden")}),
			fallbackArchive(t, map[string]string{"Scribe-Setup-2.3.0.exe": "installer"}),
		)

		_, err := h.coord.CheckForUpdate(context.Background())
		require.NoError(t, err)

		res, err := h.coord.Download(context.Background())
		require.NoError(t, err)

		require.NoError(t, h.coord.Install(context.Background()))

		assert.Equal(t, []string{res.InstallerPath}, h.installer.opened)
		assert.Empty(t, h.installer.launched)
		assert.Equal(t, 1, h.quits)
	})

	t.Run("nothing downloaded", func(t *testing.T) {
		h := newHarness(t)

		assert.ErrorIs(t, h.coord.Install(context.Background()), ErrNotDownloaded)
		assert.Zero(t, h.quits)
	})

	t.Run("installer fails to start", func(t *testing.T) {
		h := newHarness(t)
		h.installer.err = errors.New("permission denied")

		_, err := h.coord.CheckForUpdate(context.Background())
		require.NoError(t, err)

		_, err = h.coord.Download(context.Background())
		require.NoError(t, err)
		h.drain()

		require.Error(t, h.coord.Install(context.Background()))

		assert.Zero(t, h.quits)
		assert.Equal(t, StateDownloaded, h.coord.Status().State)
		assert.Equal(t, []EventType{EventStatus, EventError}, types(h.drain()))
	})
}

func TestCloseWaitsForRunningOperation(t *testing.T) {
	h := newHarness(t)

	started := make(chan struct{})
	release := make(chan struct{})
	h.downloader.handle = func(req download.Request) (*download.Result, error) {
		close(started)
		<-release

		return writeArtifact("installer")(req)
	}

	_, err := h.coord.CheckForUpdate(context.Background())
	require.NoError(t, err)

	go func() {
		_, _ = h.coord.Download(context.Background())
	}()

	<-started

	closed := make(chan struct{})
	go func() {
		h.coord.Close()
		close(closed)
	}()

	var events []Event
	drained := make(chan struct{})
	go func() {
		for ev := range h.coord.Events() {
			events = append(events, ev)
		}
		close(drained)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a download was running")
	default:
	}

	close(release)
	<-closed
	<-drained

	assert.Equal(t, EventDownloaded, events[len(events)-1].Type)

	_, err = h.coord.CheckForUpdate(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	h.coord.Close()
}
