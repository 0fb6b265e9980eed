// Package update runs the update cycle: it checks the release feed, downloads the new version
// from the primary channel, falls back once to the compressed release asset when the primary
// channel is blocked or exhausted, extracts it and hands the installer to the OS.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/resilient_updater/internal/download"
	"github.com/italolelis/resilient_updater/internal/download/progress"
	"github.com/italolelis/resilient_updater/internal/logctx"
	"github.com/italolelis/resilient_updater/internal/storage"
	"github.com/italolelis/resilient_updater/internal/telemetry"
)

const defaultEventBuffer = 64

var (
	// ErrInProgress is returned when a check, download or install is already running.
	ErrInProgress = errors.New("an update operation is already in progress")
	// ErrNoManifest is returned by Download before a successful check found an update.
	ErrNoManifest = errors.New("no update manifest loaded, check for updates first")
	// ErrNotDownloaded is returned by Install before a download completed.
	ErrNotDownloaded = errors.New("no downloaded update to install")
	// ErrClosed is returned once the coordinator has been closed.
	ErrClosed = errors.New("update coordinator is closed")
)

// Downloader fetches one artifact.
type Downloader interface {
	Download(ctx context.Context, req download.Request) (*download.Result, error)
}

// Feed queries the release feed.
type Feed interface {
	Fetch(ctx context.Context) (*FeedResponse, bool, error)
	Current() string
}

// Config holds the coordinator's release layout.
type Config struct {
	Product               string
	PrimaryURLTemplate    string
	FallbackURLTemplate   string
	InstallerPathTemplate string
	InstallerArgs         []string
	DownloadDir           string
	EventBuffer           int
}

// Result is a completed download cycle.
type Result struct {
	Version       string
	InstallerPath string
	FallbackUsed  bool
}

type Coordinator struct {
	cfg        Config
	feed       Feed
	downloader Downloader
	installer  Installer
	history    storage.HistoryWriteRepository
	telemetry  *telemetry.Telemetry
	quit       func()
	events     chan Event
	closeOnce  sync.Once
	running    sync.WaitGroup

	mu            sync.Mutex
	closed        bool
	busy          bool
	state         State
	manifest      *Manifest
	fallbackUsed  bool
	installerPath string
	extractedDir  string
	attempt       *download.Attempt
	lastErr       string
	lastCheck     time.Time
}

// NewCoordinator creates a coordinator. history and tel may be nil. quit is called after the
// installer has been handed off.
func NewCoordinator(
	cfg Config,
	feed Feed,
	downloader Downloader,
	installer Installer,
	history storage.HistoryWriteRepository,
	tel *telemetry.Telemetry,
	quit func(),
) *Coordinator {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	if installer == nil {
		installer = OSInstaller{}
	}

	return &Coordinator{
		cfg:        cfg,
		feed:       feed,
		downloader: downloader,
		installer:  installer,
		history:    history,
		telemetry:  tel,
		quit:       quit,
		events:     make(chan Event, cfg.EventBuffer),
		state:      StateIdle,
	}
}

// Events returns the notification stream. It must be drained: only progress events are
// dropped when the buffer is full.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Close rejects new operations, waits for the running one and closes the event stream.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.running.Wait()
		close(c.events)
	})
}

// Status returns a snapshot of the coordinator.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		State:          c.state,
		CurrentVersion: c.feed.Current(),
		Manifest:       c.manifest,
		FallbackUsed:   c.fallbackUsed,
		InstallerPath:  c.installerPath,
		LastError:      c.lastErr,
		LastCheck:      c.lastCheck,
		Busy:           c.busy,
		Attempt:        attemptStatus(c.attempt),
	}
}

func (c *Coordinator) trackAttempt(a *download.Attempt) {
	c.mu.Lock()
	c.attempt = a
	c.mu.Unlock()
}

// CheckForUpdate queries the release feed. It returns the manifest when a newer version is
// available and nil when not. Feed failures are returned as *NetworkError and are not retried.
func (c *Coordinator) CheckForUpdate(ctx context.Context) (*Manifest, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.end()

	ctx, logger := c.cycleContext(ctx)

	c.setState(StateChecking)
	c.emit(ctx, Event{Type: EventChecking})

	var (
		feed      *FeedResponse
		available bool
	)

	err := c.telemetry.InstrumentCheck(ctx, func(ctx context.Context) error {
		var err error
		feed, available, err = c.feed.Fetch(ctx)

		return err
	})

	rec := storage.CheckRecord{CheckedAt: time.Now()}

	if err != nil {
		logger.Error("failed to check for update", "err", err)

		rec.Error = err.Error()
		c.recordCheck(ctx, rec)
		c.telemetry.RecordUpdateCheck("error")

		c.mu.Lock()
		c.state, c.lastErr, c.lastCheck = StateIdle, err.Error(), rec.CheckedAt
		c.mu.Unlock()

		c.emit(ctx, Event{Type: EventError, Message: messageWithHint(err)})

		return nil, err
	}

	rec.LatestVersion, rec.Available = feed.Version, available
	c.recordCheck(ctx, rec)

	if !available {
		logger.Info("no update available", "latest_version", feed.Version, "current_version", c.feed.Current())
		c.telemetry.RecordUpdateCheck("not_available")

		c.mu.Lock()
		c.state, c.manifest, c.lastErr, c.lastCheck = StateNoUpdate, nil, "", rec.CheckedAt
		c.mu.Unlock()

		c.emit(ctx, Event{Type: EventNotAvailable, Version: feed.Version})

		return nil, nil
	}

	m := &Manifest{
		Version:                     feed.Version,
		ReleaseDate:                 feed.ReleaseDate,
		ReleaseNotes:                feed.ReleaseNotes,
		Product:                     c.cfg.Product,
		PrimaryArtifactURLTemplate:  c.cfg.PrimaryURLTemplate,
		FallbackArtifactURLTemplate: c.cfg.FallbackURLTemplate,
		InstallerPathTemplate:       c.cfg.InstallerPathTemplate,
	}

	logger.Info("update available", "version", m.Version, "current_version", c.feed.Current())
	c.telemetry.RecordUpdateCheck("available")

	c.mu.Lock()
	c.state, c.manifest, c.lastErr, c.lastCheck = StateUpdateAvailable, m, "", rec.CheckedAt
	c.fallbackUsed, c.installerPath = false, ""
	c.mu.Unlock()

	c.emit(ctx, Event{Type: EventAvailable, Version: m.Version, ReleaseDate: m.ReleaseDate, ReleaseNotes: m.ReleaseNotes})

	return m, nil
}

// Download fetches the manifest's version from the primary channel, switching to the fallback
// archive at most once when the primary channel is blocked or exhausted.
func (c *Coordinator) Download(ctx context.Context) (*Result, error) {
	m, err := c.reserveDownload()
	if err != nil {
		return nil, err
	}
	defer c.end()

	return c.download(ctx, m)
}

// StartDownload reserves the coordinator and runs Download in the background, calling done
// with its outcome. It fails immediately with ErrInProgress, ErrNoManifest or ErrClosed.
func (c *Coordinator) StartDownload(ctx context.Context, done func(*Result, error)) error {
	m, err := c.reserveDownload()
	if err != nil {
		return err
	}

	go func() {
		defer c.end()

		res, err := c.download(ctx, m)
		if done != nil {
			done(res, err)
		}
	}()

	return nil
}

func (c *Coordinator) reserveDownload() (*Manifest, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	m := c.manifest
	c.mu.Unlock()

	if m == nil {
		c.end()
		return nil, ErrNoManifest
	}

	return m, nil
}

func (c *Coordinator) download(ctx context.Context, m *Manifest) (*Result, error) {
	ctx, logger := c.cycleContext(ctx)
	logger = logger.With("version", m.Version)

	cycle := storage.CycleRecord{
		ID:        logctx.CycleID(ctx),
		Version:   m.Version,
		Channel:   string(download.ChannelPrimary),
		StartedAt: time.Now(),
	}

	c.mu.Lock()
	c.state, c.fallbackUsed, c.installerPath, c.lastErr = StateDownloadingPrimary, false, "", ""
	c.mu.Unlock()

	c.emit(ctx, Event{Type: EventStatus, Version: m.Version, Message: "downloading update " + m.Version})

	dir := filepath.Join(c.cfg.DownloadDir, m.Version)
	primaryURL := m.PrimaryURL()

	res, err := c.downloader.Download(ctx, download.Request{
		URL:        primaryURL,
		Dest:       filepath.Join(dir, artifactName(primaryURL, m.InstallerPath())),
		Channel:    download.ChannelPrimary,
		Binary:     true,
		OnProgress: c.progressFunc(ctx),
		OnAttempt:  c.trackAttempt,
	})
	if err == nil {
		logger.Info("update downloaded", "channel", download.ChannelPrimary, "path", res.Path)

		return c.downloaded(ctx, m, res.Path, false, cycle), nil
	}

	reason, fallback := fallbackReason(err)
	if !fallback {
		return nil, c.fail(ctx, m, err, cycle)
	}

	return c.downloadFallback(ctx, m, reason, err, cycle)
}

func (c *Coordinator) downloadFallback(ctx context.Context, m *Manifest, reason string, primaryErr error, cycle storage.CycleRecord) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("version", m.Version)

	logger.Warn("primary channel failed, switching to fallback archive", "reason", reason, "err", primaryErr)

	c.mu.Lock()
	c.state, c.fallbackUsed, c.attempt = StateDownloadingFallback, true, nil
	c.mu.Unlock()

	cycle.Channel = string(download.ChannelFallback)
	cycle.FallbackUsed = true

	c.telemetry.RecordChannelFallback(reason)
	c.emit(ctx, Event{
		Type:    EventFallbackEntered,
		Version: m.Version,
		Message: fmt.Sprintf("primary download %s, trying the compressed release archive", reason),
	})

	dir := filepath.Join(c.cfg.DownloadDir, m.Version)
	fallbackURL := m.FallbackURL()
	archive := filepath.Join(dir, artifactName(fallbackURL, m.Product+"-"+m.Version+".zip"))

	if _, err := c.downloader.Download(ctx, download.Request{
		URL:        fallbackURL,
		Dest:       archive,
		Channel:    download.ChannelFallback,
		Binary:     true,
		OnProgress: c.progressFunc(ctx),
		OnAttempt:  c.trackAttempt,
	}); err != nil {
		return nil, c.fail(ctx, m, err, cycle)
	}

	c.mu.Lock()
	c.state, c.attempt = StateExtracting, nil
	c.mu.Unlock()

	c.emit(ctx, Event{Type: EventExtracting, Version: m.Version})

	installer, err := c.extract(ctx, archive, m)
	if err != nil {
		return nil, c.fail(ctx, m, err, cycle)
	}

	logger.Info("update downloaded", "channel", download.ChannelFallback, "path", installer)

	return c.downloaded(ctx, m, installer, true, cycle), nil
}

// extract unpacks the archive into a private directory, verifies the installer and deletes
// the archive.
func (c *Coordinator) extract(ctx context.Context, archive string, m *Manifest) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	dir, err := os.MkdirTemp(c.cfg.DownloadDir, "extract-*")
	if err != nil {
		os.Remove(archive)
		return "", fmt.Errorf("failed to create extraction directory: %w", err)
	}

	if err := extractZip(archive, dir); err != nil {
		os.RemoveAll(dir)
		os.Remove(archive)

		return "", fmt.Errorf("failed to extract %s: %w", filepath.Base(archive), err)
	}

	installer, err := locateInstaller(dir, m.InstallerPath())
	if err != nil {
		os.RemoveAll(dir)
		os.Remove(archive)

		return "", err
	}

	if err := os.Remove(archive); err != nil {
		logger.Warn("failed to delete extracted archive", "path", archive, "err", err)
	}

	c.mu.Lock()
	previous := c.extractedDir
	c.extractedDir = dir
	c.mu.Unlock()

	if previous != "" && previous != dir {
		os.RemoveAll(previous)
	}

	return installer, nil
}

func (c *Coordinator) downloaded(ctx context.Context, m *Manifest, path string, fallbackUsed bool, cycle storage.CycleRecord) *Result {
	c.mu.Lock()
	c.state, c.installerPath, c.fallbackUsed, c.attempt = StateDownloaded, path, fallbackUsed, nil
	c.mu.Unlock()

	cycle.Outcome = storage.OutcomeDownloaded
	cycle.FinishedAt = time.Now()
	c.recordCycle(ctx, cycle)

	c.emit(ctx, Event{Type: EventDownloaded, Version: m.Version, FallbackUsed: fallbackUsed})

	return &Result{Version: m.Version, InstallerPath: path, FallbackUsed: fallbackUsed}
}

func (c *Coordinator) fail(ctx context.Context, m *Manifest, err error, cycle storage.CycleRecord) error {
	logctx.LoggerFromContext(ctx).Error("update download failed", "version", m.Version, "err", err)

	c.mu.Lock()
	c.state, c.lastErr, c.attempt = StateFailed, err.Error(), nil
	c.mu.Unlock()

	cycle.Outcome = storage.OutcomeFailed
	cycle.Error = err.Error()
	cycle.FinishedAt = time.Now()
	c.recordCycle(ctx, cycle)

	c.telemetry.RecordSystemError("coordinator", "download_failed")
	c.emit(ctx, Event{Type: EventError, Version: m.Version, Message: messageWithHint(err)})

	return err
}

// Install hands the downloaded installer to the OS and then calls the quit hook. An installer
// extracted from the fallback archive is opened through the OS file handler; the primary
// installer is launched directly with the configured arguments.
func (c *Coordinator) Install(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	c.mu.Lock()
	state, path, fallbackUsed, m := c.state, c.installerPath, c.fallbackUsed, c.manifest
	c.mu.Unlock()

	if state != StateDownloaded || path == "" {
		return ErrNotDownloaded
	}

	ctx, logger := c.cycleContext(ctx)
	logger = logger.With("path", path, "fallback_used", fallbackUsed)

	c.setState(StateInstalling)
	c.emit(ctx, Event{Type: EventStatus, Version: m.Version, Message: "installing update " + m.Version})

	var err error
	if fallbackUsed {
		err = c.installer.Open(path)
	} else {
		err = c.installer.Launch(path, c.cfg.InstallerArgs)
	}

	if err != nil {
		logger.Error("failed to start installer", "err", err)

		c.mu.Lock()
		c.state, c.lastErr = StateDownloaded, err.Error()
		c.mu.Unlock()

		c.emit(ctx, Event{Type: EventError, Version: m.Version, Message: err.Error()})

		return fmt.Errorf("failed to install update: %w", err)
	}

	logger.Info("installer started")

	c.recordCycle(ctx, storage.CycleRecord{
		ID:           logctx.CycleID(ctx),
		Version:      m.Version,
		Channel:      channelOf(fallbackUsed),
		Outcome:      storage.OutcomeInstalled,
		FallbackUsed: fallbackUsed,
		StartedAt:    time.Now(),
		FinishedAt:   time.Now(),
	})

	c.setState(StateIdle)

	if c.quit != nil {
		c.quit()
	}

	return nil
}

func (c *Coordinator) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return ErrClosed
	case c.busy:
		return ErrInProgress
	}

	c.busy = true
	c.running.Add(1)

	return nil
}

func (c *Coordinator) end() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()

	c.running.Done()
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) cycleContext(ctx context.Context) (context.Context, *slog.Logger) {
	ctx = logctx.WithCycleID(ctx, uuid.NewString())

	return ctx, logctx.LoggerFromContext(ctx)
}

func (c *Coordinator) progressFunc(ctx context.Context) func(progress.Progress) {
	return func(p progress.Progress) {
		c.emit(ctx, Event{Type: EventDownloadProgress, Progress: &p})
	}
}

func (c *Coordinator) recordCheck(ctx context.Context, rec storage.CheckRecord) {
	if c.history == nil {
		return
	}

	if err := c.history.RecordCheck(ctx, rec); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to record update check", "err", err)
	}
}

func (c *Coordinator) recordCycle(ctx context.Context, rec storage.CycleRecord) {
	if c.history == nil {
		return
	}

	if err := c.history.RecordCycle(ctx, rec); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to record update cycle", "err", err)
	}
}

// fallbackReason reports whether a primary channel failure should switch to the fallback.
func fallbackReason(err error) (string, bool) {
	var (
		blocked   *download.BlockedError
		exhausted *download.ExhaustedError
	)

	switch {
	case errors.As(err, &blocked):
		return "blocked", true
	case errors.As(err, &exhausted):
		return "exhausted", true
	default:
		return "", false
	}
}

func channelOf(fallbackUsed bool) string {
	if fallbackUsed {
		return string(download.ChannelFallback)
	}

	return string(download.ChannelPrimary)
}

func messageWithHint(err error) string {
	hint := download.HintOf(err)

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		hint = netErr.Hint
	}

	msg := err.Error()
	if hint == "" || strings.Contains(msg, hint) {
		return msg
	}

	return msg + " (" + hint + ")"
}
