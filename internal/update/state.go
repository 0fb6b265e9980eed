package update

import (
	"time"

	"github.com/italolelis/resilient_updater/internal/download"
	"github.com/italolelis/resilient_updater/internal/download/progress"
)

// State is the coordinator's position in the update cycle.
type State string

const (
	StateIdle                State = "idle"
	StateChecking            State = "checking"
	StateNoUpdate            State = "no_update"
	StateUpdateAvailable     State = "update_available"
	StateDownloadingPrimary  State = "downloading_primary"
	StateDownloadingFallback State = "downloading_fallback"
	StateExtracting          State = "extracting"
	StateDownloaded          State = "downloaded"
	StateInstalling          State = "installing"
	StateFailed              State = "failed"
)

// Status is a snapshot of the coordinator.
type Status struct {
	State          State     `json:"state"`
	CurrentVersion string    `json:"current_version"`
	Manifest       *Manifest `json:"manifest,omitempty"`
	FallbackUsed   bool      `json:"fallback_used"`
	InstallerPath  string    `json:"installer_path,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastCheck      time.Time `json:"last_check,omitempty"`
	Busy           bool      `json:"busy"`
	// Attempt is the running download attempt, set only while a channel is downloading.
	Attempt *AttemptStatus `json:"attempt,omitempty"`
}

// AttemptStatus is a snapshot of one download attempt.
type AttemptStatus struct {
	Number    int                      `json:"number"`
	Channel   download.Channel         `json:"channel"`
	Phase     download.Phase           `json:"phase"`
	URL       string                   `json:"url"`
	StartedAt time.Time                `json:"started_at"`
	Progress  progress.Progress        `json:"progress"`
	Outcome   *download.Classification `json:"outcome,omitempty"`
}

func attemptStatus(a *download.Attempt) *AttemptStatus {
	if a == nil {
		return nil
	}

	return &AttemptStatus{
		Number:    a.Number,
		Channel:   a.Channel,
		Phase:     a.Phase(),
		URL:       a.URL(),
		StartedAt: a.StartedAt,
		Progress:  a.Progress(),
		Outcome:   a.Outcome(),
	}
}
