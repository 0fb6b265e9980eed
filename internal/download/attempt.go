package download

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/resilient_updater/internal/download/progress"
)

// Channel names the source of an artifact.
type Channel string

const (
	ChannelPrimary  Channel = "primary"
	ChannelFallback Channel = "fallback"
)

// Phase is the lifecycle position of an Attempt.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseConnecting Phase = "connecting"
	PhaseReceiving  Phase = "receiving"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
)

var phaseTransitions = map[Phase][]Phase{
	PhasePending:    {PhaseConnecting, PhaseFailed},
	PhaseConnecting: {PhaseConnecting, PhaseReceiving, PhaseFailed},
	PhaseReceiving:  {PhaseSucceeded, PhaseFailed},
}

// Attempt is one iteration of the retry loop. It owns the progress counters of the transfer
// it performs and is never persisted.
type Attempt struct {
	Number    int
	Channel   Channel
	StartedAt time.Time

	transferred atomic.Int64
	total       atomic.Int64

	mu      sync.Mutex
	phase   Phase
	url     string
	outcome *Classification
}

func newAttempt(number int, channel Channel, url string) *Attempt {
	return &Attempt{
		Number:    number,
		Channel:   channel,
		StartedAt: time.Now(),
		phase:     PhasePending,
		url:       url,
	}
}

// Phase returns the current phase.
func (a *Attempt) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.phase
}

// URL returns the URL being fetched, which changes when a redirect is followed.
func (a *Attempt) URL() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.url
}

// Outcome returns the failure classification, or nil unless the attempt failed.
func (a *Attempt) Outcome() *Classification {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.outcome
}

func (a *Attempt) BytesTransferred() int64 {
	return a.transferred.Load()
}

func (a *Attempt) TotalBytes() int64 {
	return a.total.Load()
}

// Progress returns the transfer snapshot.
func (a *Attempt) Progress() progress.Progress {
	return progress.Of(a.BytesTransferred(), a.TotalBytes())
}

// transition moves to next and reports whether the move was legal. Illegal moves are ignored.
func (a *Attempt) transition(next Phase) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, allowed := range phaseTransitions[a.phase] {
		if allowed == next {
			a.phase = next
			return true
		}
	}

	return false
}

func (a *Attempt) connect(url string) {
	a.mu.Lock()
	a.url = url
	a.mu.Unlock()

	a.transferred.Store(0)
	a.total.Store(0)
	a.transition(PhaseConnecting)
}

func (a *Attempt) fail(c Classification) {
	a.mu.Lock()
	a.outcome = &c
	a.mu.Unlock()

	a.transition(PhaseFailed)
}
