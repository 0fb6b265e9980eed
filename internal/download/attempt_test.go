package download

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttemptPhases(t *testing.T) {
	a := newAttempt(1, ChannelPrimary, "https://a/x.exe")
	assert.Equal(t, PhasePending, a.Phase())

	assert.False(t, a.transition(PhaseReceiving))

	a.connect("https://a/x.exe")
	assert.Equal(t, PhaseConnecting, a.Phase())

	a.connect("https://cdn/x.exe")
	assert.Equal(t, PhaseConnecting, a.Phase())
	assert.Equal(t, "https://cdn/x.exe", a.URL())

	assert.True(t, a.transition(PhaseReceiving))
	a.total.Store(200)
	a.transferred.Add(50)
	assert.InDelta(t, 25.0, a.Progress().Percent, 0.001)

	assert.True(t, a.transition(PhaseSucceeded))
	assert.False(t, a.transition(PhaseFailed))
	assert.Nil(t, a.Outcome())
}

func TestAttemptFail(t *testing.T) {
	a := newAttempt(2, ChannelFallback, "https://a/x.zip")
	a.connect("https://a/x.zip")
	a.fail(Classification{Kind: KindTransient})

	assert.Equal(t, PhaseFailed, a.Phase())
	assert.Equal(t, KindTransient, a.Outcome().Kind)
}
