package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/italolelis/resilient_updater/internal/update"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifier(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{WebhookURL: srv.URL, Client: srv.Client()}
	require.NoError(t, n.Notify(context.Background(), "hello"))
	assert.Equal(t, "hello", got["content"])
}

func TestWebhookNotifierErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := (&WebhookNotifier{WebhookURL: srv.URL}).Notify(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	err = (&WebhookNotifier{}).Notify(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoWebhook)
}

func TestMessageFor(t *testing.T) {
	tests := []struct {
		name   string
		ev     update.Event
		want   string
		wantOK bool
	}{
		{
			name:   "downloaded",
			ev:     update.Event{Type: update.EventDownloaded, Version: "2.3.0"},
			want:   "Scribe 2.3.0 downloaded and ready to install",
			wantOK: true,
		},
		{
			name:   "downloaded via fallback",
			ev:     update.Event{Type: update.EventDownloaded, Version: "2.3.0", FallbackUsed: true},
			want:   "Scribe 2.3.0 downloaded and ready to install (via the compressed release archive)",
			wantOK: true,
		},
		{
			name:   "fallback entered",
			ev:     update.Event{Type: update.EventFallbackEntered, Version: "2.3.0", Message: "primary download blocked"},
			want:   "Scribe 2.3.0: primary download blocked",
			wantOK: true,
		},
		{
			name:   "check error",
			ev:     update.Event{Type: update.EventError, Message: "feed unreachable"},
			want:   "Scribe update failed: feed unreachable",
			wantOK: true,
		},
		{
			name:   "download error",
			ev:     update.Event{Type: update.EventError, Version: "2.3.0", Message: "exhausted"},
			want:   "Scribe 2.3.0 update failed: exhausted",
			wantOK: true,
		},
		{
			name: "progress is not sent",
			ev:   update.Event{Type: update.EventDownloadProgress},
		},
		{
			name: "checking is not sent",
			ev:   update.Event{Type: update.EventChecking},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MessageFor("Scribe", tt.ev)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
