package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	for _, tt := range []*Telemetry{tel, nil} {
		assert.NotPanics(t, func() {
			tt.RecordUpdateCheck("available")
			tt.RecordDownloadAttempt("primary", "transient")
			tt.RecordDownload("primary", "success", time.Second)
			tt.RecordDownloadBytes("primary", 10)
			tt.IncrementActiveDownloads()
			tt.DecrementActiveDownloads()
			tt.RecordProxyReset("success")
			tt.RecordChannelFallback("blocked")
			tt.RecordTrustDecision("unknown_authority", true)
			tt.RecordDBOperation("record_check", "success", time.Millisecond)
			tt.RecordSystemError("coordinator", "download_failed")
		})

		rt := http.DefaultTransport
		assert.Equal(t, rt, tt.WrapTransport(rt))
		assert.NotNil(t, tt.Tracer())
		assert.NoError(t, tt.Shutdown(context.Background()))

		rec := httptest.NewRecorder()
		tt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
}

func TestInstrumentPassesErrorsThrough(t *testing.T) {
	boom := errors.New("boom")

	for _, tt := range []*Telemetry{nil, {}} {
		calls := 0

		err := tt.InstrumentCheck(context.Background(), func(context.Context) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)

		err = tt.InstrumentDownload(context.Background(), "fallback", func(context.Context) error {
			calls++
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 2, calls)
	}
}

func TestEnabledTelemetryExportsMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := New(ctx, Config{Enabled: true, ServiceName: "resilient-updater-test", ServiceVersion: "1.0.0"})
	require.NoError(t, err)

	defer func() {
		assert.NoError(t, tel.Shutdown(context.Background()))
	}()

	tel.RecordUpdateCheck("available")
	tel.RecordChannelFallback("blocked")

	require.NoError(t, tel.InstrumentDownload(ctx, "primary", func(context.Context) error { return nil }))

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "update_checks")
	assert.Contains(t, rec.Body.String(), "channel_fallbacks")
}

func TestRequestID(t *testing.T) {
	var seen string

	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "upstream-id", seen)
	assert.Equal(t, "upstream-id", rec.Header().Get(RequestIDHeader))
}

func TestHTTPMiddlewareChain(t *testing.T) {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(NewHTTPMiddleware(nil).Middleware)
	r.Use(HTTPLogging)
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "short and stout", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "3xx", statusClass(302))
	assert.Equal(t, "4xx", statusClass(409))
	assert.Equal(t, "5xx", statusClass(502))
	assert.Equal(t, "unknown", statusClass(0))
}
