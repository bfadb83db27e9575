package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/regdash/pkg/config"
	"github.com/ethpandaops/regdash/pkg/dashboard"
	"github.com/ethpandaops/regdash/pkg/ingest"
	"github.com/ethpandaops/regdash/pkg/runstore"
	"github.com/ethpandaops/regdash/pkg/window"
)

// fixedNow is 2025-10-24 17:30 in Asia/Kolkata.
var fixedNow = time.Date(2025, 10, 24, 12, 0, 0, 0, time.UTC)

const sampleBatch = `[
	{"request_id": "r1", "cloud": "blr-cloud4", "started_at": "2025-10-24T05:00:00Z", "status": "PASSED"},
	{"request_id": "r2", "started_at": "2025-10-24T06:00:00Z", "status": "FAILED", "reason": "Quota Exceed"}
]`

type pingFailStore struct {
	runstore.Store
}

func (pingFailStore) Ping(context.Context) error {
	return errors.New("database is locked")
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Listen:    "127.0.0.1:0",
			SecretKey: "s3cret",
		},
		Dashboard: config.DashboardConfig{
			Timezone:         "Asia/Kolkata",
			LogBaseURL:       "https://logs.example.com/request/",
			DefaultScheduler: config.DefaultScheduler,
			KnownClouds:      []string{"blr-cloud4", "blr-cloud5"},
			WindowCount:      7,
		},
	}
}

func newMemStore(t *testing.T) runstore.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	store := runstore.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { _ = store.Stop() })

	return store
}

func newTestHandler(
	t *testing.T, cfg *config.Config, store runstore.Store,
) http.Handler {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	loc, err := cfg.Dashboard.Location()
	require.NoError(t, err)

	resolver := window.NewResolver(loc, func() time.Time { return fixedNow })
	svc := dashboard.NewService(log, store, resolver, dashboard.Options{
		LogBaseURL:  cfg.Dashboard.LogBaseURL,
		KnownClouds: cfg.Dashboard.KnownClouds,
	})
	ingester := ingest.NewHandler(log, store, cfg.Dashboard.DefaultScheduler)

	srv := NewServer(log, cfg, store, svc, ingester)
	t.Cleanup(func() { _ = srv.Stop() })

	return srv.Handler()
}

func do(
	h http.Handler, method, target, body string, header ...string,
) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}

	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())

	return out
}

func TestHandleHealth(t *testing.T) {
	store := newMemStore(t)

	h := newTestHandler(t, testConfig(), store)
	rec := do(h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	h = newTestHandler(t, testConfig(), pingFailStore{store})
	rec = do(h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleIngest_TalliesCreatedAndUpdated(t *testing.T) {
	h := newTestHandler(t, testConfig(), newMemStore(t))

	rec := do(h, http.MethodPost, "/ingest/json", sampleBatch)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"created":2,"updated":0}`, rec.Body.String())

	rec = do(h, http.MethodPost, "/ingest/json", sampleBatch)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"created":0,"updated":2}`, rec.Body.String())
}

func TestHandleIngest_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "object body", body: `{"request_id":"r1"}`, wantErr: "Expected a JSON array"},
		{name: "malformed json", body: `[{"request_id":`, wantErr: "invalid JSON body"},
		{
			name:    "missing request_id",
			body:    `[{"request_id":"ok","started_at":"2025-10-24T05:00:00Z"},{"started_at":"2025-10-24T05:00:00Z"}]`,
			wantErr: "item 1: request_id",
		},
		{
			name:    "bad ended_at",
			body:    `[{"request_id":"ok","started_at":"2025-10-24T05:00:00Z","ended_at":"soon"}]`,
			wantErr: "item 0: ended_at",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, testConfig(), newMemStore(t))

			rec := do(h, http.MethodPost, "/ingest/json", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode[errorResponse](t, rec).Error, tt.wantErr)

			// Nothing from a rejected batch is stored.
			rec = do(h, http.MethodGet, "/api/runs", "")
			assert.JSONEq(t, `[]`, rec.Body.String())
		})
	}
}

func TestHandleSummary(t *testing.T) {
	h := newTestHandler(t, testConfig(), newMemStore(t))
	require.Equal(t, http.StatusOK,
		do(h, http.MethodPost, "/ingest/json", sampleBatch).Code)

	rec := do(h, http.MethodGet, "/api/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[summaryResponse](t, rec)
	assert.Equal(t, "2025-10-24T10:00:01+05:30", got.Window.StartISO)
	assert.Equal(t, "2025-10-25T10:00:01+05:30", got.Window.EndISO)
	assert.Equal(t, int64(2), got.TotalRuns)
	assert.Equal(t, map[string]int64{"PASSED": 1, "FAILED": 1}, got.StatusCounts)
	assert.Equal(t, []dashboard.ReasonCount{{Reason: "Quota Exceed", Count: 1}},
		got.Failures)
}

func TestHandleSummary_WindowParams(t *testing.T) {
	h := newTestHandler(t, testConfig(), newMemStore(t))

	tests := []struct {
		name      string
		query     string
		wantStart string
		wantEnd   string
	}{
		{
			name:      "default",
			wantStart: "2025-10-24T10:00:01+05:30",
			wantEnd:   "2025-10-25T10:00:01+05:30",
		},
		{
			name:      "day",
			query:     "?day=2025-10-20",
			wantStart: "2025-10-20T10:00:01+05:30",
			wantEnd:   "2025-10-21T10:00:01+05:30",
		},
		{
			name:      "malformed day falls back",
			query:     "?day=20-10-2025",
			wantStart: "2025-10-24T10:00:01+05:30",
			wantEnd:   "2025-10-25T10:00:01+05:30",
		},
		{
			name:      "explicit bounds",
			query:     "?start=2025-10-01T00:00:00Z&end=2025-10-02T00:00:00Z",
			wantStart: "2025-10-01T05:30:00+05:30",
			wantEnd:   "2025-10-02T05:30:00+05:30",
		},
		{
			name:      "explicit bounds win over day",
			query:     "?start=2025-10-01T00:00:00Z&end=2025-10-02T00:00:00Z&day=2025-10-20",
			wantStart: "2025-10-01T05:30:00+05:30",
			wantEnd:   "2025-10-02T05:30:00+05:30",
		},
		{
			name:      "half explicit pair uses day",
			query:     "?start=2025-10-01T00:00:00Z&day=2025-10-20",
			wantStart: "2025-10-20T10:00:01+05:30",
			wantEnd:   "2025-10-21T10:00:01+05:30",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodGet, "/api/summary"+tt.query, "")
			require.Equal(t, http.StatusOK, rec.Code)

			got := decode[summaryResponse](t, rec)
			assert.Equal(t, tt.wantStart, got.Window.StartISO)
			assert.Equal(t, tt.wantEnd, got.Window.EndISO)
		})
	}
}

func TestHandleFailures(t *testing.T) {
	h := newTestHandler(t, testConfig(), newMemStore(t))
	require.Equal(t, http.StatusOK,
		do(h, http.MethodPost, "/ingest/json", sampleBatch).Code)

	rec := do(h, http.MethodGet, "/api/failures", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[map[string][]dashboard.Record](t, rec)
	require.Len(t, got, 1)
	require.Len(t, got["Quota Exceed"], 1)

	r2 := got["Quota Exceed"][0]
	assert.Equal(t, "r2", r2.RequestID)
	assert.Equal(t, config.DefaultScheduler, r2.Scheduler)
	assert.Equal(t, "https://logs.example.com/request/r2", r2.LogURL)
	assert.Nil(t, r2.EndedAt)
}

func TestHandleRuns_Filters(t *testing.T) {
	h := newTestHandler(t, testConfig(), newMemStore(t))
	require.Equal(t, http.StatusOK,
		do(h, http.MethodPost, "/ingest/json", sampleBatch).Code)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{name: "all newest first", want: []string{"r2", "r1"}},
		{name: "status", query: "?status=PASSED", want: []string{"r1"}},
		{name: "cloud", query: "?cloud=blr-cloud4", want: []string{"r1"}},
		{name: "scheduler", query: "?scheduler=BLR-NSP-SCHEDULER1", want: []string{"r2", "r1"}},
		{name: "reason without matches", query: "?reason=Timeout", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodGet, "/api/runs"+tt.query, "")
			require.Equal(t, http.StatusOK, rec.Code)

			records := decode[[]dashboard.Record](t, rec)
			require.NotNil(t, records)

			ids := make([]string, 0, len(records))
			for _, r := range records {
				ids = append(ids, r.RequestID)
			}

			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestHandleByCloud(t *testing.T) {
	h := newTestHandler(t, testConfig(), newMemStore(t))
	require.Equal(t, http.StatusOK,
		do(h, http.MethodPost, "/ingest/json", sampleBatch).Code)

	rec := do(h, http.MethodGet, "/api/by_cloud", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"blr-cloud4":{"PASSED":1},"unknown":{"FAILED":1}}`,
		rec.Body.String())
}

func TestHandleWindows(t *testing.T) {
	h := newTestHandler(t, testConfig(), newMemStore(t))

	rec := do(h, http.MethodGet, "/api/windows", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[windowsResponse](t, rec)
	require.Len(t, got.Windows, 7)

	first := got.Windows[0]
	assert.Equal(t, "Fri, Oct 24", first.Label)
	assert.Equal(t, "Oct 24, 10:00 AM → Oct 25, 10:00 AM", first.RangeLabel)
	assert.Equal(t, "2025-10-24T04:30:01Z", first.StartISO)
	assert.Equal(t, "2025-10-25T04:30:01Z", first.EndISO)
	assert.Equal(t, "Sat, Oct 18", got.Windows[6].Label)

	// The UTC bounds select that same window when passed back.
	rec = do(h, http.MethodGet,
		"/api/summary?start="+got.Windows[3].StartISO+"&end="+got.Windows[3].EndISO, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2025-10-21T10:00:01+05:30",
		decode[summaryResponse](t, rec).Window.StartISO)
}

func TestHandleCloudTrend(t *testing.T) {
	h := newTestHandler(t, testConfig(), newMemStore(t))
	require.Equal(t, http.StatusOK,
		do(h, http.MethodPost, "/ingest/json", sampleBatch).Code)

	tests := []struct {
		name     string
		query    string
		wantDays int
		wantFrom string
	}{
		{name: "default", wantDays: 7, wantFrom: "2025-10-18T00:00:00+05:30"},
		{name: "not a number", query: "?days=abc", wantDays: 7, wantFrom: "2025-10-18T00:00:00+05:30"},
		{name: "one day", query: "?days=1", wantDays: 1, wantFrom: "2025-10-24T00:00:00+05:30"},
		{name: "clamped low", query: "?days=-4", wantDays: 1, wantFrom: "2025-10-24T00:00:00+05:30"},
		{name: "clamped high", query: "?days=90", wantDays: 30, wantFrom: "2025-09-25T00:00:00+05:30"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodGet, "/api/cloud_trend"+tt.query, "")
			require.Equal(t, http.StatusOK, rec.Code)

			got := decode[cloudTrendResponse](t, rec)
			assert.Len(t, got.Days, tt.wantDays)
			assert.Equal(t, tt.wantFrom, got.Window.StartISO)
			assert.Equal(t, "2025-10-25T00:00:00+05:30", got.Window.EndISO)

			for _, cloud := range []string{"blr-cloud4", "blr-cloud5", "unknown"} {
				series, ok := got.Clouds[cloud]
				require.True(t, ok, cloud)
				assert.Len(t, series, tt.wantDays, cloud)
			}

			today := got.Clouds["blr-cloud4"][tt.wantDays-1]
			assert.Equal(t, "2025-10-24", today.Date)
			assert.Equal(t, int64(1), today.Passed)
			assert.Equal(t, int64(1), today.Total)
		})
	}
}

func TestHandleConfig(t *testing.T) {
	h := newTestHandler(t, testConfig(), newMemStore(t))

	rec := do(h, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[configResponse](t, rec)
	assert.Equal(t, "Asia/Kolkata", got.Timezone)
	assert.Equal(t, []string{"blr-cloud4", "blr-cloud5"}, got.KnownClouds)
	assert.Equal(t, 7, got.WindowCount)
}

func TestIngestAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Server.IngestAuth = true

	h := newTestHandler(t, cfg, newMemStore(t))

	rec := do(h, http.MethodPost, "/ingest/json", sampleBatch)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(h, http.MethodPost, "/ingest/json", sampleBatch,
		"Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(h, http.MethodPost, "/ingest/json", sampleBatch,
		"Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Read routes stay public.
	rec = do(h, http.MethodGet, "/api/summary", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimit = config.RateLimitConfig{
		Enabled: true,
		Ingest:  config.RateLimitTier{RequestsPerMinute: 1},
		Read:    config.RateLimitTier{RequestsPerMinute: 2},
	}

	h := newTestHandler(t, cfg, newMemStore(t))

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/health", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/windows", "").Code)
	assert.Equal(t, http.StatusTooManyRequests,
		do(h, http.MethodGet, "/api/summary", "").Code)

	// Tiers keep separate buckets.
	assert.Equal(t, http.StatusOK,
		do(h, http.MethodPost, "/ingest/json", sampleBatch).Code)
	assert.Equal(t, http.StatusTooManyRequests,
		do(h, http.MethodPost, "/ingest/json", sampleBatch).Code)

	// Another client is unaffected.
	assert.Equal(t, http.StatusOK,
		do(h, http.MethodGet, "/api/summary", "", "X-Forwarded-For", "198.51.100.7").Code)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{name: "remote addr", remoteAddr: "10.0.0.1:5555", want: "10.0.0.1"},
		{name: "single forwarded", remoteAddr: "10.0.0.1:5555", xff: "203.0.113.9", want: "203.0.113.9"},
		{name: "forwarded chain", remoteAddr: "10.0.0.1:5555", xff: "203.0.113.9, 10.0.0.2", want: "203.0.113.9"},
		{name: "blank forwarded", remoteAddr: "10.0.0.1:5555", xff: " ,10.0.0.2", want: "10.0.0.1"},
		{name: "no port", remoteAddr: "10.0.0.1", want: "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr

			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}

func TestServer_StartStop(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := testConfig()
	store := newMemStore(t)
	resolver := window.NewResolver(time.UTC, nil)
	svc := dashboard.NewService(log, store, resolver, dashboard.Options{})

	srv := NewServer(log, cfg, store, svc, ingest.NewHandler(log, store, ""))
	require.NoError(t, srv.Start(context.Background()))
	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())
}
