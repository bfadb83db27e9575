package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethpandaops/regdash/pkg/dashboard"
	"github.com/ethpandaops/regdash/pkg/ingest"
	"github.com/ethpandaops/regdash/pkg/runstore"
	"github.com/ethpandaops/regdash/pkg/window"
)

// maxIngestBytes bounds the size of an ingestion request body.
const maxIngestBytes = 16 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// boundsResponse carries window bounds rendered in the business timezone.
type boundsResponse struct {
	StartISO string `json:"start_iso"`
	EndISO   string `json:"end_iso"`
}

func newBounds(start, end time.Time) boundsResponse {
	return boundsResponse{
		StartISO: start.Format(time.RFC3339),
		EndISO:   end.Format(time.RFC3339),
	}
}

type summaryResponse struct {
	Window       boundsResponse          `json:"window"`
	TotalRuns    int64                   `json:"total_runs"`
	StatusCounts map[string]int64        `json:"status_counts"`
	Failures     []dashboard.ReasonCount `json:"failures"`
}

type windowsResponse struct {
	Windows []dashboard.WindowOption `json:"windows"`
}

type cloudTrendResponse struct {
	Days   []string                          `json:"days"`
	Clouds map[string][]dashboard.TrendPoint `json:"clouds"`
	Window boundsResponse                    `json:"window"`
}

type configResponse struct {
	Timezone    string   `json:"timezone"`
	LogBaseURL  string   `json:"log_base_url"`
	KnownClouds []string `json:"known_clouds"`
	WindowCount int      `json:"window_count"`
}

// resolveWindow reads the start/end/day overrides from the query string.
func (s *server) resolveWindow(r *http.Request) window.Window {
	q := r.URL.Query()

	return s.dashboard.Resolver().Resolve(window.Params{
		Start: q.Get("start"),
		End:   q.Get("end"),
		Day:   q.Get("day"),
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.WithError(err).Warn("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"status": "unavailable"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	clouds := s.cfg.Dashboard.KnownClouds
	if clouds == nil {
		clouds = []string{}
	}

	writeJSON(w, http.StatusOK, configResponse{
		Timezone:    s.cfg.Dashboard.Timezone,
		LogBaseURL:  s.cfg.Dashboard.LogBaseURL,
		KnownClouds: clouds,
		WindowCount: s.cfg.Dashboard.WindowCount,
	})
}

func (s *server) handleSummary(w http.ResponseWriter, r *http.Request) {
	win := s.resolveWindow(r)

	summary, err := s.dashboard.Summary(r.Context(), win)
	if err != nil {
		s.internalError(w, err, "Failed to build summary")

		return
	}

	writeJSON(w, http.StatusOK, summaryResponse{
		Window:       newBounds(win.StartLocal(), win.EndLocal()),
		TotalRuns:    summary.TotalRuns,
		StatusCounts: summary.StatusCounts,
		Failures:     summary.Failures,
	})
}

func (s *server) handleFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := s.dashboard.Failures(r.Context(), s.resolveWindow(r))
	if err != nil {
		s.internalError(w, err, "Failed to list failures")

		return
	}

	writeJSON(w, http.StatusOK, failures)
}

func (s *server) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := runstore.Filter{
		Status:    q.Get("status"),
		Reason:    q.Get("reason"),
		Scheduler: q.Get("scheduler"),
		Cloud:     q.Get("cloud"),
	}

	runs, err := s.dashboard.Runs(r.Context(), s.resolveWindow(r), filter)
	if err != nil {
		s.internalError(w, err, "Failed to list runs")

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

func (s *server) handleByCloud(w http.ResponseWriter, r *http.Request) {
	counts, err := s.dashboard.ByCloud(r.Context(), s.resolveWindow(r))
	if err != nil {
		s.internalError(w, err, "Failed to count by cloud")

		return
	}

	writeJSON(w, http.StatusOK, counts)
}

func (s *server) handleWindows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, windowsResponse{
		Windows: s.dashboard.Windows(s.cfg.Dashboard.WindowCount),
	})
}

func (s *server) handleCloudTrend(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil {
		days = window.DefaultTrendDays
	}

	trend, err := s.dashboard.CloudTrend(r.Context(), days)
	if err != nil {
		s.internalError(w, err, "Failed to build cloud trend")

		return
	}

	writeJSON(w, http.StatusOK, cloudTrendResponse{
		Days:   trend.Days,
		Clouds: trend.Clouds,
		Window: newBounds(trend.Range.StartLocal(), trend.Range.EndLocal()),
	})
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var itemErr *ingest.ItemError

	items, err := ingest.Decode(http.MaxBytesReader(w, r.Body, maxIngestBytes))
	if err != nil {
		msg := "invalid JSON body"

		switch {
		case errors.Is(err, ingest.ErrNotArray):
			msg = "Expected a JSON array"
		case errors.As(err, &itemErr):
			msg = itemErr.Error()
		}

		writeJSON(w, http.StatusBadRequest, errorResponse{msg})

		return
	}

	result, err := s.ingester.Ingest(r.Context(), items)
	if err != nil {
		if errors.As(err, &itemErr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{itemErr.Error()})

			return
		}

		s.internalError(w, err, "Failed to ingest runs")

		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *server) internalError(w http.ResponseWriter, err error, msg string) {
	s.log.WithError(err).Error(msg)
	writeJSON(w, http.StatusInternalServerError,
		errorResponse{"internal server error"})
}
