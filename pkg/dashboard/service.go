// Package dashboard builds the aggregate views served by the API.
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethpandaops/regdash/pkg/runstore"
	"github.com/ethpandaops/regdash/pkg/window"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Options configure presentation details of the service.
type Options struct {
	LogBaseURL  string
	KnownClouds []string
}

// Service computes dashboard views from the run store. Nothing is cached;
// every call reads the store.
type Service struct {
	log      logrus.FieldLogger
	store    runstore.Store
	resolver *window.Resolver
	opts     Options
}

// NewService creates a dashboard Service.
func NewService(
	log logrus.FieldLogger,
	store runstore.Store,
	resolver *window.Resolver,
	opts Options,
) *Service {
	return &Service{
		log:      log.WithField("component", "dashboard"),
		store:    store,
		resolver: resolver,
		opts:     opts,
	}
}

// Resolver returns the window resolver the service aggregates with.
func (s *Service) Resolver() *window.Resolver {
	return s.resolver
}

func (s *Service) logQueryError(err error, view string, from time.Time) {
	s.log.WithError(err).
		WithField("view", view).
		WithField("from", from.Format(time.RFC3339)).
		Warn("Store query failed")
}

// ReasonCount is the number of failed runs sharing a reason.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}

// Summary holds the headline counts for one window.
type Summary struct {
	Window       window.Window
	TotalRuns    int64
	StatusCounts map[string]int64
	Failures     []ReasonCount
}

// Count returns the count for a status, zero when absent.
func (s *Summary) Count(status string) int64 {
	return s.StatusCounts[status]
}

// Summary returns totals, per-status counts and per-reason failure counts.
func (s *Service) Summary(
	ctx context.Context, w window.Window,
) (*Summary, error) {
	var (
		total    int64
		statuses []runstore.StatusCount
		reasons  []runstore.ReasonCount
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error

		total, err = s.store.CountRange(gctx, w.Start, w.End, runstore.Filter{})

		return err
	})

	g.Go(func() error {
		var err error

		statuses, err = s.store.CountByStatus(gctx, w.Start, w.End, runstore.Filter{})

		return err
	})

	g.Go(func() error {
		var err error

		reasons, err = s.store.CountFailuresByReason(gctx, w.Start, w.End)

		return err
	})

	if err := g.Wait(); err != nil {
		s.logQueryError(err, "summary", w.Start)

		return nil, fmt.Errorf("building summary: %w", err)
	}

	out := &Summary{
		Window:       w,
		TotalRuns:    total,
		StatusCounts: make(map[string]int64, len(statuses)),
		Failures:     make([]ReasonCount, 0, len(reasons)),
	}

	for _, sc := range statuses {
		out.StatusCounts[sc.Status] += sc.Count
	}

	// NULL and empty reasons both land in the Unknown bucket.
	byReason := make(map[string]int64, len(reasons))
	for _, rc := range reasons {
		byReason[reasonKey(rc.Reason)] += rc.Count
	}

	for reason, count := range byReason {
		out.Failures = append(out.Failures, ReasonCount{Reason: reason, Count: count})
	}

	sort.Slice(out.Failures, func(i, j int) bool {
		if out.Failures[i].Count != out.Failures[j].Count {
			return out.Failures[i].Count > out.Failures[j].Count
		}

		return out.Failures[i].Reason < out.Failures[j].Reason
	})

	return out, nil
}

// Failures groups the window's failed runs by reason, newest first within
// each reason.
func (s *Service) Failures(
	ctx context.Context, w window.Window,
) (map[string][]Record, error) {
	runs, err := s.store.QueryRange(ctx, w.Start, w.End,
		runstore.Filter{Status: runstore.StatusFailed})
	if err != nil {
		s.logQueryError(err, "failures", w.Start)

		return nil, fmt.Errorf("listing failures: %w", err)
	}

	out := make(map[string][]Record, 8)

	for i := range runs {
		key := reasonKey(runs[i].Reason)
		out[key] = append(out[key], NewRecord(&runs[i], s.opts.LogBaseURL))
	}

	return out, nil
}

// Runs lists the window's runs matching filter, newest first.
func (s *Service) Runs(
	ctx context.Context, w window.Window, filter runstore.Filter,
) ([]Record, error) {
	runs, err := s.store.QueryRange(ctx, w.Start, w.End, filter)
	if err != nil {
		s.logQueryError(err, "runs", w.Start)

		return nil, fmt.Errorf("listing runs: %w", err)
	}

	out := make([]Record, 0, len(runs))
	for i := range runs {
		out = append(out, NewRecord(&runs[i], s.opts.LogBaseURL))
	}

	return out, nil
}

// ByCloud returns status counts per cloud for the window.
func (s *Service) ByCloud(
	ctx context.Context, w window.Window,
) (map[string]map[string]int64, error) {
	rows, err := s.store.CountByCloudStatus(ctx, w.Start, w.End)
	if err != nil {
		s.logQueryError(err, "by_cloud", w.Start)

		return nil, fmt.Errorf("counting by cloud: %w", err)
	}

	out := make(map[string]map[string]int64, len(rows))

	for _, row := range rows {
		key := cloudKey(row.Cloud)
		if out[key] == nil {
			out[key] = make(map[string]int64, 4)
		}

		out[key][row.Status] += row.Count
	}

	return out, nil
}

// WindowOption describes one selectable window.
type WindowOption struct {
	Label      string `json:"label"`
	RangeLabel string `json:"range_label"`
	StartISO   string `json:"start_iso"`
	EndISO     string `json:"end_iso"`
}

// Windows lists the current window and the n-1 before it, newest first.
func (s *Service) Windows(n int) []WindowOption {
	windows := s.resolver.Recent(n)
	out := make([]WindowOption, 0, len(windows))

	for _, w := range windows {
		out = append(out, WindowOption{
			Label:      w.Label(),
			RangeLabel: w.RangeLabel(),
			StartISO:   formatInstant(w.Start),
			EndISO:     formatInstant(w.End),
		})
	}

	return out
}

// TrendPoint is one day of outcomes for a cloud. Other counts statuses
// that are neither PASSED nor FAILED.
type TrendPoint struct {
	Date   string `json:"date"`
	Passed int64  `json:"passed"`
	Failed int64  `json:"failed"`
	Other  int64  `json:"other"`
	Total  int64  `json:"total"`
}

// CloudTrend holds per-cloud day series over a trend range.
type CloudTrend struct {
	Range  window.Trend
	Days   []string
	Clouds map[string][]TrendPoint
}

// CloudTrend returns day-bucketed outcome counts for the last days
// calendar days. Known clouds always appear, and every series has one
// point per day even when the day had no runs.
func (s *Service) CloudTrend(
	ctx context.Context, days int,
) (*CloudTrend, error) {
	tr := s.resolver.Trend(days)

	rows, err := s.store.CountByDayCloudStatus(ctx, tr)
	if err != nil {
		s.logQueryError(err, "cloud_trend", tr.Start)

		return nil, fmt.Errorf("counting cloud trend: %w", err)
	}

	buckets := make(map[string]map[string]*TrendPoint,
		len(s.opts.KnownClouds)+2)

	for _, cloud := range s.opts.KnownClouds {
		buckets[cloud] = make(map[string]*TrendPoint, len(tr.Days))
	}

	for _, row := range rows {
		cloud := cloudKey(row.Cloud)
		if buckets[cloud] == nil {
			buckets[cloud] = make(map[string]*TrendPoint, len(tr.Days))
		}

		point := buckets[cloud][row.Day]
		if point == nil {
			point = &TrendPoint{Date: row.Day}
			buckets[cloud][row.Day] = point
		}

		switch row.Status {
		case runstore.StatusPassed:
			point.Passed += row.Count
		case runstore.StatusFailed:
			point.Failed += row.Count
		default:
			point.Other += row.Count
		}

		point.Total += row.Count
	}

	out := &CloudTrend{
		Range:  tr,
		Days:   tr.Days,
		Clouds: make(map[string][]TrendPoint, len(buckets)),
	}

	for cloud, byDay := range buckets {
		series := make([]TrendPoint, 0, len(tr.Days))

		for _, day := range tr.Days {
			if point, ok := byDay[day]; ok {
				series = append(series, *point)

				continue
			}

			series = append(series, TrendPoint{Date: day})
		}

		out.Clouds[cloud] = series
	}

	return out, nil
}
