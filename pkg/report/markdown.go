// Package report renders a business window as a markdown summary.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/regdash/pkg/dashboard"
	"github.com/ethpandaops/regdash/pkg/runstore"
	"github.com/ethpandaops/regdash/pkg/window"
)

// Input bundles the dashboard views rendered into a window report.
type Input struct {
	Summary  *dashboard.Summary
	Failures map[string][]dashboard.Record
	ByCloud  map[string]map[string]int64
}

// Collect gathers the views for w from svc.
func Collect(
	ctx context.Context, svc *dashboard.Service, w window.Window,
) (*Input, error) {
	in := &Input{}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error

		in.Summary, err = svc.Summary(gctx, w)

		return err
	})

	g.Go(func() error {
		var err error

		in.Failures, err = svc.Failures(gctx, w)

		return err
	})

	g.Go(func() error {
		var err error

		in.ByCloud, err = svc.ByCloud(gctx, w)

		return err
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("collecting report: %w", err)
	}

	return in, nil
}

// GenerateWindowMarkdown renders in as markdown. The failed runs table is
// written last and truncated so the output stays within maxChars; zero
// disables the cap.
func GenerateWindowMarkdown(in *Input, maxChars int) string {
	var sb strings.Builder

	sb.Grow(4096)

	loc := in.Summary.Window.StartLocal().Location()

	writeTitle(&sb, in.Summary.Window)
	writeOverview(&sb, in.Summary)
	writeReasons(&sb, in.Summary.Failures)
	writeClouds(&sb, in.ByCloud)
	writeFailedRuns(&sb, in.Failures, loc, maxChars)

	return sb.String()
}

func writeTitle(sb *strings.Builder, w window.Window) {
	fmt.Fprintf(sb, "# Regression Report: %s\n\n", w.Label())
}

func writeOverview(sb *strings.Builder, s *dashboard.Summary) {
	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")
	fmt.Fprintf(sb, "| Window | %s |\n", s.Window.RangeLabel())
	fmt.Fprintf(sb, "| Total Runs | %d |\n", s.TotalRuns)

	for _, status := range sortedStatuses(s.StatusCounts) {
		fmt.Fprintf(sb, "| %s | %d |\n", status, s.StatusCounts[status])
	}

	if s.TotalRuns > 0 {
		rate := float64(s.Count(runstore.StatusPassed)) / float64(s.TotalRuns) * 100
		fmt.Fprintf(sb, "| Pass Rate | %.1f%% |\n", rate)
	}

	sb.WriteByte('\n')
}

func writeReasons(sb *strings.Builder, reasons []dashboard.ReasonCount) {
	if len(reasons) == 0 {
		return
	}

	sb.WriteString("## Failure Reasons\n\n")
	sb.WriteString("| Reason | Count |\n")
	sb.WriteString("|---|---|\n")

	for _, rc := range reasons {
		fmt.Fprintf(sb, "| %s | %d |\n", escapeCell(rc.Reason), rc.Count)
	}

	sb.WriteByte('\n')
}

func writeClouds(sb *strings.Builder, byCloud map[string]map[string]int64) {
	if len(byCloud) == 0 {
		return
	}

	clouds := make([]string, 0, len(byCloud))
	for cloud := range byCloud {
		clouds = append(clouds, cloud)
	}

	sort.Strings(clouds)

	sb.WriteString("## By Cloud\n\n")
	sb.WriteString("| Cloud | PASSED | FAILED | Other | Total |\n")
	sb.WriteString("|---|---|---|---|---|\n")

	for _, cloud := range clouds {
		var passed, failed, other int64

		for status, count := range byCloud[cloud] {
			switch status {
			case runstore.StatusPassed:
				passed += count
			case runstore.StatusFailed:
				failed += count
			default:
				other += count
			}
		}

		fmt.Fprintf(sb, "| %s | %d | %d | %d | %d |\n",
			escapeCell(cloud), passed, failed, other, passed+failed+other)
	}

	sb.WriteByte('\n')
}

func writeFailedRuns(
	sb *strings.Builder,
	failures map[string][]dashboard.Record,
	loc *time.Location,
	maxChars int,
) {
	if len(failures) == 0 {
		return
	}

	reasons := make([]string, 0, len(failures))
	total := 0

	for reason, records := range failures {
		reasons = append(reasons, reason)
		total += len(records)
	}

	sort.Strings(reasons)

	sb.WriteString("## Failed Runs\n\n")
	sb.WriteString("| Reason | Request | Cloud | Started | Duration | Detail |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")

	// Reserve space for the truncation message.
	const reserveChars = 100

	written := 0

	for _, reason := range reasons {
		for _, rec := range failures[reason] {
			row := failedRunRow(reason, &rec, loc)

			if maxChars > 0 && sb.Len()+len(row)+reserveChars > maxChars {
				fmt.Fprintf(sb,
					"\n*%d more failed run(s) not shown "+
						"(output truncated at %d chars)*\n",
					total-written, maxChars)

				return
			}

			sb.WriteString(row)

			written++
		}
	}
}

func failedRunRow(reason string, rec *dashboard.Record, loc *time.Location) string {
	cloud := dashboard.UnknownCloud
	if rec.Cloud != nil && *rec.Cloud != "" {
		cloud = *rec.Cloud
	}

	started := "-"
	if !rec.Started.IsZero() {
		started = rec.Started.In(loc).Format("Jan 02 15:04")
	}

	duration := "-"
	if rec.Ended != nil && !rec.Started.IsZero() {
		duration = formatDuration(rec.Ended.Sub(rec.Started))
	}

	detail := ""
	if rec.Subreason != nil {
		detail = *rec.Subreason
	}

	return fmt.Sprintf("| %s | [%s](%s) | %s | %s | %s | %s |\n",
		escapeCell(reason), escapeLinkText(rec.RequestID),
		escapeLinkURL(rec.LogURL), escapeCell(cloud),
		started, duration, escapeCell(detail))
}

func sortedStatuses(counts map[string]int64) []string {
	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, status)
	}

	sort.Strings(statuses)

	return statuses
}

// escapeCell keeps free-form text from breaking table rows.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)

	return strings.ReplaceAll(s, "\n", " ")
}

var (
	linkTextEscaper = strings.NewReplacer(
		`\`, `\\`, "[", `\[`, "]", `\]`, "|", `\|`, "\n", " ",
	)
	linkURLEscaper = strings.NewReplacer(
		" ", "%20", "(", "%28", ")", "%29", "|", "%7C", "\n", "",
	)
)

// escapeLinkText keeps a request id intact as markdown link text inside a
// table cell.
func escapeLinkText(s string) string {
	return linkTextEscaper.Replace(s)
}

// escapeLinkURL percent-encodes the characters that end a link target or
// a table cell.
func escapeLinkURL(s string) string {
	return linkURLEscaper.Replace(s)
}

// formatDuration formats a time.Duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "-"
	}

	if d < time.Second {
		return d.String()
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}

	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}

	return fmt.Sprintf("%ds", seconds)
}
