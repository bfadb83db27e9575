package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/regdash/pkg/dashboard"
	"github.com/ethpandaops/regdash/pkg/report"
	"github.com/ethpandaops/regdash/pkg/window"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a markdown summary of a business window",
	Long: `Reads the runs of one business window and writes a markdown summary with
status counts, failure reasons, per-cloud totals and the failed runs. The
window defaults to the current one and is selected like the API does, from
--start/--end or --day.`,
	RunE: runReport,
}

var (
	reportStart  string
	reportEnd    string
	reportDay    string
	reportOutput string
)

const maxMarkdownChars = 65000

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().StringVar(&reportStart, "start", "", "window start (ISO-8601)")
	reportCmd.Flags().StringVar(&reportEnd, "end", "", "window end (ISO-8601)")
	reportCmd.Flags().StringVar(&reportDay, "day", "", "window day (YYYY-MM-DD)")
	reportCmd.Flags().StringVar(&reportOutput, "output", "",
		"Output file path (default: stdout)")
}

func runReport(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = store.Stop() }()

	resolver, err := newResolver(cfg)
	if err != nil {
		return err
	}

	svc := dashboard.NewService(log, store, resolver, dashboard.Options{
		LogBaseURL:  cfg.Dashboard.LogBaseURL,
		KnownClouds: cfg.Dashboard.KnownClouds,
	})

	w := resolver.Resolve(window.Params{
		Start: reportStart,
		End:   reportEnd,
		Day:   reportDay,
	})

	in, err := report.Collect(ctx, svc, w)
	if err != nil {
		return err
	}

	md := report.GenerateWindowMarkdown(in, maxMarkdownChars)

	if reportOutput == "" {
		_, err := fmt.Fprint(os.Stdout, md)

		return err
	}

	if err := os.WriteFile(reportOutput, []byte(md), 0644); err != nil {
		return fmt.Errorf("writing output file: %w", err)
	}

	log.WithField("output", reportOutput).
		Info("Markdown report generated successfully")

	return nil
}
