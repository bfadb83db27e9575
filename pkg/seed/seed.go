// Package seed generates demo run data for local dashboards.
package seed

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/regdash/pkg/runstore"
	"github.com/ethpandaops/regdash/pkg/window"
)

const (
	// DefaultWindows is the number of business windows seeded by default.
	DefaultWindows = 7

	// DefaultSeed drives the generator when no seed is given.
	DefaultSeed uint64 = 42

	baseRunsPerWindow = 70
	runsPerWindowStep = 10
	minSpacing        = 5 * time.Minute
	// Runs are spread over the window minus a trailing margin.
	spreadMinutes = 24*60 - 30
)

// namespace scopes demo request IDs so they never collide with real ones.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("regdash/seed-demo"))

type failure struct {
	reason    string
	subreason string
}

var failures = []failure{
	{"Stack Creation Failed", "Helm install failed"},
	{"Stack Creation Failed", "Helm chart not found"},
	{"NSP pod failure", ""},
	{"Quota Exceed", "VM quota exceeded"},
	{"MISSING CASE", "CAM Bundle install failed"},
	{"MISSING CASE", "Unable to login to NSP Server"},
	{"Other Reasons", "Default root context file not found"},
	{"Selenium Down", ""},
}

// Options control demo generation.
type Options struct {
	// Windows is how many business windows to fill, ending with the
	// current one.
	Windows   int
	Seed      uint64
	Clouds    []string
	Scheduler string
}

// Generate builds demo runs for the most recent business windows. The same
// options and clock always yield the same runs, request IDs included, so
// reseeding updates rather than duplicates.
func Generate(resolver *window.Resolver, opts Options) []*runstore.Run {
	if opts.Windows < 1 {
		opts.Windows = 1
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))

	var runs []*runstore.Run

	for offset, w := range resolver.Recent(opts.Windows) {
		runs = append(runs, generateWindow(rng, w, offset, opts)...)
	}

	return runs
}

func generateWindow(
	rng *rand.Rand, w window.Window, offset int, opts Options,
) []*runstore.Run {
	// Vary volume and outcome mix per day so windows are distinguishable.
	shape := offset % 7
	total := baseRunsPerWindow + shape*runsPerWindowStep

	passed := int(float64(total) * min(0.65, 0.30+float64(shape)*0.05))
	killed := int(float64(total) * (0.05 + float64(shape)*0.01))

	statuses := make([]string, 0, total)
	for i := 0; i < total; i++ {
		switch {
		case i < passed:
			statuses = append(statuses, runstore.StatusPassed)
		case i < passed+killed:
			statuses = append(statuses, runstore.StatusKilled)
		default:
			statuses = append(statuses, runstore.StatusFailed)
		}
	}

	rng.Shuffle(len(statuses), func(i, j int) {
		statuses[i], statuses[j] = statuses[j], statuses[i]
	})

	spacing := max(minSpacing, time.Duration(spreadMinutes/total)*time.Minute)
	day := w.StartLocal().Format(window.DayLayout)
	runs := make([]*runstore.Run, 0, total)

	for idx, status := range statuses {
		started := w.Start.Add(time.Duration(idx) * spacing)
		ended := started.Add(time.Duration(20+rng.IntN(101)) * time.Minute)

		run := &runstore.Run{
			RequestID: uuid.NewSHA1(namespace,
				fmt.Appendf(nil, "%d/%s/%d", opts.Seed, day, idx)).String(),
			Scheduler: opts.Scheduler,
			StartedAt: started,
			EndedAt:   &ended,
			Status:    status,
		}

		if len(opts.Clouds) > 0 {
			cloud := opts.Clouds[idx*len(opts.Clouds)/total]
			run.Cloud = &cloud
		}

		if status == runstore.StatusFailed {
			f := failures[rng.IntN(len(failures))]
			run.Reason = &f.reason

			if f.subreason != "" {
				run.Subreason = &f.subreason
			}
		}

		runs = append(runs, run)
	}

	return runs
}

// Seeder writes generated demo runs to a store.
type Seeder struct {
	log      logrus.FieldLogger
	store    runstore.Store
	resolver *window.Resolver
}

// NewSeeder creates a Seeder.
func NewSeeder(
	log logrus.FieldLogger, store runstore.Store, resolver *window.Resolver,
) *Seeder {
	return &Seeder{
		log:      log.WithField("component", "seed"),
		store:    store,
		resolver: resolver,
	}
}

// Seed generates runs for opts and upserts them in one batch.
func (s *Seeder) Seed(
	ctx context.Context, opts Options,
) (runstore.BatchResult, error) {
	runs := Generate(s.resolver, opts)

	result, err := s.store.UpsertBatch(ctx, runs)
	if err != nil {
		return runstore.BatchResult{}, fmt.Errorf("seeding demo runs: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"windows": max(opts.Windows, 1),
		"seed":    opts.Seed,
		"created": result.Created,
		"updated": result.Updated,
	}).Info("Seeded demo runs")

	return result, nil
}
