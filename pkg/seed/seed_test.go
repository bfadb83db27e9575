package seed_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/regdash/pkg/config"
	"github.com/ethpandaops/regdash/pkg/runstore"
	"github.com/ethpandaops/regdash/pkg/seed"
	"github.com/ethpandaops/regdash/pkg/window"
)

func newResolver(t *testing.T) *window.Resolver {
	t.Helper()

	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	now := time.Date(2025, 10, 24, 12, 0, 0, 0, time.UTC)

	return window.NewResolver(loc, func() time.Time { return now })
}

func demoOptions() seed.Options {
	return seed.Options{
		Windows:   3,
		Seed:      seed.DefaultSeed,
		Clouds:    []string{"blr-cloud4", "blr-cloud5"},
		Scheduler: config.DefaultScheduler,
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	resolver := newResolver(t)

	a := seed.Generate(resolver, demoOptions())
	b := seed.Generate(resolver, demoOptions())
	require.Equal(t, a, b)

	other := demoOptions()
	other.Seed = 7

	c := seed.Generate(resolver, other)
	require.Len(t, c, len(a))
	assert.NotEqual(t, a[0].RequestID, c[0].RequestID)
}

func TestGenerate_RunsStayInsideTheirWindows(t *testing.T) {
	resolver := newResolver(t)
	runs := seed.Generate(resolver, demoOptions())

	windows := resolver.Recent(3)
	perWindow := make([]int, len(windows))
	ids := make(map[string]struct{}, len(runs))

	for _, run := range runs {
		matched := false

		for i, w := range windows {
			if w.Contains(run.StartedAt) {
				perWindow[i]++
				matched = true
			}
		}

		assert.True(t, matched, "run %s at %s outside seeded windows",
			run.RequestID, run.StartedAt)
		require.NotNil(t, run.EndedAt)
		assert.True(t, run.EndedAt.After(run.StartedAt))
		assert.Equal(t, config.DefaultScheduler, run.Scheduler)

		ids[run.RequestID] = struct{}{}
	}

	assert.Equal(t, []int{70, 80, 90}, perWindow)
	assert.Len(t, ids, len(runs), "request IDs must be unique")
}

func TestGenerate_OutcomeMix(t *testing.T) {
	runs := seed.Generate(newResolver(t), demoOptions())

	statuses := make(map[string]int, 3)
	clouds := make(map[string]int, 2)

	for _, run := range runs {
		statuses[run.Status]++

		require.NotNil(t, run.Cloud)
		clouds[*run.Cloud]++

		if run.Status == runstore.StatusFailed {
			assert.NotNil(t, run.Reason)
		} else {
			assert.Nil(t, run.Reason)
			assert.Nil(t, run.Subreason)
		}
	}

	assert.Positive(t, statuses[runstore.StatusPassed])
	assert.Positive(t, statuses[runstore.StatusFailed])
	assert.Positive(t, statuses[runstore.StatusKilled])
	assert.Len(t, clouds, 2)
}

func TestGenerate_Defaults(t *testing.T) {
	runs := seed.Generate(newResolver(t), seed.Options{})

	require.Len(t, runs, 70)

	for _, run := range runs {
		assert.Nil(t, run.Cloud)
	}
}

func TestSeeder_Seed(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	store := runstore.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { _ = store.Stop() })

	resolver := newResolver(t)
	seeder := seed.NewSeeder(log, store, resolver)
	ctx := context.Background()

	result, err := seeder.Seed(ctx, demoOptions())
	require.NoError(t, err)
	assert.Equal(t, runstore.BatchResult{Created: 240}, result)

	// Reseeding with the same options overwrites in place.
	result, err = seeder.Seed(ctx, demoOptions())
	require.NoError(t, err)
	assert.Equal(t, runstore.BatchResult{Updated: 240}, result)

	current := resolver.Current()
	count, err := store.CountRange(ctx, current.Start, current.End, runstore.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(70), count)
}
