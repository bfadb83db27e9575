package ingest_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/regdash/pkg/config"
	"github.com/ethpandaops/regdash/pkg/ingest"
	"github.com/ethpandaops/regdash/pkg/runstore"
)

var (
	allTime = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	forever = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

func setupHandler(t *testing.T) (*ingest.Handler, runstore.Store) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	store := runstore.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { _ = store.Stop() })

	return ingest.NewHandler(log, store, config.DefaultScheduler), store
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantLen int
		wantErr error
	}{
		{name: "empty array", body: `[]`, wantLen: 0},
		{name: "two items", body: ` [{"request_id":"a"},{"request_id":1}] `, wantLen: 2},
		{name: "object is not an array", body: `{"request_id":"a"}`, wantErr: ingest.ErrNotArray},
		{name: "string is not an array", body: `"runs"`, wantErr: ingest.ErrNotArray},
		{name: "null is not an array", body: `null`, wantErr: ingest.ErrNotArray},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := ingest.Decode(strings.NewReader(tt.body))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Len(t, items, tt.wantLen)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	_, err := ingest.Decode(strings.NewReader(`[{"request_id":`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ingest.ErrNotArray)

	_, err = ingest.Decode(strings.NewReader(`[{"request_id":"a"}, 42]`))

	var itemErr *ingest.ItemError
	require.ErrorAs(t, err, &itemErr)
	assert.Equal(t, 1, itemErr.Index)
}

func TestHandler_Normalize_Defaults(t *testing.T) {
	h, _ := setupHandler(t)

	items, err := ingest.Decode(strings.NewReader(`[
		{"request_id": "r1", "started_at": "2025-10-24T05:00:00Z"},
		{"request_id": 1761280000, "started_at": "2025-10-24 10:30:00",
		 "ended_at": "2025-10-24T11:00:00+05:30", "scheduler": "SCHED-2",
		 "cloud": "blr-cloud5", "status": "PASSED", "reason": "r",
		 "subreason": "s", "notes": "n"},
		{"request_id": "r3", "started_at": "2025-10-24T05:00:00Z", "ended_at": "",
		 "status": "", "scheduler": ""}
	]`))
	require.NoError(t, err)

	runs, err := h.Normalize(items)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	first := runs[0]
	assert.Equal(t, "r1", first.RequestID)
	assert.Equal(t, config.DefaultScheduler, first.Scheduler)
	assert.Equal(t, ingest.DefaultStatus, first.Status)
	assert.Nil(t, first.Cloud)
	assert.Nil(t, first.EndedAt)
	assert.Nil(t, first.Reason)
	assert.Equal(t, time.Date(2025, 10, 24, 5, 0, 0, 0, time.UTC), first.StartedAt)

	second := runs[1]
	assert.Equal(t, "1761280000", second.RequestID)
	assert.Equal(t, "SCHED-2", second.Scheduler)
	assert.Equal(t, "PASSED", second.Status)
	assert.Equal(t, "blr-cloud5", *second.Cloud)
	assert.Equal(t, time.Date(2025, 10, 24, 10, 30, 0, 0, time.UTC), second.StartedAt)
	require.NotNil(t, second.EndedAt)
	assert.Equal(t, time.Date(2025, 10, 24, 5, 30, 0, 0, time.UTC), *second.EndedAt)
	assert.Equal(t, "r", *second.Reason)
	assert.Equal(t, "s", *second.Subreason)
	assert.Equal(t, "n", *second.Notes)

	third := runs[2]
	assert.Nil(t, third.EndedAt)
	assert.Equal(t, ingest.DefaultStatus, third.Status)
	assert.Equal(t, config.DefaultScheduler, third.Scheduler)
}

func TestHandler_Normalize_Errors(t *testing.T) {
	h, _ := setupHandler(t)

	valid := `{"request_id":"ok","started_at":"2025-10-24T05:00:00Z"}`

	tests := []struct {
		name      string
		bad       string
		wantField string
	}{
		{name: "missing request_id", bad: `{"started_at":"2025-10-24T05:00:00Z"}`, wantField: "request_id"},
		{name: "null request_id", bad: `{"request_id":null,"started_at":"2025-10-24T05:00:00Z"}`, wantField: "request_id"},
		{name: "blank request_id", bad: `{"request_id":"  ","started_at":"2025-10-24T05:00:00Z"}`, wantField: "request_id"},
		{name: "bool request_id", bad: `{"request_id":true,"started_at":"2025-10-24T05:00:00Z"}`, wantField: "request_id"},
		{name: "missing started_at", bad: `{"request_id":"x"}`, wantField: "started_at"},
		{name: "bad started_at", bad: `{"request_id":"x","started_at":"last tuesday"}`, wantField: "started_at"},
		{name: "bad ended_at", bad: `{"request_id":"x","started_at":"2025-10-24T05:00:00Z","ended_at":"soon"}`, wantField: "ended_at"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := ingest.Decode(strings.NewReader("[" + valid + "," + tt.bad + "]"))
			require.NoError(t, err)

			_, err = h.Normalize(items)

			var itemErr *ingest.ItemError
			require.ErrorAs(t, err, &itemErr)
			assert.Equal(t, 1, itemErr.Index)
			assert.Equal(t, tt.wantField, itemErr.Field)
			assert.Contains(t, err.Error(), "item 1: "+tt.wantField)
		})
	}
}

func TestHandler_Ingest_Idempotent(t *testing.T) {
	h, store := setupHandler(t)
	ctx := context.Background()

	body := `[{"request_id":"r1","started_at":"2025-10-24T05:00:00Z","status":"PASSED"}]`

	result, err := h.IngestJSON(ctx, strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, runstore.BatchResult{Created: 1}, result)

	result, err = h.IngestJSON(ctx, strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, runstore.BatchResult{Updated: 1}, result)

	total, err := store.CountRange(ctx, allTime, forever, runstore.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestHandler_Ingest_DuplicateInBatchKeepsLast(t *testing.T) {
	h, store := setupHandler(t)
	ctx := context.Background()

	result, err := h.IngestJSON(ctx, strings.NewReader(`[
		{"request_id":"dup","started_at":"2025-10-24T05:00:00Z","status":"FAILED","reason":"Quota Exceed"},
		{"request_id":"dup","started_at":"2025-10-24T06:00:00Z","status":"PASSED","cloud":"blr-cloud4"}
	]`))
	require.NoError(t, err)
	assert.Equal(t, runstore.BatchResult{Created: 1, Updated: 1}, result)

	runs, err := store.QueryRange(ctx, allTime, forever, runstore.Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "PASSED", runs[0].Status)
	assert.Nil(t, runs[0].Reason)
	assert.Equal(t, "blr-cloud4", *runs[0].Cloud)
	assert.True(t, time.Date(2025, 10, 24, 6, 0, 0, 0, time.UTC).Equal(runs[0].StartedAt))
}

func TestHandler_Ingest_InvalidItemWritesNothing(t *testing.T) {
	h, store := setupHandler(t)
	ctx := context.Background()

	_, err := h.IngestJSON(ctx, strings.NewReader(`[
		{"request_id":"good","started_at":"2025-10-24T05:00:00Z"},
		{"request_id":"bad"}
	]`))

	var itemErr *ingest.ItemError
	require.ErrorAs(t, err, &itemErr)
	assert.Equal(t, 1, itemErr.Index)

	total, err := store.CountRange(ctx, allTime, forever, runstore.Filter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestHandler_Ingest_NotArray(t *testing.T) {
	h, _ := setupHandler(t)

	_, err := h.IngestJSON(context.Background(), strings.NewReader(`{"request_id":"r1"}`))
	assert.True(t, errors.Is(err, ingest.ErrNotArray))
}
