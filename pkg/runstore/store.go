// Package runstore persists run records and serves windowed queries.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethpandaops/regdash/pkg/config"
	"github.com/ethpandaops/regdash/pkg/window"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// maxUpsertAttempts bounds retries after a unique-key conflict with a
// concurrent writer.
const maxUpsertAttempts = 3

// Store provides persistence for run records.
type Store interface {
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error

	// Upsert creates or overwrites the run with run.RequestID and reports
	// whether it was newly created.
	Upsert(ctx context.Context, run *Run) (bool, error)
	// UpsertBatch upserts runs in order inside a single transaction.
	UpsertBatch(ctx context.Context, runs []*Run) (BatchResult, error)

	QueryRange(
		ctx context.Context, start, end time.Time, filter Filter,
	) ([]Run, error)
	CountRange(
		ctx context.Context, start, end time.Time, filter Filter,
	) (int64, error)

	CountByStatus(
		ctx context.Context, start, end time.Time, filter Filter,
	) ([]StatusCount, error)
	CountFailuresByReason(
		ctx context.Context, start, end time.Time,
	) ([]ReasonCount, error)
	CountByCloudStatus(
		ctx context.Context, start, end time.Time,
	) ([]CloudStatusCount, error)
	CountByDayCloudStatus(
		ctx context.Context, tr window.Trend,
	) ([]DayCloudStatusCount, error)

	// Reset drops and recreates the runs table.
	Reset(ctx context.Context) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new run Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "runstore"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.DSN())
	case "postgres":
		dialector = postgres.Open(s.cfg.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening run database: %w", err)
	}

	s.db = db

	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		// One connection serializes SQLite writers and keeps an
		// in-memory database shared across queries.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(&Run{}); err != nil {
		return fmt.Errorf("running run migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Run database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Ping verifies the database is reachable.
func (s *store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging run database: %w", err)
	}

	return nil
}

// Upsert inserts or overwrites a run keyed by request_id.
func (s *store) Upsert(ctx context.Context, run *Run) (bool, error) {
	var created bool

	err := s.withConflictRetry(ctx, func(tx *gorm.DB) error {
		var err error

		created, err = upsertRun(tx, run)

		return err
	})
	if err != nil {
		return false, fmt.Errorf("upserting run %s: %w", run.RequestID, err)
	}

	return created, nil
}

// UpsertBatch upserts every run in order; a later run with the same
// request_id overwrites an earlier one. Either all runs are written or
// none are.
func (s *store) UpsertBatch(
	ctx context.Context, runs []*Run,
) (BatchResult, error) {
	var result BatchResult

	if len(runs) == 0 {
		return result, nil
	}

	err := s.withConflictRetry(ctx, func(tx *gorm.DB) error {
		result = BatchResult{}

		for _, run := range runs {
			created, err := upsertRun(tx, run)
			if err != nil {
				return fmt.Errorf("upserting run %s: %w", run.RequestID, err)
			}

			if created {
				result.Created++
			} else {
				result.Updated++
			}
		}

		return nil
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("upserting batch: %w", err)
	}

	return result, nil
}

// withConflictRetry runs fn in a transaction, re-running it when a
// concurrent insert of the same request_id wins the unique index.
func (s *store) withConflictRetry(
	ctx context.Context, fn func(tx *gorm.DB) error,
) error {
	var err error

	for attempt := 1; attempt <= maxUpsertAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if err == nil || !isUniqueConflict(err) {
			return err
		}

		s.log.WithError(err).
			WithField("attempt", attempt).
			Debug("Unique conflict during upsert, retrying")
	}

	return err
}

func isUniqueConflict(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}

// upsertRun reads the existing row for run.RequestID and either creates
// it or overwrites its mutable columns, nulls included.
func upsertRun(tx *gorm.DB, run *Run) (bool, error) {
	var existing Run

	err := tx.Where("request_id = ?", run.RequestID).Take(&existing).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		run.ID = 0
		normalizeTimes(run)

		if err := tx.Create(run).Error; err != nil {
			return false, fmt.Errorf("creating run: %w", err)
		}

		return true, nil
	case err != nil:
		return false, fmt.Errorf("finding run: %w", err)
	}

	run.ID = existing.ID
	normalizeTimes(run)

	if err := tx.Model(&existing).
		Select(mutableColumns).
		Updates(run).Error; err != nil {
		return false, fmt.Errorf("updating run: %w", err)
	}

	return false, nil
}

// normalizeTimes stores every instant in UTC so range comparisons are
// consistent across drivers.
func normalizeTimes(run *Run) {
	run.StartedAt = run.StartedAt.UTC()

	if run.EndedAt != nil {
		ended := run.EndedAt.UTC()
		run.EndedAt = &ended
	}
}

// inRange scopes a query to start <= started_at < end.
func (s *store) inRange(
	ctx context.Context, start, end time.Time,
) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&Run{}).
		Where("started_at >= ? AND started_at < ?", start.UTC(), end.UTC())
}

// apply adds the non-empty filter fields as equality predicates.
func (f Filter) apply(db *gorm.DB) *gorm.DB {
	if f.Status != "" {
		db = db.Where("status = ?", f.Status)
	}

	if f.Reason != "" {
		db = db.Where("reason = ?", f.Reason)
	}

	if f.Scheduler != "" {
		db = db.Where("scheduler = ?", f.Scheduler)
	}

	if f.Cloud != "" {
		db = db.Where("cloud = ?", f.Cloud)
	}

	return db
}

// QueryRange returns matching runs ordered by started_at, newest first.
func (s *store) QueryRange(
	ctx context.Context, start, end time.Time, filter Filter,
) ([]Run, error) {
	runs := make([]Run, 0, 64)
	if err := filter.apply(s.inRange(ctx, start, end)).
		Order("started_at DESC").
		Order("id DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}

	return runs, nil
}

// CountRange returns the number of matching runs.
func (s *store) CountRange(
	ctx context.Context, start, end time.Time, filter Filter,
) (int64, error) {
	var count int64
	if err := filter.apply(s.inRange(ctx, start, end)).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting runs: %w", err)
	}

	return count, nil
}

// CountByStatus groups matching runs by status.
func (s *store) CountByStatus(
	ctx context.Context, start, end time.Time, filter Filter,
) ([]StatusCount, error) {
	var rows []StatusCount
	if err := filter.apply(s.inRange(ctx, start, end)).
		Select("status, COUNT(*) AS count").
		Group("status").
		Order("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting runs by status: %w", err)
	}

	return rows, nil
}

// CountFailuresByReason groups failed runs by reason.
func (s *store) CountFailuresByReason(
	ctx context.Context, start, end time.Time,
) ([]ReasonCount, error) {
	var rows []ReasonCount
	if err := s.inRange(ctx, start, end).
		Where("status = ?", StatusFailed).
		Select("reason, COUNT(*) AS count").
		Group("reason").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting failures by reason: %w", err)
	}

	return rows, nil
}

// CountByCloudStatus groups runs by (cloud, status).
func (s *store) CountByCloudStatus(
	ctx context.Context, start, end time.Time,
) ([]CloudStatusCount, error) {
	var rows []CloudStatusCount
	if err := s.inRange(ctx, start, end).
		Select("cloud, status, COUNT(*) AS count").
		Group("cloud, status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting runs by cloud: %w", err)
	}

	return rows, nil
}

// CountByDayCloudStatus groups the runs of tr by (local date, cloud,
// status). Dates come from tr.DayOf, so bucketing happens here rather than
// in SQL where timezone functions differ per driver.
func (s *store) CountByDayCloudStatus(
	ctx context.Context, tr window.Trend,
) ([]DayCloudStatusCount, error) {
	type dayRow struct {
		StartedAt time.Time
		Cloud     *string
		Status    string
	}

	var rows []dayRow
	if err := s.inRange(ctx, tr.Start, tr.End).
		Select("started_at, cloud, status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing runs for day buckets: %w", err)
	}

	type bucketKey struct {
		day    string
		cloud  string
		nilCld bool
		status string
	}

	counts := make(map[bucketKey]*DayCloudStatusCount, 32)

	for _, row := range rows {
		key := bucketKey{
			day:    tr.DayOf(row.StartedAt),
			nilCld: row.Cloud == nil,
			status: row.Status,
		}

		if row.Cloud != nil {
			key.cloud = *row.Cloud
		}

		bucket, ok := counts[key]
		if !ok {
			bucket = &DayCloudStatusCount{
				Day:    key.day,
				Cloud:  row.Cloud,
				Status: row.Status,
			}
			counts[key] = bucket
		}

		bucket.Count++
	}

	out := make([]DayCloudStatusCount, 0, len(counts))
	for _, bucket := range counts {
		out = append(out, *bucket)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}

		ci, cj := deref(out[i].Cloud), deref(out[j].Cloud)
		if ci != cj {
			return ci < cj
		}

		return out[i].Status < out[j].Status
	})

	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}

// Reset drops and recreates the runs table.
func (s *store) Reset(ctx context.Context) error {
	db := s.db.WithContext(ctx)

	if err := db.Migrator().DropTable(&Run{}); err != nil {
		return fmt.Errorf("dropping runs table: %w", err)
	}

	if err := db.AutoMigrate(&Run{}); err != nil {
		return fmt.Errorf("recreating runs table: %w", err)
	}

	s.log.Warn("Run table reset")

	return nil
}
