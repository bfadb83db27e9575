package runstore

import "time"

// Well-known run statuses. Any other status string is stored as-is.
const (
	StatusPassed = "PASSED"
	StatusFailed = "FAILED"
	StatusKilled = "KILLED"
)

// Run is one recorded regression execution, keyed by RequestID.
type Run struct {
	ID        uint       `gorm:"primaryKey"`
	RequestID string     `gorm:"size:64;not null;uniqueIndex"`
	Scheduler string     `gorm:"size:128;not null;index"`
	Cloud     *string    `gorm:"size:64;index"`
	StartedAt time.Time  `gorm:"not null;index"`
	EndedAt   *time.Time `gorm:"index"`
	Status    string     `gorm:"size:32;not null;index"`
	Reason    *string    `gorm:"size:128"`
	Subreason *string    `gorm:"size:256"`
	Notes     *string    `gorm:"type:text"`
}

// TableName pins the table name independent of gorm's pluralization.
func (Run) TableName() string {
	return "runs"
}

// mutableColumns are overwritten when an existing request_id is upserted.
var mutableColumns = []string{
	"scheduler",
	"cloud",
	"started_at",
	"ended_at",
	"status",
	"reason",
	"subreason",
	"notes",
}

// Filter restricts range queries by exact match. Empty fields match all.
type Filter struct {
	Status    string
	Reason    string
	Scheduler string
	Cloud     string
}

// BatchResult tallies the outcome of an UpsertBatch call.
type BatchResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// StatusCount is a run count for one status.
type StatusCount struct {
	Status string
	Count  int64
}

// ReasonCount is a failed-run count for one reason. Reason is nil for
// failures recorded without one.
type ReasonCount struct {
	Reason *string
	Count  int64
}

// CloudStatusCount is a run count for one (cloud, status) pair.
type CloudStatusCount struct {
	Cloud  *string
	Status string
	Count  int64
}

// DayCloudStatusCount is a run count for one (local date, cloud, status)
// triple. Day uses window.DayLayout.
type DayCloudStatusCount struct {
	Day    string
	Cloud  *string
	Status string
	Count  int64
}
