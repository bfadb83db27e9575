package dashboard

import (
	"time"

	"github.com/ethpandaops/regdash/pkg/runstore"
)

// Presentation values for absent reason and cloud tags.
const (
	UnknownReason = "Unknown"
	UnknownCloud  = "unknown"
)

// Record is the external representation of a run.
type Record struct {
	RequestID string  `json:"request_id"`
	Scheduler string  `json:"scheduler"`
	Cloud     *string `json:"cloud"`
	StartedAt string  `json:"started_at"`
	EndedAt   *string `json:"ended_at"`
	Status    string  `json:"status"`
	Reason    *string `json:"reason"`
	Subreason *string `json:"subreason"`
	Notes     *string `json:"notes"`
	LogURL    string  `json:"log_url"`

	// Started and Ended are the stored instants behind StartedAt and
	// EndedAt, for callers rendering their own formats.
	Started time.Time  `json:"-"`
	Ended   *time.Time `json:"-"`
}

// NewRecord converts a stored run, linking it under logBaseURL.
func NewRecord(run *runstore.Run, logBaseURL string) Record {
	rec := Record{
		RequestID: run.RequestID,
		Scheduler: run.Scheduler,
		Cloud:     run.Cloud,
		StartedAt: formatInstant(run.StartedAt),
		Status:    run.Status,
		Reason:    run.Reason,
		Subreason: run.Subreason,
		Notes:     run.Notes,
		LogURL:    logBaseURL + run.RequestID,
		Started:   run.StartedAt,
		Ended:     run.EndedAt,
	}

	if run.EndedAt != nil {
		ended := formatInstant(*run.EndedAt)
		rec.EndedAt = &ended
	}

	return rec
}

func formatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// reasonKey buckets an optional failure reason.
func reasonKey(reason *string) string {
	if reason == nil || *reason == "" {
		return UnknownReason
	}

	return *reason
}

// cloudKey buckets an optional cloud tag.
func cloudKey(cloud *string) string {
	if cloud == nil || *cloud == "" {
		return UnknownCloud
	}

	return *cloud
}
