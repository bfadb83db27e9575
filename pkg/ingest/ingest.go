// Package ingest accepts batches of run payloads and upserts them.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethpandaops/regdash/pkg/runstore"
	"github.com/ethpandaops/regdash/pkg/window"
	"github.com/sirupsen/logrus"
)

// DefaultStatus is assigned to payloads that omit a status, so that
// unclassified runs surface as failures.
const DefaultStatus = runstore.StatusFailed

var (
	// ErrNotArray is returned when the body is not a JSON array.
	ErrNotArray = errors.New("expected a JSON array")

	errRequired    = errors.New("is required")
	errInvalidTime = errors.New("must be an ISO-8601 timestamp")
	errInvalidID   = errors.New("must be a string or number")
)

// ItemError reports the batch element that stopped ingestion.
type ItemError struct {
	Index int
	Field string
	Err   error
}

func (e *ItemError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("item %d: %v", e.Index, e.Err)
	}

	return fmt.Sprintf("item %d: %s %v", e.Index, e.Field, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Payload is one run as submitted to the ingestion endpoint.
type Payload struct {
	RequestID json.RawMessage `json:"request_id"`
	Scheduler *string         `json:"scheduler"`
	Cloud     *string         `json:"cloud"`
	StartedAt *string         `json:"started_at"`
	EndedAt   *string         `json:"ended_at"`
	Status    *string         `json:"status"`
	Reason    *string         `json:"reason"`
	Subreason *string         `json:"subreason"`
	Notes     *string         `json:"notes"`
}

// Decode reads a JSON array of payloads from r.
func Decode(r io.Reader) ([]Payload, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding body: %w", err)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrNotArray
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, fmt.Errorf("decoding array: %w", err)
	}

	items := make([]Payload, len(elems))

	for i, elem := range elems {
		if err := json.Unmarshal(elem, &items[i]); err != nil {
			return nil, &ItemError{Index: i, Err: err}
		}
	}

	return items, nil
}

// Handler normalizes payloads into runs and writes them to the store.
type Handler struct {
	log              logrus.FieldLogger
	store            runstore.Store
	defaultScheduler string
}

// NewHandler creates an ingestion Handler. Runs without a scheduler are
// assigned defaultScheduler.
func NewHandler(
	log logrus.FieldLogger,
	store runstore.Store,
	defaultScheduler string,
) *Handler {
	return &Handler{
		log:              log.WithField("component", "ingest"),
		store:            store,
		defaultScheduler: defaultScheduler,
	}
}

// IngestJSON decodes r and ingests the batch it contains.
func (h *Handler) IngestJSON(
	ctx context.Context, r io.Reader,
) (runstore.BatchResult, error) {
	items, err := Decode(r)
	if err != nil {
		return runstore.BatchResult{}, err
	}

	return h.Ingest(ctx, items)
}

// Ingest normalizes every payload and then upserts the batch in input
// order. An invalid payload aborts the batch before anything is written.
func (h *Handler) Ingest(
	ctx context.Context, items []Payload,
) (runstore.BatchResult, error) {
	runs, err := h.Normalize(items)
	if err != nil {
		return runstore.BatchResult{}, err
	}

	result, err := h.store.UpsertBatch(ctx, runs)
	if err != nil {
		return runstore.BatchResult{}, fmt.Errorf("storing batch: %w", err)
	}

	h.log.WithFields(logrus.Fields{
		"created": result.Created,
		"updated": result.Updated,
	}).Info("Ingested runs")

	return result, nil
}

// Normalize converts payloads into runs, applying defaults.
func (h *Handler) Normalize(items []Payload) ([]*runstore.Run, error) {
	runs := make([]*runstore.Run, 0, len(items))

	for i := range items {
		run, err := h.normalize(&items[i])
		if err != nil {
			var itemErr *ItemError
			if errors.As(err, &itemErr) {
				itemErr.Index = i
			}

			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, nil
}

func (h *Handler) normalize(p *Payload) (*runstore.Run, error) {
	requestID, err := parseRequestID(p.RequestID)
	if err != nil {
		return nil, &ItemError{Field: "request_id", Err: err}
	}

	if p.StartedAt == nil || strings.TrimSpace(*p.StartedAt) == "" {
		return nil, &ItemError{Field: "started_at", Err: errRequired}
	}

	startedAt, ok := window.ParseInstant(*p.StartedAt)
	if !ok {
		return nil, &ItemError{Field: "started_at", Err: errInvalidTime}
	}

	run := &runstore.Run{
		RequestID: requestID,
		Scheduler: orDefault(p.Scheduler, h.defaultScheduler),
		Cloud:     p.Cloud,
		StartedAt: startedAt,
		Status:    orDefault(p.Status, DefaultStatus),
		Reason:    p.Reason,
		Subreason: p.Subreason,
		Notes:     p.Notes,
	}

	if p.EndedAt != nil && strings.TrimSpace(*p.EndedAt) != "" {
		endedAt, ok := window.ParseInstant(*p.EndedAt)
		if !ok {
			return nil, &ItemError{Field: "ended_at", Err: errInvalidTime}
		}

		run.EndedAt = &endedAt
	}

	return run, nil
}

// parseRequestID accepts a JSON string or number.
func parseRequestID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errRequired
	}

	var id string

	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", errInvalidID
		}
	default:
		var num json.Number
		if err := json.Unmarshal(raw, &num); err != nil {
			return "", errInvalidID
		}

		id = num.String()
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return "", errRequired
	}

	return id, nil
}

func orDefault(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}

	return *v
}
