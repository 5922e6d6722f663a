// Package history persists the ledger of split jobs.
//
// Every backend treats each call as its own unit of work: nothing is held open
// between calls, so several orchestrators may share one store.
package history

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Lllllllleong/pdfsplitter/internal/models"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

var (
	ErrNotFound          = errors.New("history record not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Store is durable CRUD over history records.
type Store interface {
	// AddJob inserts rec as PENDING and returns the identity the store assigned.
	AddJob(ctx context.Context, rec *models.HistoryRecord) (string, error)
	// UpdateJob applies the set fields of update. An empty update is a no-op.
	UpdateJob(ctx context.Context, id string, update models.JobUpdate) error
	// ListJobs returns matching records, newest first.
	ListJobs(ctx context.Context, q ListQuery) ([]*models.HistoryRecord, error)
	GetJob(ctx context.Context, id string) (*models.HistoryRecord, error)
	// Clear irreversibly deletes every record.
	Clear(ctx context.Context) error
	Close() error
}

// ListQuery filters and pages ListJobs. Zero values mean "no filter".
type ListQuery struct {
	Limit  int
	Offset int
	Status models.JobStatus
	// Search is a case-insensitive substring of the input path or output directory.
	Search string
}

// Normalize clamps the paging fields into range.
func (q ListQuery) Normalize() ListQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	q.Limit = min(q.Limit, MaxListLimit)
	q.Offset = max(q.Offset, 0)
	q.Search = strings.TrimSpace(q.Search)
	return q
}

// Matches applies the status and search filters to rec.
func (q ListQuery) Matches(rec *models.HistoryRecord) bool {
	if q.Status != "" && rec.Status != q.Status {
		return false
	}
	if q.Search == "" {
		return true
	}
	needle := strings.ToLower(q.Search)
	return strings.Contains(strings.ToLower(rec.InputPath), needle) ||
		strings.Contains(strings.ToLower(rec.OutputDir), needle)
}

// prepareNew fills in the fields AddJob owns and rejects records that are not new.
func prepareNew(rec *models.HistoryRecord, id string, now time.Time) (*models.HistoryRecord, error) {
	if rec == nil {
		return nil, errors.New("history record is nil")
	}
	if rec.Status != "" && rec.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: new records must be %s, got %s", ErrInvalidTransition, models.StatusPending, rec.Status)
	}
	out := *rec
	out.ID = id
	out.Status = models.StatusPending
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return &out, nil
}

// checkTransition validates update against the record's current status.
func checkTransition(current models.JobStatus, update models.JobUpdate) error {
	if update.Status == nil {
		return nil
	}
	next := *update.Status
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}

// sortNewestFirst orders by creation time descending, breaking ties by id.
func sortNewestFirst(records []*models.HistoryRecord) {
	slices.SortFunc(records, func(a, b *models.HistoryRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}

// page slices already-filtered, already-sorted records.
func page(records []*models.HistoryRecord, q ListQuery) []*models.HistoryRecord {
	if q.Offset >= len(records) {
		return []*models.HistoryRecord{}
	}
	end := min(len(records), q.Offset+q.Limit)
	return records[q.Offset:end]
}
