package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/pdfsplitter/internal/models"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultCollection is the Firestore collection used when none is configured.
const DefaultCollection = "split_jobs"

// firestoreRecord is the document shape stored in Firestore.
type firestoreRecord struct {
	CreatedAt    time.Time      `firestore:"createdAt"`
	InputPath    string         `firestore:"inputPath"`
	OutputDir    string         `firestore:"outputDir"`
	Strategy     string         `firestore:"strategy"`
	Params       map[string]any `firestore:"params"`
	Status       string         `firestore:"status"`
	DurationMs   *int64         `firestore:"durationMs,omitempty"`
	OutputCount  *int64         `firestore:"outputCount,omitempty"`
	ErrorMessage *string        `firestore:"errorMessage,omitempty"`
	OutputSample []string       `firestore:"outputSample,omitempty"`
}

func toFirestoreRecord(rec *models.HistoryRecord) firestoreRecord {
	doc := firestoreRecord{
		CreatedAt:    rec.CreatedAt,
		InputPath:    rec.InputPath,
		OutputDir:    rec.OutputDir,
		Strategy:     rec.Strategy.String(),
		Params:       rec.Params,
		Status:       string(rec.Status),
		DurationMs:   rec.DurationMs,
		ErrorMessage: rec.ErrorMessage,
		OutputSample: rec.OutputSample,
	}
	if rec.OutputCount != nil {
		n := int64(*rec.OutputCount)
		doc.OutputCount = &n
	}
	return doc
}

func fromSnapshot(snap *firestore.DocumentSnapshot) (*models.HistoryRecord, error) {
	var doc firestoreRecord
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode history record %s: %w", snap.Ref.ID, err)
	}
	strategy, err := models.ParseStrategy(doc.Strategy)
	if err != nil {
		return nil, fmt.Errorf("history record %s: %w", snap.Ref.ID, err)
	}
	rec := &models.HistoryRecord{
		ID:           snap.Ref.ID,
		CreatedAt:    doc.CreatedAt.UTC(),
		InputPath:    doc.InputPath,
		OutputDir:    doc.OutputDir,
		Strategy:     strategy,
		Params:       doc.Params,
		Status:       models.JobStatus(doc.Status),
		DurationMs:   doc.DurationMs,
		ErrorMessage: doc.ErrorMessage,
		OutputSample: doc.OutputSample,
	}
	if doc.OutputCount != nil {
		n := int(*doc.OutputCount)
		rec.OutputCount = &n
	}
	return rec, nil
}

// FirestoreStore keeps one document per job in a Firestore collection.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreStore{client: client, collection: collection, now: time.Now}
}

func (s *FirestoreStore) coll() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) AddJob(ctx context.Context, rec *models.HistoryRecord) (string, error) {
	ref := s.coll().NewDoc()
	out, err := prepareNew(rec, ref.ID, s.now())
	if err != nil {
		return "", err
	}
	if _, err := ref.Create(ctx, toFirestoreRecord(out)); err != nil {
		return "", fmt.Errorf("failed to create history record: %w", err)
	}
	return ref.ID, nil
}

func (s *FirestoreStore) UpdateJob(ctx context.Context, id string, update models.JobUpdate) error {
	if update.IsEmpty() {
		return nil
	}
	ref := s.coll().Doc(id)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read history record %s: %w", id, err)
		}
		current, err := snap.DataAt("status")
		if err != nil {
			return fmt.Errorf("history record %s has no status: %w", id, err)
		}
		currentStatus, _ := current.(string)
		if err := checkTransition(models.JobStatus(currentStatus), update); err != nil {
			return err
		}
		return tx.Update(ref, firestoreUpdates(update))
	})
}

func firestoreUpdates(update models.JobUpdate) []firestore.Update {
	var updates []firestore.Update
	if update.Status != nil {
		updates = append(updates, firestore.Update{Path: "status", Value: string(*update.Status)})
	}
	if update.DurationMs != nil {
		updates = append(updates, firestore.Update{Path: "durationMs", Value: *update.DurationMs})
	}
	if update.OutputCount != nil {
		updates = append(updates, firestore.Update{Path: "outputCount", Value: int64(*update.OutputCount)})
	}
	if update.ErrorMessage != nil {
		updates = append(updates, firestore.Update{Path: "errorMessage", Value: *update.ErrorMessage})
	}
	if update.OutputSample != nil {
		updates = append(updates, firestore.Update{Path: "outputSample", Value: update.OutputSample})
	}
	return updates
}

// ListJobs pushes the status filter and paging to Firestore. Substring search
// has no server-side equivalent, so with a search term paging happens here.
func (s *FirestoreStore) ListJobs(ctx context.Context, q ListQuery) ([]*models.HistoryRecord, error) {
	q = q.Normalize()
	query := s.coll().OrderBy("createdAt", firestore.Desc)
	if q.Status != "" {
		query = query.Where("status", "==", string(q.Status))
	}
	if q.Search == "" {
		query = query.Offset(q.Offset).Limit(q.Limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()
	var records []*models.HistoryRecord
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list history records: %w", err)
		}
		rec, err := fromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		if q.Matches(rec) {
			records = append(records, rec)
		}
	}
	if q.Search == "" {
		if records == nil {
			records = []*models.HistoryRecord{}
		}
		return records, nil
	}
	return page(records, q), nil
}

func (s *FirestoreStore) GetJob(ctx context.Context, id string) (*models.HistoryRecord, error) {
	snap, err := s.coll().Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history record %s: %w", id, err)
	}
	return fromSnapshot(snap)
}

func (s *FirestoreStore) Clear(ctx context.Context) error {
	bw := s.client.BulkWriter(ctx)
	var (
		ids  []string
		jobs []bulkResult
	)
	iter := s.coll().DocumentRefs(ctx)
	for {
		ref, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return errors.Join(fmt.Errorf("failed to list history records: %w", err), bulkErrors(ids, jobs))
		}
		job, err := bw.Delete(ref)
		if err != nil {
			bw.End()
			return errors.Join(fmt.Errorf("failed to queue delete of %s: %w", ref.ID, err), bulkErrors(ids, jobs))
		}
		ids = append(ids, ref.ID)
		jobs = append(jobs, job)
	}
	bw.End()
	return bulkErrors(ids, jobs)
}

// bulkResult is the part of *firestore.BulkWriterJob Clear needs.
type bulkResult interface {
	Results() (*firestore.WriteResult, error)
}

// bulkErrors waits on every queued write and joins the failures.
func bulkErrors(ids []string, jobs []bulkResult) error {
	var errs []error
	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete history record %s: %w", ids[i], err))
		}
	}
	return errors.Join(errs...)
}

func (s *FirestoreStore) Close() error { return s.client.Close() }
