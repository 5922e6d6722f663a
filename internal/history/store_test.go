package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/pdfsplitter/internal/models"
)

func ptr[T any](v T) *T { return &v }

func newRecord(input, output string, created time.Time) *models.HistoryRecord {
	params := models.NewSplitJobParams(input, output, models.StrategyEveryNPages)
	params.PagesPerFile = 2
	return models.NewPendingRecord(params, created)
}

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("add and get", func(t *testing.T) {
		s := newStore(t)
		id, err := s.AddJob(ctx, newRecord("/docs/a.pdf", "/out/a", base))
		if err != nil {
			t.Fatalf("AddJob: %v", err)
		}
		if id == "" {
			t.Fatal("AddJob returned an empty id")
		}
		rec, err := s.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if rec.ID != id || rec.Status != models.StatusPending || rec.InputPath != "/docs/a.pdf" {
			t.Errorf("GetJob = %+v", rec)
		}
		if !rec.CreatedAt.Equal(base) {
			t.Errorf("CreatedAt = %v, want %v", rec.CreatedAt, base)
		}
		params, err := models.ParamsFromMap(rec.Params)
		if err != nil {
			t.Fatalf("ParamsFromMap: %v", err)
		}
		if params.Strategy != models.StrategyEveryNPages || params.PagesPerFile != 2 || params.OutputDir != "/out/a" {
			t.Errorf("params did not round-trip: %+v", params)
		}
	})

	t.Run("get unknown", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetJob(ctx, "does-not-exist"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("add rejects non-pending", func(t *testing.T) {
		s := newStore(t)
		rec := newRecord("/docs/a.pdf", "/out", base)
		rec.Status = models.StatusSuccess
		if _, err := s.AddJob(ctx, rec); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("err = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("update lifecycle", func(t *testing.T) {
		s := newStore(t)
		id, err := s.AddJob(ctx, newRecord("/docs/a.pdf", "/out", base))
		if err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateJob(ctx, id, models.JobUpdate{Status: ptr(models.StatusRunning)}); err != nil {
			t.Fatalf("to running: %v", err)
		}
		done := models.JobUpdate{
			Status:       ptr(models.StatusSuccess),
			DurationMs:   ptr(int64(1234)),
			OutputCount:  ptr(3),
			OutputSample: []string{"/out/a.pdf", "/out/b.pdf", "/out/c.pdf"},
		}
		if err := s.UpdateJob(ctx, id, done); err != nil {
			t.Fatalf("to success: %v", err)
		}
		rec, err := s.GetJob(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != models.StatusSuccess || rec.DurationMs == nil || *rec.DurationMs != 1234 ||
			rec.OutputCount == nil || *rec.OutputCount != 3 || len(rec.OutputSample) != 3 {
			t.Errorf("record after success = %+v", rec)
		}
		if rec.ErrorMessage != nil {
			t.Errorf("ErrorMessage = %q, want unset", *rec.ErrorMessage)
		}

		err = s.UpdateJob(ctx, id, models.JobUpdate{Status: ptr(models.StatusRunning)})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("success -> running: err = %v, want ErrInvalidTransition", err)
		}
		err = s.UpdateJob(ctx, id, models.JobUpdate{Status: ptr(models.StatusFailed), ErrorMessage: ptr("late")})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("success -> failed: err = %v, want ErrInvalidTransition", err)
		}
		rec, _ = s.GetJob(ctx, id)
		if rec.ErrorMessage != nil {
			t.Error("rejected update still changed the record")
		}
	})

	t.Run("empty update is a no-op", func(t *testing.T) {
		s := newStore(t)
		if err := s.UpdateJob(ctx, "does-not-exist", models.JobUpdate{}); err != nil {
			t.Errorf("empty update: %v", err)
		}
	})

	t.Run("update unknown", func(t *testing.T) {
		s := newStore(t)
		err := s.UpdateJob(ctx, "does-not-exist", models.JobUpdate{Status: ptr(models.StatusRunning)})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("list order filters and paging", func(t *testing.T) {
		s := newStore(t)
		var ids []string
		for i, input := range []string{"/docs/Invoice-1.pdf", "/docs/report.pdf", "/scans/invoice-2.pdf", "/docs/notes.pdf"} {
			id, err := s.AddJob(ctx, newRecord(input, "/out", base.Add(time.Duration(i)*time.Minute)))
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, id)
		}
		if err := s.UpdateJob(ctx, ids[1], models.JobUpdate{Status: ptr(models.StatusFailed), ErrorMessage: ptr("boom")}); err != nil {
			t.Fatal(err)
		}

		all, err := s.ListJobs(ctx, ListQuery{})
		if err != nil {
			t.Fatal(err)
		}
		if got := recordIDs(all); fmt.Sprint(got) != fmt.Sprint([]string{ids[3], ids[2], ids[1], ids[0]}) {
			t.Errorf("newest-first order = %v", got)
		}

		paged, err := s.ListJobs(ctx, ListQuery{Limit: 2, Offset: 1})
		if err != nil {
			t.Fatal(err)
		}
		if got := recordIDs(paged); fmt.Sprint(got) != fmt.Sprint([]string{ids[2], ids[1]}) {
			t.Errorf("page = %v", got)
		}

		failed, err := s.ListJobs(ctx, ListQuery{Status: models.StatusFailed})
		if err != nil {
			t.Fatal(err)
		}
		if got := recordIDs(failed); len(got) != 1 || got[0] != ids[1] {
			t.Errorf("failed filter = %v", got)
		}

		search, err := s.ListJobs(ctx, ListQuery{Search: "INVOICE"})
		if err != nil {
			t.Fatal(err)
		}
		if got := recordIDs(search); fmt.Sprint(got) != fmt.Sprint([]string{ids[2], ids[0]}) {
			t.Errorf("search = %v", got)
		}

		beyond, err := s.ListJobs(ctx, ListQuery{Offset: 10})
		if err != nil {
			t.Fatal(err)
		}
		if len(beyond) != 0 {
			t.Errorf("offset past end returned %d records", len(beyond))
		}
	})

	t.Run("clear", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 3; i++ {
			if _, err := s.AddJob(ctx, newRecord("/docs/a.pdf", "/out", base)); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.Clear(ctx); err != nil {
			t.Fatal(err)
		}
		all, err := s.ListJobs(ctx, ListQuery{})
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 0 {
			t.Errorf("%d records left after Clear", len(all))
		}
	})

	t.Run("concurrent updates stay monotonic", func(t *testing.T) {
		s := newStore(t)
		id, err := s.AddJob(ctx, newRecord("/docs/a.pdf", "/out", base))
		if err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateJob(ctx, id, models.JobUpdate{Status: ptr(models.StatusRunning)}); err != nil {
			t.Fatal(err)
		}
		terminal := []models.JobStatus{models.StatusSuccess, models.StatusFailed, models.StatusCancelled}
		var wg sync.WaitGroup
		errs := make([]error, len(terminal))
		for i, st := range terminal {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = s.UpdateJob(ctx, id, models.JobUpdate{Status: ptr(st)})
			}()
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case !errors.Is(err, ErrInvalidTransition):
				t.Errorf("unexpected error: %v", err)
			}
		}
		if succeeded != 1 {
			t.Errorf("%d terminal updates succeeded, want exactly 1", succeeded)
		}
	})
}

func recordIDs(records []*models.HistoryRecord) []string {
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	return ids
}

func TestListQueryNormalize(t *testing.T) {
	q := ListQuery{Limit: -1, Offset: -5, Search: "  a  "}.Normalize()
	if q.Limit != DefaultListLimit || q.Offset != 0 || q.Search != "a" {
		t.Errorf("Normalize = %+v", q)
	}
	if q := (ListQuery{Limit: MaxListLimit + 1}).Normalize(); q.Limit != MaxListLimit {
		t.Errorf("Limit = %d, want %d", q.Limit, MaxListLimit)
	}
}

func TestEscapeLike(t *testing.T) {
	if got := escapeLike(`50%_off\`); got != `50\%\_off\\` {
		t.Errorf("escapeLike = %q", got)
	}
}
