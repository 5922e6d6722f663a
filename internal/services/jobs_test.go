package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/pdfsplitter/internal/history"
	"github.com/Lllllllleong/pdfsplitter/internal/models"
	"github.com/Lllllllleong/pdfsplitter/internal/splitter"
	"github.com/spf13/afero"
)

type stubDocument struct {
	pages      int
	writeErrAt int

	mu     sync.Mutex
	writes int
}

func (d *stubDocument) PageCount() int { return d.pages }

func (d *stubDocument) Extract(pages []int) (splitter.OutputDocument, error) {
	return &stubOutput{doc: d, pages: len(pages)}, nil
}

func (d *stubDocument) Close() error { return nil }

type stubOutput struct {
	doc   *stubDocument
	pages int
}

func (o *stubOutput) CopyMetadata() error { return nil }

func (o *stubOutput) Write(w io.Writer) error {
	o.doc.mu.Lock()
	o.doc.writes++
	n := o.doc.writes
	o.doc.mu.Unlock()
	if o.doc.writeErrAt == n {
		return errors.New("no space left on device")
	}
	_, err := fmt.Fprintf(w, "%d", o.pages)
	return err
}

// stubOpener optionally blocks until gate is closed.
type stubOpener struct {
	doc  *stubDocument
	err  error
	gate chan struct{}
}

func (o *stubOpener) Open(ctx context.Context, path string) (splitter.Document, error) {
	if o.gate != nil {
		<-o.gate
	}
	if o.err != nil {
		return nil, o.err
	}
	return o.doc, nil
}

type fixture struct {
	fs      afero.Fs
	store   *history.FileStore
	manager *JobManager
}

func newFixture(t *testing.T, opener splitter.DocumentOpener, opts ...JobOption) *fixture {
	t.Helper()
	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, "/in/doc.pdf", []byte("%PDF-1.7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := history.NewFileStore(fsys, "/history")
	if err != nil {
		t.Fatal(err)
	}
	manager := NewJobManager(store, splitter.New(fsys, opener), opts...)
	return &fixture{fs: fsys, store: store, manager: manager}
}

func waitJob(t *testing.T, h *JobHandle) (*models.SplitJobResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("job did not finish in time")
	}
	return result, err
}

func rangesParams() models.SplitJobParams {
	params := models.NewSplitJobParams("/in/doc.pdf", "/out", models.StrategyRanges)
	params.RangesText = "1-3,5,7-"
	return params
}

func TestStartJobEndToEnd(t *testing.T) {
	f := newFixture(t, &stubOpener{doc: &stubDocument{pages: 7}})

	type completion struct {
		result *models.SplitJobResult
		err    error
		id     string
	}
	completions := make(chan completion, 2)
	var progress []float64
	var progressMu sync.Mutex

	h, err := f.manager.StartJob(context.Background(), rangesParams(),
		func(fraction float64, message string) {
			progressMu.Lock()
			progress = append(progress, fraction)
			progressMu.Unlock()
		},
		func(result *models.SplitJobResult, err error, id string) {
			completions <- completion{result, err, id}
		})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if h.ID() == "" {
		t.Fatal("handle has no id")
	}

	result, err := waitJob(t, h)
	if err != nil {
		t.Fatalf("job failed: %v", err)
	}
	wantPages := []string{"3", "1", "1"}
	if len(result.OutputFiles) != len(wantPages) {
		t.Fatalf("got %d outputs, want 3", len(result.OutputFiles))
	}
	for i, path := range result.OutputFiles {
		data, err := afero.ReadFile(f.fs, path)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != wantPages[i] {
			t.Errorf("%s has %s pages, want %s", path, data, wantPages[i])
		}
	}

	c := <-completions
	if c.err != nil || c.id != h.ID() || c.result != result {
		t.Errorf("completion = %+v", c)
	}
	select {
	case extra := <-completions:
		t.Errorf("completion delivered twice: %+v", extra)
	default:
	}

	records, err := f.store.ListJobs(context.Background(), history.ListQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("history holds %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.ID != h.ID() || rec.Status != models.StatusSuccess || rec.OutputCount == nil || *rec.OutputCount != 3 {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.OutputSample) != 3 || rec.DurationMs == nil {
		t.Errorf("record sample/duration = %v / %v", rec.OutputSample, rec.DurationMs)
	}

	progressMu.Lock()
	defer progressMu.Unlock()
	if len(progress) == 0 || progress[len(progress)-1] != 1.0 {
		t.Errorf("progress = %v, want it to end at 1.0", progress)
	}
	if len(f.manager.Active()) != 0 {
		t.Errorf("Active = %v after completion", f.manager.Active())
	}
}

func TestCancelBeforeStartLeavesNoFiles(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, &stubOpener{doc: &stubDocument{pages: 7}, gate: gate})
	var progressCalls int
	var mu sync.Mutex

	h, err := f.manager.StartJob(context.Background(), rangesParams(), func(float64, string) {
		mu.Lock()
		progressCalls++
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	h.Cancel()
	close(gate)

	_, err = waitJob(t, h)
	if !splitter.IsCancelled(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if entries, _ := afero.ReadDir(f.fs, "/out"); countPDFs(entries) != 0 {
		t.Errorf("cancelled job wrote %d files", countPDFs(entries))
	}
	mu.Lock()
	if progressCalls != 0 {
		t.Errorf("progress reported %d times for a job cancelled before start", progressCalls)
	}
	mu.Unlock()

	rec, err := f.store.GetJob(context.Background(), h.ID())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != models.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", rec.Status)
	}
	if rec.ErrorMessage == nil || *rec.ErrorMessage != "split cancelled" {
		t.Errorf("ErrorMessage = %v", rec.ErrorMessage)
	}
}

func countPDFs(entries []os.FileInfo) int {
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".pdf") {
			n++
		}
	}
	return n
}

func TestCancelByID(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, &stubOpener{doc: &stubDocument{pages: 3}, gate: gate})

	h, err := f.manager.StartJob(context.Background(), models.NewSplitJobParams("/in/doc.pdf", "/out", models.StrategyEachPage), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if active := f.manager.Active(); len(active) != 1 || active[0] != h.ID() {
		t.Errorf("Active = %v", active)
	}
	if !f.manager.Cancel(h.ID()) {
		t.Error("Cancel reported the job as unknown")
	}
	close(gate)
	if _, err := waitJob(t, h); !splitter.IsCancelled(err) {
		t.Errorf("err = %v, want cancellation", err)
	}
	if f.manager.Cancel(h.ID()) {
		t.Error("Cancel succeeded for a finished job")
	}
}

func TestFailedJobRecordsMessage(t *testing.T) {
	f := newFixture(t, &stubOpener{err: errors.New("trailer not found")})

	h, err := f.manager.StartJob(context.Background(), rangesParams(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, jobErr := waitJob(t, h)
	if !errors.Is(jobErr, splitter.ErrDocumentRead) {
		t.Fatalf("err = %v, want document read error", jobErr)
	}
	rec, err := f.store.GetJob(context.Background(), h.ID())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != models.StatusFailed || rec.ErrorMessage == nil || !strings.Contains(*rec.ErrorMessage, "trailer not found") {
		t.Errorf("record = %+v", rec)
	}
}

func TestValidationFailureIsRecorded(t *testing.T) {
	f := newFixture(t, &stubOpener{doc: &stubDocument{pages: 3}})
	params := rangesParams()
	params.RangesText = "9-2"

	h, err := f.manager.StartJob(context.Background(), params, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := waitJob(t, h); !errors.Is(err, splitter.ErrRangeParse) {
		t.Fatalf("err = %v, want range parse error", err)
	}
	rec, _ := f.store.GetJob(context.Background(), h.ID())
	if rec.Status != models.StatusFailed {
		t.Errorf("Status = %s, want failed", rec.Status)
	}
}

func TestIOFailureRecordsPartialOutputs(t *testing.T) {
	f := newFixture(t, &stubOpener{doc: &stubDocument{pages: 4, writeErrAt: 3}})

	h, err := f.manager.StartJob(context.Background(), models.NewSplitJobParams("/in/doc.pdf", "/out", models.StrategyEachPage), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := waitJob(t, h); !errors.Is(err, splitter.ErrIO) {
		t.Fatalf("err = %v, want IO error", err)
	}
	rec, _ := f.store.GetJob(context.Background(), h.ID())
	if rec.Status != models.StatusFailed || rec.OutputCount == nil || *rec.OutputCount != 2 || len(rec.OutputSample) != 2 {
		t.Errorf("record = %+v", rec)
	}
}

type recordingPublisher struct {
	err   error
	jobID string
	files []string
}

func (p *recordingPublisher) Publish(ctx context.Context, jobID string, files []string) ([]string, error) {
	p.jobID, p.files = jobID, files
	if p.err != nil {
		return nil, p.err
	}
	uris := make([]string, len(files))
	for i := range files {
		uris[i] = fmt.Sprintf("gs://bucket/%s/%d.pdf", jobID, i)
	}
	return uris, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	jobID   string
	outputs []string
}

func (n *recordingNotifier) Notify(ctx context.Context, jobID string, outputs []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobID, n.outputs = jobID, outputs
	return errors.New("workflow unavailable")
}

func TestPublishAndNotify(t *testing.T) {
	publisher := &recordingPublisher{}
	notifier := &recordingNotifier{}
	f := newFixture(t, &stubOpener{doc: &stubDocument{pages: 7}}, WithPublisher(publisher), WithNotifier(notifier))

	h, err := f.manager.StartJob(context.Background(), rangesParams(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := waitJob(t, h); err != nil {
		t.Fatalf("notifier failure must not fail the job: %v", err)
	}
	if publisher.jobID != h.ID() || len(publisher.files) != 3 {
		t.Errorf("publisher saw %s %v", publisher.jobID, publisher.files)
	}
	notifier.mu.Lock()
	if notifier.jobID != h.ID() || len(notifier.outputs) != 3 || !strings.HasPrefix(notifier.outputs[0], "gs://") {
		t.Errorf("notifier saw %s %v", notifier.jobID, notifier.outputs)
	}
	notifier.mu.Unlock()

	rec, err := f.store.GetJob(context.Background(), h.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.OutputSample) != 3 || !strings.HasPrefix(rec.OutputSample[0], "gs://bucket/"+h.ID()+"/") {
		t.Errorf("sample = %v, want published URIs", rec.OutputSample)
	}
}

type panickingRunner struct{}

func (panickingRunner) Split(ctx context.Context, params models.SplitJobParams, progress splitter.ProgressFunc) (*models.SplitJobResult, error) {
	var pages []int
	_ = pages[len(params.InputPath)]
	return nil, nil
}

func TestRunnerPanicFailsJob(t *testing.T) {
	f := newFixture(t, &stubOpener{doc: &stubDocument{pages: 7}})
	manager := NewJobManager(f.store, panickingRunner{})

	var completed error
	h, err := manager.StartJob(context.Background(), rangesParams(), nil, func(result *models.SplitJobResult, err error, id string) {
		completed = err
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = waitJob(t, h)
	if err == nil || !strings.Contains(err.Error(), "internal error while splitting") {
		t.Fatalf("err = %v, want the recovered panic", err)
	}
	if completed == nil {
		t.Error("completion callback did not receive the error")
	}
	rec, err := f.store.GetJob(context.Background(), h.ID())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != models.StatusFailed || rec.ErrorMessage == nil {
		t.Errorf("record = %+v, want FAILED with a message", rec)
	}
	if len(manager.Active()) != 0 {
		t.Errorf("active = %v after panic", manager.Active())
	}
}

func TestPublishFailureFailsJob(t *testing.T) {
	f := newFixture(t, &stubOpener{doc: &stubDocument{pages: 7}}, WithPublisher(&recordingPublisher{err: errors.New("403 forbidden")}))

	h, err := f.manager.StartJob(context.Background(), rangesParams(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := waitJob(t, h); !errors.Is(err, splitter.ErrIO) {
		t.Fatalf("err = %v, want IO error", err)
	}
	rec, _ := f.store.GetJob(context.Background(), h.ID())
	if rec.Status != models.StatusFailed || rec.OutputCount == nil || *rec.OutputCount != 3 {
		t.Errorf("record = %+v", rec)
	}
}

func TestRerunStartsFreshJob(t *testing.T) {
	f := newFixture(t, &stubOpener{doc: &stubDocument{pages: 7}})
	first, err := f.manager.StartJob(context.Background(), rangesParams(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := waitJob(t, first); err != nil {
		t.Fatal(err)
	}
	before, _ := f.store.GetJob(context.Background(), first.ID())

	second, err := f.manager.Rerun(context.Background(), first.ID(), nil, nil)
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	result, err := waitJob(t, second)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID() == first.ID() {
		t.Error("rerun reused the original id")
	}
	if len(result.OutputFiles) != 3 {
		t.Errorf("rerun produced %d files", len(result.OutputFiles))
	}
	after, _ := f.store.GetJob(context.Background(), first.ID())
	if after.Status != before.Status || *after.OutputCount != *before.OutputCount {
		t.Errorf("original record changed: %+v -> %+v", before, after)
	}
	if _, err := f.manager.Rerun(context.Background(), "missing", nil, nil); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("rerun of unknown id: err = %v", err)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t, &stubOpener{doc: &stubDocument{pages: 1}})
	ctx := context.Background()
	params := models.NewSplitJobParams("/in/doc.pdf", "/out", models.StrategyEachPage)

	pendingID, err := f.store.AddJob(ctx, models.NewPendingRecord(params, time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	runningID, err := f.store.AddJob(ctx, models.NewPendingRecord(params, time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	running := models.StatusRunning
	if err := f.store.UpdateJob(ctx, runningID, models.JobUpdate{Status: &running}); err != nil {
		t.Fatal(err)
	}

	n, err := f.manager.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("recovered %d jobs, want 2", n)
	}
	for _, id := range []string{pendingID, runningID} {
		rec, _ := f.store.GetJob(ctx, id)
		if rec.Status != models.StatusFailed || rec.ErrorMessage == nil || *rec.ErrorMessage != InterruptedMessage {
			t.Errorf("record %s = %+v", id, rec)
		}
	}
}

func TestShutdownCancelsActiveJobs(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, &stubOpener{doc: &stubDocument{pages: 3}, gate: gate})
	h, err := f.manager.StartJob(context.Background(), models.NewSplitJobParams("/in/doc.pdf", "/out", models.StrategyEachPage), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(gate)
	}()
	if err := f.manager.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Wait(ctx); !splitter.IsCancelled(err) {
		t.Errorf("err = %v, want cancellation", err)
	}
}

func TestMonotonicProgress(t *testing.T) {
	var got []float64
	p := monotonic(func(fraction float64, _ string) { got = append(got, fraction) })
	for _, f := range []float64{0.05, 0.5, 0.3, 1.2, 0.9} {
		p(f, "")
	}
	want := []float64{0.05, 0.5, 1}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("progress = %v, want %v", got, want)
	}
	if monotonic(nil) != nil {
		t.Error("monotonic(nil) should stay nil")
	}
}
