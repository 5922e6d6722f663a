package splitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Lllllllleong/pdfsplitter/internal/models"
	"github.com/spf13/afero"
)

// fakeDocument writes "pages:0,1,2" style bodies instead of real PDF bytes.
type fakeDocument struct {
	pages      int
	extractErr error
	metaErr    error
	// writeErrAt fails the Nth Write call (1-based). Zero never fails.
	writeErrAt int
	// beforeExtract runs before each Extract, for cancelling mid-run.
	beforeExtract func(call int)

	mu       sync.Mutex
	extracts int
	writes   int
	metaSeen int
	closed   bool
}

func (d *fakeDocument) PageCount() int { return d.pages }

func (d *fakeDocument) Extract(pages []int) (OutputDocument, error) {
	d.mu.Lock()
	d.extracts++
	call := d.extracts
	d.mu.Unlock()
	if d.beforeExtract != nil {
		d.beforeExtract(call)
	}
	if d.extractErr != nil {
		return nil, d.extractErr
	}
	return &fakeOutput{doc: d, pages: append([]int(nil), pages...)}, nil
}

func (d *fakeDocument) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type fakeOutput struct {
	doc   *fakeDocument
	pages []int
}

func (o *fakeOutput) CopyMetadata() error {
	o.doc.mu.Lock()
	o.doc.metaSeen++
	o.doc.mu.Unlock()
	return o.doc.metaErr
}

func (o *fakeOutput) Write(w io.Writer) error {
	o.doc.mu.Lock()
	o.doc.writes++
	call := o.doc.writes
	o.doc.mu.Unlock()
	if o.doc.writeErrAt > 0 && call == o.doc.writeErrAt {
		return errors.New("disk full")
	}
	parts := make([]string, len(o.pages))
	for i, p := range o.pages {
		parts[i] = fmt.Sprint(p)
	}
	_, err := io.WriteString(w, "pages:"+strings.Join(parts, ","))
	return err
}

// fakeOpener hands out the same document for every path.
type fakeOpener struct {
	doc *fakeDocument
	err error
}

func (o *fakeOpener) Open(ctx context.Context, path string) (Document, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.doc, nil
}

// writePDFStub creates a file that passes the header check.
func writePDFStub(fsys afero.Fs, path string) error {
	return afero.WriteFile(fsys, path, []byte("%PDF-1.7\n%stub\n"), 0o644)
}

func readPages(fsys afero.Fs, path string) (string, error) {
	b, err := afero.ReadFile(fsys, path)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(string(b), "pages:"), nil
}

type progressRecorder struct {
	mu        sync.Mutex
	fractions []float64
	messages  []string
}

func (r *progressRecorder) report(fraction float64, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fractions = append(r.fractions, fraction)
	r.messages = append(r.messages, message)
}

func testParams(strategy models.SplitStrategy) models.SplitJobParams {
	return models.NewSplitJobParams("/in/doc.pdf", "/out", strategy)
}
