package splitter

import (
	"context"
	"io"
)

// DocumentOpener opens source documents by path.
// Implementations return a ValidationError when the path is missing or not a
// document, and a DocumentReadError when it cannot be parsed or is encrypted.
type DocumentOpener interface {
	Open(ctx context.Context, path string) (Document, error)
}

// Document is an opened source document.
type Document interface {
	PageCount() int
	// Extract builds a new output document holding exactly pages (zero-based), in order.
	Extract(pages []int) (OutputDocument, error)
	Close() error
}

// OutputDocument is an output under construction.
type OutputDocument interface {
	// CopyMetadata copies document-level metadata from the source.
	CopyMetadata() error
	Write(w io.Writer) error
}

// ProgressFunc receives a fraction in [0,1] and a human readable message.
type ProgressFunc func(fraction float64, message string)

func (p ProgressFunc) report(fraction float64, message string) {
	if p != nil {
		p(fraction, message)
	}
}
