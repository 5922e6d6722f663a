package splitter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/pdfsplitter/internal/models"
	"github.com/spf13/afero"
)

// Executor writes planned outputs to disk.
type Executor struct {
	fs     afero.Fs
	logger *slog.Logger
}

func NewExecutor(fs afero.Fs, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{fs: fs, logger: logger}
}

// Execute writes one file per spec into params.OutputDir.
//
// ctx is the cancellation signal. It is checked once before any work and again
// before each output; a write already in progress is never interrupted, and
// files written for earlier specs stay on disk. On an IO failure the returned
// *Error lists the files written so far.
func (e *Executor) Execute(ctx context.Context, doc Document, specs []models.OutputSpec, params models.SplitJobParams, progress ProgressFunc) (*models.SplitJobResult, error) {
	start := time.Now()
	if ctx.Err() != nil {
		return nil, cancelled()
	}

	totalPages := doc.PageCount()
	progress.report(0.05, fmt.Sprintf("Preparing to split %d pages...", totalPages))

	digits := SequenceDigits(params.ZeroPadDigits, len(specs))
	outputs := make([]string, 0, len(specs))
	for i, spec := range specs {
		if ctx.Err() != nil {
			e.logger.Info("Split cancelled between outputs.", "written", len(outputs), "planned", len(specs))
			return nil, cancelled()
		}
		seq := i + 1
		path, err := e.writeSpec(doc, spec, params, seq, digits)
		if err != nil {
			return nil, &Error{
				Kind:    KindIO,
				Message: fmt.Sprintf("failed to write output %d of %d", seq, len(specs)),
				Err:     err,
				Written: outputs,
			}
		}
		outputs = append(outputs, path)
		e.logger.Debug("Wrote output.", "path", path, "pages", len(spec.Pages))
		progress.report(0.05+0.9*float64(seq)/float64(len(specs)), fmt.Sprintf("Wrote %d/%d files", seq, len(specs)))
	}

	durationMs := time.Since(start).Milliseconds()
	progress.report(1.0, "Done in "+HumanizeDuration(durationMs))
	return &models.SplitJobResult{
		OutputFiles: outputs,
		TotalPages:  totalPages,
		DurationMs:  durationMs,
	}, nil
}

func (e *Executor) writeSpec(doc Document, spec models.OutputSpec, params models.SplitJobParams, seq, digits int) (string, error) {
	out, err := doc.Extract(spec.Pages)
	if err != nil {
		return "", fmt.Errorf("failed to assemble pages for %s: %w", spec.Label, err)
	}
	if params.PreserveMetadata {
		if err := out.CopyMetadata(); err != nil {
			e.logger.Warn("Failed to copy document metadata, continuing without it.", "label", spec.Label, "error", err)
		}
	}

	name := OutputFilename(params.OutputPrefix, seq, digits, spec.Label)
	f, path, err := createUnique(e.fs, params.OutputDir, name)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	if err := out.Write(f); err != nil {
		_ = f.Close()
		if rmErr := e.fs.Remove(path); rmErr != nil {
			e.logger.Warn("Failed to remove partial output.", "path", path, "error", rmErr)
		}
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", path, err)
	}
	return path, nil
}
