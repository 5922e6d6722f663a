package splitter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/Lllllllleong/pdfsplitter/internal/models"
	"github.com/spf13/afero"
)

// pdfHeader must appear within the first headerWindow bytes of a PDF.
var pdfHeader = []byte("%PDF-")

const headerWindow = 1024

// Splitter validates a job's inputs, plans its outputs and executes them.
type Splitter struct {
	fs            afero.Fs
	opener        DocumentOpener
	executor      *Executor
	logger        *slog.Logger
	maxInputBytes int64
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithMaxInputBytes rejects inputs larger than n bytes. Zero disables the limit.
func WithMaxInputBytes(n int64) Option {
	return func(s *Splitter) { s.maxInputBytes = n }
}

// WithLogger sets the logger used by the splitter and its executor.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Splitter) { s.logger = logger }
}

func New(fsys afero.Fs, opener DocumentOpener, opts ...Option) *Splitter {
	s := &Splitter{fs: fsys, opener: opener, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.executor = NewExecutor(fsys, s.logger)
	return s
}

// Split runs a whole job: validate, open, plan, execute.
// ctx is the cooperative cancellation signal.
func (s *Splitter) Split(ctx context.Context, params models.SplitJobParams, progress ProgressFunc) (*models.SplitJobResult, error) {
	start := time.Now()
	if ctx.Err() != nil {
		return nil, cancelled()
	}
	if err := ValidateParams(params); err != nil {
		return nil, err
	}
	if err := s.validateInput(params.InputPath); err != nil {
		return nil, err
	}
	if err := s.prepareOutputDir(params.OutputDir); err != nil {
		return nil, err
	}

	doc, err := s.opener.Open(ctx, params.InputPath)
	if err != nil {
		if KindOf(err) == 0 {
			err = DocumentReadError(err, "unable to read %s", params.InputPath)
		}
		return nil, err
	}
	defer doc.Close()

	specs, err := PlanOutputs(params.Strategy, params, doc.PageCount())
	if err != nil {
		return nil, err
	}
	s.logger.Info("Planned split.", "input", params.InputPath, "strategy", params.Strategy.String(), "pages", doc.PageCount(), "outputs", len(specs))

	result, err := s.executor.Execute(ctx, doc, specs, params, progress)
	if err != nil {
		return nil, err
	}
	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

// ValidateParams checks what can be checked before the document is opened.
func ValidateParams(params models.SplitJobParams) error {
	if strings.TrimSpace(params.InputPath) == "" {
		return ValidationError("input file is required")
	}
	if strings.TrimSpace(params.OutputDir) == "" {
		return ValidationError("output directory is required")
	}
	if _, err := models.ParseStrategy(params.Strategy.String()); err != nil {
		return ValidationError("unknown split strategy %s", params.Strategy)
	}
	switch params.Strategy {
	case models.StrategyRanges:
		if strings.TrimSpace(params.RangesText) == "" {
			return RangeParseError("page ranges cannot be empty")
		}
	case models.StrategyEveryNPages:
		if params.PagesPerFile < 1 {
			return ValidationError("every-N-pages strategy requires pages per file >= 1")
		}
	}
	if params.ZeroPadDigits < 0 {
		return ValidationError("zero padding cannot be negative")
	}
	if params.ZeroPadDigits > models.MaxZeroPadDigits {
		return ValidationError("zero padding cannot exceed %d digits", models.MaxZeroPadDigits)
	}
	return nil
}

func (s *Splitter) validateInput(path string) error {
	info, err := s.fs.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ValidationError("input file not found: %s", path)
	}
	if err != nil {
		return &Error{Kind: KindValidation, Message: "cannot access input file " + path, Err: err}
	}
	if info.IsDir() {
		return ValidationError("input path is a directory: %s", path)
	}
	if !strings.EqualFold(filepath.Ext(path), ".pdf") {
		return ValidationError("input file must be a .pdf: %s", path)
	}
	if s.maxInputBytes > 0 && info.Size() > s.maxInputBytes {
		return ValidationError("input file too large (%d bytes, limit %d)", info.Size(), s.maxInputBytes)
	}

	f, err := s.fs.Open(path)
	if err != nil {
		return &Error{Kind: KindValidation, Message: "input file is not readable: " + path, Err: err}
	}
	defer f.Close()
	head := make([]byte, headerWindow)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return &Error{Kind: KindValidation, Message: "input file is not readable: " + path, Err: err}
	}
	if !bytes.Contains(head[:n], pdfHeader) {
		return ValidationError("input file is not a PDF document: %s", path)
	}
	return nil
}

func (s *Splitter) prepareOutputDir(dir string) error {
	if info, err := s.fs.Stat(dir); err == nil && !info.IsDir() {
		return ValidationError("output path is not a directory: %s", dir)
	}
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return &Error{Kind: KindValidation, Message: "cannot create output directory " + dir, Err: err}
	}
	probe, err := afero.TempFile(s.fs, dir, ".pdfsplit-probe-*")
	if err != nil {
		return &Error{Kind: KindValidation, Message: "output directory is not writable: " + dir, Err: err}
	}
	name := probe.Name()
	_ = probe.Close()
	if err := s.fs.Remove(name); err != nil {
		s.logger.Warn("Failed to remove write probe.", "path", name, "error", err)
	}
	return nil
}
