// Package pdfdoc adapts pdfcpu to the splitter's document ports.
package pdfdoc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"sync"

	"github.com/Lllllllleong/pdfsplitter/internal/splitter"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/spf13/afero"
)

// infoKeys are copied first and in this order; any other string entries of the
// source info dictionary follow.
var infoKeys = []string{"Title", "Author", "Subject", "Keywords", "Creator", "Producer", "CreationDate"}

var disableConfigDir sync.Once

// Opener reads PDFs from an afero filesystem.
type Opener struct {
	fs afero.Fs
}

func NewOpener(fsys afero.Fs) *Opener {
	disableConfigDir.Do(api.DisableConfigDir)
	return &Opener{fs: fsys}
}

func newConfiguration() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}

// Open parses the whole file into memory.
func (o *Opener) Open(ctx context.Context, path string) (splitter.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, &splitter.Error{Kind: splitter.KindCancelled, Message: "split cancelled", Err: err}
	}
	data, err := afero.ReadFile(o.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, splitter.ValidationError("input file not found: %s", path)
	}
	if err != nil {
		return nil, splitter.DocumentReadError(err, "failed to read %s", path)
	}

	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), newConfiguration())
	if err != nil {
		return nil, splitter.DocumentReadError(err, "failed to parse %s (the file may be corrupt or encrypted)", path)
	}
	if pdfCtx.PageCount < 1 {
		return nil, splitter.DocumentReadError(nil, "%s has no pages", path)
	}
	return &Document{ctx: pdfCtx}, nil
}

// Document is an opened PDF.
type Document struct {
	ctx *model.Context
}

func (d *Document) PageCount() int { return d.ctx.PageCount }

// Extract builds a standalone document from zero-based page indices.
func (d *Document) Extract(pages []int) (splitter.OutputDocument, error) {
	if len(pages) == 0 {
		return nil, errors.New("no pages to extract")
	}
	pageNrs := make([]int, len(pages))
	for i, p := range pages {
		if p < 0 || p >= d.ctx.PageCount {
			return nil, fmt.Errorf("page index %d out of range [0,%d)", p, d.ctx.PageCount)
		}
		pageNrs[i] = p + 1
	}
	out, err := pdfcpu.ExtractPages(d.ctx, pageNrs, false)
	if err != nil {
		return nil, fmt.Errorf("failed to extract pages: %w", err)
	}
	return &Output{src: d.ctx, ctx: out}, nil
}

func (d *Document) Close() error {
	d.ctx = nil
	return nil
}

// Output is a PDF assembled from pages of a source Document.
type Output struct {
	src *model.Context
	ctx *model.Context
}

// CopyMetadata copies the string entries of the source info dictionary.
func (o *Output) CopyMetadata() error {
	if o.src.Info == nil {
		return nil
	}
	srcInfo, err := o.src.DereferenceDict(*o.src.Info)
	if err != nil {
		return fmt.Errorf("failed to read source info dictionary: %w", err)
	}
	if srcInfo == nil {
		return nil
	}

	info := types.NewDict()
	copyEntry := func(key string) error {
		obj, ok := srcInfo[key]
		if !ok {
			return nil
		}
		resolved, err := o.src.Dereference(obj)
		if err != nil {
			return fmt.Errorf("failed to resolve info entry %s: %w", key, err)
		}
		switch v := resolved.(type) {
		case types.StringLiteral, types.HexLiteral:
			info.Insert(key, v)
		}
		return nil
	}
	for _, key := range infoKeys {
		if err := copyEntry(key); err != nil {
			return err
		}
	}
	for key := range srcInfo {
		if slices.Contains(infoKeys, key) {
			continue
		}
		if err := copyEntry(key); err != nil {
			return err
		}
	}
	if len(info) == 0 {
		return nil
	}

	ref, err := o.ctx.IndRefForNewObject(info)
	if err != nil {
		return fmt.Errorf("failed to add info dictionary: %w", err)
	}
	o.ctx.Info = ref
	return nil
}

func (o *Output) Write(w io.Writer) error {
	if err := api.WriteContext(o.ctx, w); err != nil {
		return fmt.Errorf("failed to serialize pdf: %w", err)
	}
	return nil
}
