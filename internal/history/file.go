package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Lllllllleong/pdfsplitter/internal/models"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const recordExt = ".json"

// FileStore keeps one JSON document per job in a directory.
// Writes go through a temp file and a rename so a crash never leaves half a record.
type FileStore struct {
	mu     sync.Mutex
	fs     afero.Fs
	dir    string
	now    func() time.Time
	logger *slog.Logger
}

func NewFileStore(fsys afero.Fs, dir string) (*FileStore, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory %s: %w", dir, err)
	}
	return &FileStore{fs: fsys, dir: dir, now: time.Now, logger: slog.Default()}, nil
}

func (s *FileStore) AddJob(ctx context.Context, rec *models.HistoryRecord) (string, error) {
	out, err := prepareNew(rec, uuid.New().String(), s.now())
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (s *FileStore) UpdateJob(ctx context.Context, id string, update models.JobUpdate) error {
	if update.IsEmpty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.read(id)
	if err != nil {
		return err
	}
	if err := checkTransition(rec.Status, update); err != nil {
		return err
	}
	update.Apply(rec)
	return s.write(rec)
}

func (s *FileStore) ListJobs(ctx context.Context, q ListQuery) ([]*models.HistoryRecord, error) {
	q = q.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}
	var records []*models.HistoryRecord
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != recordExt {
			continue
		}
		rec, err := s.read(strings.TrimSuffix(entry.Name(), recordExt))
		if err != nil {
			s.logger.Warn("Skipping unreadable history record.", "file", entry.Name(), "error", err)
			continue
		}
		if q.Matches(rec) {
			records = append(records, rec)
		}
	}
	sortNewestFirst(records)
	return page(records, q), nil
}

func (s *FileStore) GetJob(ctx context.Context, id string) (*models.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return fmt.Errorf("failed to read history directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != recordExt {
			continue
		}
		if err := s.fs.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	return filepath.Join(s.dir, id+recordExt), nil
}

func (s *FileStore) read(id string) (*models.HistoryRecord, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history record %s: %w", id, err)
	}
	var rec models.HistoryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history record %s: %w", id, err)
	}
	return &rec, nil
}

func (s *FileStore) write(rec *models.HistoryRecord) error {
	path, err := s.path(rec.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history record: %w", err)
	}
	tmp, err := afero.TempFile(s.fs, s.dir, ".tmp-"+rec.ID+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to write history record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to close history record: %w", err)
	}
	if err := s.fs.Rename(tmpName, path); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to commit history record: %w", err)
	}
	return nil
}
