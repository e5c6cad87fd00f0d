package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pithecene-io/namazing/types"
)

// FileStore implements Store with one JSON document per run under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrap(err, "open", dir)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory runs are stored in.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes the run to a temp file and renames it into place.
func (s *FileStore) Save(ctx context.Context, run *types.Run) error {
	if err := validateForSave(run); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return wrap(err, "save", run.ID)
	}

	data, err := encodeRun(run)
	if err != nil {
		return err
	}

	dst := s.path(run.ID)
	tmp, err := os.CreateTemp(s.dir, "."+run.ID+".*.tmp")
	if err != nil {
		return wrap(err, "save", dst)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return wrap(err, "save", dst)
	}
	if err := tmp.Close(); err != nil {
		return wrap(err, "save", dst)
	}
	return wrap(os.Rename(tmpName, dst), "save", dst)
}

// Load reads the run document. Returns (nil, nil) if not found.
func (s *FileStore) Load(ctx context.Context, id string) (*types.Run, error) {
	if !ValidID(id) {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, wrap(err, "load", id)
	}

	p := s.path(id)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err, "load", p)
	}
	return decodeRun(data, "load", p)
}

// Delete removes the run document.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return wrap(err, "delete", id)
	}
	err := os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return wrap(err, "delete", s.path(id))
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

// encodeRun renders the stored run document.
func encodeRun(run *types.Run) ([]byte, error) {
	data, err := json.Marshal(prepare(run))
	if err != nil {
		return nil, fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	return data, nil
}

// decodeRun parses a stored run document.
func decodeRun(data []byte, op, path string) (*types.Run, error) {
	var run types.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, NewStorageError(ErrCorrupt, op, path, err)
	}
	if run.Events == nil {
		run.Events = []types.Event{}
	}
	return &run, nil
}
