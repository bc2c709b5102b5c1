package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// jobsFile is the on-disk shape of the standalone-mode job table.
type jobsFile struct {
	Jobs []Job `json:"jobs"`
}

// FileStore persists all jobs in one JSON file, written atomically on every
// mutation. A corrupt file is renamed *.corrupt and replaced.
type FileStore struct {
	mu   sync.Mutex
	path string
	jobs map[string]Job
	log  *slog.Logger
}

// NewFileStore loads (or initializes) the job file at path.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		jobs: make(map[string]Job),
		log:  slog.Default().With("component", "cron"),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cron dir: %w", err)
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cron jobs: %w", err)
	}
	var file jobsFile
	if err := json.Unmarshal(data, &file); err != nil {
		fs.log.Warn("cron job file corrupt, starting empty", "path", path, "error", err)
		os.Rename(path, path+".corrupt")
		return fs, nil
	}
	for _, job := range file.Jobs {
		if job.ID == "" {
			continue
		}
		fs.jobs[job.ID] = job
	}
	return fs, nil
}

func (fs *FileStore) List(_ context.Context) ([]Job, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]Job, 0, len(fs.jobs))
	for _, job := range fs.jobs {
		out = append(out, job)
	}
	return out, nil
}

func (fs *FileStore) Put(_ context.Context, job Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id required")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.jobs[job.ID] = job
	return fs.persist()
}

func (fs *FileStore) Delete(_ context.Context, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.jobs, id)
	return fs.persist()
}

// persist writes the whole table via temp file + rename. Caller holds the
// lock.
func (fs *FileStore) persist() error {
	file := jobsFile{Jobs: make([]Job, 0, len(fs.jobs))}
	for _, job := range fs.jobs {
		file.Jobs = append(file.Jobs, job)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(fs.path), "cron-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, fs.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
