package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// BudgetStore is the durable "last completed loop index" side channel. It is
// reset at the start of an orchestration run and advanced monotonically as
// iterations succeed, so a restarted process tree can resume bookkeeping.
type BudgetStore interface {
	Get() (int, error)
	Set(v int) error
	Reset() error
}

// StatePathEnv carries the FileStore path to external workload processes so
// they can advance the same counter.
const StatePathEnv = "HILRUN_STATE"

// FileStore keeps the counter in a small state file. Writes go through a
// temp file and rename so a concurrent reader in another process never sees
// a torn value. A missing file reads as 0.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get() (int, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", s.path, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	return v, nil
}

func (s *FileStore) Set(v int) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	_, werr := fmt.Fprintf(tmp, "%d\n", v)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", tmp.Name(), errors2(werr, cerr))
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Reset() error {
	return s.Set(0)
}

func errors2(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

// MemStore is an in-process BudgetStore for tests and single-process runs.
type MemStore struct {
	mu sync.Mutex
	v  int
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) Get() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v, nil
}

func (s *MemStore) Set(v int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = v
	return nil
}

func (s *MemStore) Reset() error {
	return s.Set(0)
}
