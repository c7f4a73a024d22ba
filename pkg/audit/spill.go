package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Spill durably parks events the store refused so they can be replayed later
type Spill interface {
	Spill(ctx context.Context, e Event) error
}

// FileSpill appends events as JSON lines to a local file and syncs after every
// write
type FileSpill struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// OpenFileSpill opens (or creates) the spill file at path
func OpenFileSpill(path string) (*FileSpill, error) {
	if path == "" {
		return nil, errors.New("spill path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open spill file: %w", err)
	}
	return &FileSpill{path: path, file: f}, nil
}

// Spill implements Spill
func (s *FileSpill) Spill(_ context.Context, e Event) error {
	line, err := json.Marshal(e.Record())
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", e.id, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("spill file is closed")
	}
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to spill event %s: %w", e.id, err)
	}
	return s.file.Sync()
}

// Replay appends every spilled event to store and empties the file once all of
// them are stored. Events already in the store count as stored. On error the file
// is left intact, so a later replay retries everything.
func (s *FileSpill) Replay(ctx context.Context, store Store) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0, errors.New("spill file is closed")
	}

	if _, err := s.file.Seek(0, 0); err != nil {
		return 0, fmt.Errorf("failed to rewind spill file: %w", err)
	}

	n := 0
	scanner := bufio.NewScanner(s.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return n, fmt.Errorf("corrupt spill line %d: %w", n+1, err)
		}
		err := store.Append(ctx, Rehydrate(rec))
		if err != nil && !errors.Is(err, ErrDuplicateEvent) {
			return n, fmt.Errorf("failed to replay event %s: %w", rec.ID, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("failed to read spill file: %w", err)
	}

	if err := s.file.Truncate(0); err != nil {
		return n, fmt.Errorf("failed to truncate spill file: %w", err)
	}
	return n, nil
}

// Close closes the file
func (s *FileSpill) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
