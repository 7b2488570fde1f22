// Package names keeps human readable labels for stored encodings in a flat
// file of "encodingID|name" lines. A new identity gets a random UUID label
// which can later be edited by hand.
package names

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-recognizer/internal/database"
)

// Store maps encoding IDs to person names. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	path   string
	labels map[int64]string
	dirty  bool

	newName func() string
}

// Load reads the store at path. A missing file yields an empty store.
func Load(path string) (*Store, error) {
	s := &Store{
		path:    path,
		labels:  make(map[int64]string),
		newName: func() string { return uuid.NewString() },
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open names file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idStr, name, ok := strings.Cut(line, "|")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected id|name", path, lineNo)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid encoding id: %w", path, lineNo, err)
		}
		s.labels[id] = strings.TrimSpace(name)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read names file: %w", err)
	}
	return s, nil
}

// Observe labels the encoding a match result persisted. A match inherits the
// name of the encoding it matched; otherwise a new name is minted. isNew is
// true when a name was minted.
func (s *Store) Observe(res database.MatchResult) (name string, isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res.Matched {
		if known, ok := s.labels[res.MatchedID]; ok {
			s.labels[res.EncodingID] = known
			s.dirty = true
			return known, false
		}
	}

	name = s.newName()
	s.labels[res.EncodingID] = name
	s.dirty = true
	return name, true
}

// Name returns the label of an encoding.
func (s *Store) Name(encodingID int64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.labels[encodingID]
	return name, ok
}

// Find returns the sorted encoding IDs labeled with name, compared after
// Normalize.
func (s *Store) Find(name string) []int64 {
	want := Normalize(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, label := range s.labels {
		if Normalize(label) == want {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Counts returns the number of encodings per name.
func (s *Store) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, label := range s.labels {
		counts[label]++
	}
	return counts
}

// Len returns the number of labeled encodings.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.labels)
}

// Save writes the store sorted by encoding ID if it changed since loading.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}

	ids := make([]int64, 0, len(s.labels))
	for id := range s.labels {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "%d|%s\n", id, s.labels[id])
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create names dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp names file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("write names file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close names file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace names file: %w", err)
	}

	s.dirty = false
	return nil
}
