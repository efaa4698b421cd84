// Package snapshot persists the live state of every engine into a single
// human-readable document and replays it on boot. Engines register a
// collector returning their serialized state and a restorer that rebuilds
// it; any state mutation marks the store dirty, which triggers a debounced
// full snapshot written atomically (temp file + rename).
package snapshot

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	beginMarker = "----- BEGIN %s -----"
	endMarker   = "----- END %s -----"

	defaultDebounce = 2 * time.Second
)

// Collector returns the serialized live-state collection of one engine. The
// flush runs on the debounce timer's goroutine, so implementations must
// marshal under their own lock: the bytes handed back are immutable, the
// structs behind them are not.
type Collector func() ([]byte, error)

// Restorer rebuilds an engine's state from one serialized section.
type Restorer func(data []byte) error

type registration struct {
	name    string
	collect Collector
	restore Restorer
}

// Store is the process-wide snapshot registry.
type Store struct {
	mu       sync.Mutex
	path     string
	debounce time.Duration
	logger   *zap.Logger

	sections []registration
	dirty    bool
	timer    *time.Timer
	closed   bool
}

// NewStore creates a store writing snapshots to path with the given debounce
// delay between the first mutation and the write.
func NewStore(path string, debounce time.Duration, logger *zap.Logger) *Store {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Store{
		path:     path,
		debounce: debounce,
		logger:   logger,
	}
}

// Register adds a named section. Registration order defines document order.
// Must be called before Load.
func (s *Store) Register(name string, collect Collector, restore Restorer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections = append(s.sections, registration{name: name, collect: collect, restore: restore})
}

// MarkDirty schedules a debounced snapshot. Repeated calls within the
// debounce window coalesce into one write.
func (s *Store) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.dirty = true
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.flush)
	}
}

func (s *Store) flush() {
	s.mu.Lock()
	s.timer = nil
	if !s.dirty || s.closed {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	s.mu.Unlock()

	if err := s.Flush(); err != nil {
		s.logger.Error("snapshot write failed, will retry on next mutation", zap.Error(err))
		// keep dirty so the next debounce retries
		s.mu.Lock()
		s.dirty = true
		if s.timer == nil && !s.closed {
			s.timer = time.AfterFunc(s.debounce, s.flush)
		}
		s.mu.Unlock()
	}
}

// Flush collects every registered section and writes the snapshot document
// to a temporary file, atomically renamed into place.
func (s *Store) Flush() error {
	s.mu.Lock()
	sections := make([]registration, len(s.sections))
	copy(sections, s.sections)
	s.mu.Unlock()

	var b strings.Builder
	b.WriteString("# launchpilot state snapshot\n")
	b.WriteString(fmt.Sprintf("# saved %s\n\n", time.Now().Format(time.RFC3339)))

	for _, reg := range sections {
		data, err := reg.collect()
		if err != nil {
			return errors.Wrapf(err, "collect section %s", reg.name)
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, data, "", "  "); err != nil {
			return errors.Wrapf(err, "format section %s", reg.name)
		}
		b.WriteString(fmt.Sprintf(beginMarker, reg.name))
		b.WriteByte('\n')
		b.Write(pretty.Bytes())
		b.WriteByte('\n')
		b.WriteString(fmt.Sprintf(endMarker, reg.name))
		b.WriteString("\n\n")
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "ensure snapshot directory")
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".snapshot-*")
	if err != nil {
		return errors.Wrap(err, "create temp snapshot")
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "write temp snapshot")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "sync temp snapshot")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close temp snapshot")
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "rename snapshot into place")
	}

	s.logger.Debug("snapshot written", zap.String("path", s.path), zap.Int("sections", len(sections)))
	return nil
}

// Load reads the snapshot document and hands each named section to its
// registered restorer. A missing document is a cold start, not an error.
func (s *Store) Load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("no snapshot found, starting cold", zap.String("path", s.path))
			return nil
		}
		return errors.Wrap(err, "open snapshot")
	}
	defer f.Close()

	parsed, err := parseSections(f)
	if err != nil {
		return errors.Wrap(err, "parse snapshot")
	}

	s.mu.Lock()
	sections := make([]registration, len(s.sections))
	copy(sections, s.sections)
	s.mu.Unlock()

	for _, reg := range sections {
		data, ok := parsed[reg.name]
		if !ok {
			s.logger.Warn("snapshot section missing, skipping", zap.String("section", reg.name))
			continue
		}
		if err := reg.restore(data); err != nil {
			return errors.Wrapf(err, "restore section %s", reg.name)
		}
	}

	return nil
}

// Close stops the debounce timer and writes a final snapshot if anything is
// still dirty.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	dirty := s.dirty
	s.dirty = false
	s.mu.Unlock()

	if dirty {
		return s.Flush()
	}
	return nil
}

func parseSections(f *os.File) (map[string][]byte, error) {
	sections := make(map[string][]byte)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		current string
		body    strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if current == "" {
			if name, ok := matchMarker(trimmed, "BEGIN"); ok {
				current = name
				body.Reset()
			}
			continue
		}

		if name, ok := matchMarker(trimmed, "END"); ok {
			if name != current {
				return nil, fmt.Errorf("section %q closed by END %q", current, name)
			}
			sections[current] = []byte(body.String())
			current = ""
			continue
		}

		body.WriteString(line)
		body.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if current != "" {
		return nil, fmt.Errorf("unterminated section %q", current)
	}

	return sections, nil
}

func matchMarker(line, kind string) (string, bool) {
	prefix := "----- " + kind + " "
	if !strings.HasPrefix(line, prefix) || !strings.HasSuffix(line, " -----") {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(line, prefix), " -----")
	if name == "" {
		return "", false
	}
	return name, true
}
