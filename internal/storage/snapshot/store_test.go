package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testState struct {
	Counter int               `json:"counter"`
	Labels  map[string]string `json:"labels,omitempty"`
}

func TestFlushLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.snapshot")

	state := &testState{Counter: 42, Labels: map[string]string{"phase": "bidding"}}
	s := NewStore(path, time.Second, zap.NewNop())
	s.Register("widgets", func() ([]byte, error) { return json.Marshal(state) }, func([]byte) error { return nil })
	require.NoError(t, s.Flush())

	var restored testState
	s2 := NewStore(path, time.Second, zap.NewNop())
	s2.Register("widgets", func() ([]byte, error) { return nil, nil }, func(data []byte) error {
		return json.Unmarshal(data, &restored)
	})
	require.NoError(t, s2.Load())

	assert.Equal(t, 42, restored.Counter)
	assert.Equal(t, "bidding", restored.Labels["phase"])
}

func TestSnapshotDocumentIsHumanReadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.snapshot")

	s := NewStore(path, time.Second, zap.NewNop())
	s.Register("bid_strategies", func() ([]byte, error) { return json.Marshal(map[string]int{"a": 1}) }, func([]byte) error { return nil })
	s.Register("exit_strategies", func() ([]byte, error) { return json.Marshal(map[string]int{}) }, func([]byte) error { return nil })
	require.NoError(t, s.Flush())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	doc := string(raw)

	assert.Contains(t, doc, "----- BEGIN bid_strategies -----")
	assert.Contains(t, doc, "----- END bid_strategies -----")
	assert.Contains(t, doc, "----- BEGIN exit_strategies -----")
	// sections appear in registration order
	assert.Less(t, strings.Index(doc, "BEGIN bid_strategies"), strings.Index(doc, "BEGIN exit_strategies"))
}

func TestLoadMissingFileIsColdStart(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent.snapshot"), time.Second, zap.NewNop())
	called := false
	s.Register("widgets", func() ([]byte, error) { return nil, nil }, func([]byte) error {
		called = true
		return nil
	})

	require.NoError(t, s.Load())
	assert.False(t, called, "no restorer runs on a cold start")
}

func TestMarkDirtyDebouncesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.snapshot")

	counter := 0
	s := NewStore(path, 50*time.Millisecond, zap.NewNop())
	s.Register("widgets", func() ([]byte, error) {
		counter++
		return json.Marshal(counter)
	}, func([]byte) error { return nil })

	for i := 0; i < 10; i++ {
		s.MarkDirty()
	}

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, counter, "burst of mutations coalesces into one write")
}

func TestCloseFlushesDirtyState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.snapshot")

	s := NewStore(path, time.Hour, zap.NewNop()) // debounce too long to fire
	s.Register("widgets", func() ([]byte, error) { return []byte("7"), nil }, func([]byte) error { return nil })
	s.MarkDirty()

	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "7")
}

func TestLoadRejectsUnterminatedSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.snapshot")
	doc := "----- BEGIN widgets -----\n{}\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s := NewStore(path, time.Second, zap.NewNop())
	s.Register("widgets", func() ([]byte, error) { return nil, nil }, func([]byte) error { return nil })
	require.Error(t, s.Load())
}
