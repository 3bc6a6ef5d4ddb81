package checkpoints

import (
	"github.com/Gladiatorsarius/PVP-KI/internal/ai"
	"github.com/Gladiatorsarius/PVP-KI/internal/ai/linear"
	"github.com/Gladiatorsarius/PVP-KI/internal/ppo"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeState replaces the PPO engine. Holding mu simulates an update in progress.
type fakeState struct {
	mu          sync.Mutex
	updateCount int
	metrics     []ppo.Metrics
}

func (s *fakeState) BetweenUpdates(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *fakeState) UpdateCount() int       { return s.updateCount }
func (s *fakeState) Metrics() []ppo.Metrics { return s.metrics }
func (s *fakeState) Restore(updateCount int, metrics []ppo.Metrics) {
	s.updateCount = updateCount
	s.metrics = metrics
}

type checkpointRecorder struct {
	paths []string
}

func (r *checkpointRecorder) OnCheckpoint(path string, _ int) { r.paths = append(r.paths, path) }

var testInput = ai.InputSpec{Width: 4, Height: 4, Channels: 3}

func newTestModel(t *testing.T, seed uint64) *linear.Model {
	model, err := linear.New(testInput, ai.DefaultNumMoves, 2, seed, ai.DefaultHyperparameters)
	require.NoError(t, err)
	return model
}

func testObservation() *ai.Observation {
	obs := &ai.Observation{InputSpec: testInput, Pixels: make([]float32, testInput.Size())}
	for ii := range obs.Pixels {
		obs.Pixels[ii] = float32(ii%7) / 7
	}
	return obs
}

// fixedClock returns a clock that advances one second per call.
func fixedClock() func() time.Time {
	t := time.Date(2024, 5, 17, 21, 30, 0, 0, time.Local)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	model := newTestModel(t, 1)
	state := &fakeState{updateCount: 5, metrics: []ppo.Metrics{{Update: 5, PolicyLoss: 0.25, Duration: time.Second}}}
	manager, err := New(dir, 0, model, state)
	require.NoError(t, err)
	manager.now = fixedClock()
	for range 3 {
		path, err := manager.OnEpisodeEnd()
		require.NoError(t, err)
		assert.Empty(t, path) // Autosave disabled.
	}
	path, err := manager.Save()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "model_2024-05-17_21-30-01_fight_3.ckpt"), path)

	obs := testObservation()
	want := model.Evaluate([]*ai.Observation{obs})

	// A different model and empty state, restored from the checkpoint.
	model2 := newTestModel(t, 2)
	assert.NotEqual(t, want, model2.Evaluate([]*ai.Observation{obs}))
	state2 := &fakeState{}
	manager2, err := New(dir, 0, model2, state2)
	require.NoError(t, err)
	require.NoError(t, manager2.Load(filepath.Base(path)))
	assert.Equal(t, want, model2.Evaluate([]*ai.Observation{obs}))
	assert.Equal(t, 3, manager2.FightCount())
	assert.Equal(t, 5, state2.updateCount)
	assert.Equal(t, state.metrics, state2.metrics)

	// Loading by path works too.
	require.NoError(t, manager2.Load(path))
	require.Error(t, manager2.Load("model_missing.ckpt"))
}

func TestAutosaveAndLatest(t *testing.T) {
	dir := t.TempDir()
	manager, err := New(dir, 2, newTestModel(t, 1), &fakeState{})
	require.NoError(t, err)
	manager.now = fixedClock()
	recorder := &checkpointRecorder{}
	manager.AddObserver(recorder)

	latest, err := manager.Latest()
	require.NoError(t, err)
	assert.Empty(t, latest)

	var saved []string
	for range 5 {
		path, err := manager.OnEpisodeEnd()
		require.NoError(t, err)
		if path != "" {
			saved = append(saved, path)
		}
	}
	require.Len(t, saved, 2)
	assert.Equal(t, saved, recorder.paths)
	assert.Equal(t, filepath.Join(dir, "model_2024-05-17_21-30-02_fight_4.ckpt"), saved[1])

	// Files that are not checkpoints are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	latest, err = manager.Latest()
	require.NoError(t, err)
	assert.Equal(t, saved[1], latest)
}

func TestSaveNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	manager, err := New(dir, 0, newTestModel(t, 1), &fakeState{})
	require.NoError(t, err)
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	manager.now = func() time.Time { return now }
	path, err := manager.Save()
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)

	_, err = manager.Save()
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrExist))
	info2, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), info2.Size())
	assert.Equal(t, info.ModTime(), info2.ModTime())
}

func TestLoadRejectsMismatchedModel(t *testing.T) {
	dir := t.TempDir()
	model := newTestModel(t, 1)
	manager, err := New(dir, 0, model, &fakeState{})
	require.NoError(t, err)
	path, err := manager.Save()
	require.NoError(t, err)

	// A linear model with a different shape fails to load.
	other, err := linear.New(ai.InputSpec{Width: 4, Height: 4, Channels: 1}, ai.DefaultNumMoves, 2, 1, ai.DefaultHyperparameters)
	require.NoError(t, err)
	manager2, err := New(dir, 0, other, &fakeState{})
	require.NoError(t, err)
	require.Error(t, manager2.Load(path))
}

func TestSaveWaitsForUpdate(t *testing.T) {
	dir := t.TempDir()
	state := &fakeState{updateCount: 2}
	manager, err := New(dir, 0, newTestModel(t, 1), state)
	require.NoError(t, err)

	state.mu.Lock()
	type result struct {
		path string
		err  error
	}
	saved := make(chan result, 1)
	go func() {
		path, err := manager.Save()
		saved <- result{path, err}
	}()
	select {
	case <-saved:
		t.Fatal("checkpoint saved in the middle of an update")
	case <-time.After(50 * time.Millisecond):
	}
	state.updateCount = 3
	state.mu.Unlock()

	r := <-saved
	require.NoError(t, r.err)
	restored := &fakeState{}
	manager2, err := New(dir, 0, newTestModel(t, 2), restored)
	require.NoError(t, err)
	require.NoError(t, manager2.Load(r.path))
	assert.Equal(t, 3, restored.updateCount)
}
