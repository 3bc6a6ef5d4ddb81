// Package checkpoints saves and restores the training state: the model (with its optimizer state),
// the number of fights (episodes) and updates, and the recent update metrics.
//
// Checkpoints are files named "model_<YYYY-MM-DD_HH-MM-SS>_fight_<n>.ckpt", never overwritten.
package checkpoints

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"github.com/Gladiatorsarius/PVP-KI/internal/ai"
	"github.com/Gladiatorsarius/PVP-KI/internal/ppo"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"
)

const (
	// Extension of the checkpoint files.
	Extension = ".ckpt"

	// TimeLayout of the timestamp in the checkpoint names.
	TimeLayout = "2006-01-02_15-04-05"

	// DefaultAutosaveInterval is the number of fights between automatic saves.
	DefaultAutosaveInterval = 10

	formatVersion = 1
)

var reCheckpointName = regexp.MustCompile(`^model_(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})_fight_(\d+)\.ckpt$`)

// TrainingState is the part of the training state owned by the PPO engine.
type TrainingState interface {
	UpdateCount() int
	Metrics() []ppo.Metrics
	Restore(updateCount int, metrics []ppo.Metrics)

	// BetweenUpdates runs fn while no update is modifying the model.
	BetweenUpdates(fn func() error) error
}

var _ TrainingState = (*ppo.Engine)(nil)

// Observer is notified of every checkpoint saved.
type Observer interface {
	OnCheckpoint(path string, fightCount int)
}

// bundle is the content of a checkpoint file.
// Fields added in later versions decode as zero from older files.
type bundle struct {
	Version     int
	ModelType   string
	Model       []byte
	FightCount  int
	UpdateCount int
	Metrics     []ppo.Metrics
	SavedAt     time.Time
}

// Manager of the checkpoints in a directory.
type Manager struct {
	dir              string
	autosaveInterval int
	model            ai.PolicyLearner
	state            TrainingState

	// now is the clock used for the names.
	now func() time.Time

	mu         sync.Mutex
	fightCount int
	observers  []Observer
}

// New creates a Manager saving to dir, which is created if needed.
// An autosaveInterval <= 0 disables automatic saves.
func New(dir string, autosaveInterval int, model ai.PolicyLearner, state TrainingState) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoints directory %q", dir)
	}
	return &Manager{
		dir:              dir,
		autosaveInterval: autosaveInterval,
		model:            model,
		state:            state,
		now:              time.Now,
	}, nil
}

// Dir returns the checkpoints directory.
func (m *Manager) Dir() string { return m.dir }

// AddObserver registers an observer of the saved checkpoints.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// FightCount returns the number of fights (episodes) finished.
func (m *Manager) FightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fightCount
}

// OnEpisodeEnd counts one more fight and saves a checkpoint every autosave interval.
// It returns the path of the checkpoint saved, if any.
func (m *Manager) OnEpisodeEnd() (path string, err error) {
	m.mu.Lock()
	m.fightCount++
	fightCount := m.fightCount
	m.mu.Unlock()
	if m.autosaveInterval <= 0 || fightCount%m.autosaveInterval != 0 {
		return "", nil
	}
	return m.Save()
}

// Name returns the checkpoint file name for the given time and fight count.
func Name(t time.Time, fightCount int) string {
	return fmt.Sprintf("model_%s_fight_%d%s", t.Format(TimeLayout), fightCount, Extension)
}

// Save writes a new checkpoint and returns its path. It fails if the file already exists.
func (m *Manager) Save() (path string, err error) {
	var fightCount int
	m.mu.Lock()
	err = m.state.BetweenUpdates(func() (saveErr error) {
		path, fightCount, saveErr = m.saveLocked()
		return
	})
	observers := m.observers
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	for _, o := range observers {
		o.OnCheckpoint(path, fightCount)
	}
	return path, nil
}

// saveLocked writes the checkpoint. It must be called with m.mu held, between updates.
func (m *Manager) saveLocked() (path string, fightCount int, err error) {
	now := m.now()
	b := bundle{
		Version:     formatVersion,
		ModelType:   m.model.Type(),
		FightCount:  m.fightCount,
		UpdateCount: m.state.UpdateCount(),
		Metrics:     m.state.Metrics(),
		SavedAt:     now,
	}
	var modelBuf bytes.Buffer
	if err = m.model.Save(&modelBuf); err != nil {
		return "", 0, errors.WithMessagef(err, "failed to save model %s", m.model)
	}
	b.Model = modelBuf.Bytes()

	path = filepath.Join(m.dir, Name(now, m.fightCount))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, errors.Wrapf(err, "failed to create checkpoint %q", path)
	}
	if err = gob.NewEncoder(f).Encode(&b); err != nil {
		_ = f.Close()
		return "", 0, errors.Wrapf(err, "failed to write checkpoint %q", path)
	}
	if err = f.Close(); err != nil {
		return "", 0, errors.Wrapf(err, "failed to close checkpoint %q", path)
	}
	klog.Infof("checkpoints: saved %q (fights=%d, updates=%d)", path, b.FightCount, b.UpdateCount)
	return path, b.FightCount, nil
}

// Load restores the model, its optimizer state and the counters from the checkpoint. name is
// either a path or a file name in the checkpoints directory.
func (m *Manager) Load(name string) error {
	path := name
	if _, err := os.Stat(path); err != nil && filepath.Base(name) == name {
		path = filepath.Join(m.dir, name)
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read checkpoint %q", path)
	}
	var b bundle
	if err = gob.NewDecoder(bytes.NewReader(contents)).Decode(&b); err != nil {
		return errors.Wrapf(err, "failed to decode checkpoint %q", path)
	}
	if b.Version > formatVersion {
		return errors.Errorf("checkpoint %q has format version %d, this trainer supports up to %d", path, b.Version, formatVersion)
	}
	if b.ModelType != "" && b.ModelType != m.model.Type() {
		return errors.Errorf("checkpoint %q holds a %q model, but trainer uses %q", path, b.ModelType, m.model.Type())
	}
	err = m.state.BetweenUpdates(func() error {
		if len(b.Model) > 0 {
			if err := m.model.Load(bytes.NewReader(b.Model)); err != nil {
				return errors.WithMessagef(err, "failed to restore model from %q", path)
			}
		}
		m.state.Restore(b.UpdateCount, b.Metrics)
		return nil
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.fightCount = b.FightCount
	m.mu.Unlock()
	klog.Infof("checkpoints: loaded %q (fights=%d, updates=%d)", path, b.FightCount, b.UpdateCount)
	return nil
}

// Latest returns the path of the newest checkpoint in the directory, by the time and fight count in
// their names, or "" if there is none.
func (m *Manager) Latest() (string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to list checkpoints in %q", m.dir)
	}
	var (
		latest      string
		latestTime  time.Time
		latestFight int
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := reCheckpointName.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		t, err := time.ParseInLocation(TimeLayout, matches[1], time.Local)
		if err != nil {
			continue
		}
		fight, err := strconv.Atoi(matches[2])
		if err != nil {
			continue
		}
		if latest == "" || t.After(latestTime) || (t.Equal(latestTime) && fight > latestFight) {
			latest, latestTime, latestFight = entry.Name(), t, fight
		}
	}
	if latest == "" {
		return "", nil
	}
	return filepath.Join(m.dir, latest), nil
}
