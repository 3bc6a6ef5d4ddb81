// Package ppo implements the Proximal Policy Optimization update: the advantage estimation (GAE)
// of the collected batch, and the multi-epoch optimization of the clipped surrogate objective.
package ppo

import (
	"github.com/Gladiatorsarius/PVP-KI/internal/ai"
	"github.com/Gladiatorsarius/PVP-KI/internal/experience"
	"github.com/Gladiatorsarius/PVP-KI/internal/generics"
	"github.com/Gladiatorsarius/PVP-KI/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"sync"
	"time"
)

// MetricsWindow is the number of updates whose metrics are kept.
const MetricsWindow = 100

// Config of the PPO engine.
type Config struct {
	BatchSize   int     `mapstructure:"batch_size" yaml:"batch_size"`
	Epochs      int     `mapstructure:"epochs" yaml:"epochs"`
	ClipEpsilon float64 `mapstructure:"clip_epsilon" yaml:"clip_epsilon"`
	ValueCoef   float64 `mapstructure:"value_coef" yaml:"value_coef"`
	EntropyCoef float64 `mapstructure:"entropy_coef" yaml:"entropy_coef"`
	Gamma       float64 `mapstructure:"gamma" yaml:"gamma"`
	Lambda      float64 `mapstructure:"lambda" yaml:"lambda"`
	GAEMode     GAEMode `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns the default PPO hyperparameters.
func DefaultConfig() Config {
	return Config{
		BatchSize:   256,
		Epochs:      4,
		ClipEpsilon: 0.2,
		ValueCoef:   0.5,
		EntropyCoef: 0.01,
		Gamma:       0.99,
		Lambda:      0.95,
		GAEMode:     SegmentByAgent,
	}
}

// ParseConfig overwrites base with the values in the config string, e.g. "epochs=8,gamma=0.995,gae_mode=flat".
func ParseConfig(config string, base Config) (cfg Config, err error) {
	params := parameters.NewFromConfigString(config)
	cfg = base
	if cfg.BatchSize, err = parameters.PopParamOr(params, "batch_size", cfg.BatchSize); err != nil {
		return base, err
	}
	if cfg.Epochs, err = parameters.PopParamOr(params, "epochs", cfg.Epochs); err != nil {
		return base, err
	}
	for _, field := range []struct {
		key   string
		value *float64
	}{
		{"clip_epsilon", &cfg.ClipEpsilon},
		{"value_coef", &cfg.ValueCoef},
		{"entropy_coef", &cfg.EntropyCoef},
		{"gamma", &cfg.Gamma},
		{"lambda", &cfg.Lambda},
	} {
		if *field.value, err = parameters.PopParamOr(params, field.key, *field.value); err != nil {
			return base, err
		}
	}
	var modeName string
	if modeName, err = parameters.PopParamOr(params, "gae_mode", cfg.GAEMode.String()); err != nil {
		return base, err
	}
	if cfg.GAEMode, err = ParseGAEMode(modeName); err != nil {
		return base, err
	}
	if err = parameters.CheckConsumed(params, "ppo"); err != nil {
		return base, err
	}
	return cfg, cfg.Validate()
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.Errorf("ppo batch_size must be > 0, got %d", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("ppo epochs must be > 0, got %d", c.Epochs)
	}
	if c.ClipEpsilon <= 0 || c.ClipEpsilon >= 1 {
		return errors.Errorf("ppo clip_epsilon must be in (0, 1), got %g", c.ClipEpsilon)
	}
	return nil
}

// Metrics of one update, averaged over the epochs that were not skipped.
type Metrics struct {
	Update       int           `json:"update"`
	BatchSize    int           `json:"batch_size"`
	PolicyLoss   float64       `json:"policy_loss"`
	ValueLoss    float64       `json:"value_loss"`
	Entropy      float64       `json:"entropy"`
	TotalLoss    float64       `json:"total_loss"`
	ApproxKL     float64       `json:"approx_kl"`
	ClipFraction float64       `json:"clip_fraction"`
	SkippedSteps int           `json:"skipped_steps"`
	Duration     time.Duration `json:"duration"`
}

// Summary of the metrics of the last updates.
type Summary struct {
	Updates int

	// Window is the number of updates averaged.
	Window int

	PolicyLoss, ValueLoss, Entropy, TotalLoss, ApproxKL, ClipFraction float64

	// SkippedSteps is the total in the window.
	SkippedSteps int
}

// Observer is notified after every update.
type Observer interface {
	OnUpdate(metrics Metrics)
}

// Engine runs the PPO updates of a model with the transitions of a buffer.
//
// It is the buffer's experience.Updater: updates run in the goroutine that completed the batch,
// and are serialized.
type Engine struct {
	cfg    Config
	model  ai.PolicyLearner
	buffer *experience.Buffer

	muUpdate sync.Mutex

	muMetrics   sync.Mutex
	updateCount int
	metrics     *generics.Window[Metrics]
	observers   []Observer
}

var _ experience.Updater = (*Engine)(nil)

// New creates an Engine and registers it as the buffer's updater.
func New(model ai.PolicyLearner, buffer *experience.Buffer, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if buffer.BatchSize() != cfg.BatchSize {
		return nil, errors.Errorf("buffer batch size %d doesn't match ppo batch_size %d", buffer.BatchSize(), cfg.BatchSize)
	}
	e := &Engine{
		cfg:     cfg,
		model:   model,
		buffer:  buffer,
		metrics: generics.NewWindow[Metrics](MetricsWindow),
	}
	buffer.SetUpdater(e)
	return e, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

// AddObserver registers an observer of the updates.
func (e *Engine) AddObserver(o Observer) {
	e.muMetrics.Lock()
	defer e.muMetrics.Unlock()
	e.observers = append(e.observers, o)
}

// Update implements experience.Updater. It is a no-op if the buffer has less than a batch.
func (e *Engine) Update() error {
	e.muUpdate.Lock()
	defer e.muUpdate.Unlock()
	if e.buffer.Size() < e.cfg.BatchSize {
		return nil
	}
	start := time.Now()
	batch := e.buffer.GetBatchAndClear()
	advantages, returns := EstimateBatch(batch, e.cfg.Gamma, e.cfg.Lambda, e.cfg.GAEMode)
	NormalizeAdvantages(advantages)
	observations := generics.SliceMap(batch, func(t *experience.Transition) *ai.Observation { return t.Observation })
	loss := &ppoLoss{cfg: e.cfg, batch: batch, advantages: advantages, returns: returns}

	e.muMetrics.Lock()
	updateNum := e.updateCount + 1
	e.muMetrics.Unlock()

	metrics := Metrics{Update: updateNum, BatchSize: len(batch)}
	var completed int
	for epoch := range e.cfg.Epochs {
		_, err := e.model.Learn(observations, loss.lossAndGradients)
		if errors.Is(err, ai.ErrSkipStep) {
			metrics.SkippedSteps++
			klog.Warningf("ppo: update #%d epoch %d: skipping optimizer step: %v", updateNum, epoch, err)
			continue
		}
		if err != nil {
			return errors.WithMessagef(err, "ppo update #%d failed in epoch %d", updateNum, epoch)
		}
		completed++
		metrics.PolicyLoss += loss.terms.policy
		metrics.ValueLoss += loss.terms.value
		metrics.Entropy += loss.terms.entropy
		metrics.TotalLoss += loss.terms.total
		metrics.ApproxKL += loss.terms.approxKL
		metrics.ClipFraction += loss.terms.clipFraction
	}
	if completed > 0 {
		scale := 1 / float64(completed)
		metrics.PolicyLoss *= scale
		metrics.ValueLoss *= scale
		metrics.Entropy *= scale
		metrics.TotalLoss *= scale
		metrics.ApproxKL *= scale
		metrics.ClipFraction *= scale
	}
	metrics.Duration = time.Since(start)

	e.muMetrics.Lock()
	e.updateCount = updateNum
	e.metrics.Push(metrics)
	observers := e.observers
	e.muMetrics.Unlock()

	klog.V(1).Infof("ppo: update #%d (%d transitions, %s): loss=%.4g policy=%.4g value=%.4g entropy=%.4g kl=%.3g clip=%.2f",
		updateNum, len(batch), metrics.Duration, metrics.TotalLoss, metrics.PolicyLoss, metrics.ValueLoss,
		metrics.Entropy, metrics.ApproxKL, metrics.ClipFraction)
	for _, o := range observers {
		o.OnUpdate(metrics)
	}
	return nil
}

// BetweenUpdates runs fn while no update is in progress, so the model and the counters it sees
// are consistent. fn must not trigger an update.
func (e *Engine) BetweenUpdates(fn func() error) error {
	e.muUpdate.Lock()
	defer e.muUpdate.Unlock()
	return fn()
}

// UpdateCount returns the number of updates done.
func (e *Engine) UpdateCount() int {
	e.muMetrics.Lock()
	defer e.muMetrics.Unlock()
	return e.updateCount
}

// Metrics returns the metrics of the last updates, oldest first.
func (e *Engine) Metrics() []Metrics {
	e.muMetrics.Lock()
	defer e.muMetrics.Unlock()
	return e.metrics.Values()
}

// Restore the update count and the metrics window, e.g. from a checkpoint.
func (e *Engine) Restore(updateCount int, metrics []Metrics) {
	e.muMetrics.Lock()
	defer e.muMetrics.Unlock()
	e.updateCount = updateCount
	e.metrics = generics.NewWindow[Metrics](MetricsWindow)
	for _, m := range metrics {
		e.metrics.Push(m)
	}
}

// Summary averages the metrics of the last updates.
func (e *Engine) Summary() Summary {
	e.muMetrics.Lock()
	defer e.muMetrics.Unlock()
	s := Summary{Updates: e.updateCount, Window: e.metrics.Len()}
	if s.Window == 0 {
		return s
	}
	for _, m := range e.metrics.Values() {
		s.PolicyLoss += m.PolicyLoss
		s.ValueLoss += m.ValueLoss
		s.Entropy += m.Entropy
		s.TotalLoss += m.TotalLoss
		s.ApproxKL += m.ApproxKL
		s.ClipFraction += m.ClipFraction
		s.SkippedSteps += m.SkippedSteps
	}
	scale := 1 / float64(s.Window)
	s.PolicyLoss *= scale
	s.ValueLoss *= scale
	s.Entropy *= scale
	s.TotalLoss *= scale
	s.ApproxKL *= scale
	s.ClipFraction *= scale
	return s
}
