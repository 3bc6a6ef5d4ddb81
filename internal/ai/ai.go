// Package ai defines the interfaces a policy/value model has to implement to be trained by PPO,
// and a registry of the available model implementations.
//
// A model maps an Observation (a preprocessed frame) to Heads: the logits of the categorical
// move distribution, the mean of the Normal look distribution (yaw, pitch) and the value estimate.
package ai

import (
	"fmt"
	"github.com/Gladiatorsarius/PVP-KI/internal/parameters"
	"github.com/pkg/errors"
	"io"
	"slices"
	"strings"
)

const (
	// LookDim is the dimension of the continuous look action: yaw and pitch.
	LookDim = 2

	// LookStd is the fixed standard deviation of the look distribution.
	LookStd = float32(1)

	// LookScale bounds the look mean to [-LookScale, +LookScale] (mean = LookScale * tanh(z)).
	LookScale = float32(10)

	// DefaultNumMoves is the number of discrete moves: forward, left, back, right, jump, attack.
	DefaultNumMoves = 6
)

// InputSpec is the shape of the observations a model takes.
type InputSpec struct {
	Width, Height, Channels int
}

// Size is the number of values of one observation.
func (s InputSpec) Size() int { return s.Width * s.Height * s.Channels }

// String implements fmt.Stringer.
func (s InputSpec) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Width, s.Height, s.Channels)
}

// Observation is a preprocessed frame, ready to be fed to a PolicyModel.
type Observation struct {
	InputSpec

	// Pixels in row-major, channels-last order, with values in [0, 1].
	Pixels []float32
}

// Heads are the outputs of the policy/value network for one observation.
type Heads struct {
	MoveLogits []float32
	LookMean   [LookDim]float32
	Value      float32
}

// PolicyModel evaluates observations. It is safe for concurrent use.
type PolicyModel interface {
	fmt.Stringer

	// Input returns the shape of the observations the model takes.
	Input() InputSpec

	// NumMoves is the number of discrete moves, the length of Heads.MoveLogits.
	NumMoves() int

	// Evaluate the model on a batch of observations.
	Evaluate(observations []*Observation) []Heads
}

// ErrSkipStep can be returned by a LossFn to abort the gradient step without failing.
var ErrSkipStep = errors.New("gradient step skipped")

// LossFn is called by PolicyLearner.Learn with the heads evaluated in the current parameters.
// It returns the loss and its gradient with respect to each of the heads.
type LossFn func(heads []Heads) (loss float32, grads []Heads, err error)

// PolicyLearner is a PolicyModel that can be trained.
//
// Learn holds the model's exclusive lock for the whole forward/backward/update sequence, so
// concurrent Evaluate calls never see partially updated parameters.
type PolicyLearner interface {
	PolicyModel

	// Type of the model, as registered with RegisterModel.
	Type() string

	// Learn evaluates the observations, calls lossFn to get the gradients with respect to the heads, and
	// applies one optimizer step with the global gradient norm clipped.
	// If lossFn returns an error (including ErrSkipStep) no parameter is changed.
	Learn(observations []*Observation, lossFn LossFn) (loss float32, err error)

	// Save writes the parameters and the optimizer state.
	Save(w io.Writer) error

	// Load restores what Save wrote, in place.
	Load(r io.Reader) error
}

// Hyperparameters shared by the learners.
type Hyperparameters struct {
	LearningRate float64
	MaxGradNorm  float64
}

// DefaultHyperparameters used by the learners.
var DefaultHyperparameters = Hyperparameters{
	LearningRate: 3e-4,
	MaxGradNorm:  0.5,
}

// PopHyperparameters parses "lr" and "max_grad_norm" from params.
func PopHyperparameters(params parameters.Params) (hp Hyperparameters, err error) {
	hp = DefaultHyperparameters
	if hp.LearningRate, err = parameters.PopParamOr(params, "lr", hp.LearningRate); err != nil {
		return
	}
	hp.MaxGradNorm, err = parameters.PopParamOr(params, "max_grad_norm", hp.MaxGradNorm)
	return
}

// ModelFactory creates a new model for the given input, number of moves and model specific parameters.
// The factory must consume (pop) the parameters it uses.
type ModelFactory func(input InputSpec, numMoves int, params parameters.Params) (PolicyLearner, error)

var registeredModels = make(map[string]ModelFactory)

// RegisterModel makes a model type available to New. Usually called from an init() function.
func RegisterModel(modelType string, factory ModelFactory) {
	registeredModels[modelType] = factory
}

// RegisteredModels returns the sorted list of registered model types.
func RegisteredModels() []string {
	types := make([]string, 0, len(registeredModels))
	for modelType := range registeredModels {
		types = append(types, modelType)
	}
	slices.Sort(types)
	return types
}

// New creates a model from a configuration string "<type>[:<key>=<value>,...]", e.g. "linear:lr=0.001,grid=8".
func New(config string, input InputSpec, numMoves int) (PolicyLearner, error) {
	modelType, paramsStr, _ := strings.Cut(config, ":")
	factory, found := registeredModels[modelType]
	if !found {
		return nil, errors.Errorf("unknown model type %q, registered types are %q", modelType, RegisteredModels())
	}
	params := parameters.NewFromConfigString(paramsStr)
	model, err := factory(input, numMoves, params)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create model %q", config)
	}
	if err = parameters.CheckConsumed(params, "model "+modelType); err != nil {
		return nil, err
	}
	return model, nil
}
