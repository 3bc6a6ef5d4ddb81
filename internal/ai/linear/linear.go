// Package linear implements a pure Go linear policy/value model that can be used for inference as
// well as training -- it defines its own gradient and its own Adam optimizer.
//
// The input image is average-pooled over a grid x grid partition (per channel), and each head is a
// linear function of the pooled features:
//
//	move_logits = W_move x + b_move
//	look_mean   = LookScale * tanh(W_look x + b_look)
//	value       = w_value x + b_value
package linear

import (
	"encoding/gob"
	"fmt"
	"github.com/Gladiatorsarius/PVP-KI/internal/ai"
	"github.com/Gladiatorsarius/PVP-KI/internal/features"
	"github.com/Gladiatorsarius/PVP-KI/internal/parameters"
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"io"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"sync"
)

// ModelType used to register the linear model.
const ModelType = "linear"

// Adam hyperparameters, same defaults as the usual frameworks.
const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// formatVersion of the serialized model.
const formatVersion = 1

// Model is a linear model on pooled image features. It implements ai.PolicyLearner.
type Model struct {
	input    ai.InputSpec
	numMoves int
	grid     int

	// numFeatures is the size of the pooled features, excluding the bias.
	numFeatures int

	// params holds one row of numFeatures+1 values (bias last) per output:
	// numMoves move logits, ai.LookDim look values and 1 value.
	params []float32

	// Adam state.
	m, v []float32
	step int64

	hp ai.Hyperparameters

	// muLearning "write" for learning (and loading), and "read" for evaluating.
	muLearning sync.RWMutex
}

var (
	// Assert Model is an ai.PolicyLearner.
	_ ai.PolicyLearner = (*Model)(nil)
)

func init() {
	ai.RegisterModel(ModelType, NewFromParams)
}

// NewFromParams creates a linear model configured by params:
//
//   - grid: pooling grid size, default 8.
//   - seed: random seed for the initial weights, default 42.
//   - lr, max_grad_norm: see ai.PopHyperparameters.
func NewFromParams(input ai.InputSpec, numMoves int, params parameters.Params) (ai.PolicyLearner, error) {
	grid, err := parameters.PopParamOr(params, "grid", 8)
	if err != nil {
		return nil, err
	}
	seed, err := parameters.PopParamOr(params, "seed", 42)
	if err != nil {
		return nil, err
	}
	hp, err := ai.PopHyperparameters(params)
	if err != nil {
		return nil, err
	}
	return New(input, numMoves, grid, uint64(seed), hp)
}

// New creates a linear model with small random weights.
func New(input ai.InputSpec, numMoves, grid int, seed uint64, hp ai.Hyperparameters) (*Model, error) {
	if grid <= 0 || grid > input.Width || grid > input.Height {
		return nil, errors.Errorf("invalid pooling grid %d for input %s", grid, input)
	}
	if numMoves <= 0 {
		return nil, errors.Errorf("invalid number of moves %d", numMoves)
	}
	m := &Model{
		input:       input,
		numMoves:    numMoves,
		grid:        grid,
		numFeatures: grid * grid * input.Channels,
		hp:          hp,
	}
	numParams := m.numOutputs() * (m.numFeatures + 1)
	m.params = make([]float32, numParams)
	m.m = make([]float32, numParams)
	m.v = make([]float32, numParams)
	rng := rand.New(rand.NewPCG(seed, seed^0x5eed))
	scale := 0.1 / math32.Sqrt(float32(m.numFeatures))
	for row := range m.numOutputs() {
		weights := m.row(row)
		for ii := range m.numFeatures { // Biases start at 0.
			weights[ii] = scale * (2*rng.Float32() - 1)
		}
	}
	return m, nil
}

// numOutputs is the number of linear outputs (rows of params).
func (m *Model) numOutputs() int { return m.numMoves + ai.LookDim + 1 }

// row returns the weights (bias last) of the given output.
func (m *Model) row(output int) []float32 {
	stride := m.numFeatures + 1
	return m.params[output*stride : (output+1)*stride]
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	return fmt.Sprintf("linear[%s,grid=%d,moves=%d]", m.input, m.grid, m.numMoves)
}

// Type implements ai.PolicyLearner.
func (m *Model) Type() string { return ModelType }

// Input implements ai.PolicyModel.
func (m *Model) Input() ai.InputSpec { return m.input }

// NumMoves implements ai.PolicyModel.
func (m *Model) NumMoves() int { return m.numMoves }

// Evaluate implements ai.PolicyModel.
func (m *Model) Evaluate(observations []*ai.Observation) []ai.Heads {
	m.muLearning.RLock()
	defer m.muLearning.RUnlock()
	heads := make([]ai.Heads, len(observations))
	for ii, obs := range observations {
		heads[ii], _ = m.forward(m.pool(obs))
	}
	return heads
}

func (m *Model) pool(obs *ai.Observation) []float32 {
	if obs.InputSpec != m.input {
		klog.Errorf("%s: observation with shape %s, using zero features instead", m, obs.InputSpec)
		return make([]float32, m.numFeatures)
	}
	return features.Pool(obs, m.grid)
}

// forward returns the heads and the pre-activation look values, needed for the gradient.
func (m *Model) forward(x []float32) (heads ai.Heads, lookZ [ai.LookDim]float32) {
	z := make([]float32, m.numOutputs())
	for output := range z {
		weights := m.row(output)
		sum := weights[m.numFeatures] // Bias.
		for ii, xi := range x {
			sum += weights[ii] * xi
		}
		z[output] = sum
	}
	heads.MoveLogits = z[:m.numMoves]
	for ii := range ai.LookDim {
		lookZ[ii] = z[m.numMoves+ii]
		heads.LookMean[ii] = ai.LookScale * math32.Tanh(lookZ[ii])
	}
	heads.Value = z[m.numOutputs()-1]
	return
}

// Learn implements ai.PolicyLearner.
func (m *Model) Learn(observations []*ai.Observation, lossFn ai.LossFn) (loss float32, err error) {
	m.muLearning.Lock()
	defer m.muLearning.Unlock()

	inputs := make([][]float32, len(observations))
	heads := make([]ai.Heads, len(observations))
	lookZs := make([][ai.LookDim]float32, len(observations))
	for ii, obs := range observations {
		inputs[ii] = m.pool(obs)
		heads[ii], lookZs[ii] = m.forward(inputs[ii])
	}
	loss, headGrads, err := lossFn(heads)
	if err != nil {
		return loss, err
	}
	if len(headGrads) != len(heads) {
		return loss, errors.Errorf("loss function returned %d gradients for %d examples", len(headGrads), len(heads))
	}

	grad := make([]float32, len(m.params))
	m.accumulateGradient(inputs, lookZs, headGrads, grad)
	if m.hp.MaxGradNorm > 0 {
		clipL2(grad, float32(m.hp.MaxGradNorm))
	}
	m.applyAdam(grad)
	return loss, nil
}

// accumulateGradient back-propagates the gradients of the heads to the parameters:
//
//	d(loss)/d(w_r) = sum_examples d(loss)/d(z_r) * x
//	d(loss)/d(z_r) = d(loss)/d(logit_r)                               for move rows
//	d(loss)/d(z_r) = d(loss)/d(look_r) * LookScale * (1 - tanh(z_r)^2)  for look rows
//	d(loss)/d(z_r) = d(loss)/d(value)                                 for the value row
func (m *Model) accumulateGradient(inputs [][]float32, lookZs [][ai.LookDim]float32, headGrads []ai.Heads, grad []float32) {
	stride := m.numFeatures + 1
	dz := make([]float32, m.numOutputs())
	for exampleIdx, x := range inputs {
		g := headGrads[exampleIdx]
		copy(dz, g.MoveLogits)
		for ii := range ai.LookDim {
			t := math32.Tanh(lookZs[exampleIdx][ii])
			dz[m.numMoves+ii] = g.LookMean[ii] * ai.LookScale * (1 - t*t)
		}
		dz[m.numOutputs()-1] = g.Value
		for output, d := range dz {
			if d == 0 {
				continue
			}
			rowGrad := grad[output*stride : (output+1)*stride]
			for ii, xi := range x {
				rowGrad[ii] += d * xi
			}
			rowGrad[m.numFeatures] += d
		}
	}
}

// applyAdam applies one Adam step with the given gradient.
func (m *Model) applyAdam(grad []float32) {
	m.step++
	correction1 := 1 - math32.Pow(adamBeta1, float32(m.step))
	correction2 := 1 - math32.Pow(adamBeta2, float32(m.step))
	lr := float32(m.hp.LearningRate)
	for ii, g := range grad {
		m.m[ii] = adamBeta1*m.m[ii] + (1-adamBeta1)*g
		m.v[ii] = adamBeta2*m.v[ii] + (1-adamBeta2)*g*g
		mHat := m.m[ii] / correction1
		vHat := m.v[ii] / correction2
		m.params[ii] -= lr * mHat / (math32.Sqrt(vHat) + adamEpsilon)
	}
}

func l2Len(vec []float32) float32 {
	total := float32(0.0)
	for _, value := range vec {
		total += value * value
	}
	return math32.Sqrt(total)
}

// clipL2 clips the L2 length of the vector.
func clipL2(vec []float32, maxLen float32) {
	l2 := l2Len(vec)
	if l2 > maxLen {
		ratio := maxLen / l2
		klog.V(2).Infof("linear: clipping gradient with l2=%g to %g", l2, maxLen)
		for ii := range vec {
			vec[ii] *= ratio
		}
	}
}

// savedModel is the serialized form of Model.
type savedModel struct {
	Version        int
	Input          ai.InputSpec
	NumMoves, Grid int
	Params, M, V   []float32
	Step           int64
}

// Save implements ai.PolicyLearner. It includes the Adam state.
func (m *Model) Save(w io.Writer) error {
	m.muLearning.RLock()
	defer m.muLearning.RUnlock()
	saved := savedModel{
		Version:  formatVersion,
		Input:    m.input,
		NumMoves: m.numMoves,
		Grid:     m.grid,
		Params:   m.params,
		M:        m.m,
		V:        m.v,
		Step:     m.step,
	}
	if err := gob.NewEncoder(w).Encode(&saved); err != nil {
		return errors.Wrapf(err, "failed to encode %s", m)
	}
	return nil
}

// Load implements ai.PolicyLearner. The saved model must have the same shape.
// A missing optimizer state is reset to zero.
func (m *Model) Load(r io.Reader) error {
	var saved savedModel
	if err := gob.NewDecoder(r).Decode(&saved); err != nil {
		return errors.Wrapf(err, "failed to decode linear model")
	}
	if saved.Input != m.input || saved.NumMoves != m.numMoves || saved.Grid != m.grid {
		return errors.Errorf("saved linear model [%s,grid=%d,moves=%d] doesn't match %s",
			saved.Input, saved.Grid, saved.NumMoves, m)
	}
	if len(saved.Params) != len(m.params) {
		return errors.Errorf("saved linear model has %d parameters, wanted %d", len(saved.Params), len(m.params))
	}

	m.muLearning.Lock()
	defer m.muLearning.Unlock()
	copy(m.params, saved.Params)
	clear(m.m)
	clear(m.v)
	m.step = 0
	if len(saved.M) == len(m.m) && len(saved.V) == len(m.v) {
		copy(m.m, saved.M)
		copy(m.v, saved.V)
		m.step = saved.Step
	}
	return nil
}
