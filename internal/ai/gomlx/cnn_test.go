package gomlx

import (
	"bytes"
	"github.com/Gladiatorsarius/PVP-KI/internal/ai"
	"github.com/Gladiatorsarius/PVP-KI/internal/parameters"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand/v2"
	"testing"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var testInput = ai.InputSpec{Width: 36, Height: 36, Channels: 1}

func newTestModel(t *testing.T) *CNN {
	m, err := New(testInput, ai.DefaultNumMoves, parameters.NewFromConfigString("hidden=16,lr=0.01"))
	require.NoError(t, err)
	return m
}

func randomObservations(seed uint64, n int) []*ai.Observation {
	rng := rand.New(rand.NewPCG(seed, seed))
	observations := make([]*ai.Observation, n)
	for ii := range observations {
		obs := &ai.Observation{InputSpec: testInput, Pixels: make([]float32, testInput.Size())}
		for jj := range obs.Pixels {
			obs.Pixels[jj] = rng.Float32()
		}
		observations[ii] = obs
	}
	return observations
}

// valueTowards returns a loss function that pushes the value head towards target.
func valueTowards(target float32) ai.LossFn {
	return func(heads []ai.Heads) (loss float32, grads []ai.Heads, err error) {
		n := float32(len(heads))
		grads = make([]ai.Heads, len(heads))
		for ii, h := range heads {
			diff := h.Value - target
			loss += diff * diff / n
			grads[ii] = ai.Heads{MoveLogits: make([]float32, len(h.MoveLogits)), Value: 2 * diff / n}
		}
		return
	}
}

func TestEvaluate(t *testing.T) {
	m := newTestModel(t)
	heads := m.Evaluate(randomObservations(1, 3))
	require.Len(t, heads, 3)
	for _, h := range heads {
		assert.Len(t, h.MoveLogits, ai.DefaultNumMoves)
		for _, look := range h.LookMean {
			assert.LessOrEqual(t, look, ai.LookScale)
			assert.GreaterOrEqual(t, look, -ai.LookScale)
		}
	}
}

func TestLearn(t *testing.T) {
	m := newTestModel(t)
	observations := randomObservations(2, 4)
	before := m.Evaluate(observations)

	// A skipped step doesn't change the model.
	_, err := m.Learn(observations, func(heads []ai.Heads) (float32, []ai.Heads, error) {
		return 0, nil, ai.ErrSkipStep
	})
	require.ErrorIs(t, err, ai.ErrSkipStep)
	assert.Equal(t, before, m.Evaluate(observations))

	const target = 3.0
	firstLoss, err := m.Learn(observations, valueTowards(target))
	require.NoError(t, err)
	var loss float32
	for range 20 {
		loss, err = m.Learn(observations, valueTowards(target))
		require.NoError(t, err)
	}
	assert.Less(t, loss, firstLoss)
}

func TestSaveLoad(t *testing.T) {
	m := newTestModel(t)
	observations := randomObservations(3, 2)
	_, err := m.Learn(observations, valueTowards(1))
	require.NoError(t, err)
	want := m.Evaluate(observations)

	buf := &bytes.Buffer{}
	require.NoError(t, m.Save(buf))

	loaded := newTestModel(t)
	require.NoError(t, loaded.Load(bytes.NewReader(buf.Bytes())))
	got := loaded.Evaluate(observations)
	for ii := range want {
		assert.InDeltaSlice(t, want[ii].MoveLogits, got[ii].MoveLogits, 1e-6)
		assert.InDeltaSlice(t, want[ii].LookMean[:], got[ii].LookMean[:], 1e-6)
		assert.InDelta(t, want[ii].Value, got[ii].Value, 1e-6)
	}

	// Optimizer state is restored: both models take the same next step.
	_, err = m.Learn(observations, valueTowards(1))
	require.NoError(t, err)
	_, err = loaded.Learn(observations, valueTowards(1))
	require.NoError(t, err)
	assert.InDelta(t, m.Evaluate(observations)[0].Value, loaded.Evaluate(observations)[0].Value, 1e-5)

	other, err := New(ai.InputSpec{Width: 36, Height: 36, Channels: 3}, ai.DefaultNumMoves, parameters.NewFromConfigString("hidden=16"))
	require.NoError(t, err)
	require.Error(t, other.Load(bytes.NewReader(buf.Bytes())))
}

func TestSaveFreshModel(t *testing.T) {
	m := newTestModel(t)
	require.NotNil(t, m.ctx.GetVariableByScopeAndName(context.RootScope, context.RngStateVariableName))
	buf := &bytes.Buffer{}
	require.NoError(t, m.Save(buf))

	loaded := newTestModel(t)
	require.NoError(t, loaded.Load(bytes.NewReader(buf.Bytes())))
	observations := randomObservations(4, 2)
	want, got := m.Evaluate(observations), loaded.Evaluate(observations)
	for ii := range want {
		assert.InDeltaSlice(t, want[ii].MoveLogits, got[ii].MoveLogits, 1e-6)
		assert.InDelta(t, want[ii].Value, got[ii].Value, 1e-6)
	}
}
