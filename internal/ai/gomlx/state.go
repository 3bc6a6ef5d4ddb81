package gomlx

import (
	"encoding/gob"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"io"
)

// savedVariable describes one context variable. Its value follows the savedModel in the stream,
// in the order of savedModel.Variables, encoded with tensors.Tensor.GobSerialize.
type savedVariable struct {
	Scope, Name string
	Trainable   bool
}

// savedModel is what CNN.Save writes first: the model dimensions and the list of all the variables
// of the context, including the optimizer ones and the random number generator state.
type savedModel struct {
	Version   int
	NumMoves  int
	Width     int
	Height    int
	Channels  int
	Variables []savedVariable
}

const formatVersion = 2

// Save implements ai.PolicyLearner. It saves the model weights and the optimizer state.
func (m *CNN) Save(w io.Writer) error {
	m.muLearning.RLock()
	defer m.muLearning.RUnlock()
	saved := savedModel{
		Version:  formatVersion,
		NumMoves: m.numMoves,
		Width:    m.input.Width,
		Height:   m.input.Height,
		Channels: m.input.Channels,
	}
	var values []*tensors.Tensor
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		saved.Variables = append(saved.Variables, savedVariable{
			Scope:     v.Scope(),
			Name:      v.Name(),
			Trainable: v.Trainable,
		})
		values = append(values, v.Value())
	})

	enc := gob.NewEncoder(w)
	if err := enc.Encode(&saved); err != nil {
		return errors.Wrapf(err, "failed to encode %s", m)
	}
	for ii, value := range values {
		if err := value.GobSerialize(enc); err != nil {
			sv := saved.Variables[ii]
			return errors.WithMessagef(err, "failed to encode variable %s/%s of %s", sv.Scope, sv.Name, m)
		}
	}
	return nil
}

// Load implements ai.PolicyLearner. Variables not yet created (e.g. the optimizer ones if the model
// hasn't been trained yet) are created.
func (m *CNN) Load(r io.Reader) error {
	dec := gob.NewDecoder(r)
	var saved savedModel
	if err := dec.Decode(&saved); err != nil {
		return errors.Wrapf(err, "failed to decode cnn model")
	}
	if saved.Version != formatVersion {
		return errors.Errorf("saved cnn model has format version %d, expected %d", saved.Version, formatVersion)
	}
	if saved.NumMoves != m.numMoves || saved.Width != m.input.Width ||
		saved.Height != m.input.Height || saved.Channels != m.input.Channels {
		return errors.Errorf("saved cnn model [%dx%dx%d,moves=%d] doesn't match %s",
			saved.Width, saved.Height, saved.Channels, saved.NumMoves, m)
	}
	values := make([]*tensors.Tensor, len(saved.Variables))
	for ii, sv := range saved.Variables {
		var err error
		if values[ii], err = tensors.GobDeserialize(dec); err != nil {
			return errors.WithMessagef(err, "failed to decode variable %s/%s", sv.Scope, sv.Name)
		}
	}

	m.muLearning.Lock()
	defer m.muLearning.Unlock()
	return exceptions.TryCatch[error](func() {
		for ii, sv := range saved.Variables {
			v := m.ctx.GetVariableByScopeAndName(sv.Scope, sv.Name)
			if v == nil {
				m.ctx.InAbsPath(sv.Scope).VariableWithValue(sv.Name, values[ii]).SetTrainable(sv.Trainable)
				continue
			}
			v.SetValue(values[ii])
		}
	})
}
