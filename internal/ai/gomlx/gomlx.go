// Package gomlx implements the convolutional policy/value network on GoMLX, as an ai.PolicyLearner.
//
// The network takes the observation image (channels-last) through 3 convolutions (32 filters of
// 8x8 with stride 4, 64 of 4x4 with stride 2 and 64 of 3x3 with stride 1), a hidden dense layer
// of 512 units and three heads: move logits, look mean (LookScale*tanh) and value.
//
// Hyperparameters are stored in the GoMLX context and can be overwritten with the model configuration
// string, e.g.: "cnn:hidden=256,learning_rate=0.001".
package gomlx

import (
	"github.com/Gladiatorsarius/PVP-KI/internal/ai"
	"github.com/Gladiatorsarius/PVP-KI/internal/parameters"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"sync"
)

// ModelType used to register the GoMLX convolutional model.
const ModelType = "cnn"

var (
	// Backend is a singleton, the same for all models.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })

	// muNewClient is a Mutex used to synchronize access to GoMLX executors creation.
	muNewClient sync.Mutex
)

func init() {
	ai.RegisterModel(ModelType, func(input ai.InputSpec, numMoves int, params parameters.Params) (ai.PolicyLearner, error) {
		return New(input, numMoves, params)
	})
}

// extractParams and write them as context hyperparameters.
// Only parameters whose keys are already defined in the root scope of the context are consumed.
func extractParams(modelName string, params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil || scope != context.RootScope {
			return
		}
		if _, found := params[key]; !found {
			return
		}
		var newErr error
		switch defaultValue := valueAny.(type) {
		case string:
			var value string
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			var value int
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case float64:
			var value float64
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case float32:
			var value float32
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case bool:
			var value bool
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		default:
			newErr = errors.Errorf("parameter is of unknown type %T", defaultValue)
		}
		if newErr != nil {
			err = errors.WithMessagef(newErr, "parsing %q for model %s", key, modelName)
		}
	})
	return err
}
