package gomlx

import (
	"fmt"
	"github.com/Gladiatorsarius/PVP-KI/internal/ai"
	"github.com/Gladiatorsarius/PVP-KI/internal/features"
	"github.com/Gladiatorsarius/PVP-KI/internal/parameters"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"sync"
)

// Hyperparameter keys specific to the CNN model.
const (
	ParamHidden      = "hidden"
	ParamMaxGradNorm = "max_grad_norm"
)

// convLayer configuration.
type convLayer struct {
	filters, kernel, stride int
}

var convLayers = []convLayer{
	{filters: 32, kernel: 8, stride: 4},
	{filters: 64, kernel: 4, stride: 2},
	{filters: 64, kernel: 3, stride: 1},
}

// CNN is the convolutional policy/value model. It implements ai.PolicyLearner.
type CNN struct {
	input    ai.InputSpec
	numMoves int

	ctx       *context.Context
	optimizer optimizers.Interface

	// Executors.
	evalExec, trainExec *context.Exec

	// muLearning "write" for learning (and loading), and "read" for evaluating.
	muLearning sync.RWMutex
}

var (
	// Assert CNN is an ai.PolicyLearner.
	_ ai.PolicyLearner = (*CNN)(nil)
)

// New creates a CNN model with freshly initialized weights. The params can overwrite any of
// the context hyperparameters, see the package documentation.
func New(input ai.InputSpec, numMoves int, params parameters.Params) (*CNN, error) {
	if numMoves <= 0 {
		return nil, errors.Errorf("invalid number of moves %d", numMoves)
	}
	m := &CNN{
		input:    input,
		numMoves: numMoves,
		ctx:      context.New(),
	}
	m.ctx.RngStateReset()
	m.ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: ai.DefaultHyperparameters.LearningRate,
		optimizers.ParamAdamEpsilon:  1e-8,
		ParamHidden:                  512,
		ParamMaxGradNorm:             ai.DefaultHyperparameters.MaxGradNorm,
	})
	m.ctx = m.ctx.Checked(false)

	// "lr" is accepted as an alias to the learning rate, same as for other models.
	if lr, found := params["lr"]; found {
		params[optimizers.ParamLearningRate] = lr
		delete(params, "lr")
	}
	if err := extractParams(ModelType, params, m.ctx); err != nil {
		return nil, err
	}
	m.optimizer = optimizers.FromContext(m.ctx)

	// Create the backend.
	_ = backend()
	m.createExecutors()
	if err := exceptions.TryCatch[error](m.initVariables); err != nil {
		return nil, errors.WithMessagef(err, "failed to initialize %s", m)
	}
	return m, nil
}

// initVariables forces the creation of the variables without race conditions.
func (m *CNN) initVariables() {
	_ = m.Evaluate([]*ai.Observation{features.Zero(m.input)})
}

func (m *CNN) createExecutors() {
	muNewClient.Lock()
	defer muNewClient.Unlock()
	m.evalExec = context.NewExec(backend(), m.ctx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			moveLogits, lookMean, value := m.forwardGraph(ctx, inputs[0])
			return []*Node{moveLogits, lookMean, value}
		})
	m.evalExec.SetMaxCache(32)
	m.trainExec = context.NewExec(backend(), m.ctx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			g := inputs[0].Graph()
			ctx.SetTraining(g, true)
			moveLogits, lookMean, value := m.forwardGraph(ctx, inputs[0])

			// surrogate has the same gradient w.r.t. the parameters as the loss, since the heads
			// gradients are given as constants.
			surrogate := Add(
				Add(ReduceAllSum(Mul(moveLogits, inputs[1])), ReduceAllSum(Mul(lookMean, inputs[2]))),
				ReduceAllSum(Mul(value, inputs[3])))
			gradNorm := trainableGradientNorm(ctx, g, surrogate)
			loss := surrogate
			maxNorm := context.GetParamOr(ctx, ParamMaxGradNorm, ai.DefaultHyperparameters.MaxGradNorm)
			if maxNorm > 0 {
				ratio := Div(Scalar(g, dtypes.Float32, maxNorm), AddScalar(gradNorm, 1e-6))
				loss = Mul(loss, StopGradient(Min(ratio, OnesLike(ratio))))
			}
			m.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return []*Node{surrogate, gradNorm}
		})
	m.trainExec.SetMaxCache(32)
}

// forwardGraph builds the network: images are shaped [batch, height, width, channels].
func (m *CNN) forwardGraph(ctx *context.Context, images *Node) (moveLogits, lookMean, value *Node) {
	batchSize := images.Shape().Dim(0)
	x := images
	for ii, conv := range convLayers {
		x = layers.Convolution(ctx.In(fmt.Sprintf("conv_%d", ii)), x).
			Filters(conv.filters).
			KernelSize(conv.kernel).
			Strides(conv.stride).
			Done()
		x = activations.Relu(x)
	}
	x = Reshape(x, batchSize, x.Shape().Size()/batchSize)
	hidden := context.GetParamOr(ctx, ParamHidden, 512)
	x = activations.Relu(layers.Dense(ctx.In("hidden"), x, true, hidden))

	moveLogits = layers.Dense(ctx.In("move"), x, true, m.numMoves)
	lookMean = MulScalar(Tanh(layers.Dense(ctx.In("look"), x, true, ai.LookDim)), float64(ai.LookScale))
	value = Reshape(layers.Dense(ctx.In("value"), x, true, 1), batchSize)
	return
}

// trainableGradientNorm returns the L2 norm of the gradient of loss with respect to all trainable
// variables used in the graph.
func trainableGradientNorm(ctx *context.Context, g *Graph, loss *Node) *Node {
	var params []*Node
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && v.InUseByGraph(g) {
			params = append(params, v.ValueGraph(g))
		}
	})
	norm2 := ScalarZero(g, loss.DType())
	for _, grad := range Gradient(loss, params...) {
		norm2 = Add(norm2, ReduceAllSum(Square(grad)))
	}
	return Sqrt(norm2)
}

// String implements fmt.Stringer.
func (m *CNN) String() string {
	return fmt.Sprintf("cnn[%s,moves=%d]", m.input, m.numMoves)
}

// Type implements ai.PolicyLearner.
func (m *CNN) Type() string { return ModelType }

// Input implements ai.PolicyModel.
func (m *CNN) Input() ai.InputSpec { return m.input }

// NumMoves implements ai.PolicyModel.
func (m *CNN) NumMoves() int { return m.numMoves }

// createImages packs the observations in a tensor shaped [batch, height, width, channels].
func (m *CNN) createImages(observations []*ai.Observation) *tensors.Tensor {
	size := m.input.Size()
	images := tensors.FromShape(shapes.Make(dtypes.Float32,
		len(observations), m.input.Height, m.input.Width, m.input.Channels))
	tensors.MutableFlatData(images, func(flat []float32) {
		for ii, obs := range observations {
			if obs.InputSpec != m.input {
				klog.Errorf("%s: observation with shape %s, using zeros instead", m, obs.InputSpec)
				continue
			}
			copy(flat[ii*size:(ii+1)*size], obs.Pixels)
		}
	})
	return images
}

// Evaluate implements ai.PolicyModel.
func (m *CNN) Evaluate(observations []*ai.Observation) []ai.Heads {
	if len(observations) == 0 {
		return nil
	}
	images := m.createImages(observations)

	m.muLearning.RLock()
	defer m.muLearning.RUnlock()
	return headsFromOutputs(m.evalExec.Call(images))
}

// headsFromOutputs converts the outputs of evalExec to ai.Heads.
func headsFromOutputs(outputs []*tensors.Tensor) []ai.Heads {
	moveLogits := outputs[0].Value().([][]float32)
	lookMean := outputs[1].Value().([][]float32)
	value := outputs[2].Value().([]float32)
	heads := make([]ai.Heads, len(value))
	for ii := range heads {
		heads[ii].MoveLogits = moveLogits[ii]
		copy(heads[ii].LookMean[:], lookMean[ii])
		heads[ii].Value = value[ii]
	}
	return heads
}

// Learn implements ai.PolicyLearner.
func (m *CNN) Learn(observations []*ai.Observation, lossFn ai.LossFn) (loss float32, err error) {
	if len(observations) == 0 {
		return 0, errors.New("no observations to learn from")
	}
	m.muLearning.Lock()
	defer m.muLearning.Unlock()

	images := m.createImages(observations)
	var heads []ai.Heads
	err = exceptions.TryCatch[error](func() {
		heads = headsFromOutputs(m.evalExec.Call(images))
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "%s failed to evaluate batch", m)
	}

	loss, grads, err := lossFn(heads)
	if err != nil {
		return loss, err
	}
	if len(grads) != len(heads) {
		return loss, errors.Errorf("loss function returned %d gradients for %d examples", len(grads), len(heads))
	}

	batchSize := len(observations)
	gMove := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, m.numMoves))
	gLook := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, ai.LookDim))
	gValue := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize))
	tensors.MutableFlatData(gMove, func(flat []float32) {
		for ii, g := range grads {
			copy(flat[ii*m.numMoves:(ii+1)*m.numMoves], g.MoveLogits)
		}
	})
	tensors.MutableFlatData(gLook, func(flat []float32) {
		for ii, g := range grads {
			copy(flat[ii*ai.LookDim:(ii+1)*ai.LookDim], g.LookMean[:])
		}
	})
	tensors.MutableFlatData(gValue, func(flat []float32) {
		for ii, g := range grads {
			flat[ii] = g.Value
		}
	})

	err = exceptions.TryCatch[error](func() {
		outputs := m.trainExec.Call(images, gMove, gLook, gValue)
		klog.V(2).Infof("%s: gradient norm %g", m, tensors.ToScalar[float32](outputs[1]))
	})
	if err != nil {
		return loss, errors.WithMessagef(err, "%s failed to apply gradient step", m)
	}
	return loss, nil
}
