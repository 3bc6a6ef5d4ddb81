package ai

import (
	"github.com/chewxy/math32"
	"math/rand/v2"
)

// logSqrt2Pi is log(sqrt(2*pi)).
var logSqrt2Pi = 0.5 * math32.Log(2*math32.Pi)

// Softmax returns the probabilities of the categorical distribution parametrized by logits.
func Softmax(logits []float32) []float32 {
	probs := make([]float32, len(logits))
	if len(logits) == 0 {
		return probs
	}
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		maxLogit = max(maxLogit, l)
	}
	var sum float32
	for ii, l := range logits {
		probs[ii] = math32.Exp(l - maxLogit)
		sum += probs[ii]
	}
	for ii := range probs {
		probs[ii] /= sum
	}
	return probs
}

// LogSoftmax returns the log-probabilities of the categorical distribution parametrized by logits.
func LogSoftmax(logits []float32) []float32 {
	logProbs := make([]float32, len(logits))
	if len(logits) == 0 {
		return logProbs
	}
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		maxLogit = max(maxLogit, l)
	}
	var sum float32
	for _, l := range logits {
		sum += math32.Exp(l - maxLogit)
	}
	logSum := maxLogit + math32.Log(sum)
	for ii, l := range logits {
		logProbs[ii] = l - logSum
	}
	return logProbs
}

// CategoricalEntropy returns -sum(p*log(p)) given the log-probabilities.
func CategoricalEntropy(logProbs []float32) float32 {
	var entropy float32
	for _, lp := range logProbs {
		entropy -= math32.Exp(lp) * lp
	}
	return entropy
}

// SampleCategorical samples an index with the given probabilities.
func SampleCategorical(rng *rand.Rand, probs []float32) int {
	r := rng.Float32()
	var cumulative float32
	for ii, p := range probs {
		cumulative += p
		if r < cumulative {
			return ii
		}
	}
	// Rounding errors: return the last non-zero probability.
	for ii := len(probs) - 1; ii > 0; ii-- {
		if probs[ii] > 0 {
			return ii
		}
	}
	return 0
}

// NormalLogProb returns the log density of x under Normal(mean, std).
func NormalLogProb(x, mean, std float32) float32 {
	z := (x - mean) / std
	return -0.5*z*z - math32.Log(std) - logSqrt2Pi
}

// NormalEntropy returns the entropy of a Normal distribution with the given std.
func NormalEntropy(std float32) float32 {
	return 0.5 + logSqrt2Pi + math32.Log(std)
}

// LookLogProb is the log-probability of a look action, the sum over the independent
// dimensions of the Normal(mean, LookStd) distribution.
func LookLogProb(look, mean [LookDim]float32) float32 {
	var logProb float32
	for ii := range LookDim {
		logProb += NormalLogProb(look[ii], mean[ii], LookStd)
	}
	return logProb
}

// SampleLook samples a look action from Normal(mean, LookStd).
func SampleLook(rng *rand.Rand, mean [LookDim]float32) (look [LookDim]float32) {
	for ii := range LookDim {
		look[ii] = mean[ii] + LookStd*float32(rng.NormFloat64())
	}
	return
}
