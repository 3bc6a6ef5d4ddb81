package ppo

import (
	"github.com/Gladiatorsarius/PVP-KI/internal/ai"
	"github.com/Gladiatorsarius/PVP-KI/internal/experience"
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"math"
)

// clippedSurrogate returns min(ratio*advantage, clip(ratio, 1-eps, 1+eps)*advantage), and whether
// the clipped term was selected. The clipped term is only selected if strictly smaller.
func clippedSurrogate(ratio, advantage, eps float64) (value float64, clipped bool) {
	unclipped := ratio * advantage
	clippedValue := min(max(ratio, 1-eps), 1+eps) * advantage
	if clippedValue < unclipped {
		return clippedValue, true
	}
	return unclipped, false
}

// lossTerms of one evaluation of the PPO loss, averaged over the batch.
type lossTerms struct {
	policy, value, entropy, total float64
	approxKL, clipFraction        float64
}

// ppoLoss computes the PPO loss of a batch and its gradient with respect to the heads of the model.
type ppoLoss struct {
	cfg                 Config
	batch               []*experience.Transition
	advantages, returns []float64

	// terms of the last call.
	terms lossTerms
}

// lookEntropy is the entropy of the look distribution: its standard deviation is fixed.
var lookEntropy = float64(ai.LookDim) * float64(ai.NormalEntropy(ai.LookStd))

// lossAndGradients implements ai.LossFn:
//
//	total = policy + ValueCoef * value - EntropyCoef * entropy
//	policy = -mean(min(ratio * A, clip(ratio, 1-eps, 1+eps) * A))
//	value = mean((V - R)^2)
//	entropy = mean(H(move) + H(look))
//
// with ratio = exp(logp(move) + logp(look) - old_logp(move) - old_logp(look)).
func (l *ppoLoss) lossAndGradients(heads []ai.Heads) (float32, []ai.Heads, error) {
	if len(heads) != len(l.batch) {
		return 0, nil, errors.Errorf("model returned %d heads for a batch of %d", len(heads), len(l.batch))
	}
	n := float64(len(heads))
	var terms lossTerms
	grads := make([]ai.Heads, len(heads))
	for ii, h := range heads {
		t := l.batch[ii]
		logProbs := ai.LogSoftmax(h.MoveLogits)
		if t.Move < 0 || t.Move >= len(logProbs) {
			return 0, nil, errors.Errorf("transition has move %d, but model has %d moves", t.Move, len(logProbs))
		}

		// Policy.
		newLogProb := float64(logProbs[t.Move]) + float64(ai.LookLogProb(t.Look, h.LookMean))
		logRatio := newLogProb - float64(t.LogProbMove) - float64(t.LogProbLook)
		ratio := math.Exp(logRatio)
		surrogate, clipped := clippedSurrogate(ratio, l.advantages[ii], l.cfg.ClipEpsilon)
		terms.policy -= surrogate / n
		terms.approxKL += (ratio - 1 - logRatio) / n
		var dLogProb float64 // d(total)/d(new log-prob).
		if clipped {
			terms.clipFraction += 1 / n
		} else {
			dLogProb = -l.advantages[ii] * ratio / n
		}

		// Entropy.
		moveEntropy := float64(ai.CategoricalEntropy(logProbs))
		terms.entropy += (moveEntropy + lookEntropy) / n

		g := &grads[ii]
		g.MoveLogits = make([]float32, len(logProbs))
		for k, lp := range logProbs {
			p := math.Exp(float64(lp))
			indicator := 0.0
			if k == t.Move {
				indicator = 1
			}
			// d(-EntropyCoef * H)/d(logit_k) = EntropyCoef * p_k * (log(p_k) + H).
			g.MoveLogits[k] = float32(dLogProb*(indicator-p) + l.cfg.EntropyCoef/n*p*(float64(lp)+moveEntropy))
		}
		for d := range ai.LookDim {
			diff := float64(t.Look[d] - h.LookMean[d])
			g.LookMean[d] = float32(dLogProb * diff / float64(ai.LookStd*ai.LookStd))
		}

		// Value.
		valueDiff := float64(h.Value) - l.returns[ii]
		terms.value += valueDiff * valueDiff / n
		g.Value = float32(l.cfg.ValueCoef * 2 * valueDiff / n)
	}
	terms.total = terms.policy + l.cfg.ValueCoef*terms.value - l.cfg.EntropyCoef*terms.entropy
	l.terms = terms
	if math.IsNaN(terms.total) || math.IsInf(terms.total, 0) {
		return float32(terms.total), nil, errors.WithMessagef(ai.ErrSkipStep, "non-finite loss %g", terms.total)
	}
	if !isFinite32(grads) {
		return float32(terms.total), nil, errors.WithMessagef(ai.ErrSkipStep, "non-finite gradients (loss=%g)", terms.total)
	}
	return float32(terms.total), grads, nil
}

// isFinite32 reports whether all the values of the heads are finite.
func isFinite32(heads []ai.Heads) bool {
	for _, h := range heads {
		for _, v := range h.MoveLogits {
			if math32.IsNaN(v) || math32.IsInf(v, 0) {
				return false
			}
		}
		for _, v := range append(h.LookMean[:], h.Value) {
			if math32.IsNaN(v) || math32.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
