package ppo

import (
	"github.com/Gladiatorsarius/PVP-KI/internal/experience"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"math"
	"strings"
)

// GAEMode defines how the transitions of a batch are split into trajectories before the GAE recursion.
type GAEMode int

const (
	// SegmentByAgent runs the recursion separately on the transitions of each (agent, episode), in
	// their order in the batch, bootstrapping each segment with the value of its successor observation.
	SegmentByAgent GAEMode = iota

	// Flat runs the recursion over the whole batch as if it were one trajectory, even if it interleaves
	// transitions of different agents.
	Flat
)

var gaeModeNames = []string{"segment", "flat"}

// String implements fmt.Stringer.
func (m GAEMode) String() string {
	if m < 0 || int(m) >= len(gaeModeNames) {
		return "GAEMode(?)"
	}
	return gaeModeNames[m]
}

// ParseGAEMode parses the name of a GAEMode, "segment" or "flat".
func ParseGAEMode(name string) (GAEMode, error) {
	for ii, modeName := range gaeModeNames {
		if strings.EqualFold(name, modeName) {
			return GAEMode(ii), nil
		}
	}
	return 0, errors.Errorf("unknown GAE mode %q, valid values are %q", name, gaeModeNames)
}

// ComputeGAE returns the generalized advantage estimates and the returns (advantages + values)
// of one trajectory. lastValue is the value of the state following the last transition, and it's
// ignored if that transition is done.
func ComputeGAE(rewards, values []float64, dones []bool, lastValue, gamma, lambda float64) (advantages, returns []float64) {
	numSteps := len(rewards)
	advantages = make([]float64, numSteps)
	returns = make([]float64, numSteps)
	var gae float64
	for t := numSteps - 1; t >= 0; t-- {
		nextValue := lastValue
		if t < numSteps-1 {
			nextValue = values[t+1]
		}
		notDone := 1.0
		if dones[t] {
			notDone = 0
		}
		delta := rewards[t] + gamma*nextValue*notDone - values[t]
		gae = delta + gamma*lambda*notDone*gae
		advantages[t] = gae
		returns[t] = gae + values[t]
	}
	return
}

// NormalizeAdvantages shifts and scales the advantages in place to mean 0 and (population) standard
// deviation 1, using an epsilon of 1e-8 in the denominator.
func NormalizeAdvantages(advantages []float64) {
	if len(advantages) == 0 {
		return
	}
	var mean float64
	for _, a := range advantages {
		mean += a
	}
	mean /= float64(len(advantages))
	var variance float64
	for _, a := range advantages {
		variance += (a - mean) * (a - mean)
	}
	std := math.Sqrt(variance / float64(len(advantages)))
	for ii, a := range advantages {
		advantages[ii] = (a - mean) / (std + 1e-8)
	}
}

// trajectoryKey identifies the transitions of one agent's episode.
type trajectoryKey struct {
	agentID   int
	episodeID uuid.UUID
}

// EstimateBatch computes the advantages and returns of the batch, aligned with it. Advantages are not normalized.
func EstimateBatch(batch []*experience.Transition, gamma, lambda float64, mode GAEMode) (advantages, returns []float64) {
	advantages = make([]float64, len(batch))
	returns = make([]float64, len(batch))
	if len(batch) == 0 {
		return
	}
	var segments [][]int
	if mode == Flat {
		segment := make([]int, len(batch))
		for ii := range segment {
			segment[ii] = ii
		}
		segments = [][]int{segment}
	} else {
		segmentOf := make(map[trajectoryKey]int)
		for ii, t := range batch {
			key := trajectoryKey{t.AgentID, t.EpisodeID}
			idx, found := segmentOf[key]
			if !found {
				idx = len(segments)
				segmentOf[key] = idx
				segments = append(segments, nil)
			}
			segments[idx] = append(segments[idx], ii)
		}
	}

	for _, segment := range segments {
		rewards := make([]float64, len(segment))
		values := make([]float64, len(segment))
		dones := make([]bool, len(segment))
		for ii, batchIdx := range segment {
			t := batch[batchIdx]
			rewards[ii] = t.Reward
			values[ii] = float64(t.Value)
			dones[ii] = t.Done
		}
		last := batch[segment[len(segment)-1]]
		var lastValue float64
		if !last.Done {
			lastValue = float64(last.NextValue)
		}
		segmentAdvantages, segmentReturns := ComputeGAE(rewards, values, dones, lastValue, gamma, lambda)
		for ii, batchIdx := range segment {
			advantages[batchIdx] = segmentAdvantages[ii]
			returns[batchIdx] = segmentReturns[ii]
		}
	}
	return
}
