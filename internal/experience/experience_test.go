package experience

import (
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"sync/atomic"
	"testing"
)

// countingUpdater empties the buffer when the batch is complete, like the PPO engine does.
type countingUpdater struct {
	buffer  *Buffer
	calls   atomic.Int32
	batches [][]*Transition
	mu      sync.Mutex
}

func (u *countingUpdater) Update() error {
	u.calls.Add(1)
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.buffer.Size() < u.buffer.BatchSize() {
		return nil
	}
	u.batches = append(u.batches, u.buffer.GetBatchAndClear())
	return nil
}

func newTestBuffer(batchSize int) (*Buffer, *countingUpdater) {
	b := NewBuffer(batchSize)
	u := &countingUpdater{buffer: b}
	b.SetUpdater(u)
	return b, u
}

func TestBufferTriggersOnce(t *testing.T) {
	const batchSize = 8
	b, u := newTestBuffer(batchSize)
	episode := uuid.New()
	for ii := range batchSize - 1 {
		require.NoError(t, b.Add(&Transition{Move: ii, EpisodeID: episode}))
	}
	assert.Zero(t, u.calls.Load())
	assert.Equal(t, batchSize-1, b.Size())

	require.NoError(t, b.Add(&Transition{Move: batchSize - 1, EpisodeID: episode}))
	assert.Equal(t, int32(1), u.calls.Load())
	assert.Zero(t, b.Size())
	require.Len(t, u.batches, 1)
	for ii, transition := range u.batches[0] {
		assert.Equal(t, ii, transition.Move)
	}
}

func TestBufferConcurrentAgents(t *testing.T) {
	const (
		batchSize = 16
		numAgents = 4
		perAgent  = 40
	)
	b, u := newTestBuffer(batchSize)
	var wg sync.WaitGroup
	for agent := range numAgents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := range perAgent {
				_ = b.Add(&Transition{AgentID: agent, Move: step})
			}
		}()
	}
	wg.Wait()

	// Every transition is either in a batch or still in the buffer, and per agent order is kept.
	total := b.Size()
	lastStep := make(map[int]int)
	for _, batch := range append(u.batches, b.GetBatchAndClear()) {
		for _, transition := range batch {
			if last, found := lastStep[transition.AgentID]; found {
				assert.Greater(t, transition.Move, last)
			}
			lastStep[transition.AgentID] = transition.Move
		}
	}
	for _, batch := range u.batches {
		assert.GreaterOrEqual(t, len(batch), batchSize)
		total += len(batch)
	}
	assert.Equal(t, numAgents*perAgent, total)
}
