// Package experience holds the transitions collected by all the agents until they are used for training.
package experience

import (
	"github.com/Gladiatorsarius/PVP-KI/internal/ai"
	"github.com/google/uuid"
	"sync"
)

// Transition is one step of one agent. It must not be modified after it is added to a Buffer.
type Transition struct {
	Observation *ai.Observation

	// Move is the index of the discrete move taken, and Look the continuous (yaw, pitch) action.
	Move int
	Look [ai.LookDim]float32

	// Reward received after the action, and Done if the episode ended with it.
	Reward float64
	Done   bool

	// LogProbMove and LogProbLook of the actions taken, and the Value estimate of the observation,
	// when the action was sampled.
	LogProbMove, LogProbLook float32
	Value                    float32

	// AgentID and EpisodeID identify the sequence the transition belongs to.
	AgentID   int
	EpisodeID uuid.UUID

	// NextValue is the value estimate of the following observation, 0 if Done.
	NextValue float32
}

// Updater is called by a Buffer when it is full.
type Updater interface {
	Update() error
}

// Buffer is a thread-safe ordered sequence of transitions. When it reaches its batch size, the
// goroutine whose Add filled it runs the Updater before returning.
type Buffer struct {
	mu          sync.Mutex
	transitions []*Transition
	batchSize   int
	updater     Updater
}

// NewBuffer creates an empty buffer.
func NewBuffer(batchSize int) *Buffer {
	return &Buffer{batchSize: batchSize, transitions: make([]*Transition, 0, batchSize)}
}

// SetUpdater sets the updater triggered when the buffer is full. Set it before adding transitions.
func (b *Buffer) SetUpdater(updater Updater) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updater = updater
}

// BatchSize returns the number of transitions that triggers an update.
func (b *Buffer) BatchSize() int { return b.batchSize }

// Add appends the transition and, if the buffer reached the batch size, calls the Updater
// synchronously. It returns the Updater's error.
func (b *Buffer) Add(t *Transition) error {
	b.mu.Lock()
	b.transitions = append(b.transitions, t)
	trigger := len(b.transitions) >= b.batchSize
	updater := b.updater
	b.mu.Unlock()

	if !trigger || updater == nil {
		return nil
	}
	return updater.Update()
}

// GetBatchAndClear returns all the transitions, in the order they were added, and empties the buffer.
func (b *Buffer) GetBatchAndClear() []*Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.transitions
	b.transitions = make([]*Transition, 0, b.batchSize)
	return batch
}

// Size is the current number of transitions. For reporting only.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.transitions)
}
