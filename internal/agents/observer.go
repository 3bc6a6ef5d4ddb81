package agents

import (
	"github.com/Gladiatorsarius/PVP-KI/internal/checkpoints"
	"github.com/Gladiatorsarius/PVP-KI/internal/ipc"
	"github.com/Gladiatorsarius/PVP-KI/internal/ppo"
	"sync"
)

// Observer of the training. Methods are called synchronously from the agents' goroutines (and from
// the goroutine running an update), so implementations must be fast and safe for concurrent use.
type Observer interface {
	// OnAgentState is called when the connection of an agent changes state.
	OnAgentState(agentID int, state ipc.State)

	// OnReward is called for every frame of an agent, with the reward of the frame and the total of the episode so far.
	OnReward(agentID int, reward, episodeTotal float64)

	// OnEpisodeEnd is called when an episode (a fight) of an agent ends.
	OnEpisodeEnd(agentID int, episodeTotal float64, won bool)

	// OnUpdate is called after every PPO update.
	OnUpdate(metrics ppo.Metrics)

	// OnCheckpoint is called after a checkpoint is saved.
	OnCheckpoint(path string, fightCount int)
}

// NopObserver implements Observer ignoring everything. Embed it to implement only some of the methods.
type NopObserver struct{}

var _ Observer = NopObserver{}

func (NopObserver) OnAgentState(int, ipc.State)     {}
func (NopObserver) OnReward(int, float64, float64)  {}
func (NopObserver) OnEpisodeEnd(int, float64, bool) {}
func (NopObserver) OnUpdate(ppo.Metrics)            {}
func (NopObserver) OnCheckpoint(string, int)        {}

// Observers broadcasts the events to a dynamic list of observers.
// It is itself an Observer, so it can be registered with the PPO engine and the checkpoints manager.
type Observers struct {
	mu   sync.RWMutex
	list []Observer
}

var (
	_ Observer             = (*Observers)(nil)
	_ ppo.Observer         = (*Observers)(nil)
	_ checkpoints.Observer = (*Observers)(nil)
)

// Add an observer.
func (o *Observers) Add(observer Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, observer)
}

func (o *Observers) each(fn func(observer Observer)) {
	o.mu.RLock()
	list := o.list
	o.mu.RUnlock()
	for _, observer := range list {
		fn(observer)
	}
}

// OnAgentState implements Observer.
func (o *Observers) OnAgentState(agentID int, state ipc.State) {
	o.each(func(observer Observer) { observer.OnAgentState(agentID, state) })
}

// OnReward implements Observer.
func (o *Observers) OnReward(agentID int, reward, episodeTotal float64) {
	o.each(func(observer Observer) { observer.OnReward(agentID, reward, episodeTotal) })
}

// OnEpisodeEnd implements Observer.
func (o *Observers) OnEpisodeEnd(agentID int, episodeTotal float64, won bool) {
	o.each(func(observer Observer) { observer.OnEpisodeEnd(agentID, episodeTotal, won) })
}

// OnUpdate implements Observer.
func (o *Observers) OnUpdate(metrics ppo.Metrics) {
	o.each(func(observer Observer) { observer.OnUpdate(metrics) })
}

// OnCheckpoint implements Observer.
func (o *Observers) OnCheckpoint(path string, fightCount int) {
	o.each(func(observer Observer) { observer.OnCheckpoint(path, fightCount) })
}
