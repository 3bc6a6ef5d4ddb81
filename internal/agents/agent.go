// Package agents runs the agents: one goroutine per game client connection that reads the observation
// frames, shapes the reward, samples the action from the shared model, sends it back and records
// the transitions for training. The Manager owns the agents and routes the control commands to them.
package agents

import (
	"context"
	"fmt"
	"github.com/Gladiatorsarius/PVP-KI/internal/ai"
	"github.com/Gladiatorsarius/PVP-KI/internal/experience"
	"github.com/Gladiatorsarius/PVP-KI/internal/features"
	"github.com/Gladiatorsarius/PVP-KI/internal/ipc"
	"github.com/Gladiatorsarius/PVP-KI/internal/reward"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// Config of one agent.
type Config struct {
	ID int `mapstructure:"id" yaml:"id"`

	// Addr of the game client, "host:port".
	Addr string `mapstructure:"addr" yaml:"addr"`

	// Name is used for logging only. The player name is learned from the frames or from a MAP command.
	Name string `mapstructure:"name" yaml:"name"`

	Reward  reward.Config `mapstructure:"reward" yaml:"reward"`
	Actions ipc.ActionSet `mapstructure:"-" yaml:"-"`
}

// String implements fmt.Stringer.
func (c Config) String() string {
	if c.Name != "" {
		return fmt.Sprintf("agent #%d (%s)", c.ID, c.Name)
	}
	return fmt.Sprintf("agent #%d", c.ID)
}

// EpisodeCounter is notified of the end of every episode, see checkpoints.Manager.
type EpisodeCounter interface {
	OnEpisodeEnd() (path string, err error)
}

// Agent plays the game through one connection, using the shared model.
type Agent struct {
	cfg       Config
	model     ai.PolicyModel
	buffer    *experience.Buffer
	episodes  EpisodeCounter
	observers *Observers
	connector *ipc.Connector

	// dispatch handles the inline commands of the frames.
	dispatch func(cmd ipc.Command)

	collecting     atomic.Bool
	resetRequested atomic.Bool

	muRouted   sync.Mutex
	routed     []string
	playerName string

	// State owned by the agent's goroutine.
	shaper    *reward.Shaper
	rng       *rand.Rand
	episodeID uuid.UUID
	pending   *experience.Transition
}

// newAgent creates an agent, collecting experience from the start.
func newAgent(cfg Config, model ai.PolicyModel, buffer *experience.Buffer, episodes EpisodeCounter,
	observers *Observers, roster reward.RosterFn, dispatch func(cmd ipc.Command)) *Agent {
	a := &Agent{
		cfg:       cfg,
		model:     model,
		buffer:    buffer,
		episodes:  episodes,
		observers: observers,
		dispatch:  dispatch,
		connector: ipc.NewConnector(cfg.Addr),
		shaper:    reward.NewShaper(cfg.Reward),
		rng:       rand.New(rand.NewPCG(uint64(cfg.ID), rand.Uint64())),
		episodeID: uuid.New(),
	}
	if a.cfg.Actions == 0 {
		a.cfg.Actions = ipc.DefaultActions
	}
	a.shaper.Roster = roster
	a.connector.OnStateChange = func(state ipc.State) {
		klog.V(1).Infof("%s: %s", a.cfg, state)
		observers.OnAgentState(cfg.ID, state)
	}
	a.collecting.Store(true)
	return a
}

// ID of the agent.
func (a *Agent) ID() int { return a.cfg.ID }

// Config of the agent.
func (a *Agent) Config() Config { return a.cfg }

// Connector of the agent. Its timings can be changed before Run.
func (a *Agent) Connector() *ipc.Connector { return a.connector }

// State of the agent's connection.
func (a *Agent) State() ipc.State { return a.connector.State() }

// SetCollecting starts (START) or pauses (STOP) the recording of transitions. The agent keeps playing.
func (a *Agent) SetCollecting(collecting bool) { a.collecting.Store(collecting) }

// Collecting returns whether transitions are being recorded.
func (a *Agent) Collecting() bool { return a.collecting.Load() }

// RequestReset resets the reward tracking (health baseline and episode total) at the next frame, and starts
// a new episode.
func (a *Agent) RequestReset() { a.resetRequested.Store(true) }

// SetPlayerName sets the player controlled by the agent, as mapped by a MAP command.
func (a *Agent) SetPlayerName(name string) {
	a.muRouted.Lock()
	defer a.muRouted.Unlock()
	a.playerName = name
}

// PlayerName mapped to the agent, if any.
func (a *Agent) PlayerName() string {
	a.muRouted.Lock()
	defer a.muRouted.Unlock()
	return a.playerName
}

// Route queues an event ("EVENT:<TYPE>:...") to be processed with the next frame.
func (a *Agent) Route(event string) {
	a.muRouted.Lock()
	defer a.muRouted.Unlock()
	a.routed = append(a.routed, event)
}

func (a *Agent) takeRouted() (events []string, playerName string) {
	a.muRouted.Lock()
	defer a.muRouted.Unlock()
	events, a.routed = a.routed, nil
	return events, a.playerName
}

// Run the agent until ctx is done: connect (retrying), then play until the connection is lost, and repeat.
func (a *Agent) Run(ctx context.Context) error {
	defer a.connector.Close()
	for {
		if err := a.connector.Connect(ctx); err != nil {
			return nil // Context done.
		}
		err := a.play(ctx)
		// The action of the pending step was never rewarded.
		a.pending = nil
		if ctx.Err() != nil {
			return nil
		}
		klog.Warningf("%s: connection to %s lost, reconnecting: %v", a.cfg, a.cfg.Addr, err)
	}
}

// play runs the read -> shape -> infer -> send loop until an error.
func (a *Agent) play(ctx context.Context) error {
	for {
		frame, err := a.connector.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if err = a.step(frame); err != nil {
			return err
		}
	}
}

// step processes one frame, and sends the action for it.
func (a *Agent) step(frame *ipc.Frame) error {
	header := &frame.Header
	if cmd, found := header.Command(); found && a.dispatch != nil {
		a.dispatch(cmd)
	}
	if a.resetRequested.Swap(false) {
		klog.V(1).Infof("%s: reset", a.cfg)
		a.shaper.Reset()
		a.pending = nil
		a.episodeID = uuid.New()
	}
	routed, mappedName := a.takeRouted()
	if header.PlayerName == "" && mappedName != "" {
		a.shaper.PlayerName = mappedName
	}
	shaped := a.shaper.Shape(header, routed...)

	obs, err := features.FromFrame(header.Width, header.Height, frame.Body, a.model.Input())
	if err != nil {
		if !frame.MalformedHeader {
			klog.Warningf("%s: using a blank observation: %v", a.cfg, err)
		}
		obs = features.Zero(a.model.Input())
	}
	heads := a.model.Evaluate([]*ai.Observation{obs})[0]

	collecting := a.collecting.Load()
	if a.pending != nil {
		t := a.pending
		a.pending = nil
		t.Reward = shaped.Reward
		t.Done = shaped.Done
		if !t.Done {
			t.NextValue = heads.Value
		}
		if collecting {
			if err = a.buffer.Add(t); err != nil {
				klog.Errorf("%s: training update failed: %+v", a.cfg, err)
			}
		}
	}
	a.observers.OnReward(a.cfg.ID, shaped.Reward, a.shaper.EpisodeTotal())
	if shaped.Done {
		klog.V(1).Infof("%s: episode finished with total reward %.2f (won=%v)", a.cfg, shaped.EpisodeTotal, shaped.Won)
		a.observers.OnEpisodeEnd(a.cfg.ID, shaped.EpisodeTotal, shaped.Won)
		if collecting && a.episodes != nil {
			if _, err = a.episodes.OnEpisodeEnd(); err != nil {
				klog.Errorf("%s: failed to save checkpoint: %+v", a.cfg, err)
			}
		}
		a.episodeID = uuid.New()
	}

	action, t := a.sample(obs, heads)
	a.pending = t
	if err = a.connector.SendAction(action, a.cfg.Actions); err != nil {
		return errors.WithMessagef(err, "%s failed to send action", a.cfg)
	}
	return nil
}

// sample the action for the observation, and the transition to be completed with the reward of the next frame.
func (a *Agent) sample(obs *ai.Observation, heads ai.Heads) (ipc.Action, *experience.Transition) {
	logProbs := ai.LogSoftmax(heads.MoveLogits)
	move := ai.SampleCategorical(a.rng, ai.Softmax(heads.MoveLogits))
	look := ai.SampleLook(a.rng, heads.LookMean)
	action := ipc.Action{Yaw: float64(look[0]), Pitch: float64(look[1])}
	if move < len(ipc.MoveActions) {
		action.Pressed = ipc.MoveActions[move]
	}
	return action, &experience.Transition{
		Observation: obs,
		Move:        move,
		Look:        look,
		LogProbMove: logProbs[move],
		LogProbLook: ai.LookLogProb(look, heads.LookMean),
		Value:       heads.Value,
		AgentID:     a.cfg.ID,
		EpisodeID:   a.episodeID,
	}
}
