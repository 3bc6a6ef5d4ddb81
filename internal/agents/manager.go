package agents

import (
	"context"
	"github.com/Gladiatorsarius/PVP-KI/internal/ai"
	"github.com/Gladiatorsarius/PVP-KI/internal/experience"
	"github.com/Gladiatorsarius/PVP-KI/internal/generics"
	"github.com/Gladiatorsarius/PVP-KI/internal/ipc"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Manager owns the agents, the roster of players and the routing of the control commands.
type Manager struct {
	agents    []*Agent
	agentByID map[int]*Agent
	observers *Observers

	muRoster      sync.RWMutex
	playerToAgent map[string]int
	teammates     generics.Set[string]
}

// NewManager creates the agents. episodes may be nil.
func NewManager(model ai.PolicyModel, buffer *experience.Buffer, episodes EpisodeCounter, configs []Config) (*Manager, error) {
	if len(configs) == 0 {
		return nil, errors.New("no agents configured")
	}
	m := &Manager{
		agentByID:     make(map[int]*Agent, len(configs)),
		observers:     &Observers{},
		playerToAgent: make(map[string]int),
		teammates:     generics.MakeSet[string](),
	}
	for _, cfg := range configs {
		if _, found := m.agentByID[cfg.ID]; found {
			return nil, errors.Errorf("agent id %d configured more than once", cfg.ID)
		}
		if cfg.Addr == "" {
			return nil, errors.Errorf("%s has no address", cfg)
		}
		agent := newAgent(cfg, model, buffer, episodes, m.observers, m.Relation, m.HandleCommand)
		m.agents = append(m.agents, agent)
		m.agentByID[cfg.ID] = agent
	}
	return m, nil
}

// Agents returns the agents, in configuration order.
func (m *Manager) Agents() []*Agent { return slices.Clone(m.agents) }

// Agent returns the agent with the given id, or nil.
func (m *Manager) Agent(id int) *Agent { return m.agentByID[id] }

// Observers returns the observers broadcast: register it also with the PPO engine and the checkpoints manager.
func (m *Manager) Observers() *Observers { return m.observers }

// AddObserver is a shortcut to Observers().Add(o).
func (m *Manager) AddObserver(o Observer) { m.observers.Add(o) }

// Run all the agents, and the command server if commandAddr is not empty, until ctx is done.
// Failing to listen on commandAddr is returned immediately.
func (m *Manager) Run(ctx context.Context, commandAddr string) error {
	var server *ipc.CommandServer
	if commandAddr != "" {
		var err error
		server, err = ipc.ListenCommands(commandAddr, m.HandleCommand)
		if err != nil {
			return err
		}
		klog.Infof("Listening for commands on %s", server.Addr())
	}
	g, ctx := errgroup.WithContext(ctx)
	if server != nil {
		g.Go(func() error { return server.Serve(ctx) })
	}
	for _, agent := range m.agents {
		g.Go(func() error { return agent.Run(ctx) })
	}
	return g.Wait()
}

// Relation implements reward.RosterFn with the teams maintained by the TEAM commands: players added
// to the team are RelationTeam, other mapped players are RelationEnemy.
func (m *Manager) Relation(player string) (relation string, found bool) {
	m.muRoster.RLock()
	defer m.muRoster.RUnlock()
	if m.teammates.Has(player) {
		return ipc.RelationTeam, true
	}
	if _, mapped := m.playerToAgent[player]; mapped {
		return ipc.RelationEnemy, true
	}
	return "", false
}

// agentOf returns the agent mapped to the player, or nil.
func (m *Manager) agentOf(player string) *Agent {
	m.muRoster.RLock()
	defer m.muRoster.RUnlock()
	if id, found := m.playerToAgent[player]; found {
		return m.agentByID[id]
	}
	return nil
}

// targets returns the agents a START/STOP/RESET command applies to: the agent whose id is given in the
// data, or all of them.
func (m *Manager) targets(data string) []*Agent {
	if id, err := strconv.Atoi(strings.TrimSpace(data)); err == nil {
		if agent := m.agentByID[id]; agent != nil {
			return []*Agent{agent}
		}
	}
	return m.agents
}

// HandleCommand executes a control command, received from the command server or inline in a frame.
// Invalid commands are dropped with a warning.
func (m *Manager) HandleCommand(cmd ipc.Command) {
	if err := cmd.Validate(); err != nil {
		klog.Warningf("Dropping command: %v", err)
		return
	}
	switch cmd.Type {
	case ipc.CommandStart, ipc.CommandStop:
		for _, agent := range m.targets(cmd.Data) {
			agent.SetCollecting(cmd.Type == ipc.CommandStart)
		}

	case ipc.CommandReset:
		for _, agent := range m.targets(cmd.Data) {
			agent.RequestReset()
		}

	case ipc.CommandMap:
		player, agentID, _ := cmd.Map()
		agent := m.agentByID[agentID]
		if agent == nil {
			klog.Warningf("Dropping command %s %q: no agent #%d", cmd.Type, cmd.Data, agentID)
			return
		}
		m.muRoster.Lock()
		m.playerToAgent[player] = agentID
		m.muRoster.Unlock()
		agent.SetPlayerName(player)

	case ipc.CommandHit:
		attacker, victim, _ := cmd.Hit()
		// Only the attacker is rewarded: the victim sees the damage in its health.
		if agent := m.agentOf(attacker); agent != nil {
			agent.Route("EVENT:HIT:" + attacker + ":" + victim)
		} else {
			klog.V(1).Infof("HIT %q: no agent mapped to %q", cmd.Data, attacker)
		}

	case ipc.CommandDeath:
		victim, killer, _ := cmd.Death()
		event := "EVENT:DEATH:" + victim + ":" + killer
		victimAgent, killerAgent := m.agentOf(victim), m.agentOf(killer)
		if victimAgent != nil {
			victimAgent.Route(event)
		}
		if killerAgent != nil && killerAgent != victimAgent {
			killerAgent.Route(event)
		}

	case ipc.CommandTeam:
		add, player, _ := cmd.Team()
		m.muRoster.Lock()
		if add {
			m.teammates.Insert(player)
		} else {
			m.teammates.Remove(player)
		}
		m.muRoster.Unlock()
	}
}
