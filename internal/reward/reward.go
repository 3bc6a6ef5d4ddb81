// Package reward converts the frame headers sent by the game client into a scalar reward and an
// end of episode flag, using the health of the player and the discrete events of the frame.
package reward

import (
	"github.com/Gladiatorsarius/PVP-KI/internal/ipc"
	"github.com/Gladiatorsarius/PVP-KI/internal/parameters"
	"k8s.io/klog/v2"
	"strings"
)

// InitialHealth is the health assumed before the first frame reporting one.
const InitialHealth = 20.0

// Config holds the reward coefficients of one agent.
type Config struct {
	Win         float64 `mapstructure:"win" yaml:"win"`
	Loss        float64 `mapstructure:"loss" yaml:"loss"`
	DamageDealt float64 `mapstructure:"damage_dealt" yaml:"damage_dealt"`
	DamageTaken float64 `mapstructure:"damage_taken" yaml:"damage_taken"`
	TimePenalty float64 `mapstructure:"time_penalty" yaml:"time_penalty"`
	TeamHit     float64 `mapstructure:"team_hit" yaml:"team_hit"`
	TeamKill    float64 `mapstructure:"team_kill" yaml:"team_kill"`

	// TeamAware enables the team penalties. If false all other players are treated as enemies.
	TeamAware bool `mapstructure:"team_aware" yaml:"team_aware"`
}

// DefaultConfig returns the default coefficients.
func DefaultConfig() Config {
	return Config{
		Win:         500,
		Loss:        -500,
		DamageDealt: 10,
		DamageTaken: -10,
		TimePenalty: -0.1,
		TeamHit:     -50,
		TeamKill:    -500,
		TeamAware:   true,
	}
}

// ParseConfig overwrites the coefficients of base with the ones given in the config string, e.g.
// "win=100,time_penalty=-0.01,team_aware=false". Unknown keys are an error.
func ParseConfig(config string, base Config) (Config, error) {
	params := parameters.NewFromConfigString(config)
	cfg := base
	for _, field := range []struct {
		key   string
		value *float64
	}{
		{"win", &cfg.Win},
		{"loss", &cfg.Loss},
		{"damage_dealt", &cfg.DamageDealt},
		{"damage_taken", &cfg.DamageTaken},
		{"time_penalty", &cfg.TimePenalty},
		{"team_hit", &cfg.TeamHit},
		{"team_kill", &cfg.TeamKill},
	} {
		var err error
		if *field.value, err = parameters.PopParamOr(params, field.key, *field.value); err != nil {
			return base, err
		}
	}
	var err error
	if cfg.TeamAware, err = parameters.PopParamOr(params, "team_aware", cfg.TeamAware); err != nil {
		return base, err
	}
	if err = parameters.CheckConsumed(params, "reward"); err != nil {
		return base, err
	}
	return cfg, nil
}

// RosterFn returns the relation (ipc.RelationTeam or ipc.RelationEnemy) of a player, if known.
// It is used for headers without a team map, and must be safe for concurrent use.
type RosterFn func(player string) (relation string, found bool)

// Step is the result of shaping one frame.
type Step struct {
	Reward float64
	Done   bool

	// EpisodeTotal is the accumulated reward of the episode that just ended, only set if Done.
	EpisodeTotal float64

	// Won is set if the episode ended with this agent killing another player.
	Won bool
}

// Shaper keeps the reward state of one agent. It is not safe for concurrent use: each agent owns one.
type Shaper struct {
	Config Config

	// PlayerName of the agent, updated from the headers. Empty if unknown.
	PlayerName string

	// Roster is used when the header carries no team map. Optional.
	Roster RosterFn

	lastHealth float64
	total      float64
}

// NewShaper creates a Shaper with the given coefficients.
func NewShaper(cfg Config) *Shaper {
	return &Shaper{Config: cfg, lastHealth: InitialHealth}
}

// Reset the health baseline and the episode total.
func (s *Shaper) Reset() {
	s.lastHealth = InitialHealth
	s.total = 0
}

// Health is the last health seen.
func (s *Shaper) Health() float64 { return s.lastHealth }

// EpisodeTotal is the reward accumulated so far in the current episode.
func (s *Shaper) EpisodeTotal() float64 { return s.total }

// Shape returns the reward of the frame with the given header. extraEvents (e.g. routed from
// control commands) are processed after the header's own events.
func (s *Shaper) Shape(header *ipc.Header, extraEvents ...string) (step Step) {
	if header.PlayerName != "" {
		s.PlayerName = header.PlayerName
	}
	health := s.lastHealth
	if header.Health != nil {
		health = *header.Health
	}

	step.Reward = s.Config.TimePenalty
	if health < s.lastHealth {
		step.Reward += (s.lastHealth - health) * s.Config.DamageTaken
	}
	s.lastHealth = health

	relation := s.relationFn(header)
	for _, events := range [][]string{header.Events, extraEvents} {
		for _, event := range events {
			s.applyEvent(event, health, relation, &step)
		}
	}

	s.total += step.Reward
	if step.Done {
		step.EpisodeTotal = s.total
		s.total = 0
	}
	return
}

// relationFn returns the function that resolves the relation of a player to this agent.
func (s *Shaper) relationFn(header *ipc.Header) func(player string) string {
	return func(player string) string {
		if s.PlayerName != "" && player == s.PlayerName {
			return ipc.RelationTeam
		}
		if header.Teams != nil {
			return header.Teams[player]
		}
		if s.Roster != nil {
			if relation, found := s.Roster(player); found {
				return relation
			}
		}
		return ipc.RelationEnemy
	}
}

func (s *Shaper) sameTeam(relation func(string) string, a, b string) bool {
	return s.Config.TeamAware && relation(a) == ipc.RelationTeam && relation(b) == ipc.RelationTeam
}

// applyEvent adds the reward of one "EVENT:<TYPE>:<arg>:<arg>..." event. Malformed events are ignored.
func (s *Shaper) applyEvent(event string, health float64, relation func(string) string, step *Step) {
	parts := strings.Split(event, ":")
	if len(parts) < 4 || parts[0] != "EVENT" {
		klog.V(2).Infof("reward: ignoring malformed event %q", event)
		return
	}
	switch parts[1] {
	case "HIT":
		attacker, victim := parts[2], parts[3]
		teamHit := s.sameTeam(relation, attacker, victim)
		if len(parts) > 4 && s.Config.TeamAware {
			// The client may annotate the relation itself: "EVENT:HIT:<attacker>:<victim>:<relation>".
			teamHit = parts[4] == ipc.RelationTeam
		}
		if teamHit {
			step.Reward += s.Config.TeamHit
		} else {
			step.Reward += s.Config.DamageDealt
		}

	case "DEATH":
		victim, killer := parts[2], parts[3]
		isVictim := health <= 0 || (s.PlayerName != "" && victim == s.PlayerName)
		isKiller := !isVictim && (s.PlayerName == "" || killer == s.PlayerName)
		switch {
		case isVictim:
			step.Reward += s.Config.Loss
			if killer != victim && s.sameTeam(relation, killer, victim) {
				step.Reward += s.Config.TeamKill
			}
			step.Done = true
		case isKiller:
			if s.sameTeam(relation, killer, victim) {
				step.Reward += s.Config.TeamKill
			} else {
				step.Reward += s.Config.Win
				step.Won = true
			}
			step.Done = true
		}

	default:
		klog.V(2).Infof("reward: ignoring event of unknown type %q", event)
	}
}
