// Package config loads the trainer configuration from a YAML file, and converts it to the
// configuration of each component.
//
// Every field has a default, so an empty (or missing) file configures two agents on localhost:9999 and
// localhost:10000 with the default reward coefficients and PPO hyperparameters. Example:
//
//	model: "cnn:hidden=256"
//	input: {width: 64, height: 64, channels: 3}
//	reward: {win: 500, loss: -500, time_penalty: -0.05}
//	ppo: {batch_size: 512, gae_mode: flat}
//	agents:
//	  - {id: 0, port: 9999, name: "left"}
//	  - {id: 1, port: 10000, name: "right", reward: "team_aware=false"}
package config

import (
	"fmt"
	"github.com/Gladiatorsarius/PVP-KI/internal/agents"
	"github.com/Gladiatorsarius/PVP-KI/internal/ai"
	"github.com/Gladiatorsarius/PVP-KI/internal/ipc"
	"github.com/Gladiatorsarius/PVP-KI/internal/ppo"
	"github.com/Gladiatorsarius/PVP-KI/internal/reward"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
)

// Default ports of the game clients of the first two agents.
const (
	DefaultHost       = "localhost"
	DefaultFirstPort  = 9999
	DefaultSecondPort = 10000
)

// Config of the trainer.
type Config struct {
	// Model configuration string, "<type>[:<key>=<value>,...]", see ai.New.
	Model    string `mapstructure:"model" yaml:"model"`
	Input    Input  `mapstructure:"input" yaml:"input"`
	NumMoves int    `mapstructure:"num_moves" yaml:"num_moves"`

	// Reward is the default reward configuration, that each agent can overwrite.
	Reward reward.Config `mapstructure:"reward" yaml:"reward"`
	PPO    PPO           `mapstructure:"ppo" yaml:"ppo"`

	Checkpoints Checkpoints `mapstructure:"checkpoints" yaml:"checkpoints"`

	// CommandAddr is where the control commands are listened to. Empty disables it.
	CommandAddr string `mapstructure:"command_addr" yaml:"command_addr"`

	// MonitorAddr is where the websocket status feed is served. Empty disables it.
	MonitorAddr string `mapstructure:"monitor_addr" yaml:"monitor_addr"`

	Agents []Agent `mapstructure:"agents" yaml:"agents"`
}

// Input is the shape of the model input: frames are resized to it.
type Input struct {
	Width    int `mapstructure:"width" yaml:"width"`
	Height   int `mapstructure:"height" yaml:"height"`
	Channels int `mapstructure:"channels" yaml:"channels"`
}

// PPO hyperparameters, with the GAE mode as a string.
type PPO struct {
	ppo.Config `mapstructure:",squash" yaml:",inline"`

	GAEMode string `mapstructure:"gae_mode" yaml:"gae_mode"`
}

// Checkpoints configuration.
type Checkpoints struct {
	Dir string `mapstructure:"dir" yaml:"dir"`

	// AutosaveInterval in number of episodes. 0 disables autosaving.
	AutosaveInterval int `mapstructure:"autosave_interval" yaml:"autosave_interval"`

	// Resume from the latest checkpoint in Dir, if there is one.
	Resume bool `mapstructure:"resume" yaml:"resume"`
}

// Agent configuration. Either Addr or Port (with Host) must be given.
type Agent struct {
	ID   int    `mapstructure:"id" yaml:"id"`
	Name string `mapstructure:"name" yaml:"name,omitempty"`
	Host string `mapstructure:"host" yaml:"host,omitempty"`
	Port int    `mapstructure:"port" yaml:"port,omitempty"`
	Addr string `mapstructure:"addr" yaml:"addr,omitempty"`

	// Reward overwrites the default reward coefficients, e.g. "win=100,team_aware=false".
	Reward string `mapstructure:"reward" yaml:"reward,omitempty"`

	// Actions enabled in the replies, e.g. "forward,left,back,right,jump,attack,look" or "all".
	Actions string `mapstructure:"actions" yaml:"actions,omitempty"`
}

// Address of the agent's game client.
func (a Agent) Address() string {
	if a.Addr != "" {
		return a.Addr
	}
	host := a.Host
	if host == "" {
		host = DefaultHost
	}
	return net.JoinHostPort(host, strconv.Itoa(a.Port))
}

// DefaultAgents are the two agents used when none is configured.
func DefaultAgents() []Agent {
	return []Agent{
		{ID: 0, Host: DefaultHost, Port: DefaultFirstPort},
		{ID: 1, Host: DefaultHost, Port: DefaultSecondPort},
	}
}

// Default configuration. Agents is left empty: Finalize fills in DefaultAgents.
func Default() Config {
	return Config{
		Model:    "linear",
		Input:    Input{Width: 64, Height: 64, Channels: 3},
		NumMoves: ai.DefaultNumMoves,
		Reward:   reward.DefaultConfig(),
		PPO: PPO{
			Config:  ppo.DefaultConfig(),
			GAEMode: ppo.SegmentByAgent.String(),
		},
		Checkpoints: Checkpoints{
			Dir:              "checkpoints",
			AutosaveInterval: 10,
		},
		CommandAddr: "localhost:9998",
	}
}

// Load the configuration from the YAML file at path, on top of the defaults.
// An empty path returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		vp := viper.New()
		vp.SetConfigFile(path)
		vp.SetConfigType("yaml")
		vp.AddConfigPath(filepath.Dir(path))
		if err := vp.ReadInConfig(); err != nil {
			return cfg, errors.Wrapf(err, "failed to read configuration from %q", path)
		}
		if err := vp.Unmarshal(&cfg); err != nil {
			return cfg, errors.Wrapf(err, "failed to parse configuration in %q", path)
		}
	}
	if err := cfg.Finalize(); err != nil {
		if path != "" {
			return cfg, errors.WithMessagef(err, "invalid configuration in %q", path)
		}
		return cfg, err
	}
	return cfg, nil
}

// Finalize fills in the default agents and validates the configuration.
func (c *Config) Finalize() error {
	if len(c.Agents) == 0 {
		c.Agents = DefaultAgents()
	}
	if c.Input.Width <= 0 || c.Input.Height <= 0 || c.Input.Channels <= 0 {
		return errors.Errorf("invalid input shape %dx%dx%d", c.Input.Width, c.Input.Height, c.Input.Channels)
	}
	if c.NumMoves <= 0 || c.NumMoves > len(ipc.MoveActions) {
		return errors.Errorf("num_moves must be between 1 and %d, got %d", len(ipc.MoveActions), c.NumMoves)
	}
	if c.Checkpoints.AutosaveInterval < 0 {
		return errors.Errorf("checkpoints autosave_interval must be >= 0, got %d", c.Checkpoints.AutosaveInterval)
	}
	if _, err := c.PPOConfig(); err != nil {
		return err
	}
	_, err := c.AgentConfigs()
	return err
}

// InputSpec of the model.
func (c Config) InputSpec() ai.InputSpec {
	return ai.InputSpec{Width: c.Input.Width, Height: c.Input.Height, Channels: c.Input.Channels}
}

// PPOConfig returns the validated configuration of the PPO engine.
func (c Config) PPOConfig() (ppo.Config, error) {
	cfg := c.PPO.Config
	var err error
	if c.PPO.GAEMode != "" {
		if cfg.GAEMode, err = ppo.ParseGAEMode(c.PPO.GAEMode); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

// AgentConfigs returns the configuration of each agent, with the reward overwrites applied.
func (c Config) AgentConfigs() ([]agents.Config, error) {
	configs := make([]agents.Config, 0, len(c.Agents))
	for _, a := range c.Agents {
		if a.Addr == "" && a.Port <= 0 {
			return nil, errors.Errorf("agent #%d has no port or address configured", a.ID)
		}
		cfg := agents.Config{ID: a.ID, Addr: a.Address(), Name: a.Name}
		var err error
		if cfg.Reward, err = reward.ParseConfig(a.Reward, c.Reward); err != nil {
			return nil, errors.WithMessagef(err, "agent #%d reward", a.ID)
		}
		if strings.TrimSpace(a.Actions) != "" {
			if cfg.Actions, err = ipc.ParseActionSet(a.Actions); err != nil {
				return nil, errors.WithMessagef(err, "agent #%d actions", a.ID)
			}
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// Dump writes the configuration as YAML.
func (c Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return errors.Wrap(err, "failed to encode configuration")
	}
	return enc.Close()
}

// String returns a one-line summary.
func (c Config) String() string {
	addrs := make([]string, 0, len(c.Agents))
	for _, a := range c.Agents {
		addrs = append(addrs, a.Address())
	}
	return fmt.Sprintf("model=%q input=%s agents=%v", c.Model, c.InputSpec(), addrs)
}
