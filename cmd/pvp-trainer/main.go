// pvp-trainer trains a policy for Minecraft PvP fights with PPO, playing through one or more
// game clients that stream their frames over TCP.
//
// Example:
//
//	$ pvp-trainer -config=trainer.yaml -model=linear:grid=8 -resume -monitor_addr=localhost:8080
package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/Gladiatorsarius/PVP-KI/internal/agents"
	"github.com/Gladiatorsarius/PVP-KI/internal/ai"
	_ "github.com/Gladiatorsarius/PVP-KI/internal/ai/linear"
	"github.com/Gladiatorsarius/PVP-KI/internal/checkpoints"
	"github.com/Gladiatorsarius/PVP-KI/internal/config"
	"github.com/Gladiatorsarius/PVP-KI/internal/experience"
	"github.com/Gladiatorsarius/PVP-KI/internal/monitor"
	"github.com/Gladiatorsarius/PVP-KI/internal/ppo"
	"github.com/Gladiatorsarius/PVP-KI/internal/profilers"
	"github.com/Gladiatorsarius/PVP-KI/internal/reward"
	"github.com/Gladiatorsarius/PVP-KI/internal/ui/cli"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"os"
	"time"
)

// Flags
var (
	flagConfig = flag.String("config", "", "YAML configuration file. If empty, the defaults are used.")
	flagModel  = flag.String("model", "", fmt.Sprintf("Model configuration string, \"<type>[:<key>=<value>,...]\", "+
		"overrides the configuration file. Registered types: %q", ai.RegisteredModels()))
	flagReward = flag.String("reward", "", "Reward coefficients applied to all agents, e.g. \"win=100,time_penalty=-0.01\".")
	flagPPO    = flag.String("ppo", "", "PPO hyperparameters, e.g. \"batch_size=512,epochs=8,gae_mode=flat\".")

	flagCheckpoints = flag.String("checkpoints", "", "Directory of the checkpoints, overrides the configuration file.")
	flagResume      = flag.Bool("resume", false, "Resume from the latest checkpoint.")
	flagLoad        = flag.String("load", "", "Checkpoint to load, a path or a file name in the checkpoints directory.")

	flagCommandAddr = flag.String("command_addr", "", "Address to listen for control commands, overrides the configuration file.")
	flagMonitorAddr = flag.String("monitor_addr", "", "Address to serve the websocket status feed, overrides the configuration file.")

	flagStatusPeriod = flag.Duration("status_period", 30*time.Second, "How often to print the status. 0 disables it.")
	flagColor        = flag.Bool("color", true, "Use colors in the status.")
	flagDumpConfig   = flag.Bool("dump_config", false, "Print the effective configuration as YAML and exit.")
)

// Globals
var (
	// globalCtx used everywhere. It is cancelled when the program is about to exit either by
	// an interrupt (ctrl+C) or by reaching the end.
	globalCtx = context.Background()
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	cli.SafeInterrupt(globalCancel, 10*time.Second)
	defer globalCancel()

	onQuit := must.M1(profilers.Setup(globalCtx))
	defer onQuit()

	cfg := must.M1(loadConfig())
	if *flagDumpConfig {
		must.M(cfg.Dump(os.Stdout))
		return
	}
	klog.Infof("Configuration: %s", cfg)
	must.M(train(globalCtx, cfg))
}

// loadConfig loads the configuration file and applies the flags on top of it.
func loadConfig() (cfg config.Config, err error) {
	if cfg, err = config.Load(*flagConfig); err != nil {
		return
	}
	if *flagModel != "" {
		cfg.Model = *flagModel
	}
	if cfg.Reward, err = reward.ParseConfig(*flagReward, cfg.Reward); err != nil {
		return
	}
	ppoCfg, err := cfg.PPOConfig()
	if err != nil {
		return
	}
	if ppoCfg, err = ppo.ParseConfig(*flagPPO, ppoCfg); err != nil {
		return
	}
	cfg.PPO.Config = ppoCfg
	cfg.PPO.GAEMode = ppoCfg.GAEMode.String()
	if *flagCheckpoints != "" {
		cfg.Checkpoints.Dir = *flagCheckpoints
	}
	if *flagResume {
		cfg.Checkpoints.Resume = true
	}
	if *flagCommandAddr != "" {
		cfg.CommandAddr = *flagCommandAddr
	}
	if *flagMonitorAddr != "" {
		cfg.MonitorAddr = *flagMonitorAddr
	}
	err = cfg.Finalize()
	return
}

// train creates the model, the PPO engine, the checkpoints and the agents, and runs until ctx is done.
func train(ctx context.Context, cfg config.Config) error {
	model, err := ai.New(cfg.Model, cfg.InputSpec(), cfg.NumMoves)
	if err != nil {
		return err
	}
	klog.Infof("Model: %s", model)
	ppoCfg, err := cfg.PPOConfig()
	if err != nil {
		return err
	}
	buffer := experience.NewBuffer(ppoCfg.BatchSize)
	engine, err := ppo.New(model, buffer, ppoCfg)
	if err != nil {
		return err
	}
	ckpts, err := checkpoints.New(cfg.Checkpoints.Dir, cfg.Checkpoints.AutosaveInterval, model, engine)
	if err != nil {
		return err
	}
	if err = restore(ckpts, cfg.Checkpoints.Resume); err != nil {
		return err
	}

	agentConfigs, err := cfg.AgentConfigs()
	if err != nil {
		return err
	}
	manager, err := agents.NewManager(model, buffer, ckpts, agentConfigs)
	if err != nil {
		return err
	}
	engine.AddObserver(manager.Observers())
	ckpts.AddObserver(manager.Observers())
	ui := cli.New(os.Stdout, *flagColor)
	manager.AddObserver(ui)

	g, gCtx := errgroup.WithContext(ctx)
	if cfg.MonitorAddr != "" {
		mon := monitor.New()
		manager.AddObserver(mon)
		g.Go(func() error { return mon.ListenAndServe(gCtx, cfg.MonitorAddr) })
	}
	if *flagStatusPeriod > 0 {
		g.Go(func() error {
			ui.Run(gCtx, *flagStatusPeriod)
			return nil
		})
	}
	g.Go(func() error { return manager.Run(gCtx, cfg.CommandAddr) })
	err = g.Wait()

	// Save what was learned since the last checkpoint.
	if engine.UpdateCount() > 0 {
		if path, saveErr := ckpts.Save(); saveErr != nil {
			klog.Errorf("Failed to save final checkpoint: %+v", saveErr)
		} else {
			klog.Infof("Saved final checkpoint %s", path)
		}
	}
	s := engine.Summary()
	klog.Infof("%d updates, %d fights; last %d updates: loss=%.4f policy=%.4f value=%.4f entropy=%.4f kl=%.4f",
		s.Updates, ckpts.FightCount(), s.Window, s.TotalLoss, s.PolicyLoss, s.ValueLoss, s.Entropy, s.ApproxKL)
	return err
}

// restore the model from the checkpoint given by -load, or from the latest one if resume is set.
func restore(ckpts *checkpoints.Manager, resume bool) error {
	name := *flagLoad
	if name == "" && resume {
		latest, err := ckpts.Latest()
		if err != nil {
			return err
		}
		if latest == "" {
			klog.Infof("No checkpoint in %q to resume from, starting from scratch", ckpts.Dir())
			return nil
		}
		name = latest
	}
	if name == "" {
		return nil
	}
	if err := ckpts.Load(name); err != nil {
		return errors.WithMessagef(err, "failed to restore checkpoint")
	}
	klog.Infof("Restored checkpoint %s: %d fights", name, ckpts.FightCount())
	return nil
}
