// Package cli implements a terminal UI for the trainer: a status block with the state of each
// agent and of the training, refreshed periodically, and one line per notable event.
package cli

import (
	"context"
	"fmt"
	"github.com/Gladiatorsarius/PVP-KI/internal/agents"
	"github.com/Gladiatorsarius/PVP-KI/internal/ipc"
	"github.com/Gladiatorsarius/PVP-KI/internal/ppo"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
)

var ansiFilter = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// displayWidth of s removes its color/control sequences and returns the length of what is left.
func displayWidth(s string) int {
	return len(ansiFilter.ReplaceAllString(s, ""))
}

var (
	titleStyle = lipgloss.NewStyle().Background(lipgloss.Color("13")).Foreground(lipgloss.Color("0")).Padding(0, 1)
	eventStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	stateStyle = map[ipc.State]lipgloss.Style{
		ipc.StateDisconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		ipc.StateConnecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		ipc.StateConnected:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		ipc.StateStreaming:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
	}
)

type agentStatus struct {
	state             ipc.State
	episodes, wins    int
	episodeReward     float64
	lastEpisodeReward float64
}

// UI prints the training status. It implements agents.Observer.
type UI struct {
	w     io.Writer
	color bool

	mu             sync.Mutex
	agents         map[int]*agentStatus
	metrics        ppo.Metrics
	lastCheckpoint string
	fightCount     int
}

var _ agents.Observer = (*UI)(nil)

// New creates a UI that writes to w, using colors if color is true.
func New(w io.Writer, color bool) *UI {
	return &UI{
		w:      w,
		color:  color,
		agents: make(map[int]*agentStatus),
	}
}

func (ui *UI) agentLocked(id int) *agentStatus {
	agent, found := ui.agents[id]
	if !found {
		agent = &agentStatus{}
		ui.agents[id] = agent
	}
	return agent
}

func (ui *UI) style(style lipgloss.Style, s string) string {
	if !ui.color {
		return s
	}
	return style.Render(s)
}

// printEvent writes a single event line, with the time.
func (ui *UI) printEvent(format string, args ...any) {
	line := fmt.Sprintf("%s %s", time.Now().Format(time.TimeOnly), fmt.Sprintf(format, args...))
	_, _ = fmt.Fprintln(ui.w, ui.style(eventStyle, line))
}

// OnAgentState implements agents.Observer.
func (ui *UI) OnAgentState(agentID int, state ipc.State) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	ui.agentLocked(agentID).state = state
	ui.printEvent("agent #%d: %s", agentID, state)
}

// OnReward implements agents.Observer.
func (ui *UI) OnReward(agentID int, _, episodeTotal float64) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	ui.agentLocked(agentID).episodeReward = episodeTotal
}

// OnEpisodeEnd implements agents.Observer.
func (ui *UI) OnEpisodeEnd(agentID int, episodeTotal float64, won bool) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	agent := ui.agentLocked(agentID)
	agent.episodes++
	result := "lost"
	if won {
		agent.wins++
		result = "won"
	}
	agent.lastEpisodeReward = episodeTotal
	agent.episodeReward = 0
	ui.printEvent("agent #%d: episode %d %s, reward %.2f", agentID, agent.episodes, result, episodeTotal)
}

// OnUpdate implements agents.Observer.
func (ui *UI) OnUpdate(metrics ppo.Metrics) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	ui.metrics = metrics
	ui.printEvent("update #%d: loss %.4f (policy %.4f, value %.4f, entropy %.4f), %d skipped steps, %s",
		metrics.Update, metrics.TotalLoss, metrics.PolicyLoss, metrics.ValueLoss, metrics.Entropy,
		metrics.SkippedSteps, metrics.Duration.Round(time.Millisecond))
}

// OnCheckpoint implements agents.Observer.
func (ui *UI) OnCheckpoint(path string, fightCount int) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	ui.lastCheckpoint = path
	ui.fightCount = fightCount
	ui.printEvent("saved checkpoint %s (%d fights)", path, fightCount)
}

// Render the status block.
func (ui *UI) Render() string {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	var lines []string
	lines = append(lines, ui.style(titleStyle, "PVP-KI trainer"))
	ids := make([]int, 0, len(ui.agents))
	for id := range ui.agents {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		agent := ui.agents[id]
		state := fmt.Sprintf("%-12s", agent.state)
		lines = append(lines, fmt.Sprintf("agent #%d  %s  episodes %d (%d won)  reward %8.2f  last %8.2f",
			id, ui.style(stateStyle[agent.state], state), agent.episodes, agent.wins,
			agent.episodeReward, agent.lastEpisodeReward))
	}
	m := ui.metrics
	lines = append(lines, fmt.Sprintf("updates %d  policy %.4f  value %.4f  entropy %.4f  kl %.4f  clipped %.1f%%",
		m.Update, m.PolicyLoss, m.ValueLoss, m.Entropy, m.ApproxKL, 100*m.ClipFraction))
	if ui.lastCheckpoint != "" {
		lines = append(lines, fmt.Sprintf("fights %d  checkpoint %s", ui.fightCount, ui.lastCheckpoint))
	}
	return strings.Join(lines, "\n")
}

// terminalWidth returns the width of the terminal, or 0 if not writing to one.
func (ui *UI) terminalWidth() int {
	f, ok := ui.w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

// PrintStatus writes the status block, centered if writing to a terminal.
func (ui *UI) PrintStatus() {
	printCentered(ui.w, ui.Render(), ui.terminalWidth())
}

// Run prints the status every period, until ctx is done.
func (ui *UI) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ui.PrintStatus()
		}
	}
}

func printCentered(w io.Writer, block string, terminalWidth int) {
	lines := strings.Split(block, "\n")
	blockWidth := 0
	for _, line := range lines {
		blockWidth = max(blockWidth, displayWidth(line))
	}
	indent := max((terminalWidth-blockWidth)/2, 0)
	for _, line := range lines {
		if len(line) == 0 {
			_, _ = fmt.Fprintln(w)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s%s\n", strings.Repeat(" ", indent), line)
	}
}
