package cli

import (
	"bytes"
	"github.com/Gladiatorsarius/PVP-KI/internal/ipc"
	"github.com/Gladiatorsarius/PVP-KI/internal/ppo"
	"github.com/stretchr/testify/assert"
	"strings"
	"testing"
)

func TestDisplayWidth(t *testing.T) {
	assert.Equal(t, 5, displayWidth("\x1b[30;41;1mhello\x1b[39;49;0m"))
	assert.Equal(t, 0, displayWidth(""))
}

func TestPrintCentered(t *testing.T) {
	var buf bytes.Buffer
	printCentered(&buf, "ab\n\nabcd", 10)
	assert.Equal(t, "   ab\n\n   abcd\n", buf.String())

	buf.Reset()
	printCentered(&buf, "too wide", 4)
	assert.Equal(t, "too wide\n", buf.String())
}

func TestUI(t *testing.T) {
	var buf bytes.Buffer
	ui := New(&buf, false)
	ui.OnAgentState(1, ipc.StateStreaming)
	ui.OnAgentState(0, ipc.StateConnecting)
	ui.OnReward(1, -0.1, -12.5)
	ui.OnEpisodeEnd(0, 480, true)
	ui.OnUpdate(ppo.Metrics{Update: 2, PolicyLoss: 0.125, ClipFraction: 0.25})
	ui.OnCheckpoint("checkpoints/model.ckpt", 4)

	events := buf.String()
	assert.Contains(t, events, "agent #1: streaming")
	assert.Contains(t, events, "agent #0: episode 1 won, reward 480.00")
	assert.Contains(t, events, "update #2")
	assert.Contains(t, events, "saved checkpoint checkpoints/model.ckpt (4 fights)")

	// Not a terminal: printed without indentation.
	buf.Reset()
	ui.PrintStatus()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 5)
	assert.Equal(t, "PVP-KI trainer", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "agent #0  connecting"))
	assert.Contains(t, lines[1], "episodes 1 (1 won)")
	assert.Contains(t, lines[1], "last   480.00")
	assert.True(t, strings.HasPrefix(lines[2], "agent #1  streaming"))
	assert.Contains(t, lines[2], "reward   -12.50")
	assert.Contains(t, lines[3], "updates 2  policy 0.1250")
	assert.Contains(t, lines[3], "clipped 25.0%")
	assert.Equal(t, "fights 4  checkpoint checkpoints/model.ckpt", lines[4])
}
