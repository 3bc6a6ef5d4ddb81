package parameters

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestNewFromConfigString(t *testing.T) {
	params := NewFromConfigString("win=500, loss=-500,team_aware,,path=a=b")
	assert.Equal(t, Params{"win": "500", "loss": "-500", "team_aware": "", "path": "a=b"}, params)
	assert.Equal(t, "loss=-500,path=a=b,team_aware,win=500", params.String())
}

func TestPopParamOr(t *testing.T) {
	params := NewFromConfigString("win=500,time=-0.1,team_aware,epochs=4,name=pvp")

	win, err := PopParamOr(params, "win", 1.0)
	require.NoError(t, err)
	assert.Equal(t, 500.0, win)

	timePenalty, err := PopParamOr(params, "time", float32(0))
	require.NoError(t, err)
	assert.InDelta(t, -0.1, timePenalty, 1e-6)

	teamAware, err := PopParamOr(params, "team_aware", false)
	require.NoError(t, err)
	assert.True(t, teamAware)

	epochs, err := PopParamOr(params, "epochs", 1)
	require.NoError(t, err)
	assert.Equal(t, 4, epochs)

	missing, err := PopParamOr(params, "missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, missing)

	require.Error(t, CheckConsumed(params, "test"))
	name, err := PopParamOr(params, "name", "")
	require.NoError(t, err)
	assert.Equal(t, "pvp", name)
	require.NoError(t, CheckConsumed(params, "test"))
}

func TestGetParamOrErrors(t *testing.T) {
	params := NewFromConfigString("epochs=four,flag=maybe")
	_, err := GetParamOr(params, "epochs", 4)
	require.Error(t, err)
	_, err = GetParamOr(params, "flag", false)
	require.Error(t, err)
	// Get doesn't consume.
	assert.Len(t, params, 2)
}
