package features

import (
	"github.com/Gladiatorsarius/PVP-KI/internal/ai"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

// frame2x2 is a 2x2 RGB frame: red, green / blue, white.
var frame2x2 = []byte{
	255, 0, 0, 0, 255, 0,
	0, 0, 255, 255, 255, 255,
}

func TestFromFrameDownscale(t *testing.T) {
	obs, err := FromFrame(2, 2, frame2x2, ai.InputSpec{Width: 1, Height: 1, Channels: 3})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0.5}, obs.Pixels, 1e-6)

	obs, err = FromFrame(2, 2, frame2x2, ai.InputSpec{Width: 1, Height: 1, Channels: 1})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.5}, obs.Pixels, 1e-6)
}

func TestFromFrameIdentityAndUpscale(t *testing.T) {
	obs, err := FromFrame(2, 2, frame2x2, ai.InputSpec{Width: 2, Height: 2, Channels: 3})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 0, 0, 0, 1, 0, 0, 0, 1, 1, 1, 1}, obs.Pixels, 1e-6)

	obs, err = FromFrame(2, 2, frame2x2, ai.InputSpec{Width: 4, Height: 4, Channels: 1})
	require.NoError(t, err)
	require.Len(t, obs.Pixels, 16)
	// Top-left quadrant is the red pixel in grayscale, bottom-right the white one.
	assert.InDelta(t, 0.299, obs.Pixels[0], 1e-6)
	assert.InDelta(t, 0.299, obs.Pixels[5], 1e-6)
	assert.InDelta(t, 1.0, obs.Pixels[15], 1e-5)
}

func TestFromFrameErrors(t *testing.T) {
	_, err := FromFrame(2, 2, frame2x2[:9], ai.InputSpec{Width: 1, Height: 1, Channels: 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBodySize))

	_, err = FromFrame(2, 2, frame2x2, ai.InputSpec{Width: 1, Height: 1, Channels: 2})
	require.Error(t, err)

	// Dimensions whose product overflows or flips sign.
	spec := ai.InputSpec{Width: 8, Height: 8, Channels: 3}
	for _, dims := range [][2]int{{1 << 62, 4}, {4, 1 << 62}, {-2, -2}, {1<<62 + 1, 4}} {
		require.NotPanics(t, func() {
			_, err = FromFrame(dims[0], dims[1], frame2x2, spec)
		})
		assert.Truef(t, errors.Is(err, ErrBodySize), "frame %dx%d", dims[0], dims[1])
		_, err = FromFrame(dims[0], dims[1], nil, spec)
		assert.Truef(t, errors.Is(err, ErrBodySize), "frame %dx%d with no body", dims[0], dims[1])
	}
}

func TestPool(t *testing.T) {
	obs := &ai.Observation{
		InputSpec: ai.InputSpec{Width: 4, Height: 2, Channels: 1},
		Pixels:    []float32{1, 1, 0, 0, 1, 1, 0, 0},
	}
	assert.Equal(t, []float32{1, 0}, Pool(obs, 2)[0:2])
	assert.Equal(t, []float32{0.5}, Pool(obs, 1))
}
