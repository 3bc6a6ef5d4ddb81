// Package features converts the raw frames sent by the game client into model observations.
//
// Frames are row-major RGB24 images of arbitrary size. Observations have the fixed size
// (ai.InputSpec) the model was built for: frames are area-resized, optionally converted to
// grayscale, and scaled to [0, 1].
package features

import (
	"github.com/Gladiatorsarius/PVP-KI/internal/ai"
	"github.com/pkg/errors"
)

// BytesPerPixel of the frames sent by the game: RGB24.
const BytesPerPixel = 3

// Luma weights (ITU-R BT.601) used for grayscale conversion.
const (
	lumaR = float32(0.299)
	lumaG = float32(0.587)
	lumaB = float32(0.114)
)

// ErrBodySize is returned when the frame body doesn't have width*height*3 bytes.
var ErrBodySize = errors.New("frame body size doesn't match width*height*3")

// Zero returns an all-black observation of the given spec.
func Zero(spec ai.InputSpec) *ai.Observation {
	return &ai.Observation{InputSpec: spec, Pixels: make([]float32, spec.Size())}
}

// FromFrame converts a frame with the given dimensions to an observation of the given spec.
// It returns ErrBodySize (wrapped) if the body doesn't match the dimensions.
func FromFrame(width, height int, body []byte, spec ai.InputSpec) (*ai.Observation, error) {
	if !matchesBody(width, height, len(body)) {
		return nil, errors.Wrapf(ErrBodySize, "frame %dx%d with %d bytes", width, height, len(body))
	}
	if spec.Channels != 1 && spec.Channels != BytesPerPixel {
		return nil, errors.Errorf("observations must have 1 or %d channels, got %d", BytesPerPixel, spec.Channels)
	}
	obs := Zero(spec)
	var sums [BytesPerPixel]float32
	for oy := range spec.Height {
		y0, y1 := sourceRange(oy, spec.Height, height)
		for ox := range spec.Width {
			x0, x1 := sourceRange(ox, spec.Width, width)
			sums = [BytesPerPixel]float32{}
			for y := y0; y < y1; y++ {
				row := body[(y*width+x0)*BytesPerPixel : (y*width+x1)*BytesPerPixel]
				for ii := 0; ii < len(row); ii += BytesPerPixel {
					sums[0] += float32(row[ii])
					sums[1] += float32(row[ii+1])
					sums[2] += float32(row[ii+2])
				}
			}
			norm := 1 / float32(255*(y1-y0)*(x1-x0))
			out := obs.Pixels[(oy*spec.Width+ox)*spec.Channels:]
			if spec.Channels == 1 {
				out[0] = (lumaR*sums[0] + lumaG*sums[1] + lumaB*sums[2]) * norm
			} else {
				for c := range BytesPerPixel {
					out[c] = sums[c] * norm
				}
			}
		}
	}
	return obs, nil
}

// matchesBody returns whether a body of bodyLength bytes holds a width x height frame.
// It divides instead of multiplying, so huge dimensions can't overflow.
func matchesBody(width, height, bodyLength int) bool {
	if width <= 0 || height <= 0 || bodyLength%BytesPerPixel != 0 {
		return false
	}
	pixels := bodyLength / BytesPerPixel
	return pixels%height == 0 && pixels/height == width
}

// sourceRange returns the source interval [from, to) covered by output index idx, when
// resizing from srcSize to outSize. The interval is never empty, so upscaling repeats pixels.
func sourceRange(idx, outSize, srcSize int) (from, to int) {
	from = idx * srcSize / outSize
	to = (idx + 1) * srcSize / outSize
	if to <= from {
		to = from + 1
	}
	if to > srcSize {
		to = srcSize
		from = to - 1
	}
	return
}

// Pool averages the observation over a grid x grid partition of the image, per channel.
// The result has grid*grid*Channels values, in row-major channels-last order.
func Pool(obs *ai.Observation, grid int) []float32 {
	channels := obs.Channels
	pooled := make([]float32, grid*grid*channels)
	for gy := range grid {
		y0, y1 := sourceRange(gy, grid, obs.Height)
		for gx := range grid {
			x0, x1 := sourceRange(gx, grid, obs.Width)
			out := pooled[(gy*grid+gx)*channels : (gy*grid+gx+1)*channels]
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					pixel := obs.Pixels[(y*obs.Width+x)*channels:]
					for c := range channels {
						out[c] += pixel[c]
					}
				}
			}
			norm := 1 / float32((y1-y0)*(x1-x0))
			for c := range out {
				out[c] *= norm
			}
		}
	}
	return pooled
}
