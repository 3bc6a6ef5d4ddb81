//go:build !nogomlx

package main

// Include GoMLX backend and the convolutional model.

import (
	_ "github.com/Gladiatorsarius/PVP-KI/internal/ai/gomlx"
	_ "github.com/gomlx/gomlx/backends/xla"
)
