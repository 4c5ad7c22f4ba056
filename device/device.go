// Package device decides where inference and training run.
package device

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Kind is a processing unit.
type Kind string

const (
	CPU  Kind = "cpu"
	CUDA Kind = "cuda"
)

// Select applies the device policy. An explicit "cuda" request that cannot be met
// logs a warning and falls back to CPU. An empty or "auto" request picks CUDA when
// available.
func Select(requested string, cudaAvailable bool, logger *zap.Logger) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(requested)) {
	case "", "auto":
		if cudaAvailable {
			return CUDA, nil
		}
		return CPU, nil
	case "cpu":
		return CPU, nil
	case "cuda", "gpu":
		if cudaAvailable {
			return CUDA, nil
		}
		logger.Warn("CUDA requested but unavailable, falling back to CPU")
		return CPU, nil
	default:
		return "", fmt.Errorf("unknown device %q (expected cuda, cpu or auto)", requested)
	}
}

// SupportsHalfPrecision reports whether reduced-precision inference is available on k.
func (k Kind) SupportsHalfPrecision() bool {
	return k == CUDA
}

// UseAMP resolves the mixed-precision toggle for a device: requested and supported.
func UseAMP(requested bool, k Kind) bool {
	return requested && k.SupportsHalfPrecision()
}
