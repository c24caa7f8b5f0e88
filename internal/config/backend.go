package config

import (
	"fmt"
	"strings"
)

const (
	BackendONNX      = "onnx"
	BackendSynthetic = "synthetic"
)

func NormalizeBackend(raw string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(raw))
	if backend == "" {
		backend = BackendONNX
	}
	switch backend {
	case BackendONNX, BackendSynthetic:
		return backend, nil
	case "ort", "onnxruntime":
		return BackendONNX, nil
	case "fake", "test":
		return BackendSynthetic, nil
	default:
		return "", fmt.Errorf(
			"invalid backend %q (expected %s|%s)",
			raw,
			BackendONNX,
			BackendSynthetic,
		)
	}
}
