// Package engine runs classifiers on libtorch: the training engine behind
// training.Loop and the inference engine behind evaluation, prediction and the
// API.
package engine

import (
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn/initializer"

	"github.com/tsawler/cancer-detection/device"
	"github.com/tsawler/cancer-detection/models/zoo"
	"github.com/tsawler/cancer-detection/training"
)

func init() {
	training.RegisterSeeder(initializer.ManualSeed)
	training.RegisterSeeder(zoo.Seed)
}

// CUDAAvailable reports whether libtorch can see a CUDA device.
func CUDAAvailable() bool {
	return torch.IsCUDAAvailable()
}

// TorchDevice maps a device kind to a libtorch device.
func TorchDevice(k device.Kind) torch.Device {
	return torch.NewDevice(string(k))
}

// inputTensor wraps n CHW images of side size as an (n, 3, size, size) tensor
// on dev.
func inputTensor(images []float32, n, size int, dev torch.Device, dtype int8) torch.Tensor {
	return torch.NewTensor(images).View(int64(n), 3, int64(size), int64(size)).To(dev, dtype)
}

// targetTensor turns 0/1 labels into an (n, 1) float tensor on dev.
func targetTensor(labels []int, dev torch.Device) torch.Tensor {
	values := make([]float32, len(labels))
	for i, l := range labels {
		values[i] = float32(l)
	}
	return torch.NewTensor(values).View(int64(len(labels)), 1).To(dev, torch.Float)
}

// probabilities applies the sigmoid to (n, 1) logits and copies them to Go.
// The logits are detached first so no autograd graph outlives the call.
func probabilities(logits torch.Tensor, n int) []float64 {
	probs := torch.Sigmoid(logits.Detach()).To(torch.NewDevice("cpu"), torch.Float)
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(probs.Index(int64(i), 0).Item().(float32))
	}
	return out
}
