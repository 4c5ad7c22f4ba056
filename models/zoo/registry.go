// Package zoo holds the libtorch implementations of the supported architectures.
package zoo

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"

	"github.com/tsawler/cancer-detection/checkpoints"
	"github.com/tsawler/cancer-detection/models"
)

// network is implemented by every architecture in this package.
type network interface {
	forward(x torch.Tensor, p pass) torch.Tensor
	module() *nn.Module
}

// Constructor builds an untrained network.
type Constructor func(numClasses int64, dropout float64) network

var registry = map[models.Architecture]Constructor{
	models.AttentionCNN:   func(n int64, d float64) network { return newAttentionNet(n, d) },
	models.ResNet18:       func(n int64, d float64) network { return newResNet18(n, d) },
	models.ResNet50:       func(n int64, d float64) network { return newResNet50(n, d) },
	models.VGG16:          func(n int64, d float64) network { return newVGG16(n, d) },
	models.EfficientNetB0: func(n int64, d float64) network { return newEfficientNetB0(n, d) },
	models.DenseNet121:    func(n int64, d float64) network { return newDenseNet121(n, d) },
}

// Classifier is a built network ready for training or inference. Forward returns
// one logit per sample, shaped (N, NumClasses).
type Classifier struct {
	Arch     models.Architecture
	net      network
	device   torch.Device
	training bool
	kernels  *placements
}

// Build constructs the named architecture. When opts.Pretrained is set and the
// architecture supports it, backbone weights are read from
// <opts.PretrainedDir>/<arch>.gob.
func Build(name string, opts models.Options) (*Classifier, error) {
	arch, err := models.ParseArchitecture(name)
	if err != nil {
		return nil, err
	}
	if opts.NumClasses <= 0 {
		opts.NumClasses = 1
	}

	c := &Classifier{
		Arch:    arch,
		net:     registry[arch](opts.NumClasses, opts.Dropout),
		device:  torch.NewDevice("cpu"),
		kernels: newPlacements(),
	}

	if opts.Pretrained && arch.Pretrainable() {
		path := filepath.Join(opts.PretrainedDir, arch.String()+".gob")
		if err := c.loadPretrained(path); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Forward runs one pass over a (N, 3, H, W) batch.
func (c *Classifier) Forward(x torch.Tensor) torch.Tensor {
	return c.net.forward(x, pass{train: c.training, device: c.device, kernels: c.kernels})
}

// Train switches between training mode (dropout, batch statistics) and
// evaluation mode.
func (c *Classifier) Train(on bool) {
	c.training = on
	c.net.module().Train(on)
}

// To moves the parameters to a device, converting them to dtype (torch.Float
// or torch.Half).
func (c *Classifier) To(device torch.Device, dtype int8) {
	c.device = device
	c.kernels = newPlacements()
	c.net.module().To(device, dtype)
}

// Device returns the device the parameters live on.
func (c *Classifier) Device() torch.Device { return c.device }

// Parameters returns the trainable tensors.
func (c *Classifier) Parameters() []torch.Tensor {
	return c.net.module().Parameters()
}

// ParameterCount returns the total number of scalar parameters.
func (c *Classifier) ParameterCount() int64 {
	var total int64
	for _, p := range c.Parameters() {
		total += numel(p.Shape())
	}
	return total
}

// StateShapes returns the shape of every state-dict entry.
func (c *Classifier) StateShapes() map[string][]int64 {
	shapes := map[string][]int64{}
	for name, t := range c.net.module().StateDict() {
		shapes[name] = t.Shape()
	}
	return shapes
}

// ExportWeights serializes the state dict into checkpoint tensors, sorted by name.
// Tensors are moved to the CPU first, so the result loads on any device.
func (c *Classifier) ExportWeights() ([]checkpoints.WeightTensor, error) {
	state := c.net.module().StateDict()
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)

	cpu := torch.NewDevice("cpu")
	weights := make([]checkpoints.WeightTensor, 0, len(names))
	for _, name := range names {
		t := state[name].To(cpu, torch.Float)
		data, err := t.GobEncode()
		if err != nil {
			return nil, errors.Wrapf(err, "encoding %s", name)
		}
		layer, kind := checkpoints.SplitParamName(name)
		weights = append(weights, checkpoints.WeightTensor{
			Name:  name,
			Shape: t.Shape(),
			Data:  data,
			Layer: layer,
			Type:  kind,
		})
	}
	return weights, nil
}

// ImportWeights restores a checkpoint. The checkpoint must match the network
// exactly; otherwise a *checkpoints.IncompatibleError is returned and nothing
// is modified.
func (c *Classifier) ImportWeights(ckpt *checkpoints.Checkpoint) error {
	return models.ImportWeights(ckpt, &stateSink{c: c, state: c.net.module().StateDict()})
}

// stateSink writes decoded tensors into a classifier's state dict.
type stateSink struct {
	c     *Classifier
	state map[string]torch.Tensor
}

func (s *stateSink) Shapes() map[string][]int64 { return s.c.StateShapes() }

func (s *stateSink) Assign(name string, data []byte) error {
	var t torch.Tensor
	if err := t.GobDecode(data); err != nil {
		return err
	}
	dst := s.state[name]
	dst.SetData(t.To(s.c.device, dst.Dtype()))
	return nil
}

// loadPretrained copies backbone tensors from a gob-encoded state dict. Head
// parameters and tensors whose shape differs are skipped.
func (c *Classifier) loadPretrained(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "pretrained weights for %s", c.Arch)
	}
	defer f.Close()

	var source map[string]torch.Tensor
	if err := gob.NewDecoder(f).Decode(&source); err != nil {
		return errors.Wrapf(err, "decoding %s", path)
	}

	shapes := make(map[string][]int64, len(source))
	for name, t := range source {
		shapes[name] = t.Shape()
	}
	names := models.PretrainedNames(c.StateShapes(), shapes)
	if len(names) == 0 {
		return fmt.Errorf("pretrained weights %s share no tensors with %s", path, c.Arch)
	}
	state := c.net.module().StateDict()
	for _, name := range names {
		dst := state[name]
		dst.SetData(source[name].To(c.device, dst.Dtype()))
	}
	return nil
}

func numel(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}
