package zoo

import (
	"math/rand"
	"sync"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
	F "github.com/wangkuiyi/gotorch/nn/functional"
)

// ConvBN is a bias-free convolution followed by batch normalization.
type ConvBN struct {
	nn.Module
	Conv *nn.Conv2dModule
	BN   *nn.BatchNorm2dModule
}

func newConvBN(in, out, kernel, stride, padding, groups int64) *ConvBN {
	c := &ConvBN{
		Conv: nn.Conv2d(in, out, kernel, stride, padding, 1, groups, false, "zeros"),
		BN:   nn.BatchNorm2d(out, 1e-5, 0.1, true, true),
	}
	c.Init(c)
	return c
}

func (c *ConvBN) forward(x torch.Tensor) torch.Tensor {
	return c.BN.Forward(c.Conv.Forward(x))
}

// BNReLUConv is the pre-activation ordering used by dense layers.
type BNReLUConv struct {
	nn.Module
	BN   *nn.BatchNorm2dModule
	Conv *nn.Conv2dModule
}

func newBNReLUConv(in, out, kernel, padding int64) *BNReLUConv {
	c := &BNReLUConv{
		BN:   nn.BatchNorm2d(in, 1e-5, 0.1, true, true),
		Conv: nn.Conv2d(in, out, kernel, 1, padding, 1, 1, false, "zeros"),
	}
	c.Init(c)
	return c
}

func (c *BNReLUConv) forward(x torch.Tensor) torch.Tensor {
	return c.Conv.Forward(torch.Relu(c.BN.Forward(x)))
}

// Head is dropout followed by a linear layer producing the logits.
type Head struct {
	nn.Module
	Linear  *nn.LinearModule
	Dropout float64
}

func newHead(in, out int64, dropout float64) *Head {
	h := &Head{
		Linear:  nn.Linear(in, out, true),
		Dropout: dropout,
	}
	h.Init(h)
	return h
}

func (h *Head) forward(x torch.Tensor, p pass) torch.Tensor {
	return h.Linear.Forward(dropout(x, h.Dropout, p))
}

// pass carries the mode of one forward pass through a network.
type pass struct {
	train   bool
	device  torch.Device
	kernels *placements
}

// placements caches the constant 1x1 kernels that concatenate channel groups,
// one per (offset, width, total, dtype) on the classifier's device.
type placements struct {
	mu      sync.Mutex
	kernels map[[4]int64]torch.Tensor
}

func newPlacements() *placements {
	return &placements{kernels: map[[4]int64]torch.Tensor{}}
}

// kernel returns a (total, width, 1, 1) weight that copies its width input
// channels to output channels [offset, offset+width) and zeroes the rest.
func (pl *placements) kernel(offset, width, total int64, dtype int8, dev torch.Device) torch.Tensor {
	key := [4]int64{offset, width, total, int64(dtype)}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if k, ok := pl.kernels[key]; ok {
		return k
	}
	data := make([]float32, total*width)
	for j := int64(0); j < width; j++ {
		data[(offset+j)*width+j] = 1
	}
	k := torch.NewTensor(data).View(total, width, 1, 1).To(dev, dtype)
	pl.kernels[key] = k
	return k
}

// concatChannels joins (N, Ca, H, W) and (N, Cb, H, W) into (N, Ca+Cb, H, W).
// Each part is placed by a fixed 1x1 convolution and the two are summed, which
// is exact and passes gradients through unchanged.
func concatChannels(a, b torch.Tensor, p pass) torch.Tensor {
	ca, cb := a.Shape()[1], b.Shape()[1]
	total := ca + cb
	dtype := a.Dtype()
	ones, zeros := []int64{1, 1}, []int64{0, 0}
	left := F.Conv2d(a, p.kernels.kernel(0, ca, total, dtype, p.device), torch.Tensor{}, ones, zeros, ones, 1)
	right := F.Conv2d(b, p.kernels.kernel(ca, cb, total, dtype, p.device), torch.Tensor{}, ones, zeros, ones, 1)
	return torch.Add(left, right, 1)
}

var (
	maskMu  sync.Mutex
	maskRNG = rand.New(rand.NewSource(1))
)

// Seed reseeds the generator behind dropout masks.
func Seed(seed int64) {
	maskMu.Lock()
	maskRNG = rand.New(rand.NewSource(seed))
	maskMu.Unlock()
}

// dropout zeroes activations with probability p during training and rescales the
// survivors. Masks come from a seeded generator so a seeded run is reproducible.
func dropout(x torch.Tensor, p float64, ps pass) torch.Tensor {
	if !ps.train || p <= 0 {
		return x
	}
	shape := x.Shape()
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	keep := float32(1.0 / (1.0 - p))
	mask := make([]float32, n)
	maskMu.Lock()
	for i := range mask {
		if maskRNG.Float64() >= p {
			mask[i] = keep
		}
	}
	maskMu.Unlock()
	m := torch.NewTensor(mask).View(shape...).To(ps.device, x.Dtype())
	return torch.Mul(x, m)
}

// flatten reshapes (N, C, 1, 1) or (N, C, H, W) to (N, C*H*W).
func flatten(x torch.Tensor) torch.Tensor {
	return x.View(x.Shape()[0], -1)
}

func globalAvgPool(x torch.Tensor) torch.Tensor {
	return F.AdaptiveAvgPool2d(x, []int64{1, 1})
}

// globalMaxPool pools each channel over its full spatial extent.
func globalMaxPool(x torch.Tensor) torch.Tensor {
	s := x.Shape()
	k := []int64{s[2], s[3]}
	return F.MaxPool2d(x, k, k, []int64{0, 0}, []int64{1, 1}, false)
}

func maxPool(x torch.Tensor, kernel, stride, padding int64) torch.Tensor {
	return F.MaxPool2d(x, []int64{kernel, kernel}, []int64{stride, stride}, []int64{padding, padding}, []int64{1, 1}, false)
}

// halvePool averages 2x2 windows.
func halvePool(x torch.Tensor) torch.Tensor {
	s := x.Shape()
	return F.AdaptiveAvgPool2d(x, []int64{s[2] / 2, s[3] / 2})
}

// channelMeanMax reduces (N, C, H, W) over channels to two (N, 1, H, W) maps.
// The tensor is viewed as one (C, H*W) plane per sample and pooled along C.
func channelMeanMax(x torch.Tensor) (mean, peak torch.Tensor) {
	s := x.Shape()
	n, c, h, w := s[0], s[1], s[2], s[3]
	planes := x.View(n, 1, c, h*w)
	mean = F.AdaptiveAvgPool2d(planes, []int64{1, h * w}).View(n, 1, h, w)
	peak = F.MaxPool2d(planes, []int64{c, 1}, []int64{c, 1}, []int64{0, 0}, []int64{1, 1}, false).View(n, 1, h, w)
	return mean, peak
}

func silu(x torch.Tensor) torch.Tensor {
	return torch.Mul(x, torch.Sigmoid(x))
}
