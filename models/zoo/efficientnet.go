package zoo

import (
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
)

// SqueezeExcite rescales channels by sigmoid(expand(silu(reduce(avgpool(x))))).
type SqueezeExcite struct {
	nn.Module
	Reduce *nn.Conv2dModule
	Expand *nn.Conv2dModule
}

func newSqueezeExcite(channels, squeezed int64) *SqueezeExcite {
	s := &SqueezeExcite{
		Reduce: nn.Conv2d(channels, squeezed, 1, 1, 0, 1, 1, true, "zeros"),
		Expand: nn.Conv2d(squeezed, channels, 1, 1, 0, 1, 1, true, "zeros"),
	}
	s.Init(s)
	return s
}

func (s *SqueezeExcite) forward(x torch.Tensor) torch.Tensor {
	w := torch.Sigmoid(s.Expand.Forward(silu(s.Reduce.Forward(globalAvgPool(x)))))
	return torch.Mul(x, w)
}

// MBConv is an inverted residual block: optional 1x1 expansion, depthwise
// convolution, squeeze-excite and a linear 1x1 projection.
type MBConv struct {
	nn.Module
	Expand    *ConvBN
	Depthwise *ConvBN
	SE        *SqueezeExcite
	Project   *ConvBN
	Residual  bool
}

func newMBConv(in, out, expandRatio, kernel, stride int64) *MBConv {
	hidden := in * expandRatio
	b := &MBConv{
		Depthwise: newConvBN(hidden, hidden, kernel, stride, kernel/2, hidden),
		SE:        newSqueezeExcite(hidden, maxInt64(1, in/4)),
		Project:   newConvBN(hidden, out, 1, 1, 0, 1),
		Residual:  stride == 1 && in == out,
	}
	if expandRatio != 1 {
		b.Expand = newConvBN(in, hidden, 1, 1, 0, 1)
	}
	b.Init(b)
	return b
}

func (b *MBConv) forward(x torch.Tensor) torch.Tensor {
	out := x
	if b.Expand != nil {
		out = silu(b.Expand.forward(out))
	}
	out = silu(b.Depthwise.forward(out))
	out = b.Project.forward(b.SE.forward(out))
	if b.Residual {
		out = torch.Add(out, x, 1)
	}
	return out
}

// mbStage is one row of the EfficientNet-B0 block table.
type mbStage struct {
	expand, kernel, stride, out int64
	repeats                     int
}

var efficientNetB0Stages = []mbStage{
	{1, 3, 1, 16, 1},
	{6, 3, 2, 24, 2},
	{6, 5, 2, 40, 2},
	{6, 3, 2, 80, 3},
	{6, 5, 1, 112, 3},
	{6, 5, 2, 192, 4},
	{6, 3, 1, 320, 1},
}

// EfficientNet is EfficientNet-B0 with a dropout/linear head.
type EfficientNet struct {
	nn.Module
	Stem   *ConvBN
	Blocks []*MBConv
	Top    *ConvBN
	Head   *Head
}

func newEfficientNetB0(numClasses int64, dropout float64) *EfficientNet {
	m := &EfficientNet{Stem: newConvBN(3, 32, 3, 2, 1, 1)}
	in := int64(32)
	for _, st := range efficientNetB0Stages {
		for i := 0; i < st.repeats; i++ {
			stride := st.stride
			if i > 0 {
				stride = 1
			}
			m.Blocks = append(m.Blocks, newMBConv(in, st.out, st.expand, st.kernel, stride))
			in = st.out
		}
	}
	m.Top = newConvBN(in, 1280, 1, 1, 0, 1)
	m.Head = newHead(1280, numClasses, dropout)
	m.Init(m)
	return m
}

func (m *EfficientNet) forward(x torch.Tensor, p pass) torch.Tensor {
	x = silu(m.Stem.forward(x))
	for _, block := range m.Blocks {
		x = block.forward(x)
	}
	x = silu(m.Top.forward(x))
	return m.Head.forward(flatten(globalAvgPool(x)), p)
}

func (m *EfficientNet) module() *nn.Module { return &m.Module }

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
