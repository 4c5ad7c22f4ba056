package zoo

import (
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
)

// ResidualBlock is a basic (two 3x3) or bottleneck (1x1, 3x3, 1x1) block.
type ResidualBlock struct {
	nn.Module
	Convs      []*ConvBN
	Downsample *ConvBN
}

func newBasicBlock(in, out, stride int64) *ResidualBlock {
	b := &ResidualBlock{
		Convs: []*ConvBN{
			newConvBN(in, out, 3, stride, 1, 1),
			newConvBN(out, out, 3, 1, 1, 1),
		},
	}
	if stride != 1 || in != out {
		b.Downsample = newConvBN(in, out, 1, stride, 0, 1)
	}
	b.Init(b)
	return b
}

const bottleneckExpansion = 4

func newBottleneck(in, width, stride int64) *ResidualBlock {
	out := width * bottleneckExpansion
	b := &ResidualBlock{
		Convs: []*ConvBN{
			newConvBN(in, width, 1, 1, 0, 1),
			newConvBN(width, width, 3, stride, 1, 1),
			newConvBN(width, out, 1, 1, 0, 1),
		},
	}
	if stride != 1 || in != out {
		b.Downsample = newConvBN(in, out, 1, stride, 0, 1)
	}
	b.Init(b)
	return b
}

func (b *ResidualBlock) forward(x torch.Tensor) torch.Tensor {
	identity := x
	out := x
	last := len(b.Convs) - 1
	for i, conv := range b.Convs {
		out = conv.forward(out)
		if i != last {
			out = torch.Relu(out)
		}
	}
	if b.Downsample != nil {
		identity = b.Downsample.forward(x)
	}
	return torch.Relu(torch.Add(out, identity, 1))
}

// ResNet is a residual network whose fc layer is replaced by a dropout/linear head.
type ResNet struct {
	nn.Module
	Stem   *ConvBN
	Blocks []*ResidualBlock
	Head   *Head
}

func newResNet(blocks [4]int, bottleneck bool, numClasses int64, dropout float64) *ResNet {
	m := &ResNet{Stem: newConvBN(3, 64, 7, 2, 3, 1)}

	in := int64(64)
	widths := [4]int64{64, 128, 256, 512}
	for stage, n := range blocks {
		for i := 0; i < n; i++ {
			stride := int64(1)
			if i == 0 && stage > 0 {
				stride = 2
			}
			if bottleneck {
				m.Blocks = append(m.Blocks, newBottleneck(in, widths[stage], stride))
				in = widths[stage] * bottleneckExpansion
			} else {
				m.Blocks = append(m.Blocks, newBasicBlock(in, widths[stage], stride))
				in = widths[stage]
			}
		}
	}

	m.Head = newHead(in, numClasses, dropout)
	m.Init(m)
	return m
}

func newResNet18(numClasses int64, dropout float64) *ResNet {
	return newResNet([4]int{2, 2, 2, 2}, false, numClasses, dropout)
}

func newResNet50(numClasses int64, dropout float64) *ResNet {
	return newResNet([4]int{3, 4, 6, 3}, true, numClasses, dropout)
}

func (m *ResNet) forward(x torch.Tensor, p pass) torch.Tensor {
	x = maxPool(torch.Relu(m.Stem.forward(x)), 3, 2, 1)
	for _, block := range m.Blocks {
		x = block.forward(x)
	}
	return m.Head.forward(flatten(globalAvgPool(x)), p)
}

func (m *ResNet) module() *nn.Module { return &m.Module }
