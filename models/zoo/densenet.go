package zoo

import (
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
)

const (
	denseGrowthRate = 32
	denseBottleneck = 4
)

// DenseLayer produces growth-rate new feature maps from everything before it.
type DenseLayer struct {
	nn.Module
	Squeeze *BNReLUConv
	Conv    *BNReLUConv
}

func newDenseLayer(in int64) *DenseLayer {
	l := &DenseLayer{
		Squeeze: newBNReLUConv(in, denseBottleneck*denseGrowthRate, 1, 0),
		Conv:    newBNReLUConv(denseBottleneck*denseGrowthRate, denseGrowthRate, 3, 1),
	}
	l.Init(l)
	return l
}

func (l *DenseLayer) forward(x torch.Tensor) torch.Tensor {
	return l.Conv.forward(l.Squeeze.forward(x))
}

// DenseBlock appends each layer's output to the channels of its input.
type DenseBlock struct {
	nn.Module
	Layers []*DenseLayer
}

func newDenseBlock(in int64, n int) (*DenseBlock, int64) {
	b := &DenseBlock{}
	for i := 0; i < n; i++ {
		b.Layers = append(b.Layers, newDenseLayer(in))
		in += denseGrowthRate
	}
	b.Init(b)
	return b, in
}

func (b *DenseBlock) forward(x torch.Tensor, p pass) torch.Tensor {
	for _, l := range b.Layers {
		x = concatChannels(x, l.forward(x), p)
	}
	return x
}

// Transition halves both the channel count and the spatial size.
type Transition struct {
	nn.Module
	Conv *BNReLUConv
}

func newTransition(in, out int64) *Transition {
	t := &Transition{Conv: newBNReLUConv(in, out, 1, 0)}
	t.Init(t)
	return t
}

func (t *Transition) forward(x torch.Tensor) torch.Tensor {
	return halvePool(t.Conv.forward(x))
}

// DenseNet is DenseNet-121 with a dropout/linear head.
type DenseNet struct {
	nn.Module
	Stem        *ConvBN
	Blocks      []*DenseBlock
	Transitions []*Transition
	Norm        *nn.BatchNorm2dModule
	Head        *Head
}

func newDenseNet121(numClasses int64, dropout float64) *DenseNet {
	m := &DenseNet{Stem: newConvBN(3, 64, 7, 2, 3, 1)}
	in := int64(64)
	config := []int{6, 12, 24, 16}
	for i, n := range config {
		block, out := newDenseBlock(in, n)
		m.Blocks = append(m.Blocks, block)
		in = out
		if i != len(config)-1 {
			m.Transitions = append(m.Transitions, newTransition(in, in/2))
			in /= 2
		}
	}
	m.Norm = nn.BatchNorm2d(in, 1e-5, 0.1, true, true)
	m.Head = newHead(in, numClasses, dropout)
	m.Init(m)
	return m
}

func (m *DenseNet) forward(x torch.Tensor, p pass) torch.Tensor {
	x = maxPool(torch.Relu(m.Stem.forward(x)), 3, 2, 1)
	for i, block := range m.Blocks {
		x = block.forward(x, p)
		if i < len(m.Transitions) {
			x = m.Transitions[i].forward(x)
		}
	}
	x = torch.Relu(m.Norm.Forward(x))
	return m.Head.forward(flatten(globalAvgPool(x)), p)
}

func (m *DenseNet) module() *nn.Module { return &m.Module }
