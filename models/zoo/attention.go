package zoo

import (
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
)

// ChannelGate weighs channels with sigmoid(mlp(avgpool(x)) + mlp(maxpool(x))).
// The two-layer mlp is shared and implemented with 1x1 convolutions.
type ChannelGate struct {
	nn.Module
	Reduce *nn.Conv2dModule
	Expand *nn.Conv2dModule
}

func newChannelGate(channels, reduction int64) *ChannelGate {
	hidden := channels / reduction
	if hidden < 1 {
		hidden = 1
	}
	g := &ChannelGate{
		Reduce: nn.Conv2d(channels, hidden, 1, 1, 0, 1, 1, false, "zeros"),
		Expand: nn.Conv2d(hidden, channels, 1, 1, 0, 1, 1, false, "zeros"),
	}
	g.Init(g)
	return g
}

func (g *ChannelGate) mlp(x torch.Tensor) torch.Tensor {
	return g.Expand.Forward(torch.Relu(g.Reduce.Forward(x)))
}

// weights returns (N, C, 1, 1) gate values in (0, 1).
func (g *ChannelGate) weights(x torch.Tensor) torch.Tensor {
	return torch.Sigmoid(torch.Add(g.mlp(globalAvgPool(x)), g.mlp(globalMaxPool(x)), 1))
}

// SpatialGate weighs positions with sigmoid(conv7x7([mean_c(x), max_c(x)])).
type SpatialGate struct {
	nn.Module
	Conv *nn.Conv2dModule
}

func newSpatialGate(kernel int64) *SpatialGate {
	g := &SpatialGate{
		Conv: nn.Conv2d(2, 1, kernel, 1, kernel/2, 1, 1, false, "zeros"),
	}
	g.Init(g)
	return g
}

// weights returns (N, 1, H, W) gate values in (0, 1).
func (g *SpatialGate) weights(x torch.Tensor) torch.Tensor {
	mean, peak := channelMeanMax(x)
	s := mean.Shape()
	pair := torch.Stack([]torch.Tensor{mean, peak}, 1).View(s[0], 2, s[2], s[3])
	return torch.Sigmoid(g.Conv.Forward(pair))
}

// AttentionGate applies the channel gate, then the spatial gate.
type AttentionGate struct {
	nn.Module
	Channel *ChannelGate
	Spatial *SpatialGate
}

func newAttentionGate(channels int64) *AttentionGate {
	g := &AttentionGate{
		Channel: newChannelGate(channels, 16),
		Spatial: newSpatialGate(7),
	}
	g.Init(g)
	return g
}

func (g *AttentionGate) forward(x torch.Tensor) torch.Tensor {
	x = torch.Mul(x, g.Channel.weights(x))
	return torch.Mul(x, g.Spatial.weights(x))
}

// AttentionStage is conv3x3 -> batchnorm -> relu -> attention gate, optionally
// followed by a 2x2 max pool.
type AttentionStage struct {
	nn.Module
	Conv *nn.Conv2dModule
	BN   *nn.BatchNorm2dModule
	Gate *AttentionGate
	Pool bool
}

func newAttentionStage(in, out int64, pool bool) *AttentionStage {
	s := &AttentionStage{
		Conv: nn.Conv2d(in, out, 3, 1, 1, 1, 1, true, "zeros"),
		BN:   nn.BatchNorm2d(out, 1e-5, 0.1, true, true),
		Gate: newAttentionGate(out),
		Pool: pool,
	}
	s.Init(s)
	return s
}

func (s *AttentionStage) forward(x torch.Tensor) torch.Tensor {
	x = s.Gate.forward(torch.Relu(s.BN.Forward(s.Conv.Forward(x))))
	if s.Pool {
		x = maxPool(x, 2, 2, 0)
	}
	return x
}

// AttentionNet is the small attention-gated CNN ("ibracancermodel"): an ordered
// pipeline of three stages (32, 64, 128 channels), global average pooling and a
// dropout/linear head.
type AttentionNet struct {
	nn.Module
	Stages []*AttentionStage
	Head   *Head
}

func newAttentionNet(numClasses int64, dropout float64) *AttentionNet {
	m := &AttentionNet{
		Stages: []*AttentionStage{
			newAttentionStage(3, 32, true),
			newAttentionStage(32, 64, true),
			newAttentionStage(64, 128, false),
		},
		Head: newHead(128, numClasses, dropout),
	}
	m.Init(m)
	return m
}

func (m *AttentionNet) forward(x torch.Tensor, p pass) torch.Tensor {
	for _, stage := range m.Stages {
		x = stage.forward(x)
	}
	return m.Head.forward(flatten(globalAvgPool(x)), p)
}

func (m *AttentionNet) module() *nn.Module { return &m.Module }
