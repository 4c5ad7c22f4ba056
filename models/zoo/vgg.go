package zoo

import (
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
	F "github.com/wangkuiyi/gotorch/nn/functional"
)

// vgg16Config lists output channels; 0 is a 2x2 max pool.
var vgg16Config = []int64{64, 64, 0, 128, 128, 0, 256, 256, 256, 0, 512, 512, 512, 0, 512, 512, 512, 0}

// VGG is VGG16 with the last classifier layer sized to the logits.
type VGG struct {
	nn.Module
	Convs      []*nn.Conv2dModule
	PoolAfter  []bool
	FC1        *nn.LinearModule
	FC2        *nn.LinearModule
	Classifier *nn.LinearModule
}

func newVGG16(numClasses int64, dropout float64) *VGG {
	m := &VGG{}
	in := int64(3)
	for _, c := range vgg16Config {
		if c == 0 {
			m.PoolAfter[len(m.PoolAfter)-1] = true
			continue
		}
		m.Convs = append(m.Convs, nn.Conv2d(in, c, 3, 1, 1, 1, 1, true, "zeros"))
		m.PoolAfter = append(m.PoolAfter, false)
		in = c
	}
	m.FC1 = nn.Linear(512*7*7, 4096, true)
	m.FC2 = nn.Linear(4096, 4096, true)
	m.Classifier = nn.Linear(4096, numClasses, true)
	m.Init(m)
	return m
}

func (m *VGG) forward(x torch.Tensor, p pass) torch.Tensor {
	for i, conv := range m.Convs {
		x = torch.Relu(conv.Forward(x))
		if m.PoolAfter[i] {
			x = maxPool(x, 2, 2, 0)
		}
	}
	x = flatten(F.AdaptiveAvgPool2d(x, []int64{7, 7}))
	x = dropout(torch.Relu(m.FC1.Forward(x)), 0.5, p)
	x = dropout(torch.Relu(m.FC2.Forward(x)), 0.5, p)
	return m.Classifier.Forward(x)
}

func (m *VGG) module() *nn.Module { return &m.Module }
