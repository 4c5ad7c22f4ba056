package models

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/cancer-detection/checkpoints"
)

// headFields name the top-level network fields that produce the logits. They
// are always freshly initialised, so pretrained weights never overwrite them.
var headFields = []string{"Head", "Classifier"}

// IsHeadParam reports whether a state-dict name belongs to the logit layer.
// Names are rooted at the network type, as in "ResNet.Head.Linear.Weight".
func IsHeadParam(name string) bool {
	_, path, ok := strings.Cut(name, ".")
	if !ok {
		return false
	}
	field, _, _ := strings.Cut(path, ".")
	for _, h := range headFields {
		if field == h {
			return true
		}
	}
	return false
}

// WeightSink is a network state dict as seen by checkpoint import.
type WeightSink interface {
	// Shapes returns the shape of every entry.
	Shapes() map[string][]int64
	// Assign decodes a serialized tensor into the named entry.
	Assign(name string, data []byte) error
}

// ImportWeights copies every checkpoint tensor into sink. The checkpoint must
// match sink exactly; otherwise a *checkpoints.IncompatibleError is returned
// before anything is assigned.
func ImportWeights(ckpt *checkpoints.Checkpoint, sink WeightSink) error {
	if err := ckpt.CheckCompatible(sink.Shapes()); err != nil {
		return err
	}
	for _, w := range ckpt.Weights {
		if err := sink.Assign(w.Name, w.Data); err != nil {
			return errors.Wrapf(err, "decoding %s", w.Name)
		}
	}
	return nil
}

// PretrainedNames picks the source tensors worth copying into a fresh network:
// present in target with the same shape and not part of the head. The result
// is sorted.
func PretrainedNames(target, source map[string][]int64) []string {
	var names []string
	for name, shape := range source {
		if IsHeadParam(name) {
			continue
		}
		want, ok := target[name]
		if !ok || !sameShape(want, shape) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
