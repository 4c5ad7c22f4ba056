package checkpoints

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// The binary format is a magic header followed by a protobuf-encoded message:
//
//	Checkpoint    { repeated WeightTensor weights = 1; TrainingState training_state = 2; Metadata metadata = 3; }
//	WeightTensor  { string name = 1; repeated int64 shape = 2 [packed]; bytes data = 3; string layer = 4; string type = 5; }
//	TrainingState { int64 epoch = 1; int64 step = 2; double learning_rate = 3; double best_auc = 4; double best_loss = 5; int64 total_steps = 6; }
//	Metadata      { string version = 1; string framework = 2; string model_name = 3; int64 image_size = 4;
//	                int64 created_at_unix_nano = 5; string description = 6; repeated string tags = 7; }
//
// Unknown fields are skipped on read.

const formatVersion = "1.0.0"

var magic = []byte("CDCKPT\x01")

func marshalBinary(c *Checkpoint) ([]byte, error) {
	b := append([]byte(nil), magic...)

	for i := range c.Weights {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalWeight(&c.Weights[i]))
	}

	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalTrainingState(&c.TrainingState))

	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalMetadata(&c.Metadata))

	return b, nil
}

func marshalWeight(w *WeightTensor) []byte {
	var b []byte
	b = appendString(b, 1, w.Name)
	if len(w.Shape) > 0 {
		var packed []byte
		for _, d := range w.Shape {
			packed = protowire.AppendVarint(packed, uint64(d))
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, w.Data)
	b = appendString(b, 4, w.Layer)
	b = appendString(b, 5, w.Type)
	return b
}

func marshalTrainingState(s *TrainingState) []byte {
	var b []byte
	b = appendInt(b, 1, int64(s.Epoch))
	b = appendInt(b, 2, int64(s.Step))
	b = appendDouble(b, 3, s.LearningRate)
	b = appendDouble(b, 4, s.BestAUC)
	b = appendDouble(b, 5, s.BestLoss)
	b = appendInt(b, 6, int64(s.TotalSteps))
	return b
}

func marshalMetadata(m *CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	b = appendString(b, 3, m.ModelName)
	b = appendInt(b, 4, int64(m.ImageSize))
	if !m.CreatedAt.IsZero() {
		b = appendInt(b, 5, m.CreatedAt.UnixNano())
	}
	b = appendString(b, 6, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

var errBadMagic = errors.New("not a checkpoint file")

func unmarshalBinary(data []byte) (*Checkpoint, error) {
	if !bytes.HasPrefix(data, magic) {
		return nil, errBadMagic
	}

	c := &Checkpoint{}
	err := walkFields(data[len(magic):], func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case 1:
			w, err := unmarshalWeight(v.bytes)
			if err != nil {
				return fmt.Errorf("weight %d: %w", len(c.Weights), err)
			}
			c.Weights = append(c.Weights, w)
		case 2:
			s, err := unmarshalTrainingState(v.bytes)
			if err != nil {
				return fmt.Errorf("training state: %w", err)
			}
			c.TrainingState = s
		case 3:
			m, err := unmarshalMetadata(v.bytes)
			if err != nil {
				return fmt.Errorf("metadata: %w", err)
			}
			c.Metadata = m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func unmarshalWeight(data []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case 1:
			w.Name = string(v.bytes)
		case 2:
			if typ == protowire.VarintType {
				w.Shape = append(w.Shape, int64(v.varint))
				return nil
			}
			packed := v.bytes
			for len(packed) > 0 {
				d, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return protowire.ParseError(n)
				}
				w.Shape = append(w.Shape, int64(d))
				packed = packed[n:]
			}
		case 3:
			w.Data = append([]byte(nil), v.bytes...)
		case 4:
			w.Layer = string(v.bytes)
		case 5:
			w.Type = string(v.bytes)
		}
		return nil
	})
	return w, err
}

func unmarshalTrainingState(data []byte) (TrainingState, error) {
	var s TrainingState
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case 1:
			s.Epoch = int(int64(v.varint))
		case 2:
			s.Step = int(int64(v.varint))
		case 3:
			s.LearningRate = math.Float64frombits(v.fixed64)
		case 4:
			s.BestAUC = math.Float64frombits(v.fixed64)
		case 5:
			s.BestLoss = math.Float64frombits(v.fixed64)
		case 6:
			s.TotalSteps = int(int64(v.varint))
		}
		return nil
	})
	return s, err
}

func unmarshalMetadata(data []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v field) error {
		switch num {
		case 1:
			m.Version = string(v.bytes)
		case 2:
			m.Framework = string(v.bytes)
		case 3:
			m.ModelName = string(v.bytes)
		case 4:
			m.ImageSize = int(int64(v.varint))
		case 5:
			m.CreatedAt = time.Unix(0, int64(v.varint))
		case 6:
			m.Description = string(v.bytes)
		case 7:
			m.Tags = append(m.Tags, string(v.bytes))
		}
		return nil
	})
	return m, err
}

// field holds the decoded value of one wire field; which member is set depends on the wire type.
type field struct {
	varint  uint64
	fixed64 uint64
	bytes   []byte
}

// walkFields decodes a message and calls fn for every field in wire order.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v field
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			v.fixed64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}
