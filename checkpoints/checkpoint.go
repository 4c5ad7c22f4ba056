package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a checkpoint file does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatBinary CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// FormatFromPath picks the format from the file extension. ".json" is JSON,
// everything else is the binary format.
func FormatFromPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatBinary
}

// BestPath returns the location of the best checkpoint of a model: <dir>/best_<model>.ckpt
func BestPath(dir, modelName string) string {
	return filepath.Join(dir, "best_"+strings.ToLower(modelName)+".ckpt")
}

// Checkpoint represents a model's learned parameters plus the training state at save time
type Checkpoint struct {
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor is one named entry of a model state dict. Data holds the tensor as
// serialized by the runtime; the shape is kept alongside so compatibility can be
// checked without deserializing.
type WeightTensor struct {
	Name  string  `json:"name"`
	Shape []int64 `json:"shape"`
	Data  []byte  `json:"data"`
	Layer string  `json:"layer"`
	Type  string  `json:"type"` // "weight", "bias", "running_mean", ...
}

// TrainingState captures the training progress when the checkpoint was written
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestAUC      float64 `json:"best_auc"`
	BestLoss     float64 `json:"best_loss"`
	TotalSteps   int     `json:"total_steps"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	ModelName   string    `json:"model_name"`
	ImageSize   int       `json:"image_size"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// SplitParamName splits "layer1.0.conv1.weight" into ("layer1.0.conv1", "weight").
func SplitParamName(name string) (layer, kind string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Save writes a checkpoint to path in the format implied by its extension.
func Save(ckpt *Checkpoint, path string) error {
	return NewCheckpointSaver(FormatFromPath(path)).SaveCheckpoint(ckpt, path)
}

// Load reads a checkpoint from path in the format implied by its extension.
func Load(path string) (*Checkpoint, error) {
	return NewCheckpointSaver(FormatFromPath(path)).LoadCheckpoint(path)
}

// SaveCheckpoint saves a complete model checkpoint. The file is written next to its
// destination and renamed into place, so readers never observe a partial checkpoint.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "libtorch"
		checkpoint.Metadata.Version = formatVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatBinary:
		data, err = marshalBinary(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return writeAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return &checkpoint, nil
	case FormatBinary:
		checkpoint, err := unmarshalBinary(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
		}
		return checkpoint, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// IncompatibleError reports parameters that do not line up with a model's state dict.
type IncompatibleError struct {
	Missing    []string
	Unexpected []string
	Mismatched []string
}

func (e *IncompatibleError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected %s", strings.Join(e.Unexpected, ", ")))
	}
	if len(e.Mismatched) > 0 {
		parts = append(parts, fmt.Sprintf("shape mismatch %s", strings.Join(e.Mismatched, ", ")))
	}
	return "checkpoint incompatible with architecture: " + strings.Join(parts, "; ")
}

// CheckCompatible compares the stored weights with the shapes a model expects.
// It returns an *IncompatibleError when any name is missing, unexpected or differently shaped.
func (c *Checkpoint) CheckCompatible(expected map[string][]int64) error {
	incompatible := &IncompatibleError{}
	seen := make(map[string]bool, len(c.Weights))

	for _, w := range c.Weights {
		seen[w.Name] = true
		shape, ok := expected[w.Name]
		if !ok {
			incompatible.Unexpected = append(incompatible.Unexpected, w.Name)
			continue
		}
		if !equalShape(shape, w.Shape) {
			incompatible.Mismatched = append(incompatible.Mismatched,
				fmt.Sprintf("%s (model %v, checkpoint %v)", w.Name, shape, w.Shape))
		}
	}
	for name := range expected {
		if !seen[name] {
			incompatible.Missing = append(incompatible.Missing, name)
		}
	}

	if len(incompatible.Missing)+len(incompatible.Unexpected)+len(incompatible.Mismatched) == 0 {
		return nil
	}
	sort.Strings(incompatible.Missing)
	return incompatible
}

func equalShape(a, b []int64) bool {
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
