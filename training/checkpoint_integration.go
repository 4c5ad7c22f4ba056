package training

import (
	"fmt"
	"os"
	"time"

	"github.com/tsawler/cancer-detection/checkpoints"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory string                       // Directory holding best_<model>.ckpt
	ModelName     string                       // Architecture name, also used in the file name
	ImageSize     int                          // Recorded in the metadata
	Format        checkpoints.CheckpointFormat // Binary or JSON
}

// CheckpointManager keeps the single best checkpoint of a training run. The file
// is overwritten on every improvement and never deleted.
type CheckpointManager struct {
	config  CheckpointConfig
	saver   *checkpoints.CheckpointSaver
	path    string
	bestAUC float64
	saved   bool
}

// NewCheckpointManager creates a checkpoint manager. The best AUC starts below
// any reachable value so the first validated epoch always saves.
func NewCheckpointManager(config CheckpointConfig) *CheckpointManager {
	path := checkpoints.BestPath(config.SaveDirectory, config.ModelName)
	if config.Format == checkpoints.FormatJSON {
		path = path[:len(path)-len(".ckpt")] + ".json"
	}
	return &CheckpointManager{
		config:  config,
		saver:   checkpoints.NewCheckpointSaver(config.Format),
		path:    path,
		bestAUC: -1,
	}
}

// Path returns where the best checkpoint is written.
func (cm *CheckpointManager) Path() string { return cm.path }

// BestAUC returns the best AUC seen so far, -1 before the first epoch.
func (cm *CheckpointManager) BestAUC() float64 { return cm.bestAUC }

// Saved reports whether a checkpoint has been written in this run.
func (cm *CheckpointManager) Saved() bool { return cm.saved }

// Improves reports whether auc strictly beats the best so far.
func (cm *CheckpointManager) Improves(auc float64) bool {
	return auc > cm.bestAUC
}

// SaveBest records a new best AUC and overwrites the checkpoint with weights.
func (cm *CheckpointManager) SaveBest(weights []checkpoints.WeightTensor, state checkpoints.TrainingState) error {
	if err := os.MkdirAll(cm.config.SaveDirectory, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	ckpt := &checkpoints.Checkpoint{
		Weights:       weights,
		TrainingState: state,
		Metadata: checkpoints.CheckpointMetadata{
			ModelName:   cm.config.ModelName,
			ImageSize:   cm.config.ImageSize,
			CreatedAt:   time.Now(),
			Description: fmt.Sprintf("best validation AUC %.4f at epoch %d", state.BestAUC, state.Epoch),
		},
	}
	if err := cm.saver.SaveCheckpoint(ckpt, cm.path); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	cm.bestAUC = state.BestAUC
	cm.saved = true
	return nil
}
