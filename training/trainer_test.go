package training

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/cancer-detection/checkpoints"
)

// fakeEngine replays a fixed sequence of validation AUCs. Each epoch's
// probabilities are chosen so that the AUC over labels {0,0,1,1} is exact.
type fakeEngine struct {
	aucs      []float64
	epoch     int
	snapshots int
	failAt    int
}

var fakeLabels = []int{0, 0, 1, 1}

// probsFor returns scores whose ROC AUC over fakeLabels is auc (0, 0.25, ..., 1).
func probsFor(auc float64) []float64 {
	switch auc {
	case 1:
		return []float64{0.1, 0.2, 0.8, 0.9}
	case 0.75:
		return []float64{0.1, 0.6, 0.5, 0.9}
	case 0.5:
		return []float64{0.5, 0.5, 0.5, 0.5}
	case 0.25:
		return []float64{0.4, 0.9, 0.1, 0.6}
	default:
		return []float64{0.8, 0.9, 0.1, 0.2}
	}
}

func (f *fakeEngine) StepsPerEpoch() int { return 3 }

func (f *fakeEngine) TrainEpoch(_ context.Context, epoch int, onStep StepFunc) (float64, error) {
	if f.failAt == epoch {
		return 0, errors.New("out of memory")
	}
	f.epoch = epoch
	for step := 1; step <= f.StepsPerEpoch(); step++ {
		if onStep != nil {
			onStep(step, 1/float64(epoch))
		}
	}
	return 1 / float64(epoch), nil
}

func (f *fakeEngine) Validate(context.Context) ([]int, []float64, error) {
	return fakeLabels, probsFor(f.aucs[f.epoch-1]), nil
}

func (f *fakeEngine) Snapshot() ([]checkpoints.WeightTensor, error) {
	f.snapshots++
	return []checkpoints.WeightTensor{{Name: "Head.Linear.Weight", Shape: []int64{1, 4}, Data: []byte{byte(f.epoch)}}}, nil
}

type metricEntry struct {
	key   string
	value float64
	step  int
}

type fakeRecorder struct {
	params    map[string]any
	metrics   []metricEntry
	artifacts []string
}

func (r *fakeRecorder) LogParams(_ context.Context, p map[string]any) error {
	r.params = p
	return nil
}

func (r *fakeRecorder) LogMetric(_ context.Context, key string, value float64, step int) error {
	r.metrics = append(r.metrics, metricEntry{key, value, step})
	return nil
}

func (r *fakeRecorder) LogArtifact(_ context.Context, path string) error {
	r.artifacts = append(r.artifacts, path)
	return nil
}

func (r *fakeRecorder) values(key string) []float64 {
	var out []float64
	for _, m := range r.metrics {
		if m.key == key {
			out = append(out, m.value)
		}
	}
	return out
}

func (r *fakeRecorder) steps(key string) []int {
	var out []int
	for _, m := range r.metrics {
		if m.key == key {
			out = append(out, m.step)
		}
	}
	return out
}

func newTestLoop(t *testing.T, engine Engine, rec Recorder, epochs, patience int) (*Loop, string) {
	t.Helper()
	dir := t.TempDir()
	loop, err := NewLoop(engine, rec, TrainingConfig{
		ModelName:     "resnet18",
		Epochs:        epochs,
		Patience:      patience,
		CheckpointDir: dir,
		ImageSize:     96,
		Params:        map[string]any{"model_name": "resnet18"},
	}, nil)
	require.NoError(t, err)
	return loop, dir
}

// TestLoopCheckpointsOnStrictImprovement tests that the checkpoint follows the best AUC and ties do not overwrite it
func TestLoopCheckpointsOnStrictImprovement(t *testing.T) {
	engine := &fakeEngine{aucs: []float64{0.5, 0.75, 0.75, 0.25, 1}}
	rec := &fakeRecorder{}
	loop, dir := newTestLoop(t, engine, rec, 5, 0)

	res, err := loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, res.Epochs)
	assert.False(t, res.StoppedEarly)
	assert.Equal(t, 1.0, res.BestAUC)
	assert.Equal(t, 5, res.BestEpoch)
	assert.Equal(t, 3, engine.snapshots)

	improved := []bool{}
	for _, h := range res.History {
		improved = append(improved, h.Improved)
	}
	assert.Equal(t, []bool{true, true, false, false, true}, improved)

	ckpt, err := checkpoints.Load(filepath.Join(dir, "best_resnet18.ckpt"))
	require.NoError(t, err)
	assert.Equal(t, 5, ckpt.TrainingState.Epoch)
	assert.Equal(t, 1.0, ckpt.TrainingState.BestAUC)
	assert.Equal(t, 15, ckpt.TrainingState.Step)
	assert.Equal(t, "resnet18", ckpt.Metadata.ModelName)

	assert.Len(t, rec.artifacts, 3)
	assert.Equal(t, []float64{0.5, 0.75, 1.0, 1.0}, rec.values("best_val_auc"))
	assert.Equal(t, []int{1, 2, 5, 0}, rec.steps("best_val_auc"))
	assert.Len(t, rec.values("train_loss"), 5)
	assert.Len(t, rec.values("val_f1"), 5)
	assert.Equal(t, "resnet18", rec.params["model_name"])
}

// TestLoopEarlyStopping tests that training stops after patience epochs without improvement
func TestLoopEarlyStopping(t *testing.T) {
	engine := &fakeEngine{aucs: []float64{0.75, 0.5, 0.75, 1, 1}}
	loop, _ := newTestLoop(t, engine, nil, 5, 2)

	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.StoppedEarly)
	assert.Equal(t, 3, res.Epochs)
	assert.Equal(t, 0.75, res.BestAUC)
	assert.Equal(t, 1, res.BestEpoch)
}

// TestLoopMissCounterResets tests that an improvement resets the count of bad epochs
func TestLoopMissCounterResets(t *testing.T) {
	engine := &fakeEngine{aucs: []float64{0.25, 0, 0.5, 0, 0.75, 0}}
	loop, _ := newTestLoop(t, engine, nil, 6, 2)

	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.StoppedEarly)
	assert.Equal(t, 6, res.Epochs)
	assert.Equal(t, 5, res.BestEpoch)
}

// TestLoopFirstEpochAlwaysSaves tests that even an AUC of zero produces a checkpoint
func TestLoopFirstEpochAlwaysSaves(t *testing.T) {
	engine := &fakeEngine{aucs: []float64{0}}
	loop, dir := newTestLoop(t, engine, nil, 1, 0)

	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.BestAUC)
	assert.FileExists(t, filepath.Join(dir, "best_resnet18.ckpt"))
}

// TestLoopTrainError tests that an engine failure aborts the run with the epoch in the message
func TestLoopTrainError(t *testing.T) {
	engine := &fakeEngine{aucs: []float64{0.5, 0.5}, failAt: 2}
	loop, _ := newTestLoop(t, engine, nil, 2, 0)

	res, err := loop.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "epoch 2")
	assert.Equal(t, 1, res.Epochs)
}

// TestLoopCancelled tests that a cancelled context stops before the next epoch
func TestLoopCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loop, _ := newTestLoop(t, &fakeEngine{aucs: []float64{1}}, nil, 1, 0)
	_, err := loop.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestNewLoopValidation tests rejected configurations
func TestNewLoopValidation(t *testing.T) {
	_, err := NewLoop(&fakeEngine{}, nil, TrainingConfig{Epochs: 0}, nil)
	assert.Error(t, err)
	_, err = NewLoop(&fakeEngine{}, nil, TrainingConfig{Epochs: 1, Patience: -1}, nil)
	assert.Error(t, err)
}

// TestSetRandomSeed tests that registered seeders receive the seed
func TestSetRandomSeed(t *testing.T) {
	var got int64
	RegisterSeeder(func(seed int64) { got = seed })
	SetRandomSeed(1337)
	assert.Equal(t, int64(1337), got)
}
