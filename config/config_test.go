package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

// TestLoadYAMLSections tests loading a bundle split across section files
func TestLoadYAMLSections(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "paths.yaml", `
data_dir: /datasets/pcam
train_images: ${data_dir}/train
checkpoints_dir: ${root}/checkpoints
root: ignored
`)
	writeFile(t, dir, "train.yaml", `
model_name: ibracancermodel
epochs: 5
batch_size: 32
img_size: 96
lr: 0.0003
early_stopping: 2
`)
	writeFile(t, dir, "models.yaml", `
available: [resnet18, ibracancermodel]
`)

	t.Setenv("root", "/srv/run")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "/datasets/pcam/train", cfg.Paths.TrainImages)
	assert.Equal(t, "/srv/run/checkpoints", cfg.Paths.CheckpointsDir)
	assert.Equal(t, "/datasets/pcam/test", cfg.Paths.TestImages, "defaults interpolate against the loaded data_dir")
	assert.Equal(t, "ibracancermodel", cfg.Train.ModelName)
	assert.Equal(t, 5, cfg.Train.Epochs)
	assert.Equal(t, 2, cfg.Train.EarlyStopping)
	assert.InDelta(t, 0.0003, cfg.Train.LearningRate, 1e-12)
	assert.Equal(t, []string{"resnet18", "ibracancermodel"}, cfg.Models.Available)
	assert.Equal(t, 0.5, cfg.Metrics.Threshold)
}

// TestLoadTOMLSection tests that .toml files are decoded with the same keys
func TestLoadTOMLSection(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "train.toml", `
model_name = "resnet50"
epochs = 3
batch_size = 16
img_size = 224
pretrained = true
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "resnet50", cfg.Train.ModelName)
	assert.Equal(t, 224, cfg.Train.ImageSize)
	assert.True(t, cfg.Train.Pretrained)
}

// TestLoadRejectsInvalid tests validation of loaded hyperparameters
func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "train.yaml", "epochs: 0\n")

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "epochs")
}

// TestResolveMapping tests nested references, env fallback and unknown keys
func TestResolveMapping(t *testing.T) {
	t.Setenv("PCAM_HOME", "/home/pcam")

	values := map[string]string{
		"a": "${b}/a",
		"b": "${c}/b",
		"c": "${PCAM_HOME}",
		"d": "${missing}/d",
	}

	out, err := ResolveMapping(values)
	require.NoError(t, err)
	assert.Equal(t, "/home/pcam/b/a", out["a"])
	assert.Equal(t, "/home/pcam/b", out["b"])
	assert.Equal(t, "${missing}/d", out["d"])
	assert.Equal(t, "${b}/a", values["a"], "input must not be modified")
}

// TestResolveMappingCycle tests that reference cycles are reported instead of looping
func TestResolveMappingCycle(t *testing.T) {
	_, err := ResolveMapping(map[string]string{
		"a": "x${b}",
		"b": "y${a}",
	})
	require.Error(t, err)
}

// TestWithOverrides tests that overrides produce a modified copy
func TestWithOverrides(t *testing.T) {
	base := DefaultConfig()
	model := "vgg16"
	epochs := 9
	pretrained := true

	out := base.WithOverrides(Overrides{ModelName: &model, Epochs: &epochs, Pretrained: &pretrained})

	assert.Equal(t, "vgg16", out.Train.ModelName)
	assert.Equal(t, 9, out.Train.Epochs)
	assert.True(t, out.Train.Pretrained)
	assert.Equal(t, "resnet18", base.Train.ModelName)
	assert.Equal(t, 2, base.Train.Epochs)

	out.Models.Available[0] = "changed"
	assert.Equal(t, "resnet18", base.Models.Available[0])
}
