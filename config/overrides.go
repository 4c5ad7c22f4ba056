package config

// Overrides are explicit in-memory changes merged into the training section before a
// run starts. Nil fields leave the loaded value untouched.
type Overrides struct {
	ModelName    *string
	Epochs       *int
	BatchSize    *int
	ImageSize    *int
	LearningRate *float64
	Pretrained   *bool
	Device       *string
	NumWorkers   *int
}

// WithOverrides returns a copy of c with o applied. c itself is never modified.
func (c *Config) WithOverrides(o Overrides) *Config {
	out := *c
	out.Models.Available = append([]string(nil), c.Models.Available...)

	if o.ModelName != nil {
		out.Train.ModelName = *o.ModelName
	}
	if o.Epochs != nil {
		out.Train.Epochs = *o.Epochs
	}
	if o.BatchSize != nil {
		out.Train.BatchSize = *o.BatchSize
	}
	if o.ImageSize != nil {
		out.Train.ImageSize = *o.ImageSize
	}
	if o.LearningRate != nil {
		out.Train.LearningRate = *o.LearningRate
	}
	if o.Pretrained != nil {
		out.Train.Pretrained = *o.Pretrained
	}
	if o.Device != nil {
		out.Train.Device = *o.Device
	}
	if o.NumWorkers != nil {
		out.Train.NumWorkers = *o.NumWorkers
	}

	return &out
}

// Params flattens the training section into tracker parameters.
func (t TrainConfig) Params() map[string]any {
	return map[string]any{
		"model_name":     t.ModelName,
		"epochs":         t.Epochs,
		"batch_size":     t.BatchSize,
		"img_size":       t.ImageSize,
		"lr":             t.LearningRate,
		"weight_decay":   t.WeightDecay,
		"pretrained":     t.Pretrained,
		"early_stopping": t.EarlyStopping,
		"num_workers":    t.NumWorkers,
		"device":         t.Device,
		"dropout":        t.Dropout,
		"seed":           t.Seed,
	}
}
