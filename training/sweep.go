package training

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// RunFunc trains one model.
type RunFunc func(ctx context.Context, modelName string) (*Result, error)

// SweepResult is the outcome of one model in a sweep. Exactly one of Result
// and Err is set.
type SweepResult struct {
	ModelName string
	Result    *Result
	Err       error
}

// ParseModelList splits a comma-separated model list. "all" (any case) expands
// to available.
func ParseModelList(list string, available []string) []string {
	if strings.EqualFold(strings.TrimSpace(list), "all") {
		return append([]string(nil), available...)
	}
	var names []string
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Sweep trains each model in turn. A failing model (error or panic) is logged
// and recorded and the sweep moves on to the next one. Only context
// cancellation stops the sweep early.
func Sweep(ctx context.Context, names []string, run RunFunc, logger *zap.Logger) []SweepResult {
	if logger == nil {
		logger = zap.NewNop()
	}
	results := make([]SweepResult, 0, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			results = append(results, SweepResult{ModelName: name, Err: ctx.Err()})
			continue
		}
		logger.Info("=== TRAIN " + name + " ===")
		res, err := runIsolated(ctx, name, run)
		if err != nil {
			logger.Error("model failed, continuing with the next one", zap.String("model", name), zap.Error(err))
		}
		results = append(results, SweepResult{ModelName: name, Result: res, Err: err})
	}
	return results
}

func runIsolated(ctx context.Context, name string, run RunFunc) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("training %s panicked: %v", name, r)
		}
	}()
	res, err = run(ctx, name)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Failed returns the sweep entries that did not complete.
func Failed(results []SweepResult) []SweepResult {
	var failed []SweepResult
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}
