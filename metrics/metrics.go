// Package metrics computes binary classification metrics from labels and predicted
// probabilities.
package metrics

import (
	"fmt"
	"sort"
)

// DefaultThreshold is the decision threshold used when none is configured.
const DefaultThreshold = 0.5

// Record holds the metrics of one evaluation pass. All values are in [0, 1].
type Record struct {
	AUC       float64 `json:"auc"`
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Names lists the metric names in report order.
var Names = []string{"auc", "accuracy", "precision", "recall", "f1"}

// Map returns the record as a name to value mapping.
func (r Record) Map() map[string]float64 {
	return map[string]float64{
		"auc":       r.AUC,
		"accuracy":  r.Accuracy,
		"precision": r.Precision,
		"recall":    r.Recall,
		"f1":        r.F1,
	}
}

// String formats the record for log lines
func (r Record) String() string {
	return fmt.Sprintf("auc=%.4f acc=%.4f precision=%.4f recall=%.4f f1=%.4f",
		r.AUC, r.Accuracy, r.Precision, r.Recall, r.F1)
}

// Binary computes the metrics record for binary labels (0 or 1) and probabilities of
// the positive class. A sample is predicted positive when its probability is >= threshold.
// The inputs are not modified.
func Binary(yTrue []int, yProb []float64, threshold float64) (Record, error) {
	if len(yTrue) != len(yProb) {
		return Record{}, fmt.Errorf("length mismatch: %d labels, %d probabilities", len(yTrue), len(yProb))
	}
	if len(yTrue) == 0 {
		return Record{}, fmt.Errorf("no samples to evaluate")
	}
	for i, y := range yTrue {
		if y != 0 && y != 1 {
			return Record{}, fmt.Errorf("label at index %d is %d, expected 0 or 1", i, y)
		}
	}

	cm := NewConfusionMatrix(yTrue, yProb, threshold)

	return Record{
		AUC:       AUC(yTrue, yProb),
		Accuracy:  cm.Accuracy(),
		Precision: cm.Precision(),
		Recall:    cm.Recall(),
		F1:        cm.F1(),
	}, nil
}

// AUC returns the area under the ROC curve. Tied scores count one half, which is the
// trapezoid over grouped thresholds. When only one class is present the result is 0.5.
func AUC(yTrue []int, yProb []float64) float64 {
	points := ROCCurve(yTrue, yProb)
	if points == nil {
		return 0.5
	}

	auc := 0.0
	for i := 1; i < len(points); i++ {
		auc += (points[i].FPR - points[i-1].FPR) * (points[i].TPR + points[i-1].TPR) / 2.0
	}
	return auc
}

// ROCPoint represents a point on the ROC curve
type ROCPoint struct {
	Threshold float64
	TPR       float64 // True Positive Rate (Recall)
	FPR       float64 // False Positive Rate (1 - Specificity)
}

// ROCCurve returns the ROC curve from (0,0) to (1,1), one point per distinct score.
// It returns nil when either class is missing.
func ROCCurve(yTrue []int, yProb []float64) []ROCPoint {
	n := len(yTrue)
	if len(yProb) < n {
		n = len(yProb)
	}

	idx := make([]int, n)
	totalPos, totalNeg := 0, 0
	for i := 0; i < n; i++ {
		idx[i] = i
		if yTrue[i] == 1 {
			totalPos++
		} else {
			totalNeg++
		}
	}
	if totalPos == 0 || totalNeg == 0 {
		return nil
	}

	// Sort by prediction score (descending) without touching the caller's slices
	sort.SliceStable(idx, func(a, b int) bool {
		return yProb[idx[a]] > yProb[idx[b]]
	})

	points := []ROCPoint{{Threshold: 1.0, TPR: 0, FPR: 0}}
	tp, fp := 0, 0
	for i := 0; i < n; i++ {
		if yTrue[idx[i]] == 1 {
			tp++
		} else {
			fp++
		}
		// equal scores share one threshold
		if i+1 < n && yProb[idx[i+1]] == yProb[idx[i]] {
			continue
		}
		points = append(points, ROCPoint{
			Threshold: yProb[idx[i]],
			TPR:       float64(tp) / float64(totalPos),
			FPR:       float64(fp) / float64(totalNeg),
		})
	}

	return points
}
