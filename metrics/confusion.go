package metrics

import "fmt"

// ConfusionMatrix counts thresholded binary predictions. Class 1 is positive.
type ConfusionMatrix struct {
	TP, FP, TN, FN int
}

// NewConfusionMatrix thresholds yProb and counts it against yTrue
func NewConfusionMatrix(yTrue []int, yProb []float64, threshold float64) ConfusionMatrix {
	var cm ConfusionMatrix
	for i := 0; i < len(yTrue) && i < len(yProb); i++ {
		predicted := yProb[i] >= threshold
		switch {
		case yTrue[i] == 1 && predicted:
			cm.TP++
		case yTrue[i] == 1:
			cm.FN++
		case predicted:
			cm.FP++
		default:
			cm.TN++
		}
	}
	return cm
}

// Total returns the number of counted samples
func (cm ConfusionMatrix) Total() int {
	return cm.TP + cm.FP + cm.TN + cm.FN
}

// Accuracy returns overall classification accuracy
func (cm ConfusionMatrix) Accuracy() float64 {
	return ratio(cm.TP+cm.TN, cm.Total())
}

// Precision returns TP / (TP + FP), or 0 when nothing was predicted positive.
func (cm ConfusionMatrix) Precision() float64 {
	return ratio(cm.TP, cm.TP+cm.FP)
}

// Recall returns TP / (TP + FN), or 0 when there are no actual positives.
func (cm ConfusionMatrix) Recall() float64 {
	return ratio(cm.TP, cm.TP+cm.FN)
}

func (cm ConfusionMatrix) F1() float64 {
	precision := cm.Precision()
	recall := cm.Recall()

	if precision+recall == 0 {
		return 0.0
	}

	return 2 * (precision * recall) / (precision + recall)
}

func (cm ConfusionMatrix) Specificity() float64 {
	return ratio(cm.TN, cm.TN+cm.FP)
}

func (cm ConfusionMatrix) String() string {
	return fmt.Sprintf("TP=%d FP=%d TN=%d FN=%d", cm.TP, cm.FP, cm.TN, cm.FN)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0.0
	}
	return float64(num) / float64(den)
}
