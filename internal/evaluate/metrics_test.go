package evaluate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func observations(labels, probs, preds []float64) []Observation {
	obs := make([]Observation, len(labels))
	for i := range labels {
		obs[i] = Observation{Label: labels[i], Prob: probs[i], Pred: preds[i]}
	}
	return obs
}

func TestCompute_BothClasses(t *testing.T) {
	m := Compute(observations(
		[]float64{0, 0, 1, 1},
		[]float64{0.1, 0.4, 0.35, 0.8},
		[]float64{0, 0, 0, 1},
	))

	assert.InDelta(t, 0.75, m.Accuracy, 1e-9)
	assert.InDelta(t, 0.75, m.AUC, 1e-9)
	assert.InDelta(t, 0.47228795, m.LogLoss, 1e-6)
	assert.InDelta(t, 1.0, m.Precision, 1e-9)
	assert.InDelta(t, 0.5, m.Recall, 1e-9)
	assert.InDelta(t, 2.0/3, m.F1, 1e-9)
	assert.InDelta(t, 0.5, m.Kappa, 1e-9)
	assert.InDelta(t, 2.0/3, m.Specificity, 1e-9)
	assert.Equal(t, 4, m.N)
	assert.Equal(t, 2, m.NNegative)
	assert.Equal(t, 2, m.NPositive)
}

func TestCompute_TiedScores(t *testing.T) {
	m := Compute(observations(
		[]float64{0, 1, 0, 1},
		[]float64{0.5, 0.5, 0.5, 0.5},
		[]float64{1, 1, 1, 1},
	))

	assert.InDelta(t, 0.5, m.AUC, 1e-9)
	assert.InDelta(t, math.Ln2, m.LogLoss, 1e-9)
}

func TestCompute_SingleClass(t *testing.T) {
	m := Compute(observations(
		[]float64{0, 0},
		[]float64{0.2, 0.7},
		[]float64{0, 1},
	))

	assert.InDelta(t, 0.5, m.Accuracy, 1e-9)
	assert.True(t, math.IsNaN(m.AUC))
	assert.True(t, math.IsNaN(m.LogLoss))
	assert.True(t, math.IsNaN(m.Precision))
	assert.True(t, math.IsNaN(m.Recall))
	assert.True(t, math.IsNaN(m.F1))
	assert.InDelta(t, 0.0, m.Kappa, 1e-9)
	assert.InDelta(t, 1.0, m.Specificity, 1e-9)
	assert.Equal(t, 0, m.NPositive)
}

func TestMetrics_Values(t *testing.T) {
	m := Compute(observations([]float64{1}, []float64{0.9}, []float64{1}))
	values := m.Values()

	assert.Len(t, values, len(MetricColumns))
	assert.Equal(t, "1", values[0])
	assert.Equal(t, "", values[1])
	assert.Equal(t, "1", values[7])
	assert.Equal(t, "0", values[8])
	assert.Equal(t, "1", values[9])
	assert.Equal(t, "", values[10])
}
