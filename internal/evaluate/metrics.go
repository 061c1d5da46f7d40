package evaluate

import (
	"math"
	"sort"
	"strconv"

	"github.com/sjwhitworth/golearn/evaluation"
)

const (
	negative = "0"
	positive = "1"

	probEpsilon = 1e-15
)

// Observation is one user's label joined with the submitted prediction.
type Observation struct {
	Label float64
	Prob  float64
	Pred  float64
}

type Metrics struct {
	Accuracy    float64
	AUC         float64
	LogLoss     float64
	Precision   float64
	Recall      float64
	F1          float64
	Kappa       float64
	N           int
	NNegative   int
	NPositive   int
	Specificity float64
}

var MetricColumns = []string{
	"accuracy", "auc", "log_loss", "precision", "recall", "f1_score",
	"cohen_kappa_score", "N", "N_n", "N_p", "specificity",
}

// Values renders the metrics in MetricColumns order. Undefined metrics are empty.
func (m Metrics) Values() []string {
	return []string{
		formatFloat(m.Accuracy),
		formatFloat(m.AUC),
		formatFloat(m.LogLoss),
		formatFloat(m.Precision),
		formatFloat(m.Recall),
		formatFloat(m.F1),
		formatFloat(m.Kappa),
		strconv.Itoa(m.N),
		strconv.Itoa(m.NNegative),
		strconv.Itoa(m.NPositive),
		formatFloat(m.Specificity),
	}
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func class(v float64) string {
	if v == 1 {
		return positive
	}
	return negative
}

// Compute derives the binary classification metrics of one course. With a
// single class present the ranking and positive-class metrics are NaN.
func Compute(obs []Observation) Metrics {
	cm := evaluation.ConfusionMatrix{
		negative: {negative: 0, positive: 0},
		positive: {negative: 0, positive: 0},
	}
	m := Metrics{N: len(obs)}
	for _, o := range obs {
		cm[class(o.Label)][class(o.Pred)]++
		if class(o.Label) == positive {
			m.NPositive++
		} else {
			m.NNegative++
		}
	}
	if m.N == 0 {
		nan := math.NaN()
		return Metrics{Accuracy: nan, AUC: nan, LogLoss: nan, Precision: nan, Recall: nan, F1: nan, Kappa: nan, Specificity: nan}
	}

	m.Accuracy = evaluation.GetAccuracy(cm)
	if m.NPositive == 0 || m.NNegative == 0 {
		m.AUC, m.LogLoss, m.Precision, m.Recall, m.F1 = math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN()
	} else {
		m.AUC = rocAUC(obs)
		m.LogLoss = logLoss(obs)
		m.Precision = evaluation.GetPrecision(positive, cm)
		m.Recall = evaluation.GetRecall(positive, cm)
		m.F1 = evaluation.GetF1Score(positive, cm)
	}
	m.Kappa = cohenKappa(cm, m.N)

	tn := float64(cm[negative][negative])
	fn := float64(cm[positive][negative])
	m.Specificity = ratio(tn, tn+fn)
	return m
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return math.NaN()
	}
	return num / den
}

// rocAUC is the Mann-Whitney statistic with average ranks for ties.
func rocAUC(obs []Observation) float64 {
	idx := make([]int, len(obs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return obs[idx[a]].Prob < obs[idx[b]].Prob })

	ranks := make([]float64, len(obs))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && obs[idx[j+1]].Prob == obs[idx[i]].Prob {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}

	var sumPos, nPos, nNeg float64
	for i, o := range obs {
		if class(o.Label) == positive {
			sumPos += ranks[i]
			nPos++
		} else {
			nNeg++
		}
	}
	return (sumPos - nPos*(nPos+1)/2) / (nPos * nNeg)
}

func logLoss(obs []Observation) float64 {
	var total float64
	for _, o := range obs {
		p := math.Min(math.Max(o.Prob, probEpsilon), 1-probEpsilon)
		if class(o.Label) == positive {
			total -= math.Log(p)
		} else {
			total -= math.Log(1 - p)
		}
	}
	return total / float64(len(obs))
}

func cohenKappa(cm evaluation.ConfusionMatrix, n int) float64 {
	total := float64(n)
	observed := float64(cm[negative][negative]+cm[positive][positive]) / total
	var expected float64
	for _, c := range []string{negative, positive} {
		actual := float64(cm[c][negative] + cm[c][positive])
		predicted := float64(cm[negative][c] + cm[positive][c])
		expected += actual * predicted / (total * total)
	}
	return ratio(observed-expected, 1-expected)
}
