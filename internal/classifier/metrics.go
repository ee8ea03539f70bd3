package classifier

// DecisionThreshold is the probability at or above which a pair is predicted
// to match.
const DecisionThreshold = 0.5

// Metrics summarizes classifier quality on a labeled dataset
type Metrics struct {
	Accuracy  float64
	Precision float64
	Recall    float64
	F1        float64

	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int
}

// Evaluate scores f against ds at DecisionThreshold
func Evaluate(f *Forest, ds Dataset) Metrics {
	var m Metrics
	for i, x := range ds.X {
		predicted := f.PredictProba(x) >= DecisionThreshold
		switch {
		case predicted && ds.Y[i]:
			m.TruePositives++
		case predicted && !ds.Y[i]:
			m.FalsePositives++
		case !predicted && ds.Y[i]:
			m.FalseNegatives++
		default:
			m.TrueNegatives++
		}
	}

	total := m.TruePositives + m.FalsePositives + m.TrueNegatives + m.FalseNegatives
	if total > 0 {
		m.Accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	if tp := m.TruePositives + m.FalsePositives; tp > 0 {
		m.Precision = float64(m.TruePositives) / float64(tp)
	}
	if ap := m.TruePositives + m.FalseNegatives; ap > 0 {
		m.Recall = float64(m.TruePositives) / float64(ap)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}
