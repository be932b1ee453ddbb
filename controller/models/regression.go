package models

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Predictor families
const (
	FamilyLinear        = "linear"
	FamilyRidge         = "ridge"
	FamilyBoostedStumps = "boosted_stumps"
)

// linearJitter keeps the normal equations solvable when scaled columns are collinear
const linearJitter = 1e-8

// Regressor is one pluggable regression family
type Regressor interface {
	Fit(X [][]float64, y []float64) error
	Predict(x []float64) float64
	Importances() []float64
}

// NewRegressor builds an untrained regressor of the given family
func NewRegressor(family string, nEstimators int, learningRate, alpha float64) (Regressor, error) {
	switch family {
	case FamilyLinear:
		return &LinearModel{Alpha: linearJitter}, nil
	case FamilyRidge:
		return &LinearModel{Alpha: math.Max(alpha, linearJitter)}, nil
	case FamilyBoostedStumps:
		return &StumpEnsemble{NEstimators: nEstimators, LearningRate: learningRate}, nil
	}
	return nil, fmt.Errorf("unsupported predictor family %q", family)
}

// LinearModel is an (optionally ridge-penalized) least squares fit with intercept
type LinearModel struct {
	Alpha     float64   `json:"alpha"`
	Intercept float64   `json:"intercept"`
	Coef      []float64 `json:"coef"`
}

// Fit solves (XcᵀXc + αI)β = Xcᵀyc on centered data
func (m *LinearModel) Fit(X [][]float64, y []float64) error {
	n := len(X)
	if n == 0 {
		return errors.New("no samples")
	}
	p := len(X[0])

	xMean := make([]float64, p)
	var yMean float64
	for i := range X {
		for j, v := range X[i] {
			xMean[j] += v
		}
		yMean += y[i]
	}
	for j := range xMean {
		xMean[j] /= float64(n)
	}
	yMean /= float64(n)

	xc := mat.NewDense(n, p, nil)
	yc := mat.NewVecDense(n, nil)
	for i := range X {
		for j, v := range X[i] {
			xc.Set(i, j, v-xMean[j])
		}
		yc.SetVec(i, y[i]-yMean)
	}

	var gram mat.Dense
	gram.Mul(xc.T(), xc)
	for j := 0; j < p; j++ {
		gram.Set(j, j, gram.At(j, j)+m.Alpha)
	}
	var rhs mat.VecDense
	rhs.MulVec(xc.T(), yc)

	var beta mat.VecDense
	if err := beta.SolveVec(&gram, &rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return fmt.Errorf("failed to solve normal equations: %w", err)
		}
	}

	m.Coef = make([]float64, p)
	m.Intercept = yMean
	for j := 0; j < p; j++ {
		m.Coef[j] = beta.AtVec(j)
		m.Intercept -= m.Coef[j] * xMean[j]
	}
	return nil
}

func (m *LinearModel) Predict(x []float64) float64 {
	out := m.Intercept
	for j, c := range m.Coef {
		if j < len(x) {
			out += c * x[j]
		}
	}
	return out
}

// Importances are the normalized absolute coefficients of the scaled features
func (m *LinearModel) Importances() []float64 {
	abs := make([]float64, len(m.Coef))
	for j, c := range m.Coef {
		abs[j] = math.Abs(c)
	}
	return normalizeWeights(abs)
}

// Stump is a depth-1 regression tree. Feature -1 is a constant.
type Stump struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      float64 `json:"left"`
	Right     float64 `json:"right"`
}

func (s Stump) predict(x []float64) float64 {
	if s.Feature < 0 || s.Feature >= len(x) || x[s.Feature] <= s.Threshold {
		return s.Left
	}
	return s.Right
}

// StumpEnsemble is gradient boosting of stumps under squared loss
type StumpEnsemble struct {
	NEstimators  int       `json:"n_estimators"`
	LearningRate float64   `json:"learning_rate"`
	Base         float64   `json:"base"`
	Stumps       []Stump   `json:"stumps"`
	Gains        []float64 `json:"gains"`
}

func (e *StumpEnsemble) Fit(X [][]float64, y []float64) error {
	n := len(X)
	if n == 0 {
		return errors.New("no samples")
	}
	p := len(X[0])

	// feature orders are fixed across rounds
	orders := make([][]int, p)
	for j := 0; j < p; j++ {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return X[idx[a]][j] < X[idx[b]][j] })
		orders[j] = idx
	}

	e.Base = mean(y)
	e.Stumps = e.Stumps[:0]
	e.Gains = make([]float64, p)
	residual := make([]float64, n)
	for i := range y {
		residual[i] = y[i] - e.Base
	}

	for round := 0; round < e.NEstimators; round++ {
		stump, feature, gain := bestStump(X, residual, orders)
		stump.Left *= e.LearningRate
		stump.Right *= e.LearningRate
		e.Stumps = append(e.Stumps, stump)
		if feature >= 0 {
			e.Gains[feature] += gain
		}
		for i := range residual {
			residual[i] -= stump.predict(X[i])
		}
	}
	return nil
}

// bestStump picks the split with the largest reduction of squared error
func bestStump(X [][]float64, residual []float64, orders [][]int) (Stump, int, float64) {
	n := len(residual)
	var total float64
	for _, r := range residual {
		total += r
	}
	best := Stump{Feature: -1, Left: total / float64(n), Right: total / float64(n)}
	bestFeature, bestGain := -1, 0.0
	baseline := total * total / float64(n)

	for j, order := range orders {
		var left float64
		for k := 0; k < n-1; k++ {
			left += residual[order[k]]
			lo, hi := X[order[k]][j], X[order[k+1]][j]
			if lo == hi {
				continue
			}
			nl, nr := float64(k+1), float64(n-k-1)
			right := total - left
			gain := left*left/nl + right*right/nr - baseline
			if gain > bestGain {
				bestGain, bestFeature = gain, j
				best = Stump{Feature: j, Threshold: (lo + hi) / 2, Left: left / nl, Right: right / nr}
			}
		}
	}
	return best, bestFeature, bestGain
}

func (e *StumpEnsemble) Predict(x []float64) float64 {
	out := e.Base
	for _, s := range e.Stumps {
		out += s.predict(x)
	}
	return out
}

func (e *StumpEnsemble) Importances() []float64 {
	return normalizeWeights(append([]float64(nil), e.Gains...))
}

func normalizeWeights(w []float64) []float64 {
	var sum float64
	for _, v := range w {
		sum += v
	}
	if sum == 0 {
		return w
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// RegressionScores holds RMSE, MAE and R² of a prediction set
type RegressionScores struct {
	RMSE float64 `json:"rmse"`
	MAE  float64 `json:"mae"`
	R2   float64 `json:"r2"`
}

func score(actual, predicted []float64) RegressionScores {
	if len(actual) == 0 {
		return RegressionScores{}
	}
	yMean := mean(actual)
	var sse, sae, sst float64
	for i := range actual {
		d := actual[i] - predicted[i]
		sse += d * d
		sae += math.Abs(d)
		sst += (actual[i] - yMean) * (actual[i] - yMean)
	}
	n := float64(len(actual))
	s := RegressionScores{RMSE: math.Sqrt(sse / n), MAE: sae / n}
	switch {
	case sst > 0:
		s.R2 = 1 - sse/sst
	case sse == 0:
		s.R2 = 1
	}
	return s
}
