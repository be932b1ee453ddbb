// Package models holds the predictive model ensemble: query time regression, workload
// clustering, anomaly scoring and cache prediction.
package models

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/workload-advisor/controller/types"
)

// PredictorFeatureNames is the column order of the query time predictor matrix
var PredictorFeatureNames = []string{
	"table_count",
	"join_count",
	"has_aggregation",
	"has_window_function",
	"has_subquery",
	"has_cte",
	"filter_predicate_count",
	"order_by_count",
	"group_by_count",
	"estimated_rows_log",
	"estimated_cost_log",
	"plan_depth",
}

// ClusterFeatureNames is the column order of the clustering matrix
var ClusterFeatureNames = []string{
	"execution_time_normalized",
	"row_count_log",
	"table_count",
	"join_complexity",
	"filter_selectivity",
}

// AnomalyFeatureNames is the column order of the anomaly matrix
var AnomalyFeatureNames = []string{
	"mean_exec_time_log",
	"calls",
	"rows_affected",
	"shared_blks_hit",
	"shared_blks_read",
}

func predictorRow(fv *types.ExtractedFeatureVector) []float64 {
	if fv == nil {
		return make([]float64, len(PredictorFeatureNames))
	}
	var rows, cost, depth float64
	if fv.EstimatedRows != nil {
		rows = math.Log1p(math.Max(*fv.EstimatedRows, 0))
	}
	if fv.EstimatedCost != nil {
		cost = math.Log1p(math.Max(*fv.EstimatedCost, 0))
	}
	if fv.PlanDepth != nil {
		depth = float64(*fv.PlanDepth)
	}
	return []float64{
		float64(fv.TableCount),
		float64(fv.JoinCount),
		float64(fv.HasAggregation),
		float64(fv.HasWindowFunction),
		float64(fv.HasSubquery),
		float64(fv.HasCTE),
		float64(fv.FilterPredicateCount),
		float64(fv.OrderByCount),
		float64(fv.GroupByCount),
		rows,
		cost,
		depth,
	}
}

// clusterRow maps a record onto bounded [0, 1] ratios
func clusterRow(r *types.QueryLogRecord) []float64 {
	fv := r.Features
	if fv == nil {
		fv = &types.ExtractedFeatureVector{}
	}
	exec := math.Log1p(math.Max(r.MeanExecTimeMs, 0.1)) / math.Log1p(10000)
	estRows := 1.0
	if fv.EstimatedRows != nil && *fv.EstimatedRows > 1 {
		estRows = *fv.EstimatedRows
	}
	return []float64{
		exec,
		math.Log1p(estRows) / math.Log1p(1e6),
		math.Min(float64(fv.TableCount)/10, 1),
		math.Min(float64(fv.JoinCount)/10, 1),
		math.Min(float64(fv.FilterPredicateCount)/20, 1),
	}
}

func anomalyRow(r *types.QueryLogRecord) []float64 {
	return []float64{
		math.Log1p(math.Max(r.MeanExecTimeMs, 0)),
		float64(r.Calls),
		float64(r.RowsAffected),
		float64(r.Buffers.SharedBlksHit),
		float64(r.Buffers.SharedBlksRead),
	}
}

// Scaler standardizes columns to zero mean and unit population variance.
// Constant columns keep a unit scale so they map to zero.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitScaler learns per-column statistics from X
func FitScaler(X [][]float64) *Scaler {
	if len(X) == 0 {
		return &Scaler{}
	}
	cols := len(X[0])
	s := &Scaler{Mean: make([]float64, cols), Std: make([]float64, cols)}
	col := make([]float64, len(X))
	for j := 0; j < cols; j++ {
		for i := range X {
			col[i] = X[i][j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		s.Mean[j], s.Std[j] = mean, std
	}
	return s
}

// Transform returns a scaled copy of x
func (s *Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		if j >= len(s.Mean) {
			out[j] = v
			continue
		}
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out
}

// TransformAll scales every row of X
func (s *Scaler) TransformAll(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = s.Transform(row)
	}
	return out
}

func column(X [][]float64, j int) []float64 {
	col := make([]float64, len(X))
	for i := range X {
		col[i] = X[i][j]
	}
	return col
}

func subset(X [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for i, k := range idx {
		out[i] = X[k]
	}
	return out
}

func subsetVec(y []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, k := range idx {
		out[i] = y[k]
	}
	return out
}
