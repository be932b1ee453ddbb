package workload

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/workload-advisor/controller/features"
	"github.com/workload-advisor/controller/storage"
	"github.com/workload-advisor/controller/types"
)

// Classification thresholds
const (
	characterRatio       = 1.5
	lightThresholdMs     = 100.0
	heavyThresholdMs     = 1000.0
	scheduledMeanCalls   = 100.0
	unlabelledClusterKey = "unassigned"
)

// ClusterLabeler assigns a workload cluster to each record
type ClusterLabeler interface {
	Predict(records []*types.QueryLogRecord) ([]int, error)
}

// Analyzer aggregates a log window into a WorkloadProfile
type Analyzer struct {
	extractor features.QueryFeatureExtractor
	labeler   ClusterLabeler
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewAnalyzer creates an analyzer. The extractor fills in features missing on older rows.
func NewAnalyzer(extractor features.QueryFeatureExtractor, log logrus.FieldLogger) *Analyzer {
	if extractor == nil {
		extractor = features.NewHeuristicExtractor()
	}
	return &Analyzer{
		extractor: extractor,
		log:       log.WithField("component", "workload-analyzer"),
		now:       time.Now,
	}
}

// SetLabeler attaches a clusterer whose labels are summarized on every profile
func (a *Analyzer) SetLabeler(l ClusterLabeler) {
	a.labeler = l
}

// AnalyzeWindow loads the records collected in the last window and analyzes them
func (a *Analyzer) AnalyzeWindow(ctx context.Context, store storage.QueryLogStore, window time.Duration) (*types.WorkloadProfile, error) {
	end := a.now()
	records, err := store.ListQueryLogs(ctx, types.QueryLogFilter{Since: end.Add(-window), Until: end})
	if err != nil {
		return nil, fmt.Errorf("failed to load query logs: %w", err)
	}

	profile := a.Analyze(records)
	profile.WindowStart = end.Add(-window)
	profile.WindowEnd = end
	return profile, nil
}

// Analyze computes the profile of records. An empty window yields UNKNOWN classifications.
func (a *Analyzer) Analyze(records []*types.QueryLogRecord) *types.WorkloadProfile {
	profile := &types.WorkloadProfile{
		RecordCount: len(records),
		QueryTypes:  make(map[types.QueryType]int),
		Character:   types.WorkloadUnknown,
		Intensity:   types.IntensityUnknown,
		Cadence:     types.CadenceUnknown,
		GeneratedAt: a.now(),
	}
	if len(records) == 0 {
		return profile
	}

	complexity := make([]float64, 0, len(records))
	execTimes := make([]float64, 0, len(records))
	calls := make([]float64, 0, len(records))
	var olap, oltp float64

	for _, r := range records {
		fv := a.featuresOf(r)

		profile.TotalCalls += r.Calls
		if !r.CollectedAt.IsZero() {
			profile.CallsByHour[r.CollectedAt.Hour()] += r.Calls
			profile.CallsByWeekday[r.CollectedAt.Weekday()] += r.Calls
			if profile.WindowStart.IsZero() || r.CollectedAt.Before(profile.WindowStart) {
				profile.WindowStart = r.CollectedAt
			}
			if r.CollectedAt.After(profile.WindowEnd) {
				profile.WindowEnd = r.CollectedAt
			}
		}

		profile.QueryTypes[fv.QueryType]++
		complexity = append(complexity, fv.ComplexityScore())
		execTimes = append(execTimes, r.MeanExecTimeMs)
		calls = append(calls, float64(r.Calls))

		olap += float64(fv.HasAggregation + fv.HasWindowFunction + fv.JoinCount)
		if fv.QueryType == types.QueryTypeSelect {
			oltp++
		}
		if fv.JoinCount == 0 {
			oltp++
		}
	}

	profile.Complexity = Summarize(complexity)
	profile.ExecTime = Summarize(execTimes)
	profile.OLAPIndicators = olap
	profile.OLTPIndicators = oltp
	profile.MeanCalls = stat.Mean(calls, nil)
	profile.Character = ClassifyCharacter(olap, oltp)
	profile.Intensity = ClassifyIntensity(profile.ExecTime.Mean)
	profile.Cadence = ClassifyCadence(profile.MeanCalls)

	if a.labeler != nil {
		labels, err := a.labeler.Predict(records)
		if err != nil {
			a.log.WithError(err).Debug("Cluster labels unavailable")
		} else {
			profile.ClusterLabels = countLabels(labels)
		}
	}

	return profile
}

func (a *Analyzer) featuresOf(r *types.QueryLogRecord) *types.ExtractedFeatureVector {
	if r.Features != nil {
		return r.Features
	}
	fv := a.extractor.Extract(r.QueryText, nil)
	return &fv
}

// ClassifyCharacter compares the OLAP and OLTP indicator sums with a 1.5x margin
func ClassifyCharacter(olap, oltp float64) types.WorkloadCharacter {
	switch {
	case olap > oltp*characterRatio:
		return types.WorkloadOLAP
	case oltp > olap*characterRatio:
		return types.WorkloadOLTP
	default:
		return types.WorkloadMixed
	}
}

// ClassifyIntensity buckets the mean execution time
func ClassifyIntensity(meanExecMs float64) types.WorkloadIntensity {
	switch {
	case meanExecMs < lightThresholdMs:
		return types.IntensityLight
	case meanExecMs > heavyThresholdMs:
		return types.IntensityHeavy
	default:
		return types.IntensityModerate
	}
}

// ClassifyCadence treats a high mean call count as scheduled work.
// Without query-source metadata this is only a proxy.
func ClassifyCadence(meanCalls float64) types.WorkloadCadence {
	if meanCalls > scheduledMeanCalls {
		return types.CadenceScheduled
	}
	return types.CadenceAdHoc
}

// Summarize returns count, mean, sample standard deviation, extremes and empirical quantiles
func Summarize(values []float64) types.DistributionSummary {
	if len(values) == 0 {
		return types.DistributionSummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mean, std := stat.MeanStdDev(sorted, nil)
	if len(sorted) < 2 || math.IsNaN(std) {
		std = 0
	}

	return types.DistributionSummary{
		Count:  len(sorted),
		Mean:   mean,
		Median: median(sorted),
		Min:    floats.Min(sorted),
		Max:    floats.Max(sorted),
		StdDev: std,
		P25:    quantile(0.25, sorted),
		P75:    quantile(0.75, sorted),
		P90:    quantile(0.90, sorted),
	}
}

func quantile(p float64, sorted []float64) float64 {
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

// median averages the two middle values of an even-length sample
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func countLabels(labels []int) map[string]int {
	counts := make(map[string]int)
	for _, l := range labels {
		if l < 0 {
			counts[unlabelledClusterKey]++
			continue
		}
		counts[fmt.Sprintf("cluster_%d", l)]++
	}
	return counts
}
