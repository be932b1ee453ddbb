package models

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/workload-advisor/controller/config"
	"github.com/workload-advisor/controller/types"
)

// ClustererName names the workload clusterer artifact
const ClustererName = "workload_clusterer"

// ClusterProfile describes the queries assigned to one cluster
type ClusterProfile struct {
	Cluster             int     `json:"cluster"`
	Size                int     `json:"size"`
	AvgExecTimeMs       float64 `json:"avg_execution_time_ms"`
	AvgTableCount       float64 `json:"avg_table_count"`
	AvgJoinCount        float64 `json:"avg_join_count"`
	AggregationRatio    float64 `json:"has_aggregation_ratio"`
	WindowFunctionRatio float64 `json:"has_window_function_ratio"`
}

// WorkloadClusterer groups queries with k-means++ on bounded, standardized features
type WorkloadClusterer struct {
	cfg  config.ClustererConfig
	seed int64
	log  logrus.FieldLogger

	mu         sync.RWMutex
	scaler     *Scaler
	projection [][]float64 // features x components, nil without PCA
	centroids  [][]float64
	profiles   []ClusterProfile
	inertia    float64
	trainedAt  time.Time
}

// NewWorkloadClusterer creates an unfitted clusterer
func NewWorkloadClusterer(cfg config.ModelsConfig, log logrus.FieldLogger) *WorkloadClusterer {
	return &WorkloadClusterer{
		cfg:  cfg.Clusterer,
		seed: cfg.Seed,
		log:  log.WithField("component", "workload-clusterer"),
	}
}

func (c *WorkloadClusterer) Name() string { return ClustererName }

// Fit clusters the records. Below the minimum sample count it only logs a warning.
func (c *WorkloadClusterer) Fit(records []*types.QueryLogRecord) error {
	if len(records) < c.cfg.MinSamples {
		c.log.WithFields(logrus.Fields{
			"samples": len(records),
			"minimum": c.cfg.MinSamples,
		}).Warn("Insufficient samples for clustering, keeping previous model")
		return nil
	}

	raw := make([][]float64, len(records))
	for i, r := range records {
		raw[i] = clusterRow(r)
	}
	scaler := FitScaler(raw)
	X := scaler.TransformAll(raw)

	projection, err := c.principalComponents(X)
	if err != nil {
		return err
	}
	if projection != nil {
		X = project(X, projection)
	}

	k := c.cfg.NClusters
	if k > len(X) {
		k = len(X)
	}
	rng := rand.New(rand.NewSource(c.seed))

	var best [][]float64
	bestInertia := math.Inf(1)
	for run := 0; run < c.cfg.NInit; run++ {
		centroids, inertia := kmeans(X, k, c.cfg.MaxIter, rng)
		if inertia < bestInertia {
			best, bestInertia = centroids, inertia
		}
	}

	labels := make([]int, len(X))
	for i, x := range X {
		labels[i], _ = nearest(best, x)
	}

	c.mu.Lock()
	c.scaler, c.projection, c.centroids, c.inertia = scaler, projection, best, bestInertia
	c.profiles = buildProfiles(records, labels)
	c.trainedAt = time.Now()
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"samples":  len(records),
		"clusters": k,
		"inertia":  fmt.Sprintf("%.3f", bestInertia),
		"pca":      projection != nil,
	}).Info("Workload clusterer fitted")
	return nil
}

// principalComponents returns a projection when the feature count exceeds PCAMinDims
func (c *WorkloadClusterer) principalComponents(X [][]float64) ([][]float64, error) {
	dims := len(X[0])
	if c.cfg.PCAMinDims <= 0 || dims <= c.cfg.PCAMinDims {
		return nil, nil
	}
	comps := c.cfg.PCAComponents
	if comps <= 0 || comps >= dims {
		comps = c.cfg.PCAMinDims
	}

	data := mat.NewDense(len(X), dims, nil)
	for i, row := range X {
		data.SetRow(i, row)
	}
	var pc stat.PC
	if ok := pc.PrincipalComponents(data, nil); !ok {
		return nil, fmt.Errorf("principal component analysis failed")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)

	projection := make([][]float64, dims)
	for j := 0; j < dims; j++ {
		projection[j] = make([]float64, comps)
		for k := 0; k < comps; k++ {
			projection[j][k] = vecs.At(j, k)
		}
	}
	return projection, nil
}

func project(X [][]float64, projection [][]float64) [][]float64 {
	comps := len(projection[0])
	out := make([][]float64, len(X))
	for i, x := range X {
		row := make([]float64, comps)
		for j, v := range x {
			for k := 0; k < comps; k++ {
				row[k] += v * projection[j][k]
			}
		}
		out[i] = row
	}
	return out
}

// kmeans runs Lloyd iterations from a k-means++ seeding
func kmeans(X [][]float64, k, maxIter int, rng *rand.Rand) ([][]float64, float64) {
	centroids := seedPlusPlus(X, k, rng)
	labels := make([]int, len(X))
	dims := len(X[0])

	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, x := range X {
			if l, _ := nearest(centroids, x); l != labels[i] {
				labels[i] = l
				changed = true
			}
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dims)
		}
		for i, x := range X {
			counts[labels[i]]++
			for j, v := range x {
				sums[labels[i]][j] += v
			}
		}
		for c := range centroids {
			// an empty cluster keeps its centroid
			if counts[c] == 0 {
				continue
			}
			for j := range sums[c] {
				centroids[c][j] = sums[c][j] / float64(counts[c])
			}
		}

		if !changed && iter > 0 {
			break
		}
	}

	var inertia float64
	for _, x := range X {
		_, d := nearest(centroids, x)
		inertia += d
	}
	return centroids, inertia
}

func seedPlusPlus(X [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, append([]float64(nil), X[rng.Intn(len(X))]...))

	dist := make([]float64, len(X))
	for len(centroids) < k {
		var total float64
		for i, x := range X {
			_, dist[i] = nearest(centroids, x)
			total += dist[i]
		}

		next := rng.Intn(len(X))
		if total > 0 {
			target := rng.Float64() * total
			for i, d := range dist {
				target -= d
				if target <= 0 {
					next = i
					break
				}
			}
		}
		centroids = append(centroids, append([]float64(nil), X[next]...))
	}
	return centroids
}

// nearest returns the closest centroid and the squared distance to it
func nearest(centroids [][]float64, x []float64) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range centroids {
		var d float64
		for j, v := range x {
			diff := v - centroid[j]
			d += diff * diff
		}
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

func buildProfiles(records []*types.QueryLogRecord, labels []int) []ClusterProfile {
	byCluster := make(map[int]*ClusterProfile)
	for i, r := range records {
		p, ok := byCluster[labels[i]]
		if !ok {
			p = &ClusterProfile{Cluster: labels[i]}
			byCluster[labels[i]] = p
		}
		p.Size++
		p.AvgExecTimeMs += r.MeanExecTimeMs
		if fv := r.Features; fv != nil {
			p.AvgTableCount += float64(fv.TableCount)
			p.AvgJoinCount += float64(fv.JoinCount)
			p.AggregationRatio += float64(fv.HasAggregation)
			p.WindowFunctionRatio += float64(fv.HasWindowFunction)
		}
	}

	profiles := make([]ClusterProfile, 0, len(byCluster))
	for _, p := range byCluster {
		n := float64(p.Size)
		p.AvgExecTimeMs /= n
		p.AvgTableCount /= n
		p.AvgJoinCount /= n
		p.AggregationRatio /= n
		p.WindowFunctionRatio /= n
		profiles = append(profiles, *p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Cluster < profiles[j].Cluster })
	return profiles
}

// Predict assigns each record to its nearest cluster
func (c *WorkloadClusterer) Predict(records []*types.QueryLogRecord) ([]int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.centroids == nil {
		return nil, types.ErrModelNotTrained
	}

	labels := make([]int, len(records))
	for i, r := range records {
		x := c.scaler.Transform(clusterRow(r))
		if c.projection != nil {
			x = project([][]float64{x}, c.projection)[0]
		}
		labels[i], _ = nearest(c.centroids, x)
	}
	return labels, nil
}

// Profiles returns the per-cluster statistics of the last fit
func (c *WorkloadClusterer) Profiles() []ClusterProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ClusterProfile(nil), c.profiles...)
}

type clustererPayload struct {
	Scaler     *Scaler          `json:"scaler"`
	Projection [][]float64      `json:"projection,omitempty"`
	Centroids  [][]float64      `json:"centroids"`
	Profiles   []ClusterProfile `json:"profiles"`
	Inertia    float64          `json:"inertia"`
}

func (c *WorkloadClusterer) Snapshot() (*Artifact, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.centroids == nil {
		return nil, types.ErrModelNotTrained
	}
	raw, err := json.Marshal(clustererPayload{
		Scaler:     c.scaler,
		Projection: c.projection,
		Centroids:  c.centroids,
		Profiles:   c.profiles,
		Inertia:    c.inertia,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode clusterer: %w", err)
	}
	return &Artifact{
		Name:         ClustererName,
		Family:       c.cfg.Algorithm,
		FeatureNames: ClusterFeatureNames,
		Metrics:      map[string]float64{"inertia": c.inertia, "clusters": float64(len(c.centroids))},
		TrainedAt:    c.trainedAt,
		Payload:      raw,
	}, nil
}

func (c *WorkloadClusterer) Restore(a *Artifact) error {
	var payload clustererPayload
	if err := json.Unmarshal(a.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode clusterer: %w", err)
	}
	if len(payload.Centroids) == 0 || payload.Scaler == nil {
		return fmt.Errorf("clusterer artifact is incomplete")
	}

	c.mu.Lock()
	c.scaler, c.projection, c.centroids = payload.Scaler, payload.Projection, payload.Centroids
	c.profiles, c.inertia, c.trainedAt = payload.Profiles, payload.Inertia, a.TrainedAt
	c.mu.Unlock()
	return nil
}
