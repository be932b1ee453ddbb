package types

import "time"

// WorkloadCharacter is the OLTP/OLAP classification of a workload
type WorkloadCharacter string

const (
	WorkloadOLTP    WorkloadCharacter = "OLTP"
	WorkloadOLAP    WorkloadCharacter = "OLAP"
	WorkloadMixed   WorkloadCharacter = "MIXED"
	WorkloadUnknown WorkloadCharacter = "UNKNOWN"
)

// WorkloadIntensity is the light/moderate/heavy classification
type WorkloadIntensity string

const (
	IntensityLight    WorkloadIntensity = "LIGHT"
	IntensityModerate WorkloadIntensity = "MODERATE"
	IntensityHeavy    WorkloadIntensity = "HEAVY"
	IntensityUnknown  WorkloadIntensity = "UNKNOWN"
)

// WorkloadCadence is the ad-hoc/scheduled classification
type WorkloadCadence string

const (
	CadenceAdHoc     WorkloadCadence = "AD_HOC"
	CadenceScheduled WorkloadCadence = "SCHEDULED"
	CadenceUnknown   WorkloadCadence = "UNKNOWN"
)

// DistributionSummary summarizes a numeric distribution
type DistributionSummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"std_dev"`
	P25    float64 `json:"p25"`
	P75    float64 `json:"p75"`
	P90    float64 `json:"p90"`
}

// WorkloadProfile is a point-in-time summary of a log window. It is never persisted.
// CallsByWeekday is indexed by time.Weekday (Sunday = 0).
type WorkloadProfile struct {
	WindowStart    time.Time           `json:"window_start"`
	WindowEnd      time.Time           `json:"window_end"`
	RecordCount    int                 `json:"record_count"`
	TotalCalls     int64               `json:"total_calls"`
	CallsByHour    [24]int64           `json:"calls_by_hour"`
	CallsByWeekday [7]int64            `json:"calls_by_weekday"`
	QueryTypes     map[QueryType]int   `json:"query_types"`
	Complexity     DistributionSummary `json:"complexity"`
	ExecTime       DistributionSummary `json:"exec_time_ms"`
	OLAPIndicators float64             `json:"olap_indicators"`
	OLTPIndicators float64             `json:"oltp_indicators"`
	Character      WorkloadCharacter   `json:"character"`
	Intensity      WorkloadIntensity   `json:"intensity"`
	Cadence        WorkloadCadence     `json:"cadence"`
	MeanCalls      float64             `json:"mean_calls"`
	ClusterLabels  map[string]int      `json:"cluster_labels,omitempty"`
	GeneratedAt    time.Time           `json:"generated_at"`
}
