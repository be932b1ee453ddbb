package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// QueryType is the leading statement keyword of a query
type QueryType string

const (
	QueryTypeSelect QueryType = "SELECT"
	QueryTypeInsert QueryType = "INSERT"
	QueryTypeUpdate QueryType = "UPDATE"
	QueryTypeDelete QueryType = "DELETE"
	QueryTypeCreate QueryType = "CREATE"
	QueryTypeAlter  QueryType = "ALTER"
	QueryTypeDrop   QueryType = "DROP"
	QueryTypeOther  QueryType = "OTHER"
)

// QueryLogRecord is one collected row of per-query execution statistics.
// Records are append-only: every collection cycle writes a new row per query.
type QueryLogRecord struct {
	ID              int64                   `json:"id,omitempty" db:"id"`
	QueryHash       string                  `json:"query_hash" db:"query_hash"`
	QueryText       string                  `json:"query_text" db:"query_text"`
	NormalizedQuery string                  `json:"normalized_query" db:"normalized_query"`
	Calls           int64                   `json:"calls" db:"calls"`
	TotalExecTimeMs float64                 `json:"total_exec_time_ms" db:"total_exec_time_ms"`
	MeanExecTimeMs  float64                 `json:"mean_exec_time_ms" db:"mean_exec_time_ms"`
	MinExecTimeMs   float64                 `json:"min_exec_time_ms" db:"min_exec_time_ms"`
	MaxExecTimeMs   float64                 `json:"max_exec_time_ms" db:"max_exec_time_ms"`
	StddevExecTime  float64                 `json:"stddev_exec_time_ms" db:"stddev_exec_time_ms"`
	RowsAffected    int64                   `json:"rows_affected" db:"rows_affected"`
	Buffers         BufferUsage             `json:"buffers" db:"-"`
	QueryPlan       json.RawMessage         `json:"query_plan,omitempty" db:"query_plan"`
	Features        *ExtractedFeatureVector `json:"extracted_features,omitempty" db:"extracted_features"`
	Source          string                  `json:"source" db:"source"`
	CollectedAt     time.Time               `json:"collected_at" db:"collected_at"`
}

// BufferUsage holds the block-level I/O counters reported for a query
type BufferUsage struct {
	SharedBlksHit     int64   `json:"shared_blks_hit"`
	SharedBlksRead    int64   `json:"shared_blks_read"`
	SharedBlksDirtied int64   `json:"shared_blks_dirtied"`
	SharedBlksWritten int64   `json:"shared_blks_written"`
	LocalBlksHit      int64   `json:"local_blks_hit"`
	LocalBlksRead     int64   `json:"local_blks_read"`
	LocalBlksDirtied  int64   `json:"local_blks_dirtied"`
	LocalBlksWritten  int64   `json:"local_blks_written"`
	TempBlksRead      int64   `json:"temp_blks_read"`
	TempBlksWritten   int64   `json:"temp_blks_written"`
	BlkReadTimeMs     float64 `json:"blk_read_time_ms"`
	BlkWriteTimeMs    float64 `json:"blk_write_time_ms"`
}

// ExtractedFeatureVector is the fixed-shape structural description of a query.
// Counts are non-negative and flags are 0 or 1.
type ExtractedFeatureVector struct {
	QueryType            QueryType `json:"query_type"`
	TableCount           int       `json:"table_count"`
	JoinCount            int       `json:"join_count"`
	HasAggregation       int       `json:"has_aggregation"`
	HasWindowFunction    int       `json:"has_window_function"`
	HasSubquery          int       `json:"has_subquery"`
	HasCTE               int       `json:"has_cte"`
	FilterPredicateCount int       `json:"filter_predicate_count"`
	OrderByCount         int       `json:"order_by_count"`
	GroupByCount         int       `json:"group_by_count"`
	EstimatedRows        *float64  `json:"estimated_rows,omitempty"`
	EstimatedCost        *float64  `json:"estimated_cost,omitempty"`
	PlanDepth            *int      `json:"plan_depth,omitempty"`
}

// Value implements the driver.Valuer interface for JSONB storage.
// The text form is used because lib/pq sends []byte parameters as bytea.
func (f ExtractedFeatureVector) Value() (driver.Value, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (f *ExtractedFeatureVector) Scan(value interface{}) error {
	if value == nil {
		*f = ExtractedFeatureVector{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, f)
	case string:
		return json.Unmarshal([]byte(v), f)
	default:
		return fmt.Errorf("cannot scan %T into ExtractedFeatureVector", value)
	}
}

// ComplexityScore weights the structural features of a query into one number
func (f *ExtractedFeatureVector) ComplexityScore() float64 {
	if f == nil {
		return 0
	}
	return 2*float64(f.JoinCount) +
		2*float64(f.HasAggregation) +
		3*float64(f.HasSubquery) +
		2*float64(f.HasWindowFunction) +
		0.5*float64(f.FilterPredicateCount)
}

// QueryLogFilter narrows a log window read from storage
type QueryLogFilter struct {
	Since        time.Time
	Until        time.Time
	MinCalls     int64
	QueryHash    string
	TextLike     string
	OrderByCalls bool
	Limit        int
}
