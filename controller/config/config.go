package config

import (
	"fmt"
	"time"

	"github.com/workload-advisor/controller/types"
)

// Config is the complete controller configuration
type Config struct {
	Database    PostgreSQLConfig  `yaml:"database"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	Collector   CollectorConfig   `yaml:"collector"`
	Models      ModelsConfig      `yaml:"models"`
	Recommender RecommenderConfig `yaml:"recommender"`
	Feedback    FeedbackConfig    `yaml:"feedback"`
	Cache       CacheConfig       `yaml:"cache"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Approvals   ApprovalsConfig   `yaml:"approvals"`
	API         APIConfig         `yaml:"api"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// PostgreSQLConfig describes the observed database, which also hosts the controller tables
type PostgreSQLConfig struct {
	Host             string        `yaml:"host" validate:"required"`
	Port             int           `yaml:"port" validate:"min=1,max=65535"`
	Database         string        `yaml:"database"`
	User             string        `yaml:"user" validate:"required"`
	Password         string        `yaml:"password"`
	SSLMode          string        `yaml:"ssl_mode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxOpenConns     int           `yaml:"max_open_conns" validate:"min=1"`
	MaxIdleConns     int           `yaml:"max_idle_conns" validate:"min=1"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// ClickHouseConfig enables system.query_log as an additional statistics source
type ClickHouseConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Addr          []string `yaml:"addr" validate:"required_if=Enabled true"`
	Database      string   `yaml:"database"`
	User          string   `yaml:"user"`
	Password      string   `yaml:"password"`
	LookbackHours int      `yaml:"lookback_hours" validate:"min=0"`
	Limit         int      `yaml:"limit" validate:"min=0"`
}

// CollectorConfig controls the telemetry collector
type CollectorConfig struct {
	TopN              int      `yaml:"top_n" validate:"min=1"`
	CapturePlans      bool     `yaml:"capture_plans"`
	MaxPlansPerCycle  int      `yaml:"max_plans_per_cycle" validate:"min=0"`
	BatchSize         int      `yaml:"batch_size" validate:"min=1"`
	ResourceSchemas   []string `yaml:"resource_schemas"`
	EnableHostMetrics bool     `yaml:"enable_host_metrics"`
}

// ModelsConfig controls the predictive model ensemble
type ModelsConfig struct {
	Dir                   string               `yaml:"dir" validate:"required"`
	Version               string               `yaml:"version" validate:"required"`
	TestSplit             float64              `yaml:"test_split" validate:"gt=0,lt=1"`
	CVFolds               int                  `yaml:"cv_folds" validate:"min=2"`
	Seed                  int64                `yaml:"seed"`
	MinSamplesForTraining int                  `yaml:"min_samples_for_training" validate:"min=1"`
	TrainingWindow        time.Duration        `yaml:"training_window"`
	Predictor             PredictorConfig      `yaml:"predictor"`
	Clusterer             ClustererConfig      `yaml:"clusterer"`
	Anomaly               AnomalyConfig        `yaml:"anomaly"`
	CachePredictor        CachePredictorConfig `yaml:"cache_predictor"`
}

// PredictorConfig selects the regression family for the query time predictor
type PredictorConfig struct {
	Family       string  `yaml:"family" validate:"oneof=linear ridge boosted_stumps"`
	NEstimators  int     `yaml:"n_estimators" validate:"min=1"`
	LearningRate float64 `yaml:"learning_rate" validate:"gt=0,lte=1"`
	Alpha        float64 `yaml:"alpha" validate:"min=0"`
}

// ClustererConfig controls workload clustering
type ClustererConfig struct {
	Algorithm     string `yaml:"algorithm" validate:"oneof=kmeans"`
	NClusters     int    `yaml:"n_clusters" validate:"min=1"`
	NInit         int    `yaml:"n_init" validate:"min=1"`
	MaxIter       int    `yaml:"max_iter" validate:"min=1"`
	MinSamples    int    `yaml:"min_samples" validate:"min=1"`
	PCAComponents int    `yaml:"pca_components" validate:"min=0"`
	PCAMinDims    int    `yaml:"pca_min_dims" validate:"min=0"`
}

// AnomalyConfig controls the outlier scorer
type AnomalyConfig struct {
	Algorithm     string  `yaml:"algorithm" validate:"oneof=isolation_forest zscore"`
	Contamination float64 `yaml:"contamination" validate:"gt=0,lt=0.5"`
	NEstimators   int     `yaml:"n_estimators" validate:"min=1"`
	MaxSamples    int     `yaml:"max_samples" validate:"min=2"`
	MinSamples    int     `yaml:"min_samples" validate:"min=1"`
	ZThreshold    float64 `yaml:"z_threshold" validate:"gt=0"`
}

// CachePredictorConfig controls access-pattern tracking
type CachePredictorConfig struct {
	HistoryCap int     `yaml:"history_cap" validate:"min=1"`
	Threshold  float64 `yaml:"threshold" validate:"gte=0,lte=1"`
}

// PatternConfig is one candidate (table, column) of the index advisor catalog
type PatternConfig struct {
	Table             string  `yaml:"table" validate:"required"`
	Column            string  `yaml:"column" validate:"required"`
	ThresholdMs       float64 `yaml:"threshold_ms" validate:"min=0"`
	ImprovementFactor float64 `yaml:"improvement_factor" validate:"gt=0,lte=1"`

	// Priority pins the priority instead of comparing against ThresholdMs.
	Priority string `yaml:"priority" validate:"omitempty,oneof=high medium low"`

	// Temporal marks date-like columns that are partition candidates.
	Temporal bool `yaml:"temporal"`
}

// RecommenderConfig controls the recommendation engine
type RecommenderConfig struct {
	MinQueryFrequency      int64           `yaml:"min_query_frequency" validate:"min=0"`
	Limit                  int             `yaml:"limit" validate:"min=1"`
	Window                 time.Duration   `yaml:"window"`
	Patterns               []PatternConfig `yaml:"patterns" validate:"dive"`
	PartitionMinTableBytes int64           `yaml:"partition_min_table_bytes" validate:"min=0"`
	EnableCacheAdvice      bool            `yaml:"enable_cache_advice"`
	EnablePartitionAdvice  bool            `yaml:"enable_partition_advice"`
}

// FeedbackConfig controls benchmarking around applied recommendations
type FeedbackConfig struct {
	Runs             int                   `yaml:"runs" validate:"min=1"`
	WarmUp           bool                  `yaml:"warm_up"`
	StatementTimeout time.Duration         `yaml:"statement_timeout"`
	BenchmarkOnApply bool                  `yaml:"benchmark_on_apply"`
	Tests            []types.BenchmarkTest `yaml:"tests" validate:"dive"`
}

// CacheConfig controls the result cache manager
type CacheConfig struct {
	Shards         int           `yaml:"shards" validate:"min=1"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	MaxEntrySize   int           `yaml:"max_entry_size" validate:"min=1"`
	HardMaxSizeMB  int           `yaml:"hard_max_size_mb" validate:"min=0"`
	MinLatencyMs   float64       `yaml:"min_latency_ms" validate:"min=0"`
	Threshold      float64       `yaml:"threshold" validate:"gte=0,lte=1"`
	ReplayOnStart  bool          `yaml:"replay_on_start"`
	ReplayLookback time.Duration `yaml:"replay_lookback"`
}

// SchedulerConfig sets the period of every controller cycle
type SchedulerConfig struct {
	CollectionInterval     time.Duration `yaml:"collection_interval"`
	ResourceInterval       time.Duration `yaml:"resource_interval"`
	TrainingInterval       time.Duration `yaml:"training_interval"`
	RecommendationInterval time.Duration `yaml:"recommendation_interval"`
	RunOnStart             bool          `yaml:"run_on_start"`
}

// ApprovalsConfig lists the enabled approval sources
type ApprovalsConfig struct {
	File      string     `yaml:"file"`
	WatchFile bool       `yaml:"watch_file"`
	AMQP      AMQPConfig `yaml:"amqp"`
}

// AMQPConfig configures the approval queue consumer
type AMQPConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url" validate:"required_if=Enabled true"`
	Queue       string `yaml:"queue" validate:"required_if=Enabled true"`
	ConsumerTag string `yaml:"consumer_tag"`
	Prefetch    int    `yaml:"prefetch" validate:"min=0"`
}

// APIConfig configures the approval intake and read-only HTTP surface
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

// LoggingConfig configures the logrus logger
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgreSQLConfig) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
	if c.StatementTimeout > 0 {
		connStr += fmt.Sprintf(" statement_timeout=%d", c.StatementTimeout.Milliseconds())
	}
	return connStr
}

// DefaultConfig returns a configuration usable without a file
func DefaultConfig() *Config {
	return &Config{
		Database: PostgreSQLConfig{
			Host:         "localhost",
			Port:         5432,
			Database:     "analytics",
			User:         "postgres",
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		ClickHouse: ClickHouseConfig{
			Database:      "default",
			User:          "default",
			LookbackHours: 24,
			Limit:         1000,
		},
		Collector: CollectorConfig{
			TopN:              1000,
			CapturePlans:      true,
			MaxPlansPerCycle:  20,
			BatchSize:         100,
			ResourceSchemas:   []string{"bronze", "silver", "gold"},
			EnableHostMetrics: true,
		},
		Models: ModelsConfig{
			Dir:                   "models",
			Version:               "1.0.0",
			TestSplit:             0.2,
			CVFolds:               5,
			Seed:                  42,
			MinSamplesForTraining: 1000,
			TrainingWindow:        7 * 24 * time.Hour,
			Predictor: PredictorConfig{
				Family:       "boosted_stumps",
				NEstimators:  100,
				LearningRate: 0.1,
				Alpha:        1.0,
			},
			Clusterer: ClustererConfig{
				Algorithm:  "kmeans",
				NClusters:  5,
				NInit:      10,
				MaxIter:    300,
				MinSamples: 10,
				PCAMinDims: 10,
			},
			Anomaly: AnomalyConfig{
				Algorithm:     "isolation_forest",
				Contamination: 0.1,
				NEstimators:   100,
				MaxSamples:    256,
				MinSamples:    100,
				ZThreshold:    3.0,
			},
			CachePredictor: CachePredictorConfig{
				HistoryCap: 1000,
				Threshold:  0.7,
			},
		},
		Recommender: RecommenderConfig{
			MinQueryFrequency:      10,
			Limit:                  50,
			Window:                 24 * time.Hour,
			Patterns:               DefaultPatterns(),
			PartitionMinTableBytes: 10 << 30,
			EnableCacheAdvice:      true,
			EnablePartitionAdvice:  true,
		},
		Feedback: FeedbackConfig{
			Runs:             5,
			WarmUp:           true,
			StatementTimeout: 60 * time.Second,
			BenchmarkOnApply: true,
			Tests:            DefaultBenchmarkTests(),
		},
		Cache: CacheConfig{
			Shards:         64,
			DefaultTTL:     time.Hour,
			MaxEntrySize:   4096,
			HardMaxSizeMB:  256,
			MinLatencyMs:   100,
			Threshold:      0.7,
			ReplayOnStart:  true,
			ReplayLookback: 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			CollectionInterval:     5 * time.Minute,
			ResourceInterval:       15 * time.Minute,
			TrainingInterval:       24 * time.Hour,
			RecommendationInterval: time.Hour,
			RunOnStart:             true,
		},
		Approvals: ApprovalsConfig{
			AMQP: AMQPConfig{
				Queue:       "recommendation-approvals",
				ConsumerTag: "workload-advisor",
				Prefetch:    1,
			},
		},
		API: APIConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPatterns returns the built-in index advisor catalog
func DefaultPatterns() []PatternConfig {
	return []PatternConfig{
		{Table: "silver.orders", Column: "order_date", ThresholdMs: 100, ImprovementFactor: 0.5, Temporal: true},
		{Table: "silver.customers", Column: "customer_id", ThresholdMs: 50, ImprovementFactor: 0.3},
		{Table: "silver.products", Column: "product_id", ImprovementFactor: 0.4, Priority: "medium"},
		{Table: "silver.products", Column: "category", ImprovementFactor: 0.4, Priority: "medium"},
	}
}

// DefaultBenchmarkTests returns the representative query battery
func DefaultBenchmarkTests() []types.BenchmarkTest {
	return []types.BenchmarkTest{
		{
			Name:   "orders_by_date",
			Query:  "SELECT * FROM silver.orders WHERE order_date >= CURRENT_DATE - INTERVAL '30 days' LIMIT 100",
			Table:  "silver.orders",
			Column: "order_date",
		},
		{
			Name:   "customer_lookup",
			Query:  "SELECT * FROM silver.customers WHERE customer_id = 1",
			Table:  "silver.customers",
			Column: "customer_id",
		},
		{
			Name:   "products_by_category",
			Query:  "SELECT * FROM silver.products WHERE category = 'Electronics' LIMIT 50",
			Table:  "silver.products",
			Column: "category",
		},
		{
			Name: "orders_join_customers",
			Query: "SELECT o.order_id, c.customer_name FROM silver.orders o " +
				"JOIN silver.customers c ON o.customer_id = c.customer_id LIMIT 100",
		},
		{
			Name: "sales_summary",
			Query: "SELECT DATE_TRUNC('day', order_date) AS day, COUNT(*), SUM(total_amount) " +
				"FROM silver.orders GROUP BY 1 ORDER BY 1 DESC LIMIT 30",
		},
	}
}
