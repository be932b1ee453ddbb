package recommender

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/workload-advisor/controller/config"
	"github.com/workload-advisor/controller/types"
)

// Feedback weight bounds
const (
	minWeight = 0.5
	maxWeight = 2.0
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
	wherePattern      = regexp.MustCompile(`(?i)\bWHERE\b`)
)

// Pattern is a compiled catalog entry
type Pattern struct {
	config.PatternConfig
	table  *regexp.Regexp
	column *regexp.Regexp
}

// CompilePatterns validates the catalog identifiers and prepares the matchers.
// Identifiers end up verbatim in generated DDL, so anything that is not a plain
// (schema-qualified) name is rejected.
func CompilePatterns(patterns []config.PatternConfig) ([]*Pattern, error) {
	compiled := make([]*Pattern, 0, len(patterns))
	for _, p := range patterns {
		if !identifierPattern.MatchString(p.Table) {
			return nil, fmt.Errorf("invalid table name in pattern catalog: %q", p.Table)
		}
		if !identifierPattern.MatchString(p.Column) || strings.Contains(p.Column, ".") {
			return nil, fmt.Errorf("invalid column name in pattern catalog: %q", p.Column)
		}
		if p.ImprovementFactor <= 0 || p.ImprovementFactor > 1 {
			return nil, fmt.Errorf("pattern %s.%s: improvement factor must be in (0, 1]", p.Table, p.Column)
		}
		compiled = append(compiled, &Pattern{
			PatternConfig: p,
			table:         regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(p.Table) + `\b`),
			column:        regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(p.Column) + `\b`),
		})
	}
	return compiled, nil
}

// Key is the deduplication key of the pattern's index slot
func (p *Pattern) Key() string {
	return types.DedupKey(p.Table, p.Column)
}

// Matches reports whether a filtered query references the pattern's table and column
func (p *Pattern) Matches(query string) bool {
	return wherePattern.MatchString(query) && p.table.MatchString(query) && p.column.MatchString(query)
}

// PriorityFor is high when the observed time exceeds the threshold scaled down by the
// pattern's feedback weight. A pinned priority is returned unchanged.
func (p *Pattern) PriorityFor(execMs, weight float64) types.Priority {
	if p.Priority != "" {
		return types.Priority(p.Priority)
	}
	if weight <= 0 {
		weight = 1
	}
	if execMs > p.ThresholdMs/weight {
		return types.PriorityHigh
	}
	return types.PriorityMedium
}

// IndexStatement renders the index DDL, e.g.
// CREATE INDEX IF NOT EXISTS idx_orders_order_date ON silver.orders(order_date)
func (p *Pattern) IndexStatement() string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", IndexName(p.Table, p.Column), p.Table, p.Column)
}

// PartitionStatement renders the advisory DDL that creates a range-partitioned copy of the table
func (p *Pattern) PartitionStatement() string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s_partitioned (LIKE %s INCLUDING ALL) PARTITION BY RANGE (%s)",
		p.Table, p.Table, p.Column)
}

// PartitionSlot is the column identity used by partition advice so it does not
// collide with an index on the same column
func PartitionSlot(column string) string {
	return "range(" + column + ")"
}

// IndexName builds idx_<table without schema>_<column>
func IndexName(table, column string) string {
	if i := strings.LastIndex(table, "."); i >= 0 {
		table = table[i+1:]
	}
	return fmt.Sprintf("idx_%s_%s", table, column)
}

// FeedbackWeight turns a mean realized improvement percentage into a priority weight
func FeedbackWeight(meanImprovementPct float64) float64 {
	w := 1 + meanImprovementPct/100
	if w < minWeight {
		return minWeight
	}
	if w > maxWeight {
		return maxWeight
	}
	return w
}
