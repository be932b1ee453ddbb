package features

import (
	"regexp"
	"strings"

	"github.com/workload-advisor/controller/types"
)

// TableCountIsApproximate marks that TableCount counts FROM and JOIN keywords rather than
// resolving relations, so subqueries, CTEs and EXTRACT(... FROM ...) inflate it.
const TableCountIsApproximate = true

// clauseWindow is how far past ORDER BY / GROUP BY the item counter looks
const clauseWindow = 100

// QueryFeatureExtractor derives the structural feature vector of a query.
// Implementations must be pure: the same text and plan always yield the same vector.
type QueryFeatureExtractor interface {
	Extract(queryText string, plan *Explain) types.ExtractedFeatureVector
}

var (
	fromRe        = regexp.MustCompile(`\bFROM\b`)
	joinRe        = regexp.MustCompile(`\bJOIN\b`)
	aggregateRe   = regexp.MustCompile(`\b(COUNT|SUM|AVG|MIN|MAX)\s*\(`)
	groupByRe     = regexp.MustCompile(`\bGROUP\s+BY\b`)
	orderByRe     = regexp.MustCompile(`\bORDER\s+BY\b`)
	windowRe      = regexp.MustCompile(`\bOVER\s*\(`)
	subqueryRe    = regexp.MustCompile(`\(\s*SELECT\b`)
	cteRe         = regexp.MustCompile(`^\s*WITH\b`)
	whereRe       = regexp.MustCompile(`\bWHERE\b`)
	whereEndRe    = regexp.MustCompile(`\b(GROUP\s+BY|ORDER\s+BY|HAVING|LIMIT|OFFSET|RETURNING|UNION|WINDOW)\b`)
	connectiveRe  = regexp.MustCompile(`\b(AND|OR)\b`)
	leadingWordRe = regexp.MustCompile(`^[A-Z]+`)
)

var knownQueryTypes = []types.QueryType{
	types.QueryTypeSelect,
	types.QueryTypeInsert,
	types.QueryTypeUpdate,
	types.QueryTypeDelete,
	types.QueryTypeCreate,
	types.QueryTypeAlter,
	types.QueryTypeDrop,
}

// HeuristicExtractor is a keyword scanner over the upper-cased query text.
// String literals are masked first so their contents never count as keywords.
type HeuristicExtractor struct{}

// NewHeuristicExtractor returns the default extractor
func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{}
}

// Extract computes the feature vector. Plan-derived fields stay nil without a plan.
func (e *HeuristicExtractor) Extract(queryText string, plan *Explain) types.ExtractedFeatureVector {
	upper := strings.ToUpper(stringLiteralRe.ReplaceAllString(queryText, "''"))

	joins := len(joinRe.FindAllStringIndex(upper, -1))
	fv := types.ExtractedFeatureVector{
		QueryType:            queryType(upper),
		TableCount:           len(fromRe.FindAllStringIndex(upper, -1)) + joins,
		JoinCount:            joins,
		HasAggregation:       flag(aggregateRe.MatchString(upper) || groupByRe.MatchString(upper)),
		HasWindowFunction:    flag(windowRe.MatchString(upper)),
		HasSubquery:          flag(subqueryRe.MatchString(upper)),
		HasCTE:               flag(cteRe.MatchString(upper)),
		FilterPredicateCount: filterPredicates(upper),
		OrderByCount:         clauseItems(upper, orderByRe),
		GroupByCount:         clauseItems(upper, groupByRe),
	}

	if plan != nil && plan.Plan != nil {
		rows := plan.Plan.PlanRows
		cost := plan.Plan.TotalCost
		depth := plan.Plan.Depth()
		fv.EstimatedRows = &rows
		fv.EstimatedCost = &cost
		fv.PlanDepth = &depth
	}

	return fv
}

func queryType(upper string) types.QueryType {
	word := leadingWordRe.FindString(strings.TrimSpace(upper))
	for _, qt := range knownQueryTypes {
		if word == string(qt) {
			return qt
		}
	}
	return types.QueryTypeOther
}

// filterPredicates counts 1 + AND/OR connectives between WHERE and the next clause keyword
func filterPredicates(upper string) int {
	loc := whereRe.FindStringIndex(upper)
	if loc == nil {
		return 0
	}
	clause := upper[loc[1]:]
	if end := whereEndRe.FindStringIndex(clause); end != nil {
		clause = clause[:end[0]]
	}
	return len(connectiveRe.FindAllStringIndex(clause, -1)) + 1
}

// clauseItems counts 1 + commas within a fixed window after the clause keyword
func clauseItems(upper string, keyword *regexp.Regexp) int {
	loc := keyword.FindStringIndex(upper)
	if loc == nil {
		return 0
	}
	end := loc[0] + clauseWindow
	if end > len(upper) {
		end = len(upper)
	}
	return strings.Count(upper[loc[0]:end], ",") + 1
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
