package tvl

// chartExcludedCategories are categories whose TVL is shown on the protocol
// page but kept out of the aggregated category charts.
var chartExcludedCategories = map[string]struct{}{
	"CEX":              {},
	"Chain":            {},
	"Infrastructure":   {},
	"Staking Pool":     {},
	"Canonical Bridge": {},
}

// ExcludedFromCharts reports whether protocols of this category stay out of the category charts.
func ExcludedFromCharts(category string) bool {
	_, ok := chartExcludedCategories[category]
	return ok
}
