package tvl

import (
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tvlscope/tvlscope/pkg/chains"
)

// expansion holds what every key of one aggregation shares.
type expansion struct {
	collab   Collaborators
	protocol Protocol
	set      *snapshotSet
	useNew   bool
	// categories active for this protocol, empty when it is chart-excluded.
	categories []Category
}

func newExpansion(c Collaborators, p Protocol, md Metadata, set *snapshotSet, useNew bool) *expansion {
	e := &expansion{collab: c, protocol: p, set: set, useNew: useNew}
	if c.ExcludedFromCharts(md.Category) {
		return e
	}
	if md.IsDoublecounted {
		e.categories = append(e.categories, Doublecounted)
	}
	if md.IsLiquidStaking {
		e.categories = append(e.categories, LiquidStaking)
	}
	if md.IsDoublecounted && md.IsLiquidStaking {
		e.categories = append(e.categories, Overlap)
	}
	return e
}

// run walks the latest snapshot in key order so that colliding display names
// resolve the same way on every call: the later key wins.
func (e *expansion) run(res *Result) {
	latest := e.set.tvl[windowLatest]
	for _, raw := range slices.Sorted(maps.Keys(latest)) {
		if raw != chains.TotalKey && e.collab.IsNonChain(raw) {
			continue
		}

		entry := e.entryFor(raw)
		if raw == chains.TotalKey {
			res.Entry = entry
			for _, c := range e.categories {
				res.ChainTvls[GlobalCategoryKey(c)] = entry.clone()
			}
		} else {
			name := e.collab.DisplayName(raw, e.useNew)
			res.ChainTvls[ChainKey(name)] = entry
			if e.collab.IncludeSection(name) {
				for _, c := range e.categories {
					res.ChainTvls[ChainCategoryKey(name, c)] = entry.clone()
				}
			}
		}

		e.exclusion(res, raw)
	}
}

func (e *expansion) entryFor(raw string) Entry {
	return Entry{
		Tvl:          latestValue(e.set.tvl[windowLatest][raw]),
		TvlPrevDay:   valueOf(e.set.tvl[windowDay], raw),
		TvlPrevWeek:  valueOf(e.set.tvl[windowWeek], raw),
		TvlPrevMonth: valueOf(e.set.tvl[windowMonth], raw),
	}
}

// exclusion records the parent-exclusion amounts for raw when an exclusion list applies.
// The protocol-wide key uses the union of every chain's list.
func (e *expansion) exclusion(res *Result, raw string) {
	if !e.protocol.DeclaresParentExclusion() || !e.set.tokensFetched || e.set.tokens[windowLatest] == nil {
		return
	}

	if raw == chains.TotalKey {
		res.ChainTvls[GlobalCategoryKey(ExcludeParent)] = e.excludedEntry(raw, unionSymbols(e.protocol.TokensExcludedFromParent))
		return
	}

	name := e.collab.DisplayName(raw, e.useNew)
	if !e.collab.IncludeSection(name) {
		return
	}
	symbols, ok := e.protocol.TokensExcludedFromParent[name]
	if !ok {
		return
	}
	res.ChainTvls[ChainCategoryKey(name, ExcludeParent)] = e.excludedEntry(raw, symbolSet(symbols))
}

func (e *expansion) excludedEntry(raw string, symbols map[string]struct{}) Entry {
	var vals [windowCount]*float64
	for w := windowLatest; w < windowCount; w++ {
		vals[w] = ptr(excludedAmount(e.set.tokens[w][raw], symbols))
	}
	return Entry{
		Tvl:          vals[windowLatest],
		TvlPrevDay:   vals[windowDay],
		TvlPrevWeek:  vals[windowWeek],
		TvlPrevMonth: vals[windowMonth],
	}
}

// excludedAmount sums the USD value of listed tokens. Snapshot symbols are
// uppercased before the lookup, the declared list is used as written.
// A nil section contributes zero.
func excludedAmount(section TokenBalances, symbols map[string]struct{}) float64 {
	total := decimal.Zero
	for symbol, usd := range section {
		if math.IsNaN(usd) || math.IsInf(usd, 0) {
			continue
		}
		if _, ok := symbols[strings.ToUpper(symbol)]; ok {
			total = total.Add(decimal.NewFromFloat(usd))
		}
	}
	return total.InexactFloat64()
}

func symbolSet(symbols []string) map[string]struct{} {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	return set
}

func unionSymbols(byChain map[string][]string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, symbols := range byChain {
		for _, s := range symbols {
			set[s] = struct{}{}
		}
	}
	return set
}

func (e Entry) clone() Entry {
	cp := func(v *float64) *float64 {
		if v == nil {
			return nil
		}
		return ptr(*v)
	}
	return Entry{
		Tvl:          cp(e.Tvl),
		TvlPrevDay:   cp(e.TvlPrevDay),
		TvlPrevWeek:  cp(e.TvlPrevWeek),
		TvlPrevMonth: cp(e.TvlPrevMonth),
	}
}
