package tvl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDegenerate(t *testing.T) {
	e := entry(num(1), nil, nil, nil)
	tests := []struct {
		name string
		keys []Key
		want bool
	}{
		{name: "empty", want: true},
		{name: "doublecounted only", keys: []Key{GlobalCategoryKey(Doublecounted)}, want: true},
		{
			name: "all three additive",
			keys: []Key{GlobalCategoryKey(Doublecounted), GlobalCategoryKey(LiquidStaking), GlobalCategoryKey(Overlap)},
			want: true,
		},
		{name: "exclusion is not additive", keys: []Key{GlobalCategoryKey(ExcludeParent)}, want: false},
		{name: "one real chain", keys: []Key{ChainKey("Ethereum")}, want: false},
		{
			name: "additive mixed with chain",
			keys: []Key{GlobalCategoryKey(Doublecounted), ChainKey("Ethereum")},
			want: false,
		},
		{
			name: "chain-qualified additive without global",
			keys: []Key{ChainCategoryKey("Ethereum", Doublecounted)},
			want: false,
		},
		{
			name: "more than three entries",
			keys: []Key{
				GlobalCategoryKey(Doublecounted), GlobalCategoryKey(LiquidStaking),
				GlobalCategoryKey(Overlap), GlobalCategoryKey(ExcludeParent),
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := make(map[Key]Entry, len(tt.keys))
			for _, k := range tt.keys {
				m[k] = e
			}
			assert.Equal(t, tt.want, degenerate(m))
		})
	}
}

func TestApplyDefaultChainCopiesVerbatim(t *testing.T) {
	res := newResult()
	res.Entry = entry(num(10), num(9), num(8), num(7))
	// A global entry that differs from the totals must be copied as is, not recomputed.
	res.ChainTvls[GlobalCategoryKey(LiquidStaking)] = entry(num(3), nil, nil, nil)

	applyDefaultChain(&res, Protocol{Chains: []string{"Solana"}})

	assert.Equal(t, map[Key]Entry{
		GlobalCategoryKey(LiquidStaking):          entry(num(3), nil, nil, nil),
		ChainKey("Solana"):                        entry(num(10), num(9), num(8), num(7)),
		ChainCategoryKey("Solana", LiquidStaking): entry(num(3), nil, nil, nil),
	}, res.ChainTvls)
}

func TestApplyDefaultChainLeavesRealBreakdown(t *testing.T) {
	res := newResult()
	res.Entry = entry(num(10), nil, nil, nil)
	res.ChainTvls[ChainKey("Ethereum")] = entry(num(10), nil, nil, nil)

	applyDefaultChain(&res, Protocol{Chains: []string{"Solana"}})

	assert.Len(t, res.ChainTvls, 1)
	assert.NotContains(t, res.ChainTvls, ChainKey("Solana"))
}

func TestExcludedAmount(t *testing.T) {
	symbols := symbolSet([]string{"USDC", "WETH"})

	assert.Equal(t, 0.0, excludedAmount(nil, symbols))
	assert.Equal(t, 0.0, excludedAmount(TokenBalances{"DAI": 5}, symbols))
	assert.Equal(t, 0.3, excludedAmount(TokenBalances{"usdc": 0.1, "WETH": 0.2, "DAI": 9}, symbols))
}

func TestExcludedAmountKeepsDeclaredCase(t *testing.T) {
	// only the snapshot side is uppercased, so a lowercase declaration never matches
	symbols := symbolSet([]string{"usdc", "WETH"})

	assert.Equal(t, 0.0, excludedAmount(TokenBalances{"usdc": 1, "USDC": 2}, symbols))
	assert.Equal(t, 0.5, excludedAmount(TokenBalances{"weth": 0.5, "usdc": 1}, symbols))
}

func TestUnionSymbols(t *testing.T) {
	got := unionSymbols(map[string][]string{
		"Ethereum": {"USDC", "WETH"},
		"Arbitrum": {"WETH", "ARB", "usdc"},
		"Polygon":  nil,
	})
	assert.Equal(t, map[string]struct{}{"USDC": {}, "WETH": {}, "ARB": {}, "usdc": {}}, got)
}
