package tvl

// maxAdditiveOnly is the most entries a breakdown made only of global
// additive categories can have.
const maxAdditiveOnly = 3

// degenerate reports whether the breakdown carries no real chain entry.
func degenerate(m map[Key]Entry) bool {
	if len(m) == 0 {
		return true
	}
	if len(m) > maxAdditiveOnly {
		return false
	}
	for k := range m {
		if k.Kind != KindGlobalCategory || !k.Category.additive() {
			return false
		}
	}
	return true
}

// applyDefaultChain gives a degenerate breakdown one entry under the primary
// chain, holding the protocol totals, plus chain-qualified copies of the
// global additive categories.
func applyDefaultChain(res *Result, p Protocol) {
	if !degenerate(res.ChainTvls) || len(p.Chains) == 0 || p.Chains[0] == "" {
		return
	}

	primary := p.Chains[0]
	res.ChainTvls[ChainKey(primary)] = res.Entry.clone()
	for _, c := range additiveCategories {
		if e, ok := res.ChainTvls[GlobalCategoryKey(c)]; ok {
			res.ChainTvls[ChainCategoryKey(primary, c)] = e.clone()
		}
	}
}
