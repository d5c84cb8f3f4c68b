package tvl

import (
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4/json"
)

// Category is an additive view layered over chain values.
type Category string

const (
	Doublecounted Category = "doublecounted"
	LiquidStaking Category = "liquidstaking"
	Overlap       Category = "dcAndLsOverlap"
	ExcludeParent Category = "excludeParent"
)

// additiveCategories are the global categories the default-chain fallback copies.
var additiveCategories = []Category{Doublecounted, LiquidStaking, Overlap}

func (c Category) additive() bool {
	return c == Doublecounted || c == LiquidStaking || c == Overlap
}

// KeyKind tags the variant of a Key.
type KeyKind uint8

const (
	// KindChain is a plain chain breakdown: "Ethereum".
	KindChain KeyKind = iota
	// KindChainCategory is a chain-qualified category: "Ethereum-doublecounted".
	KindChainCategory
	// KindGlobalCategory is a protocol-wide category: "doublecounted".
	KindGlobalCategory
)

// Key addresses one entry of Result.ChainTvls. The protocol-wide totals live
// on the Result itself, so there is no global variant here.
type Key struct {
	Kind     KeyKind
	Chain    string
	Category Category
}

func ChainKey(chain string) Key {
	return Key{Kind: KindChain, Chain: chain}
}

func ChainCategoryKey(chain string, c Category) Key {
	return Key{Kind: KindChainCategory, Chain: chain, Category: c}
}

func GlobalCategoryKey(c Category) Key {
	return Key{Kind: KindGlobalCategory, Category: c}
}

// String is the wire form used by dashboards.
func (k Key) String() string {
	switch k.Kind {
	case KindChainCategory:
		return k.Chain + "-" + string(k.Category)
	case KindGlobalCategory:
		return string(k.Category)
	default:
		return k.Chain
	}
}

// ParseKey is the inverse of Key.String for keys produced by this package.
// A chain whose label happens to equal a category name cannot round-trip and is
// read back as a category.
func ParseKey(s string) Key {
	switch c := Category(s); c {
	case Doublecounted, LiquidStaking, Overlap, ExcludeParent:
		return GlobalCategoryKey(c)
	}
	if i := strings.LastIndex(s, "-"); i > 0 {
		switch c := Category(s[i+1:]); c {
		case Doublecounted, LiquidStaking, Overlap, ExcludeParent:
			return ChainCategoryKey(s[:i], c)
		}
	}
	return ChainKey(s)
}

type resultJSON struct {
	Tvl          *float64         `json:"tvl"`
	TvlPrevDay   *float64         `json:"tvlPrevDay"`
	TvlPrevWeek  *float64         `json:"tvlPrevWeek"`
	TvlPrevMonth *float64         `json:"tvlPrevMonth"`
	ChainTvls    map[string]Entry `json:"chainTvls"`
}

// MarshalJSON collapses tagged keys into their string form.
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Tvl:          r.Tvl,
		TvlPrevDay:   r.TvlPrevDay,
		TvlPrevWeek:  r.TvlPrevWeek,
		TvlPrevMonth: r.TvlPrevMonth,
		ChainTvls:    make(map[string]Entry, len(r.ChainTvls)),
	}
	for k, e := range r.ChainTvls {
		out.ChainTvls[k.String()] = e
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the wire form back, used by the result cache.
// The decoded Result is marked complete; status is not part of the wire form.
func (r *Result) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode tvl result: %w", err)
	}
	*r = Result{
		Entry: Entry{
			Tvl:          in.Tvl,
			TvlPrevDay:   in.TvlPrevDay,
			TvlPrevWeek:  in.TvlPrevWeek,
			TvlPrevMonth: in.TvlPrevMonth,
		},
		ChainTvls: make(map[Key]Entry, len(in.ChainTvls)),
		Status:    StatusComplete,
	}
	for k, e := range in.ChainTvls {
		r.ChainTvls[ParseKey(k)] = e
	}
	return nil
}
