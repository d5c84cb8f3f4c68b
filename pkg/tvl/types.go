package tvl

import (
	"errors"
	"math"
)

// ErrMetadataNotFound is returned by a MetadataLookup when the protocol has no metadata row.
var ErrMetadataNotFound = errors.New("protocol metadata not found")

// Protocol is the tracked entity whose TVL is summarized.
//
// Chains is ordered and its first entry is the primary chain.
// TokensExcludedFromParent maps a chain display name to the token symbols that a
// parent protocol must not count; nil means not declared.
type Protocol struct {
	ID                       string              `json:"id"`
	Name                     string              `json:"name"`
	Chains                   []string            `json:"chains"`
	TokensExcludedFromParent map[string][]string `json:"tokensExcludedFromParent,omitempty"`
}

// DeclaresParentExclusion reports whether token-level breakdowns are needed at all.
func (p Protocol) DeclaresParentExclusion() bool {
	return p.TokensExcludedFromParent != nil
}

// Metadata carries the categorization flags of a protocol.
type Metadata struct {
	Category        string `json:"category"`
	IsLiquidStaking bool   `json:"isLiquidStaking"`
	IsDoublecounted bool   `json:"isDoublecounted"`
}

// Snapshot is one hourly reading keyed by raw chain key, plus "tvl" for the total.
// A nil Snapshot means no record was found.
type Snapshot map[string]float64

// TokenBalances maps token symbol to USD value.
// A nil TokenBalances stands for a section that could not be read as an object.
type TokenBalances map[string]float64

// TokenUsdSnapshot is the token-level counterpart of Snapshot.
type TokenUsdSnapshot map[string]TokenBalances

// Entry holds one value and its trailing comparisons. Nil means "no value".
type Entry struct {
	Tvl          *float64 `json:"tvl"`
	TvlPrevDay   *float64 `json:"tvlPrevDay"`
	TvlPrevWeek  *float64 `json:"tvlPrevWeek"`
	TvlPrevMonth *float64 `json:"tvlPrevMonth"`
}

// Status tells callers how much of a Result can be trusted.
type Status uint8

const (
	// StatusNoData means there was nothing to aggregate: no metadata or no latest record.
	StatusNoData Status = iota
	// StatusPartial means a collaborator failed; the result holds what was assembled before.
	StatusPartial
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusNoData:
		return "no_data"
	case StatusPartial:
		return "partial"
	case StatusComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Result is the aggregated view of one protocol.
type Result struct {
	Entry
	ChainTvls map[Key]Entry
	Status    Status
	// Err is the failure behind StatusPartial.
	Err error
}

func newResult() Result {
	return Result{ChainTvls: make(map[Key]Entry), Status: StatusNoData}
}

func ptr(v float64) *float64 { return &v }

// latestValue keeps zero: the latest reading is reported as recorded.
func latestValue(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return ptr(v)
}

// valueOf reads key from s. Missing, NaN and zero readings are all "no value".
func valueOf(s Snapshot, key string) *float64 {
	v, ok := s[key]
	if !ok || v == 0 || math.IsNaN(v) {
		return nil
	}
	return ptr(v)
}
