// Package chains maps raw chain keys found in TVL snapshots to dashboard labels
// and knows which snapshot keys are not chains at all.
package chains

import (
	_ "embed"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// TotalKey is the snapshot key carrying the protocol-wide value.
const TotalKey = "tvl"

// NonChains are snapshot keys that are bookkeeping fields rather than chains.
var NonChains = map[string]struct{}{
	"PK":            {},
	"SK":            {},
	TotalKey:        {},
	"tvlPrev1Hour":  {},
	"tvlPrev1Day":   {},
	"tvlPrev1Week":  {},
	"tvlPrev1Month": {},
}

// ExtraSections are value sections that are reported next to chains but never
// expanded into category variants.
var ExtraSections = map[string]struct{}{
	"staking":        {},
	"pool2":          {},
	"offers":         {},
	"borrowed":       {},
	"treasury":       {},
	"vesting":        {},
	"doublecounted":  {},
	"liquidstaking":  {},
	"dcAndLsOverlap": {},
	"excludeParent":  {},
}

//go:embed chains.yaml
var chainsYAML []byte

type chainEntry struct {
	Key    string `yaml:"key"`
	Label  string `yaml:"label"`
	Legacy string `yaml:"legacy,omitempty"`
}

type chainsFile struct {
	Chains []chainEntry `yaml:"chains"`
}

// Table resolves display names. The zero value capitalizes every key.
type Table struct {
	labels map[string]chainEntry
}

// Default is the table compiled from the embedded chains.yaml.
var Default = MustParse(chainsYAML)

// Parse builds a Table from a YAML document shaped like chains.yaml.
func Parse(doc []byte) (*Table, error) {
	var f chainsFile
	if err := yaml.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("parse chain table: %w", err)
	}

	t := &Table{labels: make(map[string]chainEntry, len(f.Chains))}
	for _, c := range f.Chains {
		if c.Key == "" || c.Label == "" {
			return nil, fmt.Errorf("parse chain table: entry %q has no key or label", c.Key)
		}
		t.labels[strings.ToLower(c.Key)] = c
	}
	return t, nil
}

// MustParse is Parse that panics, for package-level tables.
func MustParse(doc []byte) *Table {
	t, err := Parse(doc)
	if err != nil {
		panic(err)
	}
	return t
}

// DisplayName returns the label for a raw snapshot key.
// "ethereum-staking" becomes "Ethereum-staking": only the chain part is renamed.
func (t *Table) DisplayName(raw string, useNewNames bool) string {
	if IsExtraSection(raw) {
		return raw
	}
	chain, section, hasSection := strings.Cut(raw, "-")
	name := t.label(chain, useNewNames)
	if hasSection {
		return name + "-" + section
	}
	return name
}

func (t *Table) label(chain string, useNewNames bool) string {
	if t != nil {
		if e, ok := t.labels[strings.ToLower(chain)]; ok {
			if !useNewNames && e.Legacy != "" {
				return e.Legacy
			}
			return e.Label
		}
	}
	return capitalize(chain)
}

// DisplayName resolves raw through the Default table.
func DisplayName(raw string, useNewNames bool) string {
	return Default.DisplayName(raw, useNewNames)
}

func IsNonChain(key string) bool {
	_, ok := NonChains[key]
	return ok
}

func IsExtraSection(name string) bool {
	_, ok := ExtraSections[name]
	return ok
}

// IncludeSection reports whether a display name may carry category variants
// such as "Ethereum-doublecounted".
func IncludeSection(displayName string) bool {
	return !IsExtraSection(displayName) && !strings.Contains(displayName, "-")
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
