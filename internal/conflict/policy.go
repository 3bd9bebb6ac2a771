package conflict

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// CollectionPolicy overrides the default policy for one collection.
type CollectionPolicy struct {
	Strategy       Strategy `toml:"strategy"`
	CriticalFields []string `toml:"critical_fields"`
}

// Policy selects a strategy per collection and names critical fields whose
// conflicts always require an operator.
//
// A policy file looks like:
//
//	default_strategy = "lastWriteWins"
//	critical_fields = ["signature"]
//
//	[collections.inspections]
//	strategy = "smartMerge"
//	critical_fields = ["status", "inspector_id"]
type Policy struct {
	DefaultStrategy Strategy                    `toml:"default_strategy"`
	CriticalFields  []string                    `toml:"critical_fields"`
	Collections     map[string]CollectionPolicy `toml:"collections"`
}

// DefaultPolicy resolves everything with lastWriteWins and has no critical fields.
func DefaultPolicy() Policy {
	return Policy{DefaultStrategy: StrategyLastWriteWins}
}

// LoadPolicy reads a TOML policy file.
func LoadPolicy(path string) (Policy, error) {
	var p Policy
	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to load conflict policy %s: %w", path, err)
	}
	return finishPolicy(p, md)
}

// ParsePolicy decodes a TOML policy document.
func ParsePolicy(doc string) (Policy, error) {
	var p Policy
	md, err := toml.Decode(doc, &p)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to parse conflict policy: %w", err)
	}
	return finishPolicy(p, md)
}

func finishPolicy(p Policy, md toml.MetaData) (Policy, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Policy{}, fmt.Errorf("unknown conflict policy keys: %s", strings.Join(keys, ", "))
	}
	if p.DefaultStrategy == "" {
		p.DefaultStrategy = StrategyLastWriteWins
	}
	return p, nil
}

// StrategyFor returns the strategy configured for collection.
func (p Policy) StrategyFor(collection string) Strategy {
	if cp, ok := p.Collections[collection]; ok && cp.Strategy != "" {
		return cp.Strategy
	}
	if p.DefaultStrategy == "" {
		return StrategyLastWriteWins
	}
	return p.DefaultStrategy
}

// CriticalFieldsFor returns the global and collection critical fields, sorted.
func (p Policy) CriticalFieldsFor(collection string) []string {
	set := make(map[string]bool)
	for _, f := range p.CriticalFields {
		set[f] = true
	}
	for _, f := range p.Collections[collection].CriticalFields {
		set[f] = true
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
