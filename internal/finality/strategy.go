// Package finality resolves latest, safe and finalized block numbers per chain.
//
// Every chain slug maps to a strategy in a static table, selected per deployment family. Kinds:
// native block tags, the finalized tag alone, probabilistic confirmation depths, and a custom
// out-of-band query that falls back to the finalized tag.
package finality

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownChain  = errors.New("finality: unknown chain")
	ErrUnknownFamily = errors.New("finality: unknown strategy family")
	ErrInvalidConfig = errors.New("finality: invalid config")
)

type Tier int

const (
	TierLatest Tier = iota
	TierSafe
	TierFinalized
)

func (t Tier) String() string {
	switch t {
	case TierLatest:
		return "latest"
	case TierSafe:
		return "safe"
	case TierFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Family selects how aggressive the confirmation depths are.
type Family string

const (
	FamilyBonder         Family = "bonder"
	FamilyCollateralized Family = "collateralized"
	FamilyDefault        Family = "default"
)

func ParseFamily(s string) (Family, error) {
	switch f := Family(strings.TrimSpace(strings.ToLower(s))); f {
	case FamilyBonder, FamilyCollateralized, FamilyDefault:
		return f, nil
	case "":
		return FamilyDefault, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFamily, s)
	}
}

type Kind int

const (
	KindNativeTag Kind = iota
	KindProbabilistic
	KindCustomQuery
	// KindFinalizedTag reads only the finalized tag and reports it as safe too.
	KindFinalizedTag
)

func (k Kind) String() string {
	switch k {
	case KindNativeTag:
		return "native_tag"
	case KindProbabilistic:
		return "probabilistic"
	case KindCustomQuery:
		return "custom_query"
	case KindFinalizedTag:
		return "finalized_tag"
	default:
		return "unknown"
	}
}

// Strategy is one table entry.
type Strategy struct {
	Kind Kind
	// SafeConfirmations and FinalizedConfirmations apply to KindProbabilistic.
	SafeConfirmations      uint64
	FinalizedConfirmations uint64
	// Query names the custom query for KindCustomQuery. See NewCustomQuery.
	Query string
}

func (s Strategy) validate() error {
	if s.Kind == KindProbabilistic && s.FinalizedConfirmations < s.SafeConfirmations {
		return fmt.Errorf("%w: finalized confirmations %d < safe confirmations %d", ErrInvalidConfig, s.FinalizedConfirmations, s.SafeConfirmations)
	}
	if s.Kind == KindCustomQuery && s.Query == "" {
		return fmt.Errorf("%w: custom query strategy without query", ErrInvalidConfig)
	}
	return nil
}

const QueryOPSyncStatus = "optimism_syncStatus"

func native() map[Family]Strategy {
	s := Strategy{Kind: KindNativeTag}
	return map[Family]Strategy{FamilyBonder: s, FamilyCollateralized: s, FamilyDefault: s}
}

func finalizedOnly() map[Family]Strategy {
	s := Strategy{Kind: KindFinalizedTag}
	return map[Family]Strategy{FamilyBonder: s, FamilyCollateralized: s, FamilyDefault: s}
}

func probabilistic(bonderSafe, bonderFinal, collatSafe, collatFinal, defSafe, defFinal uint64) map[Family]Strategy {
	return map[Family]Strategy{
		FamilyBonder:         {Kind: KindProbabilistic, SafeConfirmations: bonderSafe, FinalizedConfirmations: bonderFinal},
		FamilyCollateralized: {Kind: KindProbabilistic, SafeConfirmations: collatSafe, FinalizedConfirmations: collatFinal},
		FamilyDefault:        {Kind: KindProbabilistic, SafeConfirmations: defSafe, FinalizedConfirmations: defFinal},
	}
}

func opStack() map[Family]Strategy {
	s := Strategy{Kind: KindCustomQuery, Query: QueryOPSyncStatus}
	return map[Family]Strategy{FamilyBonder: s, FamilyCollateralized: s, FamilyDefault: s}
}

var table = map[string]map[Family]Strategy{
	"ethereum":  native(),
	"arbitrum":  finalizedOnly(),
	"nova":      finalizedOnly(),
	"optimism":  opStack(),
	"base":      opStack(),
	"gnosis":    probabilistic(12, 20, 20, 40, 40, 60),
	"polygon":   probabilistic(64, 128, 128, 256, 256, 256),
	"polygonzk": probabilistic(32, 64, 64, 128, 128, 256),
	"linea":     probabilistic(16, 32, 32, 64, 64, 128),
	"scroll":    probabilistic(16, 32, 32, 64, 64, 128),
	"zksync":    probabilistic(16, 32, 32, 64, 64, 128),
}

// Lookup returns the strategy for chain under family.
func Lookup(chain string, family Family) (Strategy, error) {
	byFamily, ok := table[strings.ToLower(strings.TrimSpace(chain))]
	if !ok {
		return Strategy{}, fmt.Errorf("%w: %q", ErrUnknownChain, chain)
	}
	s, ok := byFamily[family]
	if !ok {
		return Strategy{}, fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}
	return s, nil
}

// Chains lists every chain slug with a strategy.
func Chains() []string {
	out := make([]string, 0, len(table))
	for k := range table {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
