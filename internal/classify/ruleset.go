// Package classify maps detected sensitive-data categories and call metadata
// to a regulatory risk tier and a canonical set of triggered compliance-article
// flags. Evaluation is a pure function over an immutable, data-driven Ruleset
// so identical inputs always yield identical output.
package classify

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Tier is the coarse regulatory severity of one interaction.
type Tier string

const (
	TierMinimal      Tier = "minimal"
	TierLimited      Tier = "limited"
	TierHigh         Tier = "high"
	TierUnacceptable Tier = "unacceptable"
)

// tierRank orders tiers for the max-escalation rule.
var tierRank = map[Tier]int{
	TierMinimal:      0,
	TierLimited:      1,
	TierHigh:         2,
	TierUnacceptable: 3,
}

// maxTier returns the higher of two tiers.
func maxTier(a, b Tier) Tier {
	if tierRank[b] > tierRank[a] {
		return b
	}
	return a
}

// FlagRule declares when one compliance-article flag is triggered. A rule
// fires when ALL of its configured conditions hold; empty conditions are
// ignored. Rules are evaluated in table order, which defines the canonical
// ordering of triggered flags on a record.
type FlagRule struct {
	ID string `koanf:"id"`
	// Always fires on every classified interaction.
	Always bool `koanf:"always"`
	// AnyCategory fires when at least one listed category was detected.
	AnyCategory []string `koanf:"any_category"`
	// AnyMarker fires when at least one listed use-case marker is present.
	AnyMarker []string `koanf:"any_marker"`
	// MinTier fires only at or above the given tier.
	MinTier Tier `koanf:"min_tier"`
	// MinRequestBytes fires when the request payload meets the size threshold.
	MinRequestBytes int `koanf:"min_request_bytes"`
}

// Ruleset is the complete declarative classification table. Load it once at
// startup; it must not be mutated afterwards.
type Ruleset struct {
	// CategoryTiers maps each recognized category to its base tier.
	// Categories absent from the table are ignored for tier computation
	// (forward-compatibility guard) but preserved on the stored record.
	CategoryTiers map[string]Tier `koanf:"category_tiers"`
	// MarkerTiers maps use-case markers to forced tier floors.
	MarkerTiers map[string]Tier `koanf:"marker_tiers"`
	// Flags is the ordered flag predicate table.
	Flags []FlagRule `koanf:"flags"`
}

// DefaultRuleset returns the built-in classification tables covering the
// EU AI Act, GDPR, HIPAA, PCI DSS and SOX article triggers.
func DefaultRuleset() *Ruleset {
	return &Ruleset{
		CategoryTiers: map[string]Tier{
			"email":             TierLimited,
			"phone":             TierLimited,
			"ip_address":        TierLimited,
			"national_id":       TierHigh,
			"credit_card":       TierHigh,
			"iban":              TierHigh,
			"date_of_birth":     TierHigh,
			"passport":          TierHigh,
			"medical_record":    TierHigh,
			"financial_account": TierHigh,
		},
		MarkerTiers: map[string]Tier{
			"prohibited_use":       TierUnacceptable,
			"high_risk_use":        TierHigh,
			"transparency_context": TierLimited,
		},
		Flags: []FlagRule{
			{ID: "EU-AI-ACT-ART5", AnyMarker: []string{"prohibited_use"}},
			{ID: "EU-AI-ACT-ART6-ANNEX3", AnyMarker: []string{"high_risk_use"}},
			{ID: "EU-AI-ACT-ART12", Always: true},
			{ID: "EU-AI-ACT-ART52", AnyMarker: []string{"transparency_context"}},
			{ID: "GDPR-ART5", AnyCategory: []string{
				"email", "phone", "national_id", "credit_card", "iban", "ip_address",
				"date_of_birth", "passport", "medical_record", "financial_account",
			}},
			{ID: "GDPR-ART9", AnyCategory: []string{"medical_record"}},
			{ID: "HIPAA-164-502", AnyCategory: []string{"medical_record", "national_id"}, MinTier: TierHigh},
			{ID: "PCI-DSS-3", AnyCategory: []string{"credit_card"}},
			{ID: "SOX-802", AnyCategory: []string{"financial_account", "iban"}},
			{ID: "LARGE-CONTEXT", MinRequestBytes: 10000},
		},
	}
}

// LoadRuleset reads a ruleset from a YAML file. Missing tables fall back to
// the defaults so an override file only needs to name what it changes.
func LoadRuleset(path string) (*Ruleset, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load ruleset %s: %w", path, err)
	}

	rs := DefaultRuleset()
	if err := k.Unmarshal("", rs); err != nil {
		return nil, fmt.Errorf("unmarshal ruleset: %w", err)
	}
	if err := rs.validate(); err != nil {
		return nil, fmt.Errorf("invalid ruleset %s: %w", path, err)
	}
	return rs, nil
}

func (rs *Ruleset) validate() error {
	for cat, tier := range rs.CategoryTiers {
		if _, ok := tierRank[tier]; !ok {
			return fmt.Errorf("category %q: unknown tier %q", cat, tier)
		}
	}
	for m, tier := range rs.MarkerTiers {
		if _, ok := tierRank[tier]; !ok {
			return fmt.Errorf("marker %q: unknown tier %q", m, tier)
		}
	}
	seen := make(map[string]bool, len(rs.Flags))
	for _, f := range rs.Flags {
		if f.ID == "" {
			return fmt.Errorf("flag rule with empty id")
		}
		if seen[f.ID] {
			return fmt.Errorf("duplicate flag rule %q", f.ID)
		}
		seen[f.ID] = true
		if f.MinTier != "" {
			if _, ok := tierRank[f.MinTier]; !ok {
				return fmt.Errorf("flag %q: unknown tier %q", f.ID, f.MinTier)
			}
		}
	}
	return nil
}
