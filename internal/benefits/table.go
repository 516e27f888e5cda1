package benefits

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tier selects the default benefit values for a guild.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// TierFor maps a guild's premium flag to its tier.
func TierFor(hasPremium bool) Tier {
	if hasPremium {
		return TierPremium
	}
	return TierFree
}

// Benefit keys shipped in the default table.
const (
	Panels                  = "panels"
	MultiPanels             = "multi_panels"
	Tags                    = "tags"
	SupportTeams            = "support_teams"
	Forms                   = "forms"
	TranscriptRetentionDays = "transcript_retention_days"
	ExitSurveys             = "exit_surveys"
	CustomBranding          = "custom_branding"
)

// Table maps each tier to its benefit values. It is read-only after load.
type Table map[Tier]map[string]Value

// Default returns the built-in benefits table.
func Default() Table {
	return Table{
		TierFree: {
			Panels:                  Number(3),
			MultiPanels:             Number(1),
			Tags:                    Number(25),
			SupportTeams:            Number(2),
			Forms:                   Number(1),
			TranscriptRetentionDays: Number(30),
			ExitSurveys:             Flag(false),
			CustomBranding:          Flag(false),
		},
		TierPremium: {
			Panels:                  Number(25),
			MultiPanels:             Number(10),
			Tags:                    Number(200),
			SupportTeams:            Number(50),
			Forms:                   Number(50),
			TranscriptRetentionDays: Number(365),
			ExitSurveys:             Flag(true),
			CustomBranding:          Flag(true),
		},
	}
}

// Lookup returns the value of benefit for tier.
func (t Table) Lookup(tier Tier, benefit string) (Value, bool) {
	values, ok := t[tier]
	if !ok {
		return Value{}, false
	}
	v, ok := values[benefit]
	return v, ok
}

// Keys returns every benefit key, sorted.
func (t Table) Keys() []string {
	seen := make(map[string]struct{})
	for _, values := range t {
		for k := range values {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks that both tiers exist and define the same keys with the
// same kinds.
func (t Table) Validate() error {
	free, ok := t[TierFree]
	if !ok {
		return fmt.Errorf("benefits: tier %q missing", TierFree)
	}
	premium, ok := t[TierPremium]
	if !ok {
		return fmt.Errorf("benefits: tier %q missing", TierPremium)
	}
	var problems []string
	for k, fv := range free {
		pv, ok := premium[k]
		if !ok {
			problems = append(problems, fmt.Sprintf("%s missing from %s", k, TierPremium))
			continue
		}
		if pv.Kind != fv.Kind {
			problems = append(problems, fmt.Sprintf("%s has mismatched kinds", k))
		}
	}
	for k := range premium {
		if _, ok := free[k]; !ok {
			problems = append(problems, fmt.Sprintf("%s missing from %s", k, TierFree))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("benefits: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Parse decodes a YAML document of the form
//
//	free:
//	  panels: 3
//	premium:
//	  panels: 25
func Parse(data []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("benefits: decode: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Load reads the table from path, or returns Default when path is empty.
func Load(path string) (Table, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("benefits: read %s: %w", path, err)
	}
	return Parse(data)
}
