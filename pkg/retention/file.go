package retention

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/auditkeep/pkg/audit"
)

// policyFile is the on-disk shape of a retention policy
//
//	inherit_defaults: true
//	rules:
//	  - category: DATA_ACCESS
//	    period: ONE_YEAR
//	    action: REDACT_PII
type policyFile struct {
	InheritDefaults bool   `yaml:"inherit_defaults"`
	Rules           []Rule `yaml:"rules"`
}

// LoadPolicyFile reads a YAML policy. With inherit_defaults the listed rules
// override DefaultRules; otherwise the file must map every category itself.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read retention policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses YAML policy bytes
func ParsePolicy(data []byte) (*Policy, error) {
	var f policyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse retention policy: %w", err)
	}

	rules := f.Rules
	if f.InheritDefaults {
		rules = mergeRules(DefaultRules(), f.Rules)
	}

	p, err := NewPolicy(rules)
	if err != nil {
		return nil, fmt.Errorf("invalid retention policy: %w", err)
	}
	return p, nil
}

func mergeRules(base, overrides []Rule) []Rule {
	byCategory := make(map[audit.Category]int, len(base))
	out := append([]Rule(nil), base...)
	for i, r := range out {
		byCategory[r.Category] = i
	}
	for _, r := range overrides {
		if i, ok := byCategory[r.Category]; ok {
			out[i] = r
			continue
		}
		out = append(out, r)
	}
	return out
}
