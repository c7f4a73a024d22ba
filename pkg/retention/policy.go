package retention

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/auditkeep/pkg/audit"
)

// Period is a named retention duration
type Period string

const (
	SixMonths  Period = "SIX_MONTHS"
	OneYear    Period = "ONE_YEAR"
	ThreeYears Period = "THREE_YEARS"
	SevenYears Period = "SEVEN_YEARS"
	// LegalHold never expires
	LegalHold Period = "LEGAL_HOLD"
)

const day = 24 * time.Hour

var periodDurations = map[Period]time.Duration{
	SixMonths:  180 * day,
	OneYear:    365 * day,
	ThreeYears: 1095 * day,
	SevenYears: 2555 * day,
}

// Duration returns the length of p. ok is false for LegalHold.
func (p Period) Duration() (d time.Duration, ok bool) {
	d, ok = periodDurations[p]
	return d, ok
}

// Valid reports whether p is a known period
func (p Period) Valid() bool {
	_, ok := periodDurations[p]
	return ok || p == LegalHold
}

// SweepAction is what the sweeper does to an expired event
type SweepAction string

const (
	ActionDelete    SweepAction = "DELETE"
	ActionArchive   SweepAction = "ARCHIVE"
	ActionRedactPII SweepAction = "REDACT_PII"
)

// Valid reports whether a is a known action
func (a SweepAction) Valid() bool {
	switch a {
	case ActionDelete, ActionArchive, ActionRedactPII:
		return true
	}
	return false
}

// Actions lists sweep actions in the order the sweeper processes them
func Actions() []SweepAction {
	return []SweepAction{ActionDelete, ActionArchive, ActionRedactPII}
}

// Rule maps one category to its retention period and sweep action. Legal hold
// rules carry no action.
type Rule struct {
	Category audit.Category `yaml:"category" json:"category"`
	Period   Period         `yaml:"period" json:"period"`
	Action   SweepAction    `yaml:"action,omitempty" json:"action,omitempty"`
}

// Policy is a total mapping from every audit category to a rule. It is immutable
// once built.
type Policy struct {
	rules map[audit.Category]Rule
}

// DefaultRules is the built-in retention schedule
func DefaultRules() []Rule {
	return []Rule{
		{Category: audit.CategoryAuthentication, Period: OneYear, Action: ActionDelete},
		{Category: audit.CategoryAuthorization, Period: OneYear, Action: ActionDelete},
		{Category: audit.CategoryDataAccess, Period: SixMonths, Action: ActionRedactPII},
		{Category: audit.CategoryDataModification, Period: ThreeYears, Action: ActionArchive},
		{Category: audit.CategoryConfiguration, Period: ThreeYears, Action: ActionArchive},
		{Category: audit.CategoryAdministration, Period: SevenYears, Action: ActionArchive},
		{Category: audit.CategoryFinancial, Period: SevenYears, Action: ActionArchive},
		{Category: audit.CategoryPrivacy, Period: SevenYears, Action: ActionArchive},
		{Category: audit.CategorySecurity, Period: LegalHold},
		{Category: audit.CategorySystem, Period: SixMonths, Action: ActionDelete},
	}
}

// DefaultPolicy builds the policy from DefaultRules
func DefaultPolicy() *Policy {
	p, err := NewPolicy(DefaultRules())
	if err != nil {
		panic(fmt.Sprintf("default retention rules are invalid: %v", err))
	}
	return p
}

// NewPolicy validates rules and refuses to build a policy that leaves any category
// unmapped
func NewPolicy(rules []Rule) (*Policy, error) {
	mapped := make(map[audit.Category]Rule, len(rules))
	for _, r := range rules {
		if !r.Category.Valid() {
			return nil, fmt.Errorf("unknown category %q", r.Category)
		}
		if _, dup := mapped[r.Category]; dup {
			return nil, fmt.Errorf("category %s is mapped more than once", r.Category)
		}
		if !r.Period.Valid() {
			return nil, fmt.Errorf("category %s: unknown period %q", r.Category, r.Period)
		}
		if r.Period == LegalHold {
			r.Action = ""
		} else if !r.Action.Valid() {
			return nil, fmt.Errorf("category %s: unknown sweep action %q", r.Category, r.Action)
		}
		mapped[r.Category] = r
	}

	var missing []string
	for _, c := range audit.AllCategories() {
		if _, ok := mapped[c]; !ok {
			missing = append(missing, string(c))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("retention policy does not cover categories: %s", strings.Join(missing, ", "))
	}

	return &Policy{rules: mapped}, nil
}

// RuleFor returns the rule of category. A category outside the known set is kept
// under legal hold.
func (p *Policy) RuleFor(category audit.Category) Rule {
	if r, ok := p.rules[category]; ok {
		return r
	}
	return Rule{Category: category, Period: LegalHold}
}

// ExpiryOf computes the retention bound of an event created at createdAt
func (p *Policy) ExpiryOf(category audit.Category, createdAt time.Time) audit.RetentionUntil {
	d, ok := p.RuleFor(category).Period.Duration()
	if !ok {
		return audit.Never()
	}
	return audit.Until(createdAt.Add(d))
}

// ActionFor returns the sweep action of category; empty under legal hold
func (p *Policy) ActionFor(category audit.Category) SweepAction {
	return p.RuleFor(category).Action
}

// CategoriesFor lists the expiring categories swept with action
func (p *Policy) CategoriesFor(action SweepAction) []audit.Category {
	var out []audit.Category
	for _, c := range audit.AllCategories() {
		r := p.rules[c]
		if r.Period != LegalHold && r.Action == action {
			out = append(out, c)
		}
	}
	return out
}

// HeldCategories lists the categories under legal hold
func (p *Policy) HeldCategories() []audit.Category {
	var out []audit.Category
	for _, c := range audit.AllCategories() {
		if p.rules[c].Period == LegalHold {
			out = append(out, c)
		}
	}
	return out
}

// Rules returns every rule in category order
func (p *Policy) Rules() []Rule {
	out := make([]Rule, 0, len(p.rules))
	for _, c := range audit.AllCategories() {
		out = append(out, p.rules[c])
	}
	return out
}
