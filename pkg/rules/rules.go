// Package rules evaluates per-WD capability rules.
//
// A rule grants or denies an action to a subject. Subjects are a user id,
// a class name, or the wildcard "*". Evaluation order is subject-specific,
// then class, then wildcard, then default-deny; within one level the first
// match in file order wins.
package rules

// Actions recognized by the evaluator.
const (
	CapInstantiate = "CAP_INSTANTIATE"
)

// Wildcard matches any subject.
const Wildcard = "*"

// Rule is one capability entry.
type Rule struct {
	Subject string `yaml:"subject" json:"subject"`
	Action  string `yaml:"action" json:"action"`
	Allow   bool   `yaml:"allow" json:"allow"`
}

// Ruleset is an ordered list of rules. Order is significant: ties within
// a precedence level resolve to the first match.
type Ruleset struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// Add appends a rule.
func (rs *Ruleset) Add(r Rule) {
	rs.Rules = append(rs.Rules, r)
}

// Decide evaluates whether subject (with optional class memberships) may
// perform action. Missing any match, the decision is deny.
func (rs *Ruleset) Decide(subject string, classes []string, action string) bool {
	// Subject-specific rules first.
	for _, r := range rs.Rules {
		if r.Action == action && r.Subject == subject {
			return r.Allow
		}
	}

	// Class rules, in file order across all classes.
	for _, r := range rs.Rules {
		if r.Action != action {
			continue
		}
		for _, cls := range classes {
			if r.Subject == cls {
				return r.Allow
			}
		}
	}

	// Wildcard.
	for _, r := range rs.Rules {
		if r.Action == action && r.Subject == Wildcard {
			return r.Allow
		}
	}

	return false
}
