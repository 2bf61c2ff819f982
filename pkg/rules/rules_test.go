package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestDecidePrecedence verifies subject > class > wildcard > default-deny
func TestDecidePrecedence(t *testing.T) {
	rs := Ruleset{Rules: []Rule{
		{Subject: "*", Action: CapInstantiate, Allow: true},
		{Subject: "students", Action: CapInstantiate, Allow: false},
		{Subject: "alice", Action: CapInstantiate, Allow: true},
	}}

	tests := []struct {
		name    string
		subject string
		classes []string
		want    bool
	}{
		{"subject rule wins over class deny", "alice", []string{"students"}, true},
		{"class deny wins over wildcard allow", "bob", []string{"students"}, false},
		{"wildcard applies with no better match", "carol", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rs.Decide(tt.subject, tt.classes, CapInstantiate))
		})
	}
}

func TestDecideDefaultDeny(t *testing.T) {
	var empty Ruleset
	assert.False(t, empty.Decide("anyone", nil, CapInstantiate))

	otherAction := Ruleset{Rules: []Rule{
		{Subject: "*", Action: "CAP_OTHER", Allow: true},
	}}
	assert.False(t, otherAction.Decide("anyone", nil, CapInstantiate))
}

// TestDecideFileOrder verifies ties at one level resolve to the first
// rule in file order
func TestDecideFileOrder(t *testing.T) {
	rs := Ruleset{Rules: []Rule{
		{Subject: "alice", Action: CapInstantiate, Allow: false},
		{Subject: "alice", Action: CapInstantiate, Allow: true},
	}}
	assert.False(t, rs.Decide("alice", nil, CapInstantiate))

	classes := Ruleset{Rules: []Rule{
		{Subject: "ta", Action: CapInstantiate, Allow: true},
		{Subject: "students", Action: CapInstantiate, Allow: false},
	}}
	// First matching class rule in file order wins even though the
	// subject belongs to both classes.
	assert.True(t, classes.Decide("dave", []string{"students", "ta"}, CapInstantiate))
}
