package risk

import (
	"fmt"
	"strings"
)

// Tier is a regulatory risk classification. NA, I, II and III form a total
// order; P and Unknown are markers with no position in it.
type Tier string

const (
	TierNA  Tier = "NA"
	TierI   Tier = "I"
	TierII  Tier = "II"
	TierIII Tier = "III"

	// TierPending means the real tier depends on answering linked questions.
	TierPending Tier = "P"

	// TierUnknown marks a code that is absent from the reference base.
	TierUnknown Tier = "N/A"
)

var tierRanks = map[Tier]int{
	TierNA:  0,
	TierI:   1,
	TierII:  2,
	TierIII: 3,
}

// Rank returns the position of t in the NA < I < II < III order. ok is false
// for P, Unknown and anything outside the closed set.
func (t Tier) Rank() (rank int, ok bool) {
	rank, ok = tierRanks[t]
	return rank, ok
}

// Resolved reports whether t is a concrete risk level.
func (t Tier) Resolved() bool {
	_, ok := t.Rank()
	return ok
}

// Order is the sort key exposed to clients: the rank for resolved tiers,
// 4 for P and -1 for anything else.
func (t Tier) Order() int {
	if r, ok := t.Rank(); ok {
		return r
	}
	if t == TierPending {
		return 4
	}
	return -1
}

// Max returns the higher of two resolved tiers. Unresolved arguments are
// ignored; if neither is resolved the empty tier is returned.
func Max(a, b Tier) Tier {
	ra, oka := a.Rank()
	rb, okb := b.Rank()
	switch {
	case oka && okb:
		if rb > ra {
			return b
		}
		return a
	case oka:
		return a
	case okb:
		return b
	default:
		return ""
	}
}

// ParseTier parses a base tier as stored in the code table (NA, I, II, III or P).
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if t == TierPending || t.Resolved() {
		return t, nil
	}
	return "", fmt.Errorf("invalid risk tier %q", s)
}

// ParseResolvedTier parses a tier that must be concrete, such as an answer
// option's resultant tier or an environmental entry level.
func ParseResolvedTier(s string) (Tier, error) {
	t, err := ParseTier(s)
	if err != nil {
		return "", err
	}
	if t == TierPending {
		return "", fmt.Errorf("tier %q is not a concrete risk level", s)
	}
	return t, nil
}

var tierColors = map[Tier]string{
	TierNA:      "info",
	TierI:       "success",
	TierII:      "warning",
	TierIII:     "danger",
	TierPending: "secondary",
	TierUnknown: "light",
}

// Color returns the UI colour class associated with t.
func (t Tier) Color() string {
	if c, ok := tierColors[t]; ok {
		return c
	}
	return "dark"
}

const (
	tooltipNA          = "Not applicable: this activity is exempt from a sanitary permit."
	tooltipI           = "Risk level I: low risk."
	tooltipII          = "Risk level II: medium risk."
	tooltipIII         = "Risk level III: high risk."
	tooltipIIIProject  = "Risk level III: requires an approved architectural project."
	tooltipPending     = "Answer the linked question to classify this activity."
	tooltipUnknown     = "Activity code not found in the reference base."
	tooltipUnavailable = "Classification currently unavailable for this activity code."

	// DescriptionNotFound is the fixed description of unknown codes.
	DescriptionNotFound = "Activity code not found in the reference base."
)

// Tooltip returns the advisory text for t. The exemption flag only changes
// the text for tier III.
func (t Tier) Tooltip(projectExempt bool) string {
	switch t {
	case TierNA:
		return tooltipNA
	case TierI:
		return tooltipI
	case TierII:
		return tooltipII
	case TierIII:
		if projectExempt {
			return tooltipIII
		}
		return tooltipIIIProject
	case TierPending:
		return tooltipPending
	case TierUnknown:
		return tooltipUnknown
	}
	return ""
}
