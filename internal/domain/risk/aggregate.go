package risk

// aggregate folds per-code tiers into an OverallRisk. Pending codes never
// contribute a value; they only clear the determined flag.
type aggregate struct {
	max      Tier
	resolved bool
	pending  []string
	seen     map[string]bool
}

func (a *aggregate) add(t Tier) {
	if !t.Resolved() {
		return
	}
	a.max = Max(a.max, t)
	a.resolved = true
}

func (a *aggregate) pend(code string) {
	if a.seen == nil {
		a.seen = make(map[string]bool)
	}
	if a.seen[code] {
		return
	}
	a.seen[code] = true
	a.pending = append(a.pending, code)
}

func (a *aggregate) result() OverallRisk {
	out := OverallRisk{
		Determined:   a.resolved && len(a.pending) == 0,
		PendingCodes: a.pending,
	}
	if a.resolved {
		out.Tier = a.max
	}
	if out.PendingCodes == nil {
		out.PendingCodes = []string{}
	}
	return out
}
