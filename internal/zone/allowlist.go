package zone

// DefaultAuthorizedVehicles are the vehicles permitted inside the zone.
var DefaultAuthorizedVehicles = []string{
	"Porsche 911 Turbo S SASD",
	"2014 BMW R1200RT LAW ENFORCEMENT",
	"2018 Dodge Charger LEO Edition",
}

// Allowlist is an exact-match set of vehicle labels.
type Allowlist struct {
	names map[string]struct{}
}

// NewAllowlist creates an allow-list of the given labels.
func NewAllowlist(names ...string) *Allowlist {
	a := &Allowlist{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		a.names[n] = struct{}{}
	}
	return a
}

// Authorized reports whether label is on the list. Matching is exact and
// case-sensitive.
func (a *Allowlist) Authorized(label string) bool {
	if a == nil {
		return false
	}
	_, ok := a.names[label]
	return ok
}
