// internal/source/rangelist.go
package source

import "net/netip"

// Family selects the address family of a country's range list. Every
// set and zone file is keyed by (country, family).
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

func (f Family) String() string {
	if f == FamilyIPv6 {
		return "v6"
	}
	return "v4"
}

// Families returns the enabled families in fixed v4-then-v6 order.
func Families(v4, v6 bool) []Family {
	var fams []Family
	if v4 {
		fams = append(fams, FamilyIPv4)
	}
	if v6 {
		fams = append(fams, FamilyIPv6)
	}
	return fams
}

// RangeList is the parsed, deduplicated prefix list for one
// (country, family) pair. Immutable once built; a list is either
// complete and valid or it does not exist.
type RangeList struct {
	Country  string
	Family   Family
	Prefixes []netip.Prefix
}

func (l *RangeList) Len() int {
	return len(l.Prefixes)
}
