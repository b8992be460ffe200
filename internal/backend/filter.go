package backend

import "strings"

// CompFilter restricts a query to components of one name, optionally requiring
// nested component, property, and time-range conditions. IsNotDefined inverts
// the match: the component must be absent.
type CompFilter struct {
	Name         string
	IsNotDefined bool
	TimeRange    *TimeRange
	CompFilters  []CompFilter
	PropFilters  []PropFilter
}

// PropFilter restricts matching components by one property.
type PropFilter struct {
	Name         string
	IsNotDefined bool
	TimeRange    *TimeRange
	TextMatch    *TextMatch
	ParamFilters []ParamFilter
}

// ParamFilter restricts matching properties by one parameter.
type ParamFilter struct {
	Name         string
	IsNotDefined bool
	TextMatch    *TextMatch
}

// TextMatch is a substring condition. Collation follows RFC 4791: only
// i;ascii-casemap and i;octet are supported.
type TextMatch struct {
	Collation       string
	NegateCondition bool
	Text            string
}

const (
	CollationASCIICasemap = "i;ascii-casemap"
	CollationOctet        = "i;octet"
)

// SupportedCollation reports whether the text-match collation is one this
// server implements. Empty defaults to i;ascii-casemap.
func (tm *TextMatch) SupportedCollation() bool {
	switch tm.Collation {
	case "", CollationASCIICasemap, CollationOctet:
		return true
	}
	return false
}

// Matches applies the substring condition, honoring collation and negation.
func (tm *TextMatch) Matches(value string) bool {
	var ok bool
	if tm.Collation == CollationOctet {
		ok = strings.Contains(value, tm.Text)
	} else {
		ok = strings.Contains(strings.ToLower(value), strings.ToLower(tm.Text))
	}
	if tm.NegateCondition {
		return !ok
	}
	return ok
}

// Unrestricted reports whether the filter matches every object of the
// collection: a bare VCALENDAR comp-filter with no conditions.
func (f *CompFilter) Unrestricted() bool {
	if f == nil {
		return true
	}
	return strings.EqualFold(f.Name, "VCALENDAR") &&
		!f.IsNotDefined && f.TimeRange == nil &&
		len(f.CompFilters) == 0 && len(f.PropFilters) == 0
}
