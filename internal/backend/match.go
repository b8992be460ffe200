package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// MatchFilter evaluates the filter tree against one parsed calendar object.
// The top-level filter must name VCALENDAR.
func MatchFilter(f *CompFilter, cal *ical.Calendar) (bool, error) {
	if f == nil {
		return true, nil
	}
	if !strings.EqualFold(f.Name, ical.CompCalendar) {
		return false, fmt.Errorf("top-level comp-filter must name VCALENDAR, got %q", f.Name)
	}
	if f.IsNotDefined {
		return false, nil
	}
	if f.TimeRange != nil {
		return false, fmt.Errorf("time-range not allowed on VCALENDAR")
	}
	return matchCompConditions(f, cal.Component, time.UTC)
}

func matchCompFilter(f *CompFilter, comp *ical.Component, loc *time.Location) (bool, error) {
	if f.TimeRange != nil {
		span, err := componentSpan(comp)
		if err != nil {
			return false, err
		}
		if !span.intersects(*f.TimeRange) {
			return false, nil
		}
	}
	return matchCompConditions(f, comp, loc)
}

func matchCompConditions(f *CompFilter, comp *ical.Component, loc *time.Location) (bool, error) {
	ok, err := matchPropFilters(f.PropFilters, comp, loc)
	if err != nil || !ok {
		return false, err
	}
	return matchChildFilters(f.CompFilters, comp, loc)
}

// matchChildFilters requires every nested comp-filter to be satisfied by the
// parent's children: a defined filter needs at least one matching child, an
// is-not-defined filter needs the named component absent.
func matchChildFilters(fs []CompFilter, parent *ical.Component, loc *time.Location) (bool, error) {
outer:
	for i := range fs {
		f := &fs[i]
		present := false
		for _, child := range parent.Children {
			if !strings.EqualFold(child.Name, f.Name) {
				continue
			}
			present = true
			if f.IsNotDefined {
				return false, nil
			}
			ok, err := matchCompFilter(f, child, loc)
			if err != nil {
				return false, err
			}
			if ok {
				continue outer
			}
		}
		if f.IsNotDefined && !present {
			continue
		}
		return false, nil
	}
	return true, nil
}

func matchPropFilters(fs []PropFilter, comp *ical.Component, loc *time.Location) (bool, error) {
outer:
	for i := range fs {
		f := &fs[i]
		values := comp.Props.Values(f.Name)
		if f.IsNotDefined {
			if len(values) > 0 {
				return false, nil
			}
			continue
		}
		if f.TimeRange == nil && f.TextMatch == nil && len(f.ParamFilters) == 0 {
			if len(values) > 0 {
				continue
			}
			return false, nil
		}
		for j := range values {
			v := &values[j]
			if f.TimeRange != nil {
				t, err := v.DateTime(loc)
				if err != nil {
					return false, err
				}
				if !f.TimeRange.Intersects(t, t) && !t.Equal(f.TimeRange.Start) {
					continue
				}
			}
			if f.TextMatch != nil {
				if !f.TextMatch.Matches(unescapeText(v.Value)) {
					continue
				}
			}
			if !matchParamFilters(f.ParamFilters, v) {
				continue
			}
			continue outer
		}
		return false, nil
	}
	return true, nil
}

func matchParamFilters(fs []ParamFilter, prop *ical.Prop) bool {
outer:
	for i := range fs {
		f := &fs[i]
		values := prop.Params.Values(f.Name)
		if f.IsNotDefined {
			if len(values) > 0 {
				return false
			}
			continue
		}
		if f.TextMatch == nil {
			if len(values) > 0 {
				continue
			}
			return false
		}
		for _, v := range values {
			if f.TextMatch.Matches(v) {
				continue outer
			}
		}
		return false
	}
	return true
}

var textUnescaper = strings.NewReplacer("\\n", "\n", "\\,", ",", "\\;", ";", "\\\\", "\\")

func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}

// ValidateFilter rejects filter shapes the matcher cannot evaluate, so the
// caller can answer with a supported-filter condition instead of a silent
// empty result.
func ValidateFilter(f *CompFilter) error {
	if f == nil {
		return nil
	}
	if !strings.EqualFold(f.Name, ical.CompCalendar) {
		return fmt.Errorf("top-level comp-filter must name VCALENDAR")
	}
	if f.TimeRange != nil {
		return fmt.Errorf("time-range not allowed on VCALENDAR")
	}
	return validateFilterTree(f)
}

func validateFilterTree(f *CompFilter) error {
	if f.TimeRange != nil && !f.TimeRange.Valid() {
		return fmt.Errorf("comp-filter %s: invalid time-range", f.Name)
	}
	for i := range f.PropFilters {
		pf := &f.PropFilters[i]
		if pf.TimeRange != nil && !pf.TimeRange.Valid() {
			return fmt.Errorf("prop-filter %s: invalid time-range", pf.Name)
		}
		if pf.TextMatch != nil && !pf.TextMatch.SupportedCollation() {
			return fmt.Errorf("prop-filter %s: unsupported collation %q", pf.Name, pf.TextMatch.Collation)
		}
		for j := range pf.ParamFilters {
			if tm := pf.ParamFilters[j].TextMatch; tm != nil && !tm.SupportedCollation() {
				return fmt.Errorf("param-filter %s: unsupported collation %q", pf.ParamFilters[j].Name, tm.Collation)
			}
		}
	}
	for i := range f.CompFilters {
		if err := validateFilterTree(&f.CompFilters[i]); err != nil {
			return err
		}
	}
	return nil
}
