package backend

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, lines ...string) *ical.Calendar {
	t.Helper()
	raw := strings.Join(append(lines, ""), "\r\n")
	cal, err := ParseCalendar([]byte(raw))
	require.NoError(t, err)
	return cal
}

func meetingFixture(t *testing.T) *ical.Calendar {
	return mustParse(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//calserve//test//EN",
		"BEGIN:VEVENT",
		"UID:meeting-1",
		"DTSTAMP:20240301T000000Z",
		"DTSTART:20240315T090000Z",
		"DTEND:20240315T100000Z",
		"SUMMARY:Quarterly planning",
		"ORGANIZER;CN=Alice:mailto:alice@example.com",
		"ATTENDEE;PARTSTAT=ACCEPTED:mailto:bob@example.com",
		"END:VEVENT",
		"END:VCALENDAR",
	)
}

func TestMatchFilterNilMatchesEverything(t *testing.T) {
	ok, err := MatchFilter(nil, meetingFixture(t))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMatchFilterRequiresVCalendarRoot(t *testing.T) {
	_, err := MatchFilter(&CompFilter{Name: "VEVENT"}, meetingFixture(t))
	require.Error(t, err)
}

func TestMatchFilterComponentName(t *testing.T) {
	cal := meetingFixture(t)

	ok, err := MatchFilter(&CompFilter{
		Name:        "VCALENDAR",
		CompFilters: []CompFilter{{Name: "VEVENT"}},
	}, cal)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = MatchFilter(&CompFilter{
		Name:        "VCALENDAR",
		CompFilters: []CompFilter{{Name: "VTODO"}},
	}, cal)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = MatchFilter(&CompFilter{
		Name:        "VCALENDAR",
		CompFilters: []CompFilter{{Name: "VTODO", IsNotDefined: true}},
	}, cal)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMatchFilterTimeRange(t *testing.T) {
	cal := meetingFixture(t)

	hit := TimeRange{
		Start: time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 15, 11, 0, 0, 0, time.UTC),
	}
	miss := TimeRange{
		Start: time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC),
	}
	// touching the event's end does not intersect a half-open interval
	touch := TimeRange{
		Start: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 15, 11, 0, 0, 0, time.UTC),
	}

	for _, tc := range []struct {
		name string
		rng  TimeRange
		want bool
	}{
		{"overlap", hit, true},
		{"disjoint", miss, false},
		{"touching end", touch, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := MatchFilter(&CompFilter{
				Name:        "VCALENDAR",
				CompFilters: []CompFilter{{Name: "VEVENT", TimeRange: &tc.rng}},
			}, cal)
			require.NoError(t, err)
			require.Equal(t, tc.want, ok)
		})
	}
}

func TestMatchFilterRecurringEventTimeRange(t *testing.T) {
	cal := mustParse(t,
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"BEGIN:VEVENT",
		"UID:standup",
		"DTSTART:20240101T090000Z",
		"DTEND:20240101T091500Z",
		"RRULE:FREQ=DAILY",
		"SUMMARY:Standup",
		"END:VEVENT",
		"END:VCALENDAR",
	)

	// months after DTSTART, still matched through the recurrence set
	rng := TimeRange{
		Start: time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC),
	}
	ok, err := MatchFilter(&CompFilter{
		Name:        "VCALENDAR",
		CompFilters: []CompFilter{{Name: "VEVENT", TimeRange: &rng}},
	}, cal)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMatchFilterPropTextMatch(t *testing.T) {
	cal := meetingFixture(t)

	filter := func(tm TextMatch) *CompFilter {
		return &CompFilter{
			Name: "VCALENDAR",
			CompFilters: []CompFilter{{
				Name:        "VEVENT",
				PropFilters: []PropFilter{{Name: "SUMMARY", TextMatch: &tm}},
			}},
		}
	}

	ok, err := MatchFilter(filter(TextMatch{Text: "quarterly"}), cal)
	require.NoError(t, err)
	require.True(t, ok, "default collation is case-insensitive")

	ok, err = MatchFilter(filter(TextMatch{Text: "quarterly", Collation: CollationOctet}), cal)
	require.NoError(t, err)
	require.False(t, ok, "i;octet is case-sensitive")

	ok, err = MatchFilter(filter(TextMatch{Text: "quarterly", NegateCondition: true}), cal)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMatchFilterParamFilter(t *testing.T) {
	cal := meetingFixture(t)

	ok, err := MatchFilter(&CompFilter{
		Name: "VCALENDAR",
		CompFilters: []CompFilter{{
			Name: "VEVENT",
			PropFilters: []PropFilter{{
				Name: "ATTENDEE",
				ParamFilters: []ParamFilter{{
					Name:      "PARTSTAT",
					TextMatch: &TextMatch{Text: "accepted"},
				}},
			}},
		}},
	}, cal)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = MatchFilter(&CompFilter{
		Name: "VCALENDAR",
		CompFilters: []CompFilter{{
			Name: "VEVENT",
			PropFilters: []PropFilter{{
				Name:         "ATTENDEE",
				ParamFilters: []ParamFilter{{Name: "PARTSTAT", IsNotDefined: true}},
			}},
		}},
	}, cal)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMatchFilterPropIsNotDefined(t *testing.T) {
	cal := meetingFixture(t)

	ok, err := MatchFilter(&CompFilter{
		Name: "VCALENDAR",
		CompFilters: []CompFilter{{
			Name:        "VEVENT",
			PropFilters: []PropFilter{{Name: "LOCATION", IsNotDefined: true}},
		}},
	}, cal)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestValidateFilter(t *testing.T) {
	require.NoError(t, ValidateFilter(nil))
	require.NoError(t, ValidateFilter(&CompFilter{Name: "VCALENDAR"}))

	require.Error(t, ValidateFilter(&CompFilter{Name: "VEVENT"}), "root must be VCALENDAR")
	require.Error(t, ValidateFilter(&CompFilter{
		Name:      "VCALENDAR",
		TimeRange: &TimeRange{Start: time.Now(), End: time.Now().Add(time.Hour)},
	}), "time-range on VCALENDAR is invalid")

	bad := TimeRange{
		Start: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.Error(t, ValidateFilter(&CompFilter{
		Name:        "VCALENDAR",
		CompFilters: []CompFilter{{Name: "VEVENT", TimeRange: &bad}},
	}))

	require.Error(t, ValidateFilter(&CompFilter{
		Name: "VCALENDAR",
		CompFilters: []CompFilter{{
			Name: "VEVENT",
			PropFilters: []PropFilter{{
				Name:      "SUMMARY",
				TextMatch: &TextMatch{Text: "x", Collation: "i;unicode-casemap"},
			}},
		}},
	}), "unsupported collation")
}

func TestCompFilterUnrestricted(t *testing.T) {
	require.True(t, (&CompFilter{Name: "VCALENDAR"}).Unrestricted())
	require.True(t, (*CompFilter)(nil).Unrestricted())
	require.False(t, (&CompFilter{Name: "VCALENDAR", CompFilters: []CompFilter{{Name: "VEVENT"}}}).Unrestricted())
}
