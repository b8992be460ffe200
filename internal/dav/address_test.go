package dav

import "testing"

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "/", want: "/"},
		{in: "/alice/calendar", want: "/alice/calendar"},
		{in: "/alice/calendar/", want: "/alice/calendar"},
		{in: "/alice//calendar", want: "/alice/calendar"},
		{in: "/alice/./calendar", want: "/alice/calendar"},
		{in: "/alice/x/../calendar", want: "/alice/calendar"},
		{in: "/alice/caf%C3%A9.ics", want: "/alice/café.ics"},
		{in: "", wantErr: true},
		{in: "alice/calendar", wantErr: true},
		{in: "/../etc", wantErr: true},
		{in: "/%zz", wantErr: true},
	}
	for _, tc := range cases {
		got, err := normalizePath(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("normalizePath(%q): expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("normalizePath(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResourceAddressParentAndName(t *testing.T) {
	a := &ResourceAddress{Path: "/alice/calendar/event.ics"}
	if a.ParentPath() != "/alice/calendar" {
		t.Fatalf("parent = %q", a.ParentPath())
	}
	if a.Name() != "event.ics" {
		t.Fatalf("name = %q", a.Name())
	}
	root := &ResourceAddress{Path: "/alice"}
	if root.ParentPath() != "/" {
		t.Fatalf("root-level parent = %q", root.ParentPath())
	}
}

func TestEtagMatches(t *testing.T) {
	cases := []struct {
		header string
		etag   string
		want   bool
	}{
		{`"abc"`, "abc", true},
		{`W/"abc"`, "abc", true},
		{`"x", "abc"`, "abc", true},
		{`*`, "abc", true},
		{`"abc"`, "def", false},
		{`"abc"`, "", false},
	}
	for _, tc := range cases {
		if got := etagMatches(tc.header, tc.etag); got != tc.want {
			t.Errorf("etagMatches(%q, %q) = %v, want %v", tc.header, tc.etag, got, tc.want)
		}
	}
}
