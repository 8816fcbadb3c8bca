package filter

import (
	"reflect"
	"testing"
)

func TestParse_Grammar(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []Group
	}{
		{name: "empty", raw: "", want: []Group{}},
		{name: "single token", raw: "Code", want: []Group{{"code"}}},
		{name: "and group", raw: "code+dev", want: []Group{{"code", "dev"}}},
		{name: "or groups", raw: "code|dev", want: []Group{{"code"}, {"dev"}}},
		{name: "mixed separators", raw: " Go , Rust+\tZig  |design", want: []Group{{"go", "rust", "zig"}, {"design"}}},
		{name: "separator runs", raw: "a++,, b", want: []Group{{"a", "b"}}},
		{name: "empty groups dropped", raw: "|| + , |x|", want: []Group{{"x"}}},
		{name: "only separators", raw: "+,|  |", want: []Group{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.raw).Groups()
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Parse(%q) = %#v, want %#v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestMatches_EmptyTextOnlyForEmptyFilter(t *testing.T) {
	raws := []string{"", "   ", "|", "a", "a+b", "a|b", "+,|x", "  |  |  "}
	for _, raw := range raws {
		f := Parse(raw)
		got := Matches(f, "")
		if got != f.Empty() {
			t.Fatalf("Matches(Parse(%q), \"\") = %v, want %v", raw, got, f.Empty())
		}
	}
}

func TestMatches_AndOrSemantics(t *testing.T) {
	f := Parse("code+dev|design")
	cases := []struct {
		text string
		want bool
	}{
		{"Senior Dev, Code Review", true},
		{"Senior Design Only", true},
		{"Marketing", false},
		{"code only", false},
		{"DEVCODE", true},
	}
	for _, c := range cases {
		if got := f.Matches(c.text); got != c.want {
			t.Fatalf("Matches(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}

func TestMatches_SubstringNotWordBoundary(t *testing.T) {
	f := Parse("dev")
	if !f.Matches("developer") {
		t.Fatal("expected substring match on developer")
	}
}

func TestMatches_ZeroValueMatchesEverything(t *testing.T) {
	var f Filter
	if !Matches(f, "anything") || !Matches(f, "") {
		t.Fatal("zero filter should match everything")
	}
}

func TestFilter_RawAndString(t *testing.T) {
	f := Parse(" Code + Dev | design ")
	if f.Raw() != " Code + Dev | design " {
		t.Fatalf("Raw() = %q", f.Raw())
	}
	if f.String() != "code+dev|design" {
		t.Fatalf("String() = %q, want %q", f.String(), "code+dev|design")
	}
}

func TestFilter_GroupsIsCopy(t *testing.T) {
	f := Parse("a+b")
	g := f.Groups()
	g[0][0] = "zzz"
	if !f.Matches("a b") {
		t.Fatal("mutating Groups() result must not change the filter")
	}
}
