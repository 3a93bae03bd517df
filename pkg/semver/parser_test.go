package semver

import (
	"testing"
)

const parserTestPrefix = "semver:parser_test"

func TestIsMajorOnly(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"1", true},
		{"12", true},
		{"1.0", false},
		{"^1", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsMajorOnly(tt.input); got != tt.want {
			t.Errorf("%s - IsMajorOnly(%q) = %v, want %v", parserTestPrefix, tt.input, got, tt.want)
		}
	}
}

func TestIsExactVersion(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"1.2.0", true},
		{"1.2.0-rc.1", true},
		{"1.2.0+build.7", true},
		{"1.2", false},
		{"^1.2.0", false},
	}
	for _, tt := range tests {
		if got := IsExactVersion(tt.input); got != tt.want {
			t.Errorf("%s - IsExactVersion(%q) = %v, want %v", parserTestPrefix, tt.input, got, tt.want)
		}
	}
}

func TestExtractMajorFromRange(t *testing.T) {
	if got := ExtractMajorFromRange("3"); got != 3 {
		t.Errorf("%s - ExtractMajorFromRange(3) = %d", parserTestPrefix, got)
	}
	if got := ExtractMajorFromRange("^3.0.0"); got != -1 {
		t.Errorf("%s - ExtractMajorFromRange(^3.0.0) = %d, want -1", parserTestPrefix, got)
	}
}

func TestNormalizeConstraint(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"blank", "   ", ""},
		{"major only", "1", ">=1.0.0, <2.0.0"},
		{"major zero", "0", ">=0.0.0, <1.0.0"},
		{"exact", "1.2.0", "=1.2.0"},
		{"caret", "^1.2.0", "^1.2.0"},
		{"compound", ">=1.0.0 <3.0.0", ">=1.0.0 <3.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeConstraint(tt.input)
			if err != nil {
				t.Fatalf("%s - NormalizeConstraint(%q): %v", parserTestPrefix, tt.input, err)
			}
			if got != tt.want {
				t.Errorf("%s - NormalizeConstraint(%q) = %q, want %q", parserTestPrefix, tt.input, got, tt.want)
			}
		})
	}
}
