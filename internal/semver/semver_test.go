package semver

import "testing"

func TestSatisfies(t *testing.T) {
	c := MustParseConstraint("^1.2.0")

	if !Satisfies(MustParseVersion("1.2.0"), c) {
		t.Fatalf("expected 1.2.0 to satisfy ^1.2.0")
	}
	if !Satisfies(MustParseVersion("1.9.9"), c) {
		t.Fatalf("expected 1.9.9 to satisfy ^1.2.0")
	}
	if Satisfies(MustParseVersion("2.0.0"), c) {
		t.Fatalf("expected 2.0.0 to NOT satisfy ^1.2.0")
	}
}

func TestMaxSatisfying(t *testing.T) {
	c := MustParseConstraint(">=1.0.0 <2.0.0")
	candidates := []Version{
		MustParseVersion("0.9.0"),
		MustParseVersion("1.0.0"),
		MustParseVersion("1.5.0"),
		MustParseVersion("2.0.0"),
	}

	best, ok := MaxSatisfying(c, candidates)
	if !ok {
		t.Fatalf("expected to find a satisfying version")
	}
	if Compare(best, MustParseVersion("1.5.0")) != 0 {
		t.Fatalf("expected best=1.5.0")
	}
	if best.Original() != "1.5.0" {
		t.Fatalf("expected original 1.5.0, got %q", best.Original())
	}
}

func TestIsExact(t *testing.T) {
	cases := map[string]bool{
		"1.2.3":          true,
		"v1.2.3":         true,
		"1.2.3-SNAPSHOT": true,
		"1.2":            false,
		"^1.2.0":         false,
		">=1.0.0 <2.0.0": false,
		"1.x":            false,
		"":               false,
		"latest":         false,
	}
	for raw, want := range cases {
		if got := IsExact(raw); got != want {
			t.Errorf("IsExact(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestMajorMinor(t *testing.T) {
	v := MustParseVersion("4.8.1")
	if v.Major() != 4 || v.Minor() != 8 {
		t.Fatalf("unexpected major/minor: %d.%d", v.Major(), v.Minor())
	}
	var zero Version
	if zero.Major() != 0 || zero.String() != "" {
		t.Fatalf("zero version should be empty")
	}
}
