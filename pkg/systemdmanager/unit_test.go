package systemdmanager

import "testing"

func TestUnitName(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":                "",
		"pump":            "pump.service",
		" heater ":        "heater.service",
		"relay@1.service": "relay@1.service",
		"brew.target":     "brew.target",
	}
	for in, want := range cases {
		if got := UnitName(in); got != want {
			t.Fatalf("UnitName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJobResultErr(t *testing.T) {
	t.Parallel()
	if err := jobResultErr("start", "pump.service", "done"); err != nil {
		t.Fatalf("done: %v", err)
	}
	for _, res := range []string{"failed", "timeout", "canceled", "dependency"} {
		if err := jobResultErr("start", "pump.service", res); err == nil {
			t.Fatalf("%s: expected error", res)
		}
	}
}
