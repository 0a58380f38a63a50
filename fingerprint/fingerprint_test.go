package fingerprint

import "testing"

func TestOfIsDeterministic(t *testing.T) {
	s := Spec{
		Command: []string{"mincblur", "-fwhm", "2", "in.mnc", "out.mnc"},
		Inputs:  []string{"in.mnc"},
		Outputs: []string{"out.mnc"},
		Env:     map[string]string{"MINC_COMPRESS": "4"},
	}
	a := Of(s)
	b := Of(s)
	if a != b {
		t.Fatalf("Of() not deterministic: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars (sha256), got %d", len(a))
	}
}

func TestOfEnvKeyOrderIndependent(t *testing.T) {
	s1 := Spec{Command: []string{"cmd"}, Env: map[string]string{"A": "1", "B": "2"}}
	s2 := Spec{Command: []string{"cmd"}, Env: map[string]string{"B": "2", "A": "1"}}
	if Of(s1) != Of(s2) {
		t.Fatalf("fingerprint should not depend on map iteration order")
	}
}

func TestOfDistinguishesCommand(t *testing.T) {
	s1 := Spec{Command: []string{"cmd", "a"}}
	s2 := Spec{Command: []string{"cmd", "b"}}
	if Of(s1) == Of(s2) {
		t.Fatalf("distinct commands must fingerprint differently")
	}
}

func TestOfDistinguishesCommandOrder(t *testing.T) {
	s1 := Spec{Command: []string{"a", "b"}}
	s2 := Spec{Command: []string{"b", "a"}}
	if Of(s1) == Of(s2) {
		t.Fatalf("command argv order must affect the fingerprint")
	}
}
