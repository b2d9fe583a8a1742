package audit

import "testing"

func TestDigest_Deterministic(t *testing.T) {
	a := Digest("hello")
	b := Digest("hello")
	if a != b {
		t.Fatalf("digest not deterministic: %s != %s", a, b)
	}
	if a[:7] != "sha256:" {
		t.Fatalf("expected sha256: prefix, got %s", a)
	}
}

func TestDigest_DifferentInputsDiffer(t *testing.T) {
	if Digest("a") == Digest("b") {
		t.Fatalf("expected different digests for different inputs")
	}
}

func TestCanonicalJSON_KeyOrderStable(t *testing.T) {
	a := CanonicalJSON(map[string]interface{}{"b": 1, "a": 2})
	b := CanonicalJSON(map[string]interface{}{"a": 2, "b": 1})
	if a != b {
		t.Fatalf("canonical json differs by key order: %s != %s", a, b)
	}
}
