package core

import "testing"

func TestComputeFingerprint_OrderIndependent(t *testing.T) {
	a := ComputeFingerprint(map[string]string{"x": "1", "y": "2"}, 42)
	b := ComputeFingerprint(map[string]string{"y": "2", "x": "1"}, 42)
	if a != b {
		t.Error("fingerprint depends on map construction order")
	}
}

func TestComputeFingerprint_SensitiveToSeedAndFields(t *testing.T) {
	base := ComputeFingerprint(map[string]string{"x": "1"}, 42)

	if other := ComputeFingerprint(map[string]string{"x": "1"}, 43); other == base {
		t.Error("seed change did not change the fingerprint")
	}
	if other := ComputeFingerprint(map[string]string{"x": "2"}, 42); other == base {
		t.Error("field change did not change the fingerprint")
	}
}

func TestNewHash_StableHexDigest(t *testing.T) {
	h := NewHash([]byte("traitspace"))
	if len(h) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(h))
	}
	if h != NewHash([]byte("traitspace")) {
		t.Error("hash is not deterministic")
	}
}
