package util

import "testing"

func TestReplicaID(t *testing.T) {
	a, b := ReplicaID("node-1"), ReplicaID("node-2")
	if a == 0 || b == 0 {
		t.Fatal("replica ids must not be zero")
	}
	if a == b {
		t.Errorf("expected different ids for different names")
	}
	if ReplicaID("node-1") != a {
		t.Errorf("replica id is not stable")
	}
}
