package statestore

import "testing"

func TestEntry_IsUpToDate(t *testing.T) {
	e := Entry{TextHash: "abc", EmbeddingVersion: "bge-m3:768"}

	if !e.IsUpToDate("abc", "bge-m3:768") {
		t.Fatal("expected up to date for matching hash and version")
	}
	if e.IsUpToDate("def", "bge-m3:768") {
		t.Fatal("expected stale when hash changed")
	}
	if e.IsUpToDate("abc", "bge-m3:1024") {
		t.Fatal("expected stale when embedding version changed")
	}
}
