package idblock

import (
	"crypto/sha1"
	"testing"
)

func TestMake_Structure(t *testing.T) {
	block, err := Make("test.example")
	if err != nil {
		t.Fatal(err)
	}
	if len(block) < sha1.Size+1 {
		t.Fatalf("block too short: %d bytes", len(block))
	}
	if block[len(block)-1] != 0x00 {
		t.Error("block should be NUL-terminated")
	}

	digest := block[:sha1.Size]
	id := block[sha1.Size : len(block)-1]
	want := sha1.Sum(id)
	if string(digest) != string(want[:]) {
		t.Error("leading SHA-1 doesn't match the embedded id")
	}
}

func TestMake_Unique(t *testing.T) {
	a, err := Make("d")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Make("d")
	if err != nil {
		t.Fatal(err)
	}
	if string(a) == string(b) {
		t.Error("two calls with the same domain should not collide")
	}
}
