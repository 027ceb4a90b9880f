package spiffs

import (
	"bytes"
	"testing"
)

const imageSize = 65536

func buildImage(t *testing.T, files map[string][]byte, cfg Config) []byte {
	t.Helper()
	var names []string
	for name := range files {
		names = append(names, name)
	}
	img, err := serializeFiles(files, names, imageSize, cfg)
	if err != nil {
		t.Fatalf("serializeFiles: %v", err)
	}
	return img
}

// S6: device has {a,b}, incoming has {b',c}; merged has {a,b',c}.
func TestMerge_UnionSemantics(t *testing.T) {
	cfg := DefaultConfig
	device := buildImage(t, map[string][]byte{
		"a": []byte("device-a"),
		"b": []byte("device-b-old"),
	}, cfg)
	incoming := buildImage(t, map[string][]byte{
		"b": []byte("incoming-b-new"),
		"c": []byte("incoming-c"),
	}, cfg)

	merged, err := Merge(device, incoming, cfg)
	if err != nil {
		t.Fatal(err)
	}

	files, err := parseFiles(merged, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %d: %v", len(files), files)
	}
	if !bytes.Equal(files["a"], []byte("device-a")) {
		t.Errorf("a should be preserved from device, got %q", files["a"])
	}
	if !bytes.Equal(files["b"], []byte("incoming-b-new")) {
		t.Errorf("b should be overwritten by incoming, got %q", files["b"])
	}
	if !bytes.Equal(files["c"], []byte("incoming-c")) {
		t.Errorf("c should be added from incoming, got %q", files["c"])
	}
}

func TestMerge_SizeMismatch(t *testing.T) {
	cfg := DefaultConfig
	device := make([]byte, imageSize)
	incoming := make([]byte, imageSize*2)
	if _, err := Merge(device, incoming, cfg); err == nil {
		t.Error("expected error for mismatched image sizes")
	}
}

func TestMerge_EmptyImages(t *testing.T) {
	cfg := DefaultConfig
	device := buildImage(t, map[string][]byte{}, cfg)
	incoming := buildImage(t, map[string][]byte{"only": []byte("x")}, cfg)

	merged, err := Merge(device, incoming, cfg)
	if err != nil {
		t.Fatal(err)
	}
	files, err := parseFiles(merged, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || !bytes.Equal(files["only"], []byte("x")) {
		t.Errorf("files = %v", files)
	}
}
