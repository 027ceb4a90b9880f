package orchestrator

import (
	"crypto/md5"
	"errors"
	"testing"

	"github.com/cesanta/esp8266-flasher/internal/image"
	"github.com/cesanta/esp8266-flasher/internal/stub"
)

// fakeStub implements flasherStub for the verify/dedup/write phases,
// without any real serial hardware.
type fakeStub struct {
	flash      map[uint32][]byte // addr -> device-resident bytes, sector-granular
	chipID     uint32
	writes     []writeCall
	erasedChip bool
	booted     bool
}

type writeCall struct {
	addr uint32
	data []byte
}

func newFakeStub() *fakeStub {
	return &fakeStub{flash: map[uint32][]byte{}}
}

func (f *fakeStub) GetFlashChipID() (uint32, error) { return f.chipID, nil }

func (f *fakeStub) Write(addr uint32, data []byte, erase bool, progress stub.ProgressFunc) error {
	f.writes = append(f.writes, writeCall{addr: addr, data: append([]byte(nil), data...)})
	f.flash[addr] = append([]byte(nil), data...)
	if progress != nil {
		progress(len(data))
	}
	return nil
}

func (f *fakeStub) Read(addr, size uint32, progress stub.ProgressFunc) ([]byte, error) {
	data, ok := f.flash[addr]
	if !ok {
		return make([]byte, size), nil
	}
	if uint32(len(data)) > size {
		data = data[:size]
	}
	return data, nil
}

// Digest reports per-sector MD5s over [addr, addr+size) sourced from
// whatever f.flash already holds there, defaulting to all-zero sectors
// for addresses never written (simulating blank/erased flash).
func (f *fakeStub) Digest(addr, size, blockSize uint32) (stub.DigestResult, error) {
	var result stub.DigestResult
	device := f.flash[addr]
	full := md5.Sum(padOrTrim(device, size))
	result.Overall = full[:]
	if blockSize == 0 {
		return result, nil
	}
	for off := uint32(0); off < size; off += blockSize {
		end := off + blockSize
		if end > size {
			end = size
		}
		chunk := padOrTrim(device, size)[off:end]
		sum := md5.Sum(chunk)
		result.Blocks = append(result.Blocks, sum[:])
	}
	return result, nil
}

func padOrTrim(data []byte, size uint32) []byte {
	out := make([]byte, size)
	copy(out, data)
	return out
}

func (f *fakeStub) EraseChip() error    { f.erasedChip = true; return nil }
func (f *fakeStub) BootFirmware() error { f.booted = true; return nil }

type fakeRom struct {
	failTimes int
	calls     int
}

func (r *fakeRom) Connect() error {
	r.calls++
	if r.calls <= r.failTimes {
		return errors.New("sync timeout")
	}
	return nil
}

func TestVerify_Success(t *testing.T) {
	fc := newFakeStub()
	data := []byte{0xE9, 0, 0, 0, 1, 2, 3, 4}
	fc.flash[0] = data
	im := image.Image{Addr: 0, Data: data}
	if err := verify(fc, []image.Image{im}); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerify_Mismatch(t *testing.T) {
	fc := newFakeStub()
	fc.flash[0] = []byte{0, 0, 0, 0}
	im := image.Image{Addr: 0, Data: []byte{0xE9, 1, 2, 3}}
	err := verify(fc, []image.Image{im})
	if err == nil {
		t.Fatal("expected digest mismatch error")
	}
	var oe *Error
	if !errorsAs(err, &oe) || oe.Kind != DataLoss {
		t.Fatalf("expected DataLoss, got %v", err)
	}
}

func errorsAs(err error, target **Error) bool {
	oe, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = oe
	return true
}

func TestHandshake_RetryThenSucceed(t *testing.T) {
	f := New(nil, fixedChoice{0})
	rom := &fakeRom{failTimes: 2}
	if err := f.handshake(rom); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if rom.calls != 3 {
		t.Errorf("calls = %d, want 3", rom.calls)
	}
}

func TestHandshake_CancelOnFailure(t *testing.T) {
	f := New(nil, fixedChoice{1})
	rom := &fakeRom{failTimes: 100}
	err := f.handshake(rom)
	if err == nil {
		t.Fatal("expected error after cancel")
	}
	var oe *Error
	if !errorsAs(err, &oe) || oe.Kind != Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

type fixedChoice struct{ choice int }

func (f fixedChoice) Prompt(message string, choices []string) (int, error) {
	return f.choice, nil
}

func TestLoadImages_MissingAddr(t *testing.T) {
	_, err := loadImages([]Part{{Name: "boot", Data: []byte{1}}})
	if err == nil {
		t.Fatal("expected error for missing addr")
	}
	var oe *Error
	if !errorsAs(err, &oe) || oe.Kind != InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestLoadImages_Happy(t *testing.T) {
	set, err := loadImages([]Part{
		{Name: "boot", Data: []byte{0xE9, 0, 0, 0}, Attrs: map[string]string{"addr": "0x0"}},
		{Name: "params", Data: make([]byte, 16384), Attrs: map[string]string{"addr": "500000", "type": "sys_params"}},
	})
	if err != nil {
		t.Fatalf("loadImages: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("Len = %d, want 2", set.Len())
	}
}

func TestResolveFlashSize_Priority(t *testing.T) {
	fc := newFakeStub()
	fc.chipID = 0xef001600 // mfg=0xef (bits 24-31), capacity=0x16 (bits 8-15) -> 1<<0x16 bytes

	// explicit FlashParams wins.
	params := uint16(0x0220) // dio, 8m -> 1048576
	size, err := resolveFlashSize(fc, Options{FlashParams: &params})
	if err != nil || size != 1048576 {
		t.Fatalf("size=%d err=%v, want 1048576", size, err)
	}

	// explicit FlashSize wins over chip-ID detection.
	size, err = resolveFlashSize(fc, Options{FlashSize: 2097152})
	if err != nil || size != 2097152 {
		t.Fatalf("size=%d err=%v, want 2097152", size, err)
	}

	// falls through to chip-ID detection.
	size, err = resolveFlashSize(fc, Options{})
	if err != nil {
		t.Fatalf("resolveFlashSize: %v", err)
	}
	want := uint32(1) << 0x16
	if size != want {
		t.Fatalf("size=%d, want %d", size, want)
	}
}

// spiffsRecord builds one raw record in the on-flash object-log format
// internal/spiffs expects: [nameLen(1)][name padded][size u32 LE][data],
// so mergeSPIFFS can be exercised without exporting spiffs' internals.
func spiffsRecord(name string, data []byte, cfg spiffsConfigLike) []byte {
	headerLen := 1 + cfg.ObjNameLen + 4
	recordLen := headerLen + len(data)
	if rem := recordLen % cfg.PageSize; rem != 0 {
		recordLen += cfg.PageSize - rem
	}
	rec := make([]byte, recordLen)
	for i := range rec {
		rec[i] = 0xFF
	}
	rec[0] = byte(len(name))
	copy(rec[1:1+cfg.ObjNameLen], name)
	putLE32(rec[1+cfg.ObjNameLen:1+cfg.ObjNameLen+4], uint32(len(data)))
	copy(rec[headerLen:], data)
	return rec
}

type spiffsConfigLike struct {
	BlockSize, PageSize, ObjNameLen int
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func buildSPIFFSImage(size int, cfg spiffsConfigLike, files map[string][]byte) []byte {
	img := make([]byte, size)
	for i := range img {
		img[i] = 0xFF
	}
	offset := 0
	for name, data := range files {
		rec := spiffsRecord(name, data, cfg)
		copy(img[offset:], rec)
		offset += len(rec)
	}
	return img
}

func TestMergeSPIFFS_UnionAndSubstitution(t *testing.T) {
	const size = 65536
	cfg := spiffsConfigLike{BlockSize: 4096, PageSize: 256, ObjNameLen: 32}

	device := buildSPIFFSImage(size, cfg, map[string][]byte{"a": []byte("old-a")})
	incoming := buildSPIFFSImage(size, cfg, map[string][]byte{"b": []byte("new-b")})

	fc := newFakeStub()
	fc.flash[0xec000] = device

	set := image.NewSet()
	set.Put(image.Image{Addr: 0xec000, Data: incoming, Attrs: map[string]string{"type": "spiffs"}})

	f := New(nil, fixedChoice{0})
	opts := Options{SPIFFSOffset: 0xec000, SPIFFSSize: size}
	if err := f.mergeSPIFFS(fc, set, opts); err != nil {
		t.Fatalf("mergeSPIFFS: %v", err)
	}

	merged, ok := set.Get(0xec000)
	if !ok {
		t.Fatal("expected merged image still at 0xec000")
	}
	if !containsFileMarker(merged.Data, "old-a") || !containsFileMarker(merged.Data, "new-b") {
		t.Errorf("merged image should contain both device and incoming files")
	}
}

func containsFileMarker(data []byte, marker string) bool {
	return bytesContains(data, []byte(marker))
}

func bytesContains(haystack, needle []byte) bool {
	if len(needle) == 0 {
		return true
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func TestDedupSet_FragmentsOverThreshold(t *testing.T) {
	data := make([]byte, 128*1024)
	for i := range data[:64*1024] {
		data[i] = 0xAA
	}
	for i := 64 * 1024; i < len(data); i++ {
		data[i] = 0xBB // differs from the device's (implicitly zero) tail
	}
	fc := newFakeStub()
	fc.flash[0] = append([]byte(nil), data[:64*1024]...) // device matches first 64KiB

	set := image.NewSet()
	set.Put(image.Image{Addr: 0, Data: data})

	out, err := dedupSet(fc, set, 4096, 65536)
	if err != nil {
		t.Fatalf("dedupSet: %v", err)
	}
	images := out.Images()
	if len(images) != 1 {
		t.Fatalf("got %d fragments, want 1", len(images))
	}
	if images[0].Addr != 65536 || len(images[0].Data) != 65536 {
		t.Fatalf("fragment = {addr:0x%x, len:%d}, want {addr:0x10000, len:65536}", images[0].Addr, len(images[0].Data))
	}
}
