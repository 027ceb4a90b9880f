package orchestrator

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"strconv"

	"github.com/cesanta/esp8266-flasher/internal/flashparams"
	"github.com/cesanta/esp8266-flasher/internal/image"
	"github.com/cesanta/esp8266-flasher/internal/spiffs"
	"github.com/cesanta/esp8266-flasher/internal/stub"
)

const (
	sectorSize        = stub.SectorSize
	blockSize         = stub.BlockSize
	sysParamsAreaSize = image.SysParamsAreaSize
)

// romHandshake is the subset of *rom.Client phase 3 needs; narrowed so
// tests can substitute a fake without a real serial port.
type romHandshake interface {
	Connect() error
}

// stubLauncher is the subset of *stub.Client that phase 5 (flash-size
// resolution) needs: GetFlashChipID.
type stubLauncher interface {
	GetFlashChipID() (uint32, error)
}

// flasherStub is the subset of *stub.Client the write/verify/dedup
// phases need. Narrowed from the concrete type (rather than reusing
// *stub.Client directly) so internal/orchestrator's tests can supply a
// fake, per the "Verify law" testable property.
type flasherStub interface {
	GetFlashChipID() (uint32, error)
	Write(addr uint32, data []byte, erase bool, progress stub.ProgressFunc) error
	Read(addr, size uint32, progress stub.ProgressFunc) ([]byte, error)
	Digest(addr, size, blockSize uint32) (stub.DigestResult, error)
	EraseChip() error
	BootFirmware() error
}

// loadImages implements phase 1: every part must carry a parseable
// attrs["addr"].
func loadImages(parts []Part) (*image.Set, error) {
	set := image.NewSet()
	for _, part := range parts {
		raw, ok := part.Attrs["addr"]
		if !ok {
			return nil, errf(InvalidArgument, nil, "bundle part %q has no addr attribute", part.Name)
		}
		addr, err := parseAddr(raw)
		if err != nil {
			return nil, errf(InvalidArgument, err, "bundle part %q has invalid addr %q", part.Name, raw)
		}
		set.Put(image.Image{Addr: addr, Data: part.Data, Attrs: part.Attrs})
	}
	return set, nil
}

func parseAddr(raw string) (uint32, error) {
	v, err := strconv.ParseUint(raw, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// resolveFlashSize implements phase 5's priority order: explicit
// flash-params size, explicit FlashSize option, chip-ID detection,
// then the caller falls back to defaultFallbackFlashSize on error.
func resolveFlashSize(fc stubLauncher, opts Options) (uint32, error) {
	if opts.FlashParams != nil {
		if size, err := flashparams.SizeFromParams(*opts.FlashParams); err == nil {
			return size, nil
		}
	}
	if opts.FlashSize != 0 {
		return opts.FlashSize, nil
	}
	chipID, err := fc.GetFlashChipID()
	if err != nil {
		return 0, err
	}
	size, ok := stub.FlashSizeFromChipID(chipID)
	if !ok {
		return 0, fmt.Errorf("could not determine flash size from chip ID 0x%06x", chipID)
	}
	return size, nil
}

// computeFlashParams implements phase 8's parameter word: an explicit
// override wins, otherwise dio/40m with size derived from flashSize.
func computeFlashParams(flashSize uint32, override *uint16) uint16 {
	if override != nil {
		return *override
	}
	return flashparams.ForDetectedSize(flashSize)
}

func totalPlannedBytes(set *image.Set) int {
	total := 0
	for _, im := range set.Images() {
		total += len(im.Data)
	}
	return total
}

// dedupSet implements phase 10: for each image, fetch the device's
// current per-sector digests over its range and fragment accordingly.
// Returns a new Set (the caller keeps the original for verify, per
// property 6/phase 12 operating on the pre-dedup images).
func dedupSet(fc flasherStub, set *image.Set, sectorSize, blockSize uint32) (*image.Set, error) {
	out := image.NewSet()
	for _, im := range set.Images() {
		digest, err := fc.Digest(im.Addr, uint32(len(im.Data)), sectorSize)
		if err != nil {
			return nil, err
		}
		for _, frag := range image.Dedup(im, sectorSize, blockSize, digest.Blocks) {
			out.Put(frag)
		}
	}
	return out, nil
}

// writeAll implements phase 11: write every planned image, zero-padded
// to a sector boundary, in ascending address order, relaying progress.
func (f *Flasher) writeAll(fc flasherStub, images []image.Image) error {
	for _, im := range images {
		padded := padToSector(im.Data, sectorSize)
		originalLen := len(im.Data)
		base := f.doneBytes
		err := fc.Write(im.Addr, padded, true, func(bytesDone int) {
			accounted := bytesDone
			if accounted > originalLen {
				accounted = originalLen
			}
			f.doneBytes = base + accounted
			f.emitProgress(f.doneBytes)
		})
		if err != nil {
			return errf(Unavailable, err, "write failed at 0x%x", im.Addr)
		}
	}
	return nil
}

func padToSector(data []byte, sectorSize uint32) []byte {
	n := uint32(len(data))
	rem := n % sectorSize
	if rem == 0 {
		return data
	}
	padded := make([]byte, n+(sectorSize-rem))
	copy(padded, data)
	return padded
}

// verify implements phase 12: every original (pre-dedup) image must
// match the stub's reported digest of its flash range.
func verify(fc flasherStub, originals []image.Image) error {
	for _, im := range originals {
		want := md5.Sum(im.Data)
		result, err := fc.Digest(im.Addr, uint32(len(im.Data)), 0)
		if err != nil {
			return errf(Unavailable, err, "failed to read back digest at 0x%x", im.Addr)
		}
		if !bytes.Equal(result.Overall, want[:]) {
			return errf(DataLoss, nil, "digest mismatch at 0x%x", im.Addr)
		}
	}
	return nil
}

// mergeSPIFFS implements phase 9: read the device's current SPIFFS
// image, optionally dump it, merge with the incoming one (the unique
// part with attrs["type"]=="spiffs"), and substitute the merged result
// back into set. On merge failure, prompts {Cancel, Write new, Keep
// old}.
func (f *Flasher) mergeSPIFFS(fc flasherStub, set *image.Set, opts Options) error {
	const spiffsType = "spiffs"
	var incoming *image.Image
	for _, im := range set.Images() {
		if im.Attrs["type"] == spiffsType {
			cp := im
			incoming = &cp
			break
		}
	}
	if incoming == nil {
		return nil
	}

	f.emitStatus(true, "reading device filesystem for merge")
	device, err := fc.Read(opts.SPIFFSOffset, opts.SPIFFSSize, nil)
	if err != nil {
		return errf(Unavailable, err, "failed to read device filesystem")
	}

	if opts.DumpFSPath != "" {
		if err := dumpFS(opts.DumpFSPath, device); err != nil {
			f.emitStatus(true, "failed to write fs dump to %s: %v", opts.DumpFSPath, err)
		}
	}

	cfg := spiffs.DefaultConfig
	merged, mergeErr := spiffs.Merge(device, incoming.Data, cfg)
	if mergeErr != nil {
		choice, promptErr := f.prompt.Prompt(
			fmt.Sprintf("Failed to merge filesystem: %v", mergeErr),
			[]string{"Cancel", "Write new", "Keep old"})
		if promptErr != nil {
			return errf(Unavailable, promptErr, "filesystem merge prompt failed")
		}
		switch choice {
		case 0:
			return errf(Unavailable, mergeErr, "filesystem merge cancelled by user")
		case 1:
			return nil // keep incoming.Data as-is in set
		case 2:
			merged = device
		}
	}

	incoming.Data = merged
	set.Put(*incoming)
	return nil
}
