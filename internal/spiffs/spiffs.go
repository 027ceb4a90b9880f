// Package spiffs merges two in-memory SPIFFS filesystem images: the
// one read back from the device being reflashed and the one shipped
// with the new firmware. The merge keeps device-resident files,
// overwrites any file present in both with the incoming version, and
// adds files only present in the incoming image.
//
// The on-flash layout modeled here is a simplified single-version
// object log (one header-plus-data record per file, sequential, no
// free/deleted page bookkeeping or wear levelling) rather than a
// byte-for-byte SPIFFS1 reimplementation — see DESIGN.md for why.
package spiffs

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Config carries the tuning constants that must match the on-device
// build, taken from mem_spiffs.c: FLASH_BLOCK_SIZE and LOG_PAGE_SIZE.
type Config struct {
	BlockSize  int
	PageSize   int
	ObjNameLen int
}

// DefaultConfig matches the constants used by the ESP8266 build this
// tool targets.
var DefaultConfig = Config{BlockSize: 4096, PageSize: 256, ObjNameLen: 32}

func (cfg Config) recordHeaderLen() int {
	return 1 + cfg.ObjNameLen + 4
}

func roundUp(n, multiple int) int {
	if multiple == 0 {
		return n
	}
	rem := n % multiple
	if rem == 0 {
		return n
	}
	return n + multiple - rem
}

// parseFiles scans image for sequential name/size/data records,
// stopping at a zero-length name, an erased (0xFF) length byte, or the
// end of the image.
func parseFiles(image []byte, cfg Config) (map[string][]byte, error) {
	files := map[string][]byte{}
	headerLen := cfg.recordHeaderLen()
	offset := 0
	for offset+headerLen <= len(image) {
		nameLen := int(image[offset])
		if nameLen == 0 || nameLen == 0xFF {
			break
		}
		if nameLen > cfg.ObjNameLen {
			return nil, fmt.Errorf("spiffs: corrupt record at offset %d: name length %d exceeds %d", offset, nameLen, cfg.ObjNameLen)
		}
		name := string(image[offset+1 : offset+1+nameLen])
		sizeOff := offset + 1 + cfg.ObjNameLen
		size := int(binary.LittleEndian.Uint32(image[sizeOff : sizeOff+4]))
		dataOff := sizeOff + 4
		if size < 0 || dataOff+size > len(image) {
			return nil, fmt.Errorf("spiffs: truncated file %q at offset %d", name, offset)
		}
		data := make([]byte, size)
		copy(data, image[dataOff:dataOff+size])
		files[name] = data
		offset += roundUp(size+headerLen, cfg.PageSize)
	}
	return files, nil
}

// serializeFiles lays names out in deterministic order into an image
// of exactly size bytes, padding unused space with 0xFF as an erased
// flash region would read.
func serializeFiles(files map[string][]byte, names []string, size int, cfg Config) ([]byte, error) {
	out := make([]byte, size)
	for i := range out {
		out[i] = 0xFF
	}
	headerLen := cfg.recordHeaderLen()
	offset := 0
	for _, name := range names {
		data := files[name]
		if len(name) > cfg.ObjNameLen {
			return nil, fmt.Errorf("spiffs: file name %q exceeds %d bytes", name, cfg.ObjNameLen)
		}
		recordLen := roundUp(len(data)+headerLen, cfg.PageSize)
		if offset+recordLen > size {
			return nil, fmt.Errorf("spiffs: merged filesystem (%d bytes so far, adding %q) exceeds image size %d", offset, name, size)
		}
		out[offset] = byte(len(name))
		copy(out[offset+1:offset+1+cfg.ObjNameLen], []byte(name))
		binary.LittleEndian.PutUint32(out[offset+1+cfg.ObjNameLen:offset+1+cfg.ObjNameLen+4], uint32(len(data)))
		copy(out[offset+headerLen:], data)
		offset += recordLen
	}
	return out, nil
}

// Merge mounts device and incoming, both images of identical size,
// and returns the union described above.
func Merge(device, incoming []byte, cfg Config) ([]byte, error) {
	if len(device) != len(incoming) {
		return nil, fmt.Errorf("spiffs: image size mismatch: device %d bytes, incoming %d bytes", len(device), len(incoming))
	}

	deviceFiles, err := parseFiles(device, cfg)
	if err != nil {
		return nil, fmt.Errorf("spiffs: failed to mount device image: %w", err)
	}
	incomingFiles, err := parseFiles(incoming, cfg)
	if err != nil {
		return nil, fmt.Errorf("spiffs: failed to mount incoming image: %w", err)
	}

	merged := make(map[string][]byte, len(deviceFiles)+len(incomingFiles))
	var names []string
	for name, data := range deviceFiles {
		merged[name] = data
		names = append(names, name)
	}
	for name, data := range incomingFiles {
		if _, exists := merged[name]; !exists {
			names = append(names, name)
		}
		merged[name] = data // incoming always wins on conflict
	}
	sort.Strings(names)

	return serializeFiles(merged, names, len(device), cfg)
}
