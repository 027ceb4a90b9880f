package image

import (
	"bytes"
	"crypto/md5"
)

// Dedup compares im's sector-sized blocks against the per-sector MD5
// digests the device already holds at im.Addr (deviceSectorDigests,
// one 16-byte MD5 per ceil(len(im.Data)/sectorSize) sector) and
// returns the sub-images that still need writing.
//
// Matching sectors are skipped; runs of differing sectors become
// contiguous sub-images at their own address. If the total bytes saved
// is below blockSize, fragmenting isn't worth the extra per-sector
// erase cost and the original, undivided image is returned unchanged.
func Dedup(im Image, sectorSize, blockSize uint32, deviceSectorDigests [][]byte) []Image {
	data := im.Data
	numBlocks := (uint32(len(data)) + sectorSize - 1) / sectorSize

	var fragments []Image
	var newAddr, newLen uint32 = im.Addr, 0
	var keptSize uint32

	flush := func() {
		if newLen == 0 {
			return
		}
		frag := im
		frag.Addr = newAddr
		frag.Data = data[newAddr-im.Addr : newAddr-im.Addr+newLen]
		fragments = append(fragments, frag)
		newLen = 0
	}

	for i := uint32(0); i < numBlocks; i++ {
		offset := i * sectorSize
		length := sectorSize
		if offset+length > uint32(len(data)) {
			length = uint32(len(data)) - offset
		}
		sectorHash := md5.Sum(data[offset : offset+length])

		if i < uint32(len(deviceSectorDigests)) && bytes.Equal(sectorHash[:], deviceSectorDigests[i]) {
			flush()
			continue
		}
		if newLen == 0 {
			newAddr = im.Addr + offset
		}
		newLen += length
		keptSize += length
	}
	flush()

	if uint32(len(data))-keptSize >= blockSize {
		return fragments
	}
	return []Image{im}
}
