// Package image implements the pure, testable half of firmware image
// planning: the ordered address map, its layout invariants, sys-params
// relocation, flash-params patching, and write-deduplication math. The
// stateful pipeline that drives a chip to act on a Set lives in
// internal/orchestrator.
package image

import (
	"fmt"
	"sort"

	"golang.org/x/exp/slices"
)

const (
	// SysParamsAreaSize is the size of the final region of flash
	// reserved for radio calibration and vendor parameters.
	SysParamsAreaSize = 16384
	// SysParamsType is the attrs["type"] value that marks an image as
	// the sys-params blob, subject to relocation.
	SysParamsType = "sys_params"
	// BootMagic is the byte a valid boot image must start with.
	BootMagic = 0xE9
)

// Image is a contiguous blob destined for a flash offset.
type Image struct {
	Addr  uint32
	Data  []byte
	Attrs map[string]string
}

// End returns the address one past the image's last byte.
func (im Image) End() uint32 {
	return im.Addr + uint32(len(im.Data))
}

// Set is an ordered mapping keyed by address; ascending iteration is
// load-bearing for the overlap check and for write order.
type Set struct {
	byAddr map[uint32]Image
	addrs  []uint32
}

// NewSet returns an empty image set.
func NewSet() *Set {
	return &Set{byAddr: map[uint32]Image{}}
}

// Put inserts or replaces the image at im.Addr, maintaining ascending
// key order.
func (s *Set) Put(im Image) {
	if _, exists := s.byAddr[im.Addr]; !exists {
		i := sort.Search(len(s.addrs), func(i int) bool { return s.addrs[i] >= im.Addr })
		s.addrs = slices.Insert(s.addrs, i, im.Addr)
	}
	s.byAddr[im.Addr] = im
}

// Remove deletes the image at addr, if any.
func (s *Set) Remove(addr uint32) {
	if _, exists := s.byAddr[addr]; !exists {
		return
	}
	delete(s.byAddr, addr)
	i, found := slices.BinarySearch(s.addrs, addr)
	if found {
		s.addrs = slices.Delete(s.addrs, i, i+1)
	}
}

// Get returns the image at addr, if present.
func (s *Set) Get(addr uint32) (Image, bool) {
	im, ok := s.byAddr[addr]
	return im, ok
}

// Images returns the images in ascending-address order.
func (s *Set) Images() []Image {
	out := make([]Image, len(s.addrs))
	for i, addr := range s.addrs {
		out[i] = s.byAddr[addr]
	}
	return out
}

// Len returns the number of images.
func (s *Set) Len() int { return len(s.addrs) }

// SanityCheck enforces the invariants of §3: every image fits within
// [0, flashSize), starts on a sector boundary, doesn't collide with
// the sys-params area (except the sys-params image itself, which must
// already sit exactly there), the boot image at addr 0 (if any) starts
// with BootMagic, and no two images overlap. Overlap detection walks
// adjacent pairs only, which suffices because Images() is ascending.
func (s *Set) SanityCheck(flashSize, sectorSize uint32) error {
	images := s.Images()
	sysParamsBegin := flashSize - SysParamsAreaSize

	for i, im := range images {
		if im.Addr >= flashSize || im.End() > flashSize {
			return fmt.Errorf("image (%d bytes) @ 0x%x will not fit in flash (size %d)", len(im.Data), im.Addr, flashSize)
		}
		if im.Addr%sectorSize != 0 {
			return fmt.Errorf("image starting address 0x%x is not on a flash sector boundary (sector size %d)", im.Addr, sectorSize)
		}
		if im.Addr == 0 && len(im.Data) >= 1 && im.Data[0] != BootMagic {
			return fmt.Errorf("invalid magic byte 0x%02x in the image at 0x0, want 0x%02x", im.Data[0], BootMagic)
		}
		if im.Addr == sysParamsBegin && im.Attrs["type"] == SysParamsType {
			// ok
		} else if im.Addr < flashSize && im.End() > sysParamsBegin {
			return fmt.Errorf("image 0x%x overlaps the system params area (%d bytes @ 0x%x)", im.Addr, SysParamsAreaSize, sysParamsBegin)
		}
		if i > 0 {
			prev := images[i-1]
			if prev.End() > im.Addr {
				return fmt.Errorf("images at offsets 0x%x and 0x%x overlap", prev.Addr, im.Addr)
			}
		}
	}
	return nil
}

// AdjustSysParamsLocation moves the unique image tagged sys_params (if
// any) to sit exactly at flashSize-SysParamsAreaSize, returning
// whether a move happened.
func (s *Set) AdjustSysParamsLocation(flashSize uint32) bool {
	sysParamsBegin := flashSize - SysParamsAreaSize
	for _, im := range s.Images() {
		if im.Attrs["type"] != SysParamsType {
			continue
		}
		if im.Addr == sysParamsBegin {
			return false
		}
		s.Remove(im.Addr)
		im.Addr = sysParamsBegin
		s.Put(im)
		return true
	}
	return false
}

// PatchFlashParams overwrites bytes [2:4] of the image at addr 0 (if
// it exists and is long enough) with the packed flash-params word, in
// big-endian order as the boot ROM expects.
func (s *Set) PatchFlashParams(params uint16) bool {
	im, ok := s.byAddr[0]
	if !ok || len(im.Data) < 4 {
		return false
	}
	im.Data[2] = byte(params >> 8)
	im.Data[3] = byte(params)
	s.byAddr[0] = im
	return true
}
