// Package orchestrator drives the 13-phase flashing pipeline of
// spec §4.4: ROM handshake, stub launch, flash-size resolution,
// layout planning (backed by internal/image), SPIFFS merge, write
// dedup, write, verify, and reboot. It owns all per-run mutable state
// exclusively for the run's duration; the only things it exposes
// externally are the notification channel and the prompter port.
package orchestrator

import (
	"sync"

	"github.com/cesanta/esp8266-flasher/internal/hal"
	"github.com/cesanta/esp8266-flasher/internal/prompter"
	"github.com/cesanta/esp8266-flasher/internal/serial"
)

// Part is one named piece of a firmware bundle as handed to this
// module by the (out-of-scope) bundle unpacker.
type Part struct {
	Name  string
	Data  []byte
	Attrs map[string]string
}

// Options carries the options-surface values named in spec §6.
// Pointer/zero-value fields distinguish "not set" from an explicit
// override where that matters (flash size, flash params).
type Options struct {
	// FlashSize overrides auto-detection, in bytes; 0 means unset.
	FlashSize uint32
	// FlashParams overrides the computed flash-params word; nil means
	// unset (compute from detected size, dio/40m).
	FlashParams *uint16

	FlashingDataPort string // optional second serial port device path

	SPIFFSOffset uint32 // default 0xec000
	SPIFFSSize   uint32 // default 65536

	NoMinimizeWrites     bool // disables dedup (phase 10) when true
	FlashEraseChip       bool
	MergeFlashFilesystem bool
	DumpFSPath           string // if set, device SPIFFS image dumped here before merge

	FlashBaudRate int // default 230400

	// StubImage is the flasher-stub binary uploaded to RAM in phase 4.
	StubImage []byte
}

const defaultFallbackFlashSize = 512 * 1024

// Flasher owns the state of a single flashing run. All per-run
// mutable state lives here exclusively for the run's duration (§9,
// Shared mutable state); concurrent calls to Run serialize on mu.
type Flasher struct {
	mu     sync.Mutex
	events chan<- Event
	prompt prompter.Prompter

	totalBytes int
	doneBytes  int
}

// New returns a Flasher that emits notifications on events (nil is
// allowed for callers uninterested in progress) and resolves
// interactive prompts through prompt.
func New(events chan<- Event, prompt prompter.Prompter) *Flasher {
	if prompt == nil {
		prompt = prompter.Headless{}
	}
	return &Flasher{events: events, prompt: prompt}
}

// Run executes the full flashing pipeline against a chip reachable
// through control (and, optionally, a second data port). It closes
// neither port — the caller opened them and is responsible for
// closing them on return, success or failure (§5 resource lifetime).
func (f *Flasher) Run(control, data *serial.Port, parts []Part, opts Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, err := loadImages(parts)
	if err != nil {
		f.emitDone(false, "%v", err)
		return err
	}

	backend, err := hal.For(hal.ESP8266, control, data)
	if err != nil {
		f.emitDone(false, "%v", err)
		return err
	}

	romClient, stubClient := backend.Flasher()

	if err := f.handshake(romClient); err != nil {
		f.emitDone(false, "%v", err)
		return err
	}

	f.emitStatus(true, "launching flasher stub")
	if err := stubClient.Connect(romClient, opts.StubImage, opts.FlashBaudRate); err != nil {
		wrapped := errf(Unavailable, err, "failed to launch flasher stub")
		f.emitDone(false, "%v", wrapped)
		return wrapped
	}

	flashSize, err := resolveFlashSize(stubClient, opts)
	if err != nil {
		f.emitStatus(true, "flash size auto-detection failed, assuming %d bytes", defaultFallbackFlashSize)
		flashSize = defaultFallbackFlashSize
	}

	if set.AdjustSysParamsLocation(flashSize) {
		f.emitStatus(true, "relocated sys_params image to 0x%x", flashSize-sysParamsAreaSize)
	}

	if err := set.SanityCheck(flashSize, sectorSize); err != nil {
		wrapped := errf(InvalidArgument, err, "image layout is invalid")
		f.emitDone(false, "%v", wrapped)
		return wrapped
	}

	params := computeFlashParams(flashSize, opts.FlashParams)
	set.PatchFlashParams(params)

	if opts.MergeFlashFilesystem {
		if err := f.mergeSPIFFS(stubClient, set, opts); err != nil {
			f.emitDone(false, "%v", err)
			return err
		}
	}

	f.totalBytes = totalPlannedBytes(set)

	writeSet := set
	if !opts.NoMinimizeWrites {
		writeSet, err = dedupSet(stubClient, set, sectorSize, blockSize)
		if err != nil {
			wrapped := errf(Unavailable, err, "failed to read device contents for dedup")
			f.emitDone(false, "%v", wrapped)
			return wrapped
		}
	}

	if opts.FlashEraseChip {
		f.emitStatus(false, "erasing entire flash chip")
		if err := stubClient.EraseChip(); err != nil {
			wrapped := errf(Unavailable, err, "chip erase failed")
			f.emitDone(false, "%v", wrapped)
			return wrapped
		}
	}

	if err := f.writeAll(stubClient, writeSet.Images()); err != nil {
		f.emitDone(false, "%v", err)
		return err
	}

	if err := verify(stubClient, set.Images()); err != nil {
		f.emitDone(false, "%v", err)
		return err
	}

	if err := backend.Reboot(romClient, stubClient); err != nil {
		wrapped := errf(Unavailable, err, "reboot failed")
		f.emitDone(false, "%v", wrapped)
		return wrapped
	}

	f.emitDone(true, "flashing complete")
	return nil
}

// handshake implements phase 3: connect with an interactive
// Retry/Cancel prompt on failure.
func (f *Flasher) handshake(romClient romHandshake) error {
	for {
		f.emitStatus(true, "connecting to ROM bootloader")
		err := romClient.Connect()
		if err == nil {
			return nil
		}
		choice, promptErr := f.prompt.Prompt("Failed to sync with the ROM bootloader: "+err.Error(), []string{"Retry", "Cancel"})
		if promptErr != nil || choice != 0 {
			return errf(Unavailable, err, "could not sync to ROM bootloader")
		}
	}
}
