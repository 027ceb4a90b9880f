package main

import (
	"strconv"

	"github.com/cesanta/esp8266-flasher/internal/config"
	"github.com/cesanta/esp8266-flasher/internal/flashparams"
	"github.com/cesanta/esp8266-flasher/internal/orchestrator"
)

// buildOptions translates the resolved option store into the values
// orchestrator.Options expects, per spec §6.
func buildOptions(store *config.Store) (orchestrator.Options, error) {
	opts := orchestrator.Options{
		SPIFFSOffset:         0xec000,
		SPIFFSSize:           65536,
		NoMinimizeWrites:     store.BoolValue("esp8266-no-minimize-writes"),
		FlashEraseChip:       store.BoolValue("esp8266-flash-erase-chip"),
		MergeFlashFilesystem: store.BoolValue("merge-flash-filesystem"),
		DumpFSPath:           store.Value("dump-fs"),
		FlashBaudRate:        baudFlag,
		FlashingDataPort:     store.Value("esp8266-flashing-data-port"),
	}

	if raw := store.Value("esp8266-flash-size"); raw != "" {
		v, err := strconv.ParseUint(raw, 0, 32)
		if err != nil {
			return opts, err
		}
		opts.FlashSize = uint32(v)
	}

	if raw := store.Value("esp8266-flash-params"); raw != "" {
		params, err := flashparams.ParseString(raw)
		if err != nil {
			return opts, err
		}
		opts.FlashParams = &params
	}

	if raw := store.Value("esp8266-spiffs-offset"); raw != "" {
		v, err := strconv.ParseUint(raw, 0, 32)
		if err != nil {
			return opts, err
		}
		opts.SPIFFSOffset = uint32(v)
	}

	if raw := store.Value("esp8266-spiffs-size"); raw != "" {
		v, err := strconv.ParseUint(raw, 0, 32)
		if err != nil {
			return opts, err
		}
		opts.SPIFFSSize = uint32(v)
	}

	return opts, nil
}
