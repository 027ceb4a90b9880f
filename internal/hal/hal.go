// Package hal is the polymorphic-backend sum type the original
// codebase expressed as a class hierarchy shared between the ESP8266
// and CC3200 flashing backends. Only the ESP8266 side is implemented;
// CC3200 is out of scope (spec §1) and is kept only as a tagged,
// clearly unsupported Kind so the dispatch table's shape mirrors the
// original.
package hal

import (
	"fmt"

	"github.com/cesanta/esp8266-flasher/internal/rom"
	"github.com/cesanta/esp8266-flasher/internal/serial"
	"github.com/cesanta/esp8266-flasher/internal/stub"
)

// Kind names a supported chip backend.
type Kind int

const (
	ESP8266 Kind = iota
	CC3200
)

func (k Kind) String() string {
	switch k {
	case ESP8266:
		return "esp8266"
	case CC3200:
		return "cc3200"
	default:
		return fmt.Sprintf("hal.Kind(%d)", int(k))
	}
}

// Backend is the operation set every chip family exposes, mirroring
// the original's abstract probe/flasher/name/reboot interface.
type Backend interface {
	// Name identifies the backend for logging/status messages.
	Name() string
	// Probe establishes a ROM handshake and returns the chip's MAC
	// address, without launching a flasher stub.
	Probe() (mac [6]byte, err error)
	// Flasher returns a fresh ROM client and a stub client bound to
	// its data channel, both unconnected — the orchestrator drives
	// the handshake and stub launch so it can own the retry prompts.
	Flasher() (*rom.Client, *stub.Client)
	// Reboot returns the device to normal firmware execution via both
	// the stub's software jump and the ROM's hardware reset pulse.
	Reboot(rc *rom.Client, sc *stub.Client) error
}

// ErrUnsupportedBackend is returned by For for any Kind without an
// implementation (currently CC3200).
type ErrUnsupportedBackend struct {
	Kind Kind
}

func (e *ErrUnsupportedBackend) Error() string {
	return fmt.Sprintf("hal: %s backend is not implemented", e.Kind)
}

// For dispatches to the Backend for kind, wired to the given control
// and (optionally) data serial ports.
func For(kind Kind, control, data *serial.Port) (Backend, error) {
	switch kind {
	case ESP8266:
		return newESP8266(control, data), nil
	default:
		return nil, &ErrUnsupportedBackend{Kind: kind}
	}
}
