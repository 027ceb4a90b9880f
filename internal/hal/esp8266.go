package hal

import (
	"github.com/cesanta/esp8266-flasher/internal/rom"
	"github.com/cesanta/esp8266-flasher/internal/serial"
	"github.com/cesanta/esp8266-flasher/internal/stub"
)

// esp8266 is the only implemented Backend. It owns the control/data
// serial ports for the duration of a run; it does not close them —
// that is the CLI's job per §5's resource-lifetime rule.
type esp8266 struct {
	control *serial.Port
	data    *serial.Port
}

func newESP8266(control, data *serial.Port) *esp8266 {
	return &esp8266{control: control, data: data}
}

func (e *esp8266) Name() string { return "esp8266" }

// Probe mirrors ESP8266HAL::probe in the original: connect to the
// boot ROM, read the MAC address, then soft-reset so the chip is left
// in a known state without a stub resident.
func (e *esp8266) Probe() ([6]byte, error) {
	client := rom.New(e.control, e.data)
	if err := client.Connect(); err != nil {
		return [6]byte{}, err
	}
	mac, err := client.ReadMAC()
	if err != nil {
		return [6]byte{}, err
	}
	if err := client.SoftReset(); err != nil {
		return [6]byte{}, err
	}
	return mac, nil
}

// Flasher returns a fresh, unconnected ROM client and a stub client
// bound to its data channel. The orchestrator drives the ROM
// handshake (with its own retry prompt) and the stub launch itself,
// since both need the interactive-retry semantics of §4.4 phases 3-4.
func (e *esp8266) Flasher() (*rom.Client, *stub.Client) {
	romClient := rom.New(e.control, e.data)
	stubClient := stub.NewClient(romClient.DataPort())
	return romClient, stubClient
}

// Reboot issues both shutdown paths per §4.4 phase 13: the stub's
// software jump (works with no RTS wiring) and the ROM's RTS pulse.
func (e *esp8266) Reboot(rc *rom.Client, sc *stub.Client) error {
	if sc != nil {
		if err := sc.BootFirmware(); err != nil {
			return err
		}
	}
	return rc.RebootIntoFirmware()
}
