// Package embedded ships the flasher-stub binary uploaded to the
// ESP8266's RAM in phase 4 of the flashing pipeline (spec §4.4). The
// stub is built by a separate firmware-side project, out of scope
// here per spec §1 ("any runtime agent on the device after the
// flasher stub exits" is excluded, and so is building it) — this
// package only carries the resulting blob.
package embedded

import (
	_ "embed"
)

//go:embed stub_flasher.bin
var stubFlasher []byte

// StubFlasher returns the flasher-stub image passed to
// stub.Client.Connect via orchestrator.Options.StubImage.
func StubFlasher() []byte {
	return stubFlasher
}
