// Package serial wraps go.bug.st/serial with the ESP8266-specific
// behavior the ROM and flasher-stub clients need: a deadline-based
// Read so higher layers can treat the port like a net.Conn, the
// DTR/RTS reset sequences that drive the chip's GPIO0/RESET strapping
// pins, and mid-session baud rate changes.
package serial

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// ErrTimeout is returned by Read once the current deadline has elapsed
// without any bytes arriving.
var ErrTimeout = errors.New("serial: read deadline exceeded")

// pollInterval bounds how long a single underlying read blocks before
// Read rechecks the deadline; it is not a protocol timeout by itself.
const pollInterval = 100 * time.Millisecond

// Port is a serial connection to one side of the flashing session (the
// control channel, or an independent data channel).
type Port struct {
	port     serial.Port
	name     string
	baudRate int
	deadline time.Time
}

// Open opens portName at baudRate with the 8N1 framing the ESP8266 ROM
// and stub both expect.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	sp, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}
	if err := sp.SetReadTimeout(pollInterval); err != nil {
		sp.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	return &Port{port: sp, name: portName, baudRate: baudRate}, nil
}

// Close closes the underlying port.
func (p *Port) Close() error {
	if p.port == nil {
		return nil
	}
	return p.port.Close()
}

// Write writes data to the port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// SetDeadline arms a deadline for subsequent Read calls; the zero Time
// disables the deadline (Read then blocks indefinitely, polling at
// pollInterval).
func (p *Port) SetDeadline(t time.Time) {
	p.deadline = t
}

// Read implements io.Reader with the armed deadline, polling the
// underlying port in pollInterval slices so a deadline in the past is
// noticed promptly even though the OS-level read timeout is coarser.
func (p *Port) Read(buf []byte) (int, error) {
	for {
		step := pollInterval
		if !p.deadline.IsZero() {
			remaining := time.Until(p.deadline)
			if remaining <= 0 {
				return 0, ErrTimeout
			}
			if remaining < step {
				step = remaining
			}
		}
		if err := p.port.SetReadTimeout(step); err != nil {
			return 0, err
		}
		n, err := p.port.Read(buf)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

// ReadWithTimeout is a convenience one-shot read bounded by timeout,
// used by callers that don't want to manage SetDeadline themselves.
func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	p.SetDeadline(time.Now().Add(timeout))
	defer p.SetDeadline(time.Time{})
	return p.Read(buf)
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// SetDTR sets the DTR line.
func (p *Port) SetDTR(value bool) error {
	return p.port.SetDTR(value)
}

// SetRTS sets the RTS line.
func (p *Port) SetRTS(value bool) error {
	return p.port.SetRTS(value)
}

// EnterBootROM pulses DTR/RTS to assert GPIO0 low across a chip reset,
// putting the ESP8266 into UART boot ROM mode. DTR drives GPIO0 and RTS
// drives RESET on the common auto-reset circuit; both are inverted by
// the level-shifting transistors on the board, hence the polarities
// below look backwards relative to the pin names.
func (p *Port) EnterBootROM() error {
	if err := p.SetDTR(false); err != nil { // IO0 = high
		return err
	}
	if err := p.SetRTS(true); err != nil { // EN = low: reset asserted
		return err
	}
	time.Sleep(100 * time.Millisecond)

	if err := p.SetDTR(true); err != nil { // IO0 = low: boot-ROM strap
		return err
	}
	if err := p.SetRTS(false); err != nil { // EN = high: reset released
		return err
	}
	time.Sleep(50 * time.Millisecond)

	if err := p.SetDTR(false); err != nil { // IO0 = high: release strap
		return err
	}
	time.Sleep(50 * time.Millisecond)

	return p.Flush()
}

// RebootIntoFirmware releases GPIO0 and pulses RESET, causing the chip
// to boot the flashed firmware instead of the ROM loader.
func (p *Port) RebootIntoFirmware() error {
	if err := p.SetDTR(false); err != nil { // IO0 = high: normal boot
		return err
	}
	if err := p.SetRTS(true); err != nil { // EN = low: reset asserted
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return p.SetRTS(false) // EN = high: reset released
}

// SetBaudRate reprograms the host side of the port to match a UART
// divider change the chip has already applied.
func (p *Port) SetBaudRate(baud int) error {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := p.port.SetMode(mode); err != nil {
		return fmt.Errorf("failed to change baud rate to %d: %w", baud, err)
	}
	p.baudRate = baud
	return nil
}

// Name returns the port's system location.
func (p *Port) Name() string { return p.name }

// BaudRate returns the last baud rate this side of the connection was
// set to.
func (p *Port) BaudRate() int { return p.baudRate }

// ListPorts returns the system locations of available serial ports.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
