// Package rom implements the client side of the ESP8266 boot ROM's
// SLIP-framed command protocol: connection synchronization, register
// peek/poke, RAM image upload (used to launch the flasher stub), MAC
// readout, baud-rate change, and the two flavors of reset this chip
// needs depending on which GPIO0/RESET lines are wired up.
package rom

import (
	"errors"
	"fmt"
	"time"

	"github.com/cesanta/esp8266-flasher/internal/serial"
	"github.com/cesanta/esp8266-flasher/internal/slip"
)

// ErrSyncFailed is returned by Connect once its retry budget is spent
// without a response from the ROM.
var ErrSyncFailed = errors.New("rom: failed to sync with boot ROM")

const (
	otpMAC0 = 0x3ff00050
	otpMAC1 = 0x3ff00054

	uartClkDivReg = 0x60000014
	uartClockHz   = 40_000_000

	syncAttempts      = 5
	syncDrainResponse = 7
)

// Client talks to the boot ROM over a control channel (DTR/RTS
// capable, used for the reset sequence) and a data channel used for
// the command/response traffic itself. When the caller supplies only
// one serial port, both roles share it.
type Client struct {
	control *serial.Port
	data    *serial.Port
	reader  *slip.Reader
}

// New builds a Client. If data is nil, control is used for both
// roles.
func New(control, data *serial.Port) *Client {
	if data == nil {
		data = control
	}
	return &Client{control: control, data: data, reader: slip.NewReader(data)}
}

// Connect puts the chip into boot-ROM mode and synchronizes with it.
// It is idempotent: calling it again while already synced resets the
// chip into boot-ROM mode once more and re-syncs.
func (c *Client) Connect() error {
	if err := c.control.EnterBootROM(); err != nil {
		return fmt.Errorf("rom: failed to enter boot ROM mode: %w", err)
	}
	return c.sync()
}

func (c *Client) sync() error {
	req := newRequest(cmdSync, syncPayload())
	frame := slip.Encode(req.encode())

	for attempt := 0; attempt < syncAttempts; attempt++ {
		c.data.Flush()
		if _, err := c.data.Write(frame); err != nil {
			continue
		}
		resp, err := c.readResponse(500 * time.Millisecond)
		if err != nil {
			continue
		}
		if resp.cmd == cmdSync && resp.ok() {
			for i := 0; i < syncDrainResponse; i++ {
				c.readResponse(100 * time.Millisecond)
			}
			return nil
		}
	}
	return ErrSyncFailed
}

func (c *Client) sendCommand(cmd byte, payload []byte, timeout time.Duration) (*response, error) {
	req := newRequest(cmd, payload)
	frame := slip.Encode(req.encode())
	if _, err := c.data.Write(frame); err != nil {
		return nil, fmt.Errorf("rom: command 0x%02x write failed: %w", cmd, err)
	}
	resp, err := c.readResponse(timeout)
	if err != nil {
		return nil, fmt.Errorf("rom: command 0x%02x: %w", cmd, err)
	}
	if !resp.ok() {
		return resp, fmt.Errorf("rom: command 0x%02x failed: %s", cmd, resp.errorString())
	}
	return resp, nil
}

func (c *Client) readResponse(timeout time.Duration) (*response, error) {
	c.data.SetDeadline(time.Now().Add(timeout))
	defer c.data.SetDeadline(time.Time{})
	frame, err := c.reader.ReadFrame()
	if err != nil {
		return nil, err
	}
	return decodeResponse(frame)
}

// ReadReg reads a 32-bit memory-mapped register.
func (c *Client) ReadReg(addr uint32) (uint32, error) {
	resp, err := c.sendCommand(cmdReadReg, readRegPayload(addr), 3*time.Second)
	if err != nil {
		return 0, err
	}
	return resp.val, nil
}

// WriteReg writes value to addr, applying mask and then delaying
// delay before returning (some registers need settling time).
func (c *Client) WriteReg(addr, value, mask uint32, delay time.Duration) error {
	_, err := c.sendCommand(cmdWriteReg, writeRegPayload(addr, value, mask, uint32(delay/time.Microsecond)), 3*time.Second)
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

// MemBegin announces an upcoming RAM image upload of size bytes, to
// be sent as numBlocks chunks of blockSize, starting at offset.
func (c *Client) MemBegin(size, numBlocks, blockSize, offset uint32) error {
	_, err := c.sendCommand(cmdMemBegin, memBeginPayload(size, numBlocks, blockSize, offset), 3*time.Second)
	return err
}

// MemData uploads one chunk of a RAM image.
func (c *Client) MemData(block []byte, seq uint32) error {
	_, err := c.sendCommand(cmdMemData, memDataPayload(block, seq), 3*time.Second)
	return err
}

// MemEnd finishes a RAM image upload. If entryPoint is non-zero,
// execution jumps there — this is how the flasher stub is launched.
// A zero entryPoint just flushes the upload and leaves the ROM
// loader in control.
func (c *Client) MemEnd(entryPoint uint32) error {
	_, err := c.sendCommand(cmdMemEnd, memEndPayload(entryPoint != 0, entryPoint), 3*time.Second)
	return err
}

// ReadMAC reconstructs the 6-byte station MAC address from the two
// OTP words the factory burns it into: MAC1's low 16 bits form the
// high-order two MAC bytes, MAC0 supplies the low-order four.
func (c *Client) ReadMAC() ([6]byte, error) {
	var mac [6]byte
	mac0, err := c.ReadReg(otpMAC0)
	if err != nil {
		return mac, fmt.Errorf("rom: failed to read OTP_MAC0: %w", err)
	}
	mac1, err := c.ReadReg(otpMAC1)
	if err != nil {
		return mac, fmt.Errorf("rom: failed to read OTP_MAC1: %w", err)
	}
	mac[0] = byte(mac1 >> 8)
	mac[1] = byte(mac1)
	mac[2] = byte(mac0 >> 24)
	mac[3] = byte(mac0 >> 16)
	mac[4] = byte(mac0 >> 8)
	mac[5] = byte(mac0)
	return mac, nil
}

// ChangeBaud reprograms the chip's UART clock divider for newBaud and
// then switches the host side of the data channel to match.
func (c *Client) ChangeBaud(newBaud int) error {
	divisor := uint32(uartClockHz / newBaud)
	if err := c.WriteReg(uartClkDivReg, divisor, 0xffffff, 0); err != nil {
		return fmt.Errorf("rom: failed to set UART clock divider: %w", err)
	}
	if err := c.data.SetBaudRate(newBaud); err != nil {
		return fmt.Errorf("rom: failed to change host baud rate: %w", err)
	}
	return nil
}

// SoftReset asks the ROM to flush any in-progress upload and return
// to a clean idle state without power-cycling the chip; used after
// probing so a later Connect starts clean.
func (c *Client) SoftReset() error {
	return c.MemEnd(0)
}

// RebootIntoFirmware releases GPIO0 and pulses RESET so the chip
// boots the flashed firmware instead of the ROM loader.
func (c *Client) RebootIntoFirmware() error {
	return c.control.RebootIntoFirmware()
}

// DataPort exposes the data channel so the flasher-stub client (which
// takes over the same wire after MemEnd jumps to the stub) can attach
// to it directly.
func (c *Client) DataPort() *serial.Port {
	return c.data
}
