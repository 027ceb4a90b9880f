// Package stub implements the client side of the flasher stub's
// binary RPC protocol: the higher-throughput command set the ESP8266
// speaks once the boot ROM has uploaded and jumped to a small
// RAM-resident program.
package stub

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"time"

	"github.com/cesanta/esp8266-flasher/internal/slip"
)

// SectorSize and BlockSize are the granularities the orchestrator's
// dedup and write-padding logic depend on.
const (
	SectorSize = 4096
	BlockSize  = 65536
)

const (
	cmdFlashErase      = 0x01
	cmdFlashWrite      = 0x02
	cmdFlashRead       = 0x03
	cmdFlashDigest     = 0x04
	cmdFlashReadChipID = 0x05
	cmdFlashEraseChip  = 0x06
	cmdBootFirmware    = 0x07
	cmdReboot          = 0x08
	cmdSetBaudRate     = 0x09
)

// stubLoadAddr and stubEntryAddr are where the RAM-resident stub is
// staged and jumped to; they're internal to the wire protocol between
// this client and the blob the ROM client uploads on its behalf.
const (
	stubLoadAddr  = 0x40100000
	stubEntryAddr = 0x40100000
)

const memUploadBlockSize = 1024

// defaultBaudRate is the rate the stub boots at before any baud
// switch.
const defaultBaudRate = 115200

const readChunkSize = 1024

// romLauncher is the subset of rom.Client used to upload and launch
// the stub image; kept as an interface so tests can fake it.
type romLauncher interface {
	MemBegin(size, numBlocks, blockSize, offset uint32) error
	MemData(block []byte, seq uint32) error
	MemEnd(entryPoint uint32) error
}

// ProgressFunc is called after each acknowledged chunk of a Write or
// Read with the cumulative byte count.
type ProgressFunc func(bytesDone int)

// DigestResult is the response to Digest: one overall MD5 plus,
// when a non-zero block size was requested, one MD5 per block.
type DigestResult struct {
	Overall []byte
	Blocks  [][]byte
}

// Client speaks the stub protocol over transport, which is the data
// channel handed over by the rom.Client once the stub has been
// launched.
type Client struct {
	port        transport
	reader      *slip.Reader
	oldBaudRate int
}

// NewClient wraps t, the already-open data channel.
func NewClient(t transport) *Client {
	return &Client{port: t, reader: slip.NewReader(t)}
}

// Connect uploads stubImage via launcher, jumps to it, and — if speed
// differs from the default — switches the stub and the host to the
// new baud rate. It returns once the stub has confirmed it is alive.
func (c *Client) Connect(launcher romLauncher, stubImage []byte, speed int) error {
	if err := c.uploadAndLaunch(launcher, stubImage); err != nil {
		return fmt.Errorf("stub: failed to launch: %w", err)
	}
	if err := c.readGreeting(); err != nil {
		return fmt.Errorf("stub: failed to read greeting: %w", err)
	}
	if speed != defaultBaudRate {
		if err := c.switchBaud(speed); err != nil {
			return fmt.Errorf("stub: failed to switch baud rate: %w", err)
		}
	}
	return nil
}

func (c *Client) uploadAndLaunch(launcher romLauncher, stubImage []byte) error {
	numBlocks := uint32((len(stubImage) + memUploadBlockSize - 1) / memUploadBlockSize)
	if err := launcher.MemBegin(uint32(len(stubImage)), numBlocks, memUploadBlockSize, stubLoadAddr); err != nil {
		return err
	}
	for seq := uint32(0); seq < numBlocks; seq++ {
		start := seq * memUploadBlockSize
		end := start + memUploadBlockSize
		if end > uint32(len(stubImage)) {
			end = uint32(len(stubImage))
		}
		if err := launcher.MemData(stubImage[start:end], seq); err != nil {
			return fmt.Errorf("upload block %d: %w", seq, err)
		}
	}
	return launcher.MemEnd(stubEntryAddr)
}

func (c *Client) readGreeting() error {
	c.port.SetDeadline(time.Now().Add(3 * time.Second))
	defer c.port.SetDeadline(time.Time{})
	frame, err := c.reader.ReadFrame()
	if err != nil {
		return err
	}
	if greeting := string(frame); greeting != "OHAI" {
		return fmt.Errorf("unexpected greeting %q", greeting)
	}
	return nil
}

func (c *Client) switchBaud(newRate int) error {
	c.oldBaudRate = defaultBaudRate
	args := make([]byte, 8)
	putUint32(args[0:4], uint32(newRate))
	putUint32(args[4:8], uint32(c.oldBaudRate))
	if err := c.send(cmdSetBaudRate, args); err != nil {
		return err
	}
	if err := c.port.SetBaudRate(newRate); err != nil {
		return err
	}
	return c.readStatus(2 * time.Second)
}

func (c *Client) send(cmd byte, args []byte) error {
	payload := append([]byte{cmd}, args...)
	_, err := c.port.Write(slip.Encode(payload))
	return err
}

func (c *Client) recvFrame(timeout time.Duration) ([]byte, error) {
	c.port.SetDeadline(time.Now().Add(timeout))
	defer c.port.SetDeadline(time.Time{})
	return c.reader.ReadFrame()
}

// readStatus consumes the trailing status frame of a command: "\x00"
// (ok), "\x00<code>" (stub-reported error), or "\x01<code>" (framing
// error on the stub's side).
func (c *Client) readStatus(timeout time.Duration) error {
	frame, err := c.recvFrame(timeout)
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	if len(frame) == 0 || frame[0] == 0x00 {
		if len(frame) >= 2 && frame[1] != 0x00 {
			return fmt.Errorf("stub reported error code 0x%02x", frame[1])
		}
		return nil
	}
	code := byte(0)
	if len(frame) >= 2 {
		code = frame[1]
	}
	return fmt.Errorf("stub framing error, code 0x%02x", code)
}

// GetFlashChipID returns the stub's four reply bytes in big-endian
// order: mfg<<24 | type<<16 | capacity<<8 | the fourth byte. It does
// not shift the value down to the 24-bit mfg<<16 | type<<8 | capacity
// form; FlashSizeFromChipID reads mfg and capacity from this layout.
func (c *Client) GetFlashChipID() (uint32, error) {
	if err := c.send(cmdFlashReadChipID, nil); err != nil {
		return 0, fmt.Errorf("command write failed: %w", err)
	}
	frame, err := c.recvFrame(1 * time.Second)
	if err != nil {
		return 0, fmt.Errorf("failed to read result: %w", err)
	}
	if len(frame) != 4 {
		return 0, fmt.Errorf("invalid result length: %d", len(frame))
	}
	chipID := uint32(frame[0])<<24 | uint32(frame[1])<<16 | uint32(frame[2])<<8 | uint32(frame[3])
	if chipID == 0 {
		return 0, fmt.Errorf("0 is not a valid chip ID")
	}
	return chipID, c.readStatus(1 * time.Second)
}

// FlashSizeFromChipID interprets a GetFlashChipID result using the
// power-of-two capacity rule, returning ok=false if detection fails.
func FlashSizeFromChipID(chipID uint32) (size uint32, ok bool) {
	mfg := (chipID >> 24) & 0xff
	capacity := (chipID >> 8) & 0xff
	if mfg != 0 && capacity >= 0x13 && capacity < 0x20 {
		return 1 << capacity, true
	}
	return 0, false
}

// Write streams data to addr, erasing first if erase is true. Both
// addr and len(data) must already be sector-aligned; the orchestrator
// is responsible for zero-padding.
func (c *Client) Write(addr uint32, data []byte, erase bool, progress ProgressFunc) error {
	if err := c.send(cmdFlashWrite, nil); err != nil {
		return fmt.Errorf("command write failed: %w", err)
	}
	args := make([]byte, 12)
	putUint32(args[0:4], addr)
	putUint32(args[4:8], uint32(len(data)))
	if erase {
		putUint32(args[8:12], 1)
	}
	if _, err := c.port.Write(slip.Encode(args)); err != nil {
		return fmt.Errorf("arg write failed: %w", err)
	}

	var numSent, numWritten uint32
	for numWritten < uint32(len(data)) {
		frame, err := c.recvFrame(900 * time.Millisecond)
		if err != nil {
			return fmt.Errorf("failed to read response @ %d: %w", numWritten, err)
		}
		if len(frame) == 1 {
			return fmt.Errorf("failed to write, code: 0x%02x", frame[0])
		}
		if len(frame) != 4 {
			return fmt.Errorf("expected 4 bytes, got %d", len(frame))
		}
		numWritten = uint32(frame[0]) | uint32(frame[1])<<8 | uint32(frame[2])<<16 | uint32(frame[3])<<24
		if progress != nil {
			progress(int(numWritten))
		}
		for numSent-numWritten <= 5120 && numSent < uint32(len(data)) {
			toSend := uint32(1024)
			if numSent+toSend > uint32(len(data)) {
				toSend = uint32(len(data)) - numSent
			}
			n, err := c.port.Write(data[numSent : numSent+toSend])
			if err != nil {
				return fmt.Errorf("failed to write @ %d: %w", numSent, err)
			}
			numSent += uint32(n)
		}
	}

	hashFrame, err := c.recvFrame(3 * time.Second)
	if err != nil {
		return fmt.Errorf("digest read failed: %w", err)
	}
	sum := md5.Sum(data)
	if !bytes.Equal(hashFrame, sum[:]) {
		return fmt.Errorf("hash mismatch: expected %x, got %x", sum, hashFrame)
	}
	return c.readStatus(2 * time.Second)
}

// Read streams size bytes back from addr.
func (c *Client) Read(addr, size uint32, progress ProgressFunc) ([]byte, error) {
	if err := c.send(cmdFlashRead, nil); err != nil {
		return nil, fmt.Errorf("command write failed: %w", err)
	}
	args := make([]byte, 12)
	putUint32(args[0:4], addr)
	putUint32(args[4:8], size)
	putUint32(args[8:12], readChunkSize)
	if _, err := c.port.Write(slip.Encode(args)); err != nil {
		return nil, fmt.Errorf("arg write failed: %w", err)
	}

	data := make([]byte, 0, size)
	for uint32(len(data)) < size {
		frame, err := c.recvFrame(3 * time.Second)
		if err != nil {
			return nil, fmt.Errorf("data read failed @ %d: %w", len(data), err)
		}
		data = append(data, frame...)
		if progress != nil {
			progress(len(data))
		}
	}
	if uint32(len(data)) > size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(data))
	}

	hashFrame, err := c.recvFrame(3 * time.Second)
	if err != nil {
		return nil, fmt.Errorf("digest read failed: %w", err)
	}
	sum := md5.Sum(data)
	if !bytes.Equal(hashFrame, sum[:]) {
		return nil, fmt.Errorf("hash mismatch: expected %x, got %x", sum, hashFrame)
	}
	if _, err := c.recvFrame(2 * time.Second); err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	return data, nil
}

// Digest computes the MD5 of [addr, addr+size). blockSize == 0 means
// overall-only; otherwise the stub also returns one MD5 per block.
func (c *Client) Digest(addr, size, blockSize uint32) (DigestResult, error) {
	var result DigestResult
	if err := c.send(cmdFlashDigest, nil); err != nil {
		return result, fmt.Errorf("command write failed: %w", err)
	}
	args := make([]byte, 12)
	putUint32(args[0:4], addr)
	putUint32(args[4:8], size)
	putUint32(args[8:12], blockSize)
	if _, err := c.port.Write(slip.Encode(args)); err != nil {
		return result, fmt.Errorf("arg write failed: %w", err)
	}

	timeout := 250 * time.Millisecond * time.Duration(size/BlockSize+1)
	if blockSize > 0 {
		timeout = 2500 * time.Millisecond
	}
	for {
		frame, err := c.recvFrame(timeout)
		if err != nil {
			return result, fmt.Errorf("read failed: %w", err)
		}
		switch len(frame) {
		case 16:
			if len(result.Overall) > 0 {
				result.Blocks = append(result.Blocks, result.Overall)
			}
			result.Overall = frame
		case 1:
			return result, nil
		default:
			return result, fmt.Errorf("unexpected response length: %d", len(frame))
		}
	}
}

// EraseChip performs a bulk erase of the whole flash device.
func (c *Client) EraseChip() error {
	return c.simpleCmd(cmdFlashEraseChip, 20*time.Second)
}

// BootFirmware jumps the chip to the normal flash loader; the stub is
// gone after this call.
func (c *Client) BootFirmware() error {
	return c.simpleCmd(cmdBootFirmware, 200*time.Millisecond)
}

// Reboot asks the stub to reset the chip in software.
func (c *Client) Reboot() error {
	return c.simpleCmd(cmdReboot, 200*time.Millisecond)
}

func (c *Client) simpleCmd(cmd byte, timeout time.Duration) error {
	if err := c.send(cmd, nil); err != nil {
		return fmt.Errorf("command write failed: %w", err)
	}
	_, err := c.recvFrame(timeout)
	return err
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
