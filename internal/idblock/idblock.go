// Package idblock builds the device ID block written to a chip during
// provisioning: a SHA-1 digest of a randomly generated, domain-scoped
// device ID, followed by the ID itself and a NUL terminator.
package idblock

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/denisbrodbeck/machineid"
)

// Make returns sha1(randomDeviceID(domain)) || randomDeviceID(domain) || 0x00.
func Make(domain string) ([]byte, error) {
	id, err := randomDeviceID(domain)
	if err != nil {
		return nil, fmt.Errorf("idblock: failed to generate device id: %w", err)
	}
	sum := sha1.Sum(id)
	block := make([]byte, 0, len(sum)+len(id)+1)
	block = append(block, sum[:]...)
	block = append(block, id...)
	block = append(block, 0x00)
	return block, nil
}

// randomDeviceID produces a domain-scoped, collision-resistant device
// ID: the domain followed by 16 random bytes, hex-encoded.
func randomDeviceID(domain string) ([]byte, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return []byte(domain + " " + hex.EncodeToString(buf)), nil
}

// DefaultDomain derives a stable per-host domain salt from the
// machine's local ID, used when the caller doesn't name one
// explicitly (e.g. no --domain flag was given).
func DefaultDomain() (string, error) {
	id, err := machineid.ID()
	if err != nil {
		return "", fmt.Errorf("idblock: failed to read machine id: %w", err)
	}
	return id, nil
}
