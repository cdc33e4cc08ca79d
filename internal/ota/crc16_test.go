//go:build test

package ota_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/glowlink/stick/internal/ota"
)

func TestChecksum(t *testing.T) {
	// GOAL: Verify the CRC-16 variant: poly 0x1021, init 0x0000, no reflection, no final XOR
	//
	// TEST SCENARIO: Known vectors → exact checksum values

	assert.Equal(t, uint16(0x0000), ota.Checksum(nil), "empty input MUST yield 0x0000")
	assert.Equal(t, uint16(0x0000), ota.Checksum([]byte{}), "empty slice MUST yield 0x0000")
	assert.Equal(t, uint16(0x31C3), ota.Checksum([]byte("123456789")), "standard check input MUST yield 0x31C3")
	assert.Equal(t, uint16(0x58E5), ota.Checksum([]byte("A")), "single byte 'A' MUST yield 0x58E5")
}

func TestChecksumDeterministic(t *testing.T) {
	// GOAL: Verify the checksum is a pure function of the byte sequence
	//
	// TEST SCENARIO: Same bytes in a fresh slice → identical checksum

	image := make([]byte, 1024)
	for i := range image {
		image[i] = byte(i * 7)
	}
	assert.Equal(t, ota.Checksum(image), ota.Checksum(append([]byte(nil), image...)),
		"checksum MUST be deterministic")
}
