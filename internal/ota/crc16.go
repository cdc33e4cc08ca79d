package ota

// CRC-16 used by the light-stick end-of-transfer command: polynomial 0x1021,
// initial value 0x0000, no input/output reflection, no final XOR. The two
// CRC bytes are transmitted little-endian after the block count.

var crc16Table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
}

// Checksum returns the CRC-16 of data.
func Checksum(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}
