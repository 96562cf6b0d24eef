// Package crc16 implements the pump's self-check trailer: the lower 16
// bits of a CRC-32/0x04C11DB7 computed over a bitstuffed (4-byte-block
// reversed) copy of the payload, emitted little-endian.
package crc16

import "github.com/vicktor/ypsomed-pump/sliceops"

const polynomial = 0x04C11DB7

var table = buildTable()

func buildTable() [256]uint32 {
	var t [256]uint32
	for i := 0; i < 256; i++ {
		reg := uint32(i) << 24
		for bit := 0; bit < 8; bit++ {
			if reg&0x80000000 != 0 {
				reg = (reg << 1) ^ polynomial
			} else {
				reg <<= 1
			}
		}
		t[i] = reg
	}
	return t
}

// bitstuff pads payload to a multiple of 4 bytes with trailing zeros, then
// reverses the byte order within each 4-byte block.
func bitstuff(payload []byte) []byte {
	padded := len(payload)
	if rem := padded % 4; rem != 0 {
		padded += 4 - rem
	}

	out := make([]byte, padded)
	copy(out, payload)
	sliceops.ReverseBlocks(out, 4)
	return out
}

// CRC16 computes the 2-byte little-endian trailer for payload.
func CRC16(payload []byte) []byte {
	stuffed := bitstuff(payload)

	reg := uint32(0xFFFFFFFF)
	for _, b := range stuffed {
		idx := ((reg >> 24) ^ uint32(b)) & 0xFF
		reg = (reg << 8) ^ table[idx]
	}

	return []byte{byte(reg), byte(reg >> 8)}
}

// Append returns payload with its CRC16 trailer appended.
func Append(payload []byte) []byte {
	trailer := CRC16(payload)
	out := make([]byte, 0, len(payload)+2)
	out = append(out, payload...)
	out = append(out, trailer...)
	return out
}

// Verify splits the last 2 bytes off buf as a CRC16 trailer, recomputes the
// checksum over the remainder, and reports whether they match. Buffers
// shorter than 2 bytes are never valid.
func Verify(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}

	body := buf[:len(buf)-2]
	trailer := buf[len(buf)-2:]
	want := CRC16(body)
	return want[0] == trailer[0] && want[1] == trailer[1]
}

// Strip removes a verified CRC16 trailer from buf, returning the body and
// whether the trailer was valid. On failure buf is returned unchanged so
// CRC-agnostic callers can still parse it.
func Strip(buf []byte) ([]byte, bool) {
	if !Verify(buf) {
		return buf, false
	}
	return buf[:len(buf)-2], true
}
