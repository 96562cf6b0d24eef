package pump

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Addr represents a BLE device address, displayed colon-separated and
// lower-case, e.g. "ec:2a:f0:02:af:6f".
type Addr interface {
	String() string
	Bytes() []byte
}

// NewAddr creates an Addr from a colon-separated hex string.
func NewAddr(s string) Addr {
	return addr(strings.ToLower(s))
}

type addr string

func (a addr) String() string {
	return string(a)
}

func (a addr) Bytes() []byte {
	hexStr := strings.ReplaceAll(a.String(), ":", "")

	out, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil
	}

	return out
}

// macOUI is the fixed organizationally-unique-identifier prefix for every
// YpsoPump radio.
var macOUI = [3]byte{0xEC, 0x2A, 0xF0}

// MACFromSerial derives the pump's BLE MAC address from its decimal serial
// number: EC:2A:F0:XX:XX:XX where XX:XX:XX is the serial, less 10_000_000
// when it exceeds 10_000_000, printed as six upper-case hex digits (its
// three least-significant bytes, most significant first).
func MACFromSerial(serial uint32) Addr {
	n := serial
	if n > 10_000_000 {
		n -= 10_000_000
	}

	hex6 := fmt.Sprintf("%06X", n)
	s := fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		hexByte(macOUI[0]), hexByte(macOUI[1]), hexByte(macOUI[2]),
		hex6[0:2], hex6[2:4], hex6[4:6])

	return NewAddr(s)
}

// BTAddressFromSerial derives the 6 raw bytes sent to the relay during key
// exchange: EC 2A F0 followed by the three least-significant bytes of
// (serial mod 10_000_000) in big-endian display order — the same three
// bytes MACFromSerial shows, just returned as a slice instead of text.
func BTAddressFromSerial(serial uint32) []byte {
	n := serial % 10_000_000

	le := []byte{byte(n), byte(n >> 8), byte(n >> 16)}
	out := []byte{macOUI[0], macOUI[1], macOUI[2], le[2], le[1], le[0]}
	return out
}

func hexByte(b byte) string {
	return strings.ToUpper(hex.EncodeToString([]byte{b}))
}

// DeviceNamePrefix is the BLE advertised local-name prefix for a YpsoPump;
// the serial number follows it as decimal digits.
const DeviceNamePrefix = "YpsoPump_"
