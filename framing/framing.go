// Package framing implements the ProBluetooth multi-frame transport: each
// frame is a single header byte (high nibble = 1-based index, low nibble =
// total frame count) followed by up to 19 bytes of payload.
package framing

import "fmt"

// MaxPerFrame is the largest payload slice carried by a single frame.
const MaxPerFrame = 19

// MaxFrames is the largest total frame count a header byte can express.
const MaxFrames = 15

// emptySentinel is the lone frame emitted for a zero-length payload.
const emptySentinel = 0x10

// Chunk splits payload into ProBluetooth frames. An empty payload produces
// the single sentinel frame [0x10]. Payloads longer than MaxFrames*MaxPerFrame
// bytes cannot be represented and return an error.
func Chunk(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return [][]byte{{emptySentinel}}, nil
	}

	n := (len(payload) + MaxPerFrame - 1) / MaxPerFrame
	if n > MaxFrames {
		return nil, fmt.Errorf("framing: payload of %d bytes needs %d frames, max is %d", len(payload), n, MaxFrames)
	}

	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := i * MaxPerFrame
		end := start + MaxPerFrame
		if end > len(payload) {
			end = len(payload)
		}

		header := byte(((i+1)<<4)&0xF0) | byte(n&0x0F)
		frame := make([]byte, 0, 1+(end-start))
		frame = append(frame, header)
		frame = append(frame, payload[start:end]...)
		frames = append(frames, frame)
	}

	return frames, nil
}

// Assemble strips the header byte off every frame and concatenates the
// remainders. Frames of length 0 or 1 contribute nothing.
func Assemble(frames [][]byte) []byte {
	var out []byte
	for _, f := range frames {
		if len(f) <= 1 {
			continue
		}
		out = append(out, f[1:]...)
	}
	return out
}

// TotalFrames returns the total frame count encoded in a first-frame header
// byte. A low nibble of 0 is treated as 1 (the empty-payload sentinel).
func TotalFrames(firstByte byte) int {
	n := int(firstByte & 0x0F)
	if n == 0 {
		return 1
	}
	return n
}

// Index returns the 1-based frame index encoded in a header byte.
func Index(headerByte byte) int {
	return int(headerByte>>4) & 0x0F
}
