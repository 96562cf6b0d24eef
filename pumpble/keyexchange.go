package pumpble

import (
	"context"

	pump "github.com/vicktor/ypsomed-pump"
	"github.com/vicktor/ypsomed-pump/framing"
)

// ReadKeyChallenge reads the 64-byte challenge||pump-public-key pair off
// the (unencrypted) pump-key-read characteristic.
func ReadKeyChallenge(ctx context.Context, ble Facade) (challenge, pumpPublicKey []byte, err error) {
	buf, err := ble.Read(ctx, CharPumpKeyRead)
	if err != nil {
		return nil, nil, pump.WrapError(pump.KindTransport, "key-read failed", err)
	}
	if len(buf) != 64 {
		return nil, nil, pump.NewError(pump.KindTransport, "key-read returned unexpected length")
	}

	return buf[0:32], buf[32:64], nil
}

// WriteEncryptedKey multi-frame-writes the relay's encrypted key-exchange
// payload to the pump-key-write characteristic. This write is unencrypted
// at the ProBluetooth layer — the bytes are already the relay's ciphertext.
func WriteEncryptedKey(ctx context.Context, ble Facade, encrypted []byte) error {
	frames, err := framing.Chunk(encrypted)
	if err != nil {
		return pump.WrapError(pump.KindFraming, "chunking failed", err)
	}

	for _, f := range frames {
		if err := ble.WriteDefault(ctx, CharPumpKeyWrite, f); err != nil {
			return pump.WrapError(pump.KindTransport, "key-write frame failed", err)
		}
	}

	return nil
}
