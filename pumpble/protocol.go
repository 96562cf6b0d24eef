package pumpble

import (
	"context"
	"crypto/md5"
	"time"

	pump "github.com/vicktor/ypsomed-pump"
	"github.com/vicktor/ypsomed-pump/crc16"
	"github.com/vicktor/ypsomed-pump/framing"
	"github.com/vicktor/ypsomed-pump/session"
)

// AuthSalt is appended to the MAC address before hashing (spec.md §6).
var AuthSalt = []byte{0x4F, 0xC2, 0x45, 0x4D, 0x9B, 0x81, 0x59, 0xA4, 0x93, 0xBB}

// AuthSettleDelay is how long a freshly authenticated connection must sit
// idle before further operations are issued.
const AuthSettleDelay = 200 * time.Millisecond

// Protocol drives one BLE connection's worth of ProBluetooth traffic: auth,
// the encrypted command/response pipelines, and the plaintext bolus
// notification channel. One Protocol is good for exactly one connection;
// the controller builds a fresh one per episode.
type Protocol struct {
	ble     Facade
	cryptor *session.Cryptor
	log     pump.Logger

	// LastDecryptFailed is set by ReadResponse whenever decrypt fails, so
	// the controller can distinguish "BLE glitch" from "key is dead"
	// without parsing error types itself.
	LastDecryptFailed bool

	countersSynced bool
}

// New builds a Protocol around an already-connected Facade. InstallCryptor
// must be called before any encrypted command is issued.
func New(ble Facade, log pump.Logger) *Protocol {
	return &Protocol{ble: ble, log: log}
}

// InstallCryptor swaps in a fresh session cryptor and marks counters
// unsynced, so the next encrypted write forces a System Status read first.
func (p *Protocol) InstallCryptor(c *session.Cryptor) {
	p.cryptor = c
	p.countersSynced = false
	p.LastDecryptFailed = false
}

// MarkCountersUnsynced forces the next SendCommand to perform a resync read
// first, used by the controller right after connecting.
func (p *Protocol) MarkCountersUnsynced() {
	p.countersSynced = false
}

// CountersSynced reports whether a successful decrypt has imported the
// pump's reboot counter yet.
func (p *Protocol) CountersSynced() bool {
	return p.countersSynced
}

// Authenticate writes the MD5(mac||salt) password to the auth
// characteristic and waits out the pump's settle time.
func (p *Protocol) Authenticate(ctx context.Context, mac pump.Addr) error {
	sum := AuthPassword(mac)

	if err := p.ble.WriteDefault(ctx, CharAuthPassword, sum); err != nil {
		return pump.WrapError(pump.KindAuthFailure, "auth password write failed", err)
	}
	if p.log != nil {
		p.log.Debugf("pumpble: authenticated %s, settling %s", mac, AuthSettleDelay)
	}

	select {
	case <-time.After(AuthSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// AuthPassword computes the 16-byte MD5(mac||AuthSalt) password for mac.
func AuthPassword(mac pump.Addr) []byte {
	h := md5.New()
	h.Write(mac.Bytes())
	h.Write(AuthSalt)
	return h.Sum(nil)
}

// SendCommand encrypts payload (optionally appending a CRC16 trailer
// first), frames the envelope, and writes every frame sequentially to
// charUUID. If counters aren't synced yet it performs a System Status read
// first to import the pump's reboot counter (spec.md §4.6, §4.7).
func (p *Protocol) SendCommand(ctx context.Context, charUUID string, payload []byte, addCRC bool) error {
	if !p.countersSynced {
		if p.log != nil {
			p.log.Debug("pumpble: counters unsynced, forcing a System Status resync read")
		}
		if _, err := p.readSystemStatusRaw(ctx); err != nil {
			return err
		}
	}

	if addCRC {
		payload = crc16.Append(payload)
	}

	envelope, err := p.cryptor.Encrypt(payload)
	if err != nil {
		return err
	}

	frames, err := framing.Chunk(envelope)
	if err != nil {
		return pump.WrapError(pump.KindFraming, "chunking failed", err)
	}

	for _, f := range frames {
		if err := p.ble.WriteDefault(ctx, charUUID, f); err != nil {
			return pump.WrapError(pump.KindTransport, "frame write failed", err)
		}
	}

	return nil
}

// ReadResponse reads the first frame from charUUID, the remaining frames
// from the extended-read characteristic if more than one is indicated,
// decrypts the assembled envelope, and optionally verifies+strips a CRC16
// trailer. It returns (nil, nil) — not an error — only when the first frame
// is empty or header-only. A missing extended frame is a KindFraming error,
// a CRC mismatch returns the unstripped plaintext with a KindCrcInvalid
// error, and decrypt failure is surfaced both as an error and via
// LastDecryptFailed.
func (p *Protocol) ReadResponse(ctx context.Context, charUUID string, hasCRC bool) ([]byte, error) {
	first, err := p.ble.Read(ctx, charUUID)
	if err != nil {
		return nil, pump.WrapError(pump.KindTransport, "read failed", err)
	}
	if len(first) <= 1 {
		return nil, nil
	}

	total := framing.TotalFrames(first[0])
	frames := make([][]byte, total)
	frames[0] = first

	for i := 1; i < total; i++ {
		extra, err := p.ble.Read(ctx, CharExtendedRead)
		if err != nil {
			return nil, pump.WrapError(pump.KindFraming, "extended read failed", err)
		}
		if len(extra) <= 1 {
			if p.log != nil {
				p.log.Warnf("pumpble: %s missing extended frame %d/%d", charUUID, i+1, total)
			}
			return nil, pump.NewError(pump.KindFraming, "missing extended frame")
		}
		frames[i] = extra
	}

	assembled := framing.Assemble(frames)

	plaintext, err := p.cryptor.Decrypt(assembled)
	if err != nil {
		p.LastDecryptFailed = true
		if p.log != nil {
			p.log.Warnf("pumpble: %s decrypt failed: %v", charUUID, err)
		}
		return nil, err
	}
	p.LastDecryptFailed = false
	p.countersSynced = true

	if hasCRC {
		if body, ok := crc16.Strip(plaintext); ok {
			return body, nil
		}
		return plaintext, pump.NewError(pump.KindCrcInvalid, "response CRC mismatch")
	}

	return plaintext, nil
}

// readSystemStatusRaw performs the forced resync read described in
// spec.md §4.6 step 2. It does not recurse back through SendCommand's
// counter-sync check.
func (p *Protocol) readSystemStatusRaw(ctx context.Context) ([]byte, error) {
	plaintext, err := p.ReadResponse(ctx, CharSystemStatus, true)
	if err != nil {
		return nil, err
	}
	if plaintext == nil {
		return nil, pump.NewError(pump.KindTransport, "system status read returned no frames")
	}
	return plaintext, nil
}
