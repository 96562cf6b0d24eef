// Package session implements the counter-augmented symmetric session that
// rides on top of cryptoprim's XChaCha20-Poly1305: encrypt appends a
// reboot/write counter tail before sealing, decrypt strips it after
// opening and resynchronizes the reboot counter when the pump's has moved.
package session

import (
	"encoding/binary"
	"time"

	pump "github.com/vicktor/ypsomed-pump"
	"github.com/vicktor/ypsomed-pump/cryptoprim"
)

// State is the persisted symmetric session state (spec.md §3).
type State struct {
	SharedKey     []byte
	ReadCounter   uint64
	WriteCounter  uint64
	RebootCounter uint32
}

// Cryptor encrypts outgoing payloads and decrypts incoming envelopes for
// one pump, persisting its counters after every operation.
type Cryptor struct {
	store Store
	log   pump.Logger

	state State
}

// defaultExpiryHorizon is the expiry written on a freshly created session.
// The cryptor itself never enforces it — spec.md's decrypt-failure path is
// authoritative for key death — so a long horizon is as good as any.
const defaultExpiryHorizon = 3650 * 24 * time.Hour

// New installs a fresh Cryptor around sharedKey with zeroed counters and
// persists it.
func New(store Store, log pump.Logger, sharedKey []byte) (*Cryptor, error) {
	c := &Cryptor{
		store: store,
		log:   log,
		state: State{SharedKey: append([]byte{}, sharedKey...)},
	}

	expires := time.Now().Add(defaultExpiryHorizon)
	if err := store.PutSharedKey(sharedKey, expires); err != nil {
		return nil, err
	}
	if err := c.persistCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Load restores a Cryptor from the store. It returns (nil, nil) if there is
// no persisted key, or the key's expiry has already passed.
func Load(store Store, log pump.Logger) (*Cryptor, error) {
	key, expires, ok, err := store.GetSharedKey()
	if err != nil {
		return nil, err
	}
	if !ok || time.Now().After(expires) {
		return nil, nil
	}

	c := &Cryptor{
		store: store,
		log:   log,
		state: State{SharedKey: key},
	}

	c.state.ReadCounter, err = store.GetCounter(keyReadCounter)
	if err != nil {
		return nil, err
	}
	c.state.WriteCounter, err = store.GetCounter(keyWriteCounter)
	if err != nil {
		return nil, err
	}
	reboot, err := store.GetCounter(keyRebootCounter)
	if err != nil {
		return nil, err
	}
	c.state.RebootCounter = uint32(reboot)

	return c, nil
}

// State returns a copy of the cryptor's current counters.
func (c *Cryptor) State() State {
	return c.state
}

const (
	keyReadCounter   = "read_counter"
	keyWriteCounter  = "write_counter"
	keyRebootCounter = "reboot_counter"
)

func (c *Cryptor) persistCounters() error {
	if err := c.store.PutCounter(keyReadCounter, c.state.ReadCounter); err != nil {
		return err
	}
	if err := c.store.PutCounter(keyWriteCounter, c.state.WriteCounter); err != nil {
		return err
	}
	return c.store.PutCounter(keyRebootCounter, uint64(c.state.RebootCounter))
}

// Encrypt builds plaintext||reboot_counter(4)||write_counter(8), increments
// and persists the write counter before sealing, and returns
// ciphertext||tag||nonce.
func (c *Cryptor) Encrypt(payload []byte) ([]byte, error) {
	nonce, err := cryptoprim.RandomNonce()
	if err != nil {
		return nil, err
	}

	c.state.WriteCounter++
	if err := c.persistCounters(); err != nil {
		return nil, err
	}

	tail := make([]byte, 12)
	binary.LittleEndian.PutUint32(tail[0:4], c.state.RebootCounter)
	binary.LittleEndian.PutUint64(tail[4:12], c.state.WriteCounter)

	plaintext := make([]byte, 0, len(payload)+len(tail))
	plaintext = append(plaintext, payload...)
	plaintext = append(plaintext, tail...)

	aead, err := cryptoprim.Seal(c.state.SharedKey, nonce, plaintext, nil)
	if err != nil {
		return nil, err
	}

	envelope := make([]byte, 0, len(aead)+len(nonce))
	envelope = append(envelope, aead...)
	envelope = append(envelope, nonce...)

	return envelope, nil
}

// minEnvelopeSize is ciphertext(0) + tag(16) + nonce(24).
const minEnvelopeSize = cryptoprim.TagSize + cryptoprim.NonceSize

// Decrypt opens envelope, strips the 12-byte counter tail, resynchronizes
// the reboot counter if the pump's has moved (resetting the write counter
// to 0 in the same step), and returns the caller's payload.
func (c *Cryptor) Decrypt(envelope []byte) ([]byte, error) {
	if len(envelope) < minEnvelopeSize {
		return nil, pump.NewError(pump.KindDecryptFailed, "envelope too short")
	}

	split := len(envelope) - cryptoprim.NonceSize
	aead, nonce := envelope[:split], envelope[split:]

	plaintext, err := cryptoprim.Open(c.state.SharedKey, nonce, aead, nil)
	if err != nil {
		return nil, pump.WrapError(pump.KindDecryptFailed, "AEAD open failed", err)
	}

	if len(plaintext) < 12 {
		return nil, pump.NewError(pump.KindDecryptFailed, "plaintext shorter than counter tail")
	}

	tail := plaintext[len(plaintext)-12:]
	peerReboot := binary.LittleEndian.Uint32(tail[0:4])
	peerNumeric := binary.LittleEndian.Uint64(tail[4:12])

	if peerReboot != c.state.RebootCounter {
		if c.log != nil {
			c.log.Infof("session: reboot counter changed %d -> %d, resetting write counter", c.state.RebootCounter, peerReboot)
		}
		c.state.RebootCounter = peerReboot
		c.state.WriteCounter = 0
	}
	c.state.ReadCounter = peerNumeric

	if err := c.persistCounters(); err != nil {
		return nil, err
	}

	return plaintext[:len(plaintext)-12], nil
}
